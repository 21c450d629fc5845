package detector

import (
	"errors"
	"testing"
	"time"
)

func TestInspectNilIsNil(t *testing.T) {
	d := New("orgA", nil, nil)
	if got := d.Inspect(nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestInspectPassthroughForUnrelatedError(t *testing.T) {
	d := New("orgA", nil, nil)
	plain := errors.New("connection reset")
	got := d.Inspect(plain)
	if got != plain {
		t.Fatalf("expected unrelated error to pass through unchanged")
	}
}

func TestInspectThrottleInvokesCallbackAndWraps(t *testing.T) {
	var gotSource string
	var gotRetry time.Duration
	d := New("orgA", func(source string, retryAfter time.Duration) {
		gotSource = source
		gotRetry = retryAfter
	}, nil)

	err := d.Inspect(&Fault{Code: CodeRequestsExceeded, RetryAfter: 45})
	var te *ThrottleError
	if !errors.As(err, &te) {
		t.Fatalf("expected ThrottleError, got %v (%T)", err, err)
	}
	if te.RetryAfter != 45*time.Second {
		t.Fatalf("expected 45s retry after, got %v", te.RetryAfter)
	}
	if gotSource != "orgA" {
		t.Fatalf("expected throttle callback source orgA, got %q", gotSource)
	}
	if gotRetry != 45*time.Second {
		t.Fatalf("expected callback retryAfter 45s, got %v", gotRetry)
	}
}

func TestInspectThrottleByHTTPStatus(t *testing.T) {
	var gotRetry time.Duration
	d := New("orgA", func(source string, retryAfter time.Duration) {
		gotRetry = retryAfter
	}, nil)

	err := d.Inspect(&Fault{HTTPStatus: 429, RetryAfter: "5"})
	var te *ThrottleError
	if !errors.As(err, &te) {
		t.Fatalf("expected ThrottleError for HTTP 429, got %v", err)
	}
	if gotRetry != 5*time.Second {
		t.Fatalf("expected 5s retry after, got %v", gotRetry)
	}
}

func TestInspectTokenFailureByHTTPStatus(t *testing.T) {
	var invoked bool
	d := New("orgA", nil, func() { invoked = true })

	err := d.Inspect(&Fault{HTTPStatus: 401, Message: "unauthorized"})
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if !ae.RequiresReauthentication {
		t.Fatalf("expected RequiresReauthentication true for token failure")
	}
	if !invoked {
		t.Fatalf("expected auth callback to be invoked")
	}
}

func TestInspectTokenFailureByMessageSignature(t *testing.T) {
	d := New("orgA", nil, nil)
	for _, msg := range []string{
		"AADSTS700082: expired token",
		"the token has expired",
		"credential invalid for this application",
	} {
		err := d.Inspect(&Fault{Message: msg})
		var ae *AuthError
		if !errors.As(err, &ae) {
			t.Fatalf("message %q: expected AuthError, got %v", msg, err)
		}
		if !ae.RequiresReauthentication {
			t.Fatalf("message %q: expected requires-reauth true", msg)
		}
	}
}

func TestInspectPermissionFailureDoesNotRequireReauth(t *testing.T) {
	d := New("orgA", nil, nil)
	err := d.Inspect(&Fault{HTTPStatus: 403, Message: "access denied"})
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if ae.RequiresReauthentication {
		t.Fatalf("expected RequiresReauthentication false for permission failure")
	}
}

func TestParseRetryAfterShapesAgree(t *testing.T) {
	cases := []any{
		30 * time.Second,
		30,
		int64(30),
		float64(30),
		"30",
	}
	for _, c := range cases {
		if got := parseRetryAfter(c); got != 30*time.Second {
			t.Fatalf("shape %v (%T): expected 30s, got %v", c, c, got)
		}
	}
}

func TestParseRetryAfterMissingDefaultsTo30s(t *testing.T) {
	if got := parseRetryAfter(nil); got != DefaultRetryAfter {
		t.Fatalf("expected default 30s, got %v", got)
	}
}
