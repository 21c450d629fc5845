package clientsource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func init() {
	creationBackoffBase = time.Millisecond
	notReadyWait = 10 * time.Millisecond
}

type fakeHandle struct {
	id    int64
	ready bool
}

func (h *fakeHandle) Ready(ctx context.Context) bool { return h.ready }
func (h *fakeHandle) Clone(ctx context.Context) (Handle, error) {
	return &fakeHandle{id: h.id, ready: true}, nil
}
func (h *fakeHandle) RecommendedDOP() int { return 4 }
func (h *fakeHandle) Close() error        { return nil }

func TestGetSeedClientCachesAcrossCalls(t *testing.T) {
	var calls int64
	src := New("orgA", 10, func(ctx context.Context) (Handle, error) {
		id := atomic.AddInt64(&calls, 1)
		return &fakeHandle{id: id, ready: true}, nil
	})

	h1, err := src.GetSeedClient(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := src.GetSeedClient(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected cached seed handle to be reused")
	}
	if calls != 1 {
		t.Fatalf("expected factory called exactly once, got %d", calls)
	}
}

func TestConcurrentGetSeedClientCoalescesCreation(t *testing.T) {
	var calls int64
	block := make(chan struct{})
	src := New("orgA", 10, func(ctx context.Context) (Handle, error) {
		atomic.AddInt64(&calls, 1)
		<-block
		return &fakeHandle{ready: true}, nil
	})

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = src.GetSeedClient(context.Background())
		}()
	}
	close(block)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one coalesced factory call, got %d", calls)
	}
}

func TestInvalidateSeedForcesRecreation(t *testing.T) {
	var calls int64
	src := New("orgA", 10, func(ctx context.Context) (Handle, error) {
		atomic.AddInt64(&calls, 1)
		return &fakeHandle{ready: true}, nil
	})

	_, _ = src.GetSeedClient(context.Background())
	src.InvalidateSeed()
	_, _ = src.GetSeedClient(context.Background())

	if calls != 2 {
		t.Fatalf("expected factory called twice after invalidation, got %d", calls)
	}
}

func TestExternalSourceInvalidateIsNoOp(t *testing.T) {
	h := &fakeHandle{ready: true}
	src := NewExternal("orgA", 5, h)

	got, err := src.GetSeedClient(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != h {
		t.Fatalf("expected external handle to be returned as-is")
	}

	src.InvalidateSeed()
	got2, _ := src.GetSeedClient(context.Background())
	if got2 != h {
		t.Fatalf("expected InvalidateSeed to be a no-op on an external source")
	}
}

func TestExternalSourceNotReadySeedReturnsExhaustedErrorRepeatedly(t *testing.T) {
	h := &fakeHandle{ready: false}
	src := NewExternal("orgA", 5, h)

	for i := 0; i < 3; i++ {
		_, err := src.GetSeedClient(context.Background())
		if !errors.Is(err, ErrExternalSeedExhausted) {
			t.Fatalf("call %d: expected ErrExternalSeedExhausted, got %v", i, err)
		}
	}
}

func TestCreationRetriesOnTransientFailure(t *testing.T) {
	var attempts int64
	src := New("orgA", 5, func(ctx context.Context) (Handle, error) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			return nil, &CreationError{Kind: NetworkError, Err: errors.New("boom")}
		}
		return &fakeHandle{ready: true}, nil
	})

	h, err := src.GetSeedClient(context.Background())
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if h == nil {
		t.Fatalf("expected non-nil handle")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestCreationDoesNotRetryAuthFailure(t *testing.T) {
	var attempts int64
	src := New("orgA", 5, func(ctx context.Context) (Handle, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, &CreationError{Kind: AuthFailed, Err: errors.New("bad creds")}
	})

	_, err := src.GetSeedClient(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected no retry on auth failure, got %d attempts", attempts)
	}
	if src.LastErrorKind() != AuthFailed {
		t.Fatalf("expected LastErrorKind AuthFailed, got %v", src.LastErrorKind())
	}
}
