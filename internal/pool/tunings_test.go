package pool

import "testing"

func TestApplyProcessTuningsIsIdempotent(t *testing.T) {
	// Calling twice must not panic and must not re-run the guarded body;
	// there is no externally observable side effect to assert beyond
	// that, since it mutates http.DefaultTransport process-wide.
	ApplyProcessTunings()
	ApplyProcessTunings()
}
