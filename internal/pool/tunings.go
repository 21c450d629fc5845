package pool

import (
	"net/http"
	"runtime/debug"
	"sync"
)

var tuningsOnce sync.Once

// ApplyProcessTunings applies the process-wide performance tunings
// §4.5.1 item 2 calls for once per process lifetime: a higher ceiling
// on idle HTTP connections (so many concurrent Dataverse callers reuse
// transports instead of dialing fresh ones), a raised ceiling on OS
// threads (debug.SetMaxThreads) under heavy concurrent load, and
// disabling the 100-Continue handshake delay. Nagle's algorithm needs
// no explicit disable: net.TCPConn already sets TCP_NODELAY by
// default in the standard library. Safe to call from multiple Pool
// instances in the same process; only the first call has any effect.
func ApplyProcessTunings() {
	tuningsOnce.Do(func() {
		if t, ok := http.DefaultTransport.(*http.Transport); ok {
			t.MaxIdleConns = 512
			t.MaxIdleConnsPerHost = 64
			t.ExpectContinueTimeout = 0
		}
		debug.SetMaxThreads(20000)
	})
}
