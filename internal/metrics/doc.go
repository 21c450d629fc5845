// Package metrics provides real-time metrics collection and aggregation for load testing.
//
// The metrics package collects latency measurements and success/failure
// counts, overall and per endpoint.
//
// # Collector
//
// The central [Collector] type aggregates metrics from all request workers:
//
//	collector := metrics.NewCollector()
//
//	// Record a request; the metadata may be nil
//	collector.RecordRequest(latency, err, &metrics.RequestMetadata{
//		Endpoint: "WhoAmI",
//	})
//
//	// Get aggregated statistics; RPS is computed over elapsed
//	stats := collector.Stats(elapsed)
//
// # Statistics
//
// The [Stats] type reports:
//   - Request counts (total, successes, failures)
//   - Min, max and mean latency and the P50, P90 and P99 percentiles
//   - Requests per second over the elapsed time passed to Stats
//   - Failure counts by error type
//   - Per-endpoint breakdowns for requests recorded with an Endpoint
//
// The Collector keeps no time series and records no protocol, status
// code or custom per-protocol metrics.
//
// # Thread Safety
//
// A single mutex guards all Collector state. It's safe to call
// RecordRequest and Stats from multiple goroutines.
package metrics
