// Package output renders pool and request-latency statistics as
// human-readable or JSON reports, and a live single-line progress
// ticker, in the teacher's reporting idiom.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/joshsmithxrm/ppds-sdk/internal/metrics"
	"github.com/joshsmithxrm/ppds-sdk/internal/pool"
)

// PrintReport outputs a human-readable summary of request latency
// statistics and the pool's live per-source state.
func PrintReport(w io.Writer, stats metrics.Stats, poolStats pool.Statistics) {
	fmt.Fprintln(w, "\n--- Dataverse Pool Run ---")
	fmt.Fprintf(w, "Total Requests:    %d\n", stats.Total)
	fmt.Fprintf(w, "Successful:        %d\n", stats.Successes)
	fmt.Fprintf(w, "Failed:            %d\n", stats.Failures)
	fmt.Fprintf(w, "Duration:          %s\n", stats.Duration)
	fmt.Fprintf(w, "Requests/sec:      %.2f\n", stats.RequestsPerSec)
	fmt.Fprintln(w, "\nLatency:")
	fmt.Fprintf(w, "  Min:             %s\n", stats.MinLatency)
	fmt.Fprintf(w, "  Max:             %s\n", stats.MaxLatency)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.MeanLatency)
	fmt.Fprintf(w, "  P50:             %s\n", stats.P50Latency)
	fmt.Fprintf(w, "  P90:             %s\n", stats.P90Latency)
	fmt.Fprintf(w, "  P99:             %s\n", stats.P99Latency)

	if len(stats.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for errType, count := range stats.Errors {
			fmt.Fprintf(w, "  %s: %d\n", errType, count)
		}
	}

	if len(stats.Endpoints) > 0 {
		fmt.Fprintln(w, "\nEndpoint Breakdown:")
		names := make([]string, 0, len(stats.Endpoints))
		for name := range stats.Endpoints {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool {
			return stats.Endpoints[names[i]].Total > stats.Endpoints[names[j]].Total
		})
		for _, name := range names {
			ep := stats.Endpoints[name]
			share := 0.0
			if stats.Total > 0 {
				share = (float64(ep.Total) / float64(stats.Total)) * 100
			}
			fmt.Fprintf(
				w,
				"  - %s: total=%d (%.1f%%), successes=%d, failures=%d, rps=%.2f, p99=%s\n",
				name, ep.Total, share, ep.Successes, ep.Failures, ep.RequestsPerSec, ep.P99Latency,
			)
		}
	}

	fmt.Fprintln(w, "\nConnection Pool:")
	fmt.Fprintf(w, "  Capacity:          %d\n", poolStats.Capacity)
	fmt.Fprintf(w, "  Active:            %d\n", poolStats.ActiveTotal)
	fmt.Fprintf(w, "  Idle:              %d\n", poolStats.IdleTotal)
	fmt.Fprintf(w, "  Throttled sources: %d\n", poolStats.ThrottledSourceCount)
	fmt.Fprintf(w, "  Throttle events:   %d (total backoff %s)\n", poolStats.ThrottleEvents, poolStats.ThrottleBackoff)

	names := make([]string, 0, len(poolStats.Sources))
	for name := range poolStats.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := poolStats.Sources[name]
		throttled := ""
		if s.Throttled {
			throttled = " [throttled]"
		}
		fmt.Fprintf(
			w,
			"  - %s: active=%d idle=%d served=%d invalid=%d%s\n",
			name, s.Active, s.Idle, s.RequestsServed, s.InvalidCount, throttled,
		)
	}
}

// JSONReport wraps request-latency and pool statistics for JSON output.
type JSONReport struct {
	metrics.Stats
	Pool pool.Statistics `json:"pool"`
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, stats metrics.Stats, poolStats pool.Statistics) error {
	report := JSONReport{Stats: stats, Pool: poolStats}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
