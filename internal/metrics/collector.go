package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// RequestMetadata carries optional per-request labels for breakdown
// reporting; Endpoint is typically a Dataverse entity set or action
// path ("accounts", "WhoAmI").
type RequestMetadata struct {
	Endpoint string
}

// Collector records per-request metrics in a thread-safe manner,
// aggregating overall and, when RequestMetadata.Endpoint is supplied,
// per-endpoint latency distributions.
type Collector struct {
	mu        sync.Mutex
	overall   *bucket
	endpoints map[string]*bucket
}

type bucket struct {
	hist         *hdrhistogram.Histogram
	successes    int64
	failures     int64
	minLatency   time.Duration
	maxLatency   time.Duration
	sumLatency   time.Duration
	errorsByType map[string]int64
}

func newBucket() *bucket {
	return &bucket{
		hist:         hdrhistogram.New(1, 60_000_000, 3),
		errorsByType: make(map[string]int64),
	}
}

// Stats represents aggregated metrics.
type Stats struct {
	Total          int64         `json:"total"`
	Successes      int64         `json:"successes"`
	Failures       int64         `json:"failures"`
	MinLatency     time.Duration `json:"-"`
	MaxLatency     time.Duration `json:"-"`
	MeanLatency    time.Duration `json:"-"`
	P50Latency     time.Duration `json:"-"`
	P90Latency     time.Duration `json:"-"`
	P99Latency     time.Duration `json:"-"`
	Duration       time.Duration `json:"-"`
	RequestsPerSec float64       `json:"requests_per_sec"`

	// JSON-friendly millisecond fields.
	MinLatencyMs  float64                `json:"min_latency_ms"`
	MaxLatencyMs  float64                `json:"max_latency_ms"`
	MeanLatencyMs float64                `json:"mean_latency_ms"`
	P50LatencyMs  float64                `json:"p50_latency_ms"`
	P90LatencyMs  float64                `json:"p90_latency_ms"`
	P99LatencyMs  float64                `json:"p99_latency_ms"`
	DurationMs    float64                `json:"duration_ms"`
	Errors        map[string]int         `json:"errors,omitempty"`
	Endpoints     map[string]Stats       `json:"endpoints,omitempty"`
}

func NewCollector() *Collector {
	return &Collector{
		overall:   newBucket(),
		endpoints: make(map[string]*bucket),
	}
}

// RecordRequest records a single request's latency and error state.
// meta may be nil; when it carries a non-empty Endpoint, the sample is
// also folded into that endpoint's breakdown bucket.
func (c *Collector) RecordRequest(latency time.Duration, err error, meta *RequestMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recordInto(c.overall, latency, err)

	if meta != nil && meta.Endpoint != "" {
		b, ok := c.endpoints[meta.Endpoint]
		if !ok {
			b = newBucket()
			c.endpoints[meta.Endpoint] = b
		}
		recordInto(b, latency, err)
	}
}

func recordInto(b *bucket, latency time.Duration, err error) {
	if latency > 0 {
		us := latency.Microseconds()
		if us < b.hist.LowestTrackableValue() {
			us = b.hist.LowestTrackableValue()
		}
		if us > b.hist.HighestTrackableValue() {
			us = b.hist.HighestTrackableValue()
		}
		_ = b.hist.RecordValue(us)
	}
	b.sumLatency += latency

	if b.minLatency == 0 || latency < b.minLatency {
		b.minLatency = latency
	}
	if latency > b.maxLatency {
		b.maxLatency = latency
	}

	if err == nil {
		b.successes++
	} else {
		b.failures++
		errorType := fmt.Sprintf("%T", err)
		if len(errorType) > 30 {
			errorType = errorType[len(errorType)-30:]
		}
		b.errorsByType[errorType]++
	}
}

func statsFromBucket(b *bucket, elapsed time.Duration) Stats {
	total := b.successes + b.failures
	stats := Stats{
		Total:      total,
		Successes:  b.successes,
		Failures:   b.failures,
		MinLatency: b.minLatency,
		MaxLatency: b.maxLatency,
	}

	if total > 0 {
		stats.MeanLatency = time.Duration(int64(b.sumLatency) / total)
	}

	if b.hist.TotalCount() > 0 {
		stats.P50Latency = time.Duration(b.hist.ValueAtQuantile(50)) * time.Microsecond
		stats.P90Latency = time.Duration(b.hist.ValueAtQuantile(90)) * time.Microsecond
		stats.P99Latency = time.Duration(b.hist.ValueAtQuantile(99)) * time.Microsecond
	}

	stats.MinLatencyMs = float64(stats.MinLatency) / float64(time.Millisecond)
	stats.MaxLatencyMs = float64(stats.MaxLatency) / float64(time.Millisecond)
	stats.MeanLatencyMs = float64(stats.MeanLatency) / float64(time.Millisecond)
	stats.P50LatencyMs = float64(stats.P50Latency) / float64(time.Millisecond)
	stats.P90LatencyMs = float64(stats.P90Latency) / float64(time.Millisecond)
	stats.P99LatencyMs = float64(stats.P99Latency) / float64(time.Millisecond)

	stats.Duration = elapsed
	stats.DurationMs = float64(elapsed) / float64(time.Millisecond)
	if elapsed > 0 && total > 0 {
		stats.RequestsPerSec = float64(total) / elapsed.Seconds()
	}

	if len(b.errorsByType) > 0 {
		stats.Errors = make(map[string]int, len(b.errorsByType))
		for k, v := range b.errorsByType {
			stats.Errors[k] = int(v)
		}
	}

	return stats
}

// Stats computes and returns current aggregated statistics, including a
// per-endpoint breakdown when any endpoint-labeled samples were
// recorded.
func (c *Collector) Stats(elapsed time.Duration) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := statsFromBucket(c.overall, elapsed)
	if len(c.endpoints) > 0 {
		stats.Endpoints = make(map[string]Stats, len(c.endpoints))
		for name, b := range c.endpoints {
			stats.Endpoints[name] = statsFromBucket(b, elapsed)
		}
	}
	return stats
}

// GetErrorBreakdown returns a map of error types to their counts.
func (c *Collector) GetErrorBreakdown() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]int)
	for k, v := range c.overall.errorsByType {
		result[k] = int(v)
	}
	return result
}
