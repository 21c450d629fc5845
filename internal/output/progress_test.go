package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/joshsmithxrm/ppds-sdk/internal/metrics"
	"github.com/joshsmithxrm/ppds-sdk/internal/pool"
)

func TestProgressReporterPrintsLine(t *testing.T) {
	collector := metrics.NewCollector()
	collector.RecordRequest(5*time.Millisecond, nil, nil)

	var buf bytes.Buffer
	snapshot := func() pool.Statistics {
		return pool.Statistics{Capacity: 4, ActiveTotal: 1, ThrottledSourceCount: 0}
	}

	reporter := NewProgressReporter(collector, snapshot, 5*time.Millisecond, &buf)
	reporter.Start()
	time.Sleep(30 * time.Millisecond)
	reporter.Stop()

	output := buf.String()
	if !strings.Contains(output, "Requests:") {
		t.Errorf("expected request count in output, got %q", output)
	}
	if !strings.Contains(output, "Active: 1/4") {
		t.Errorf("expected pool snapshot in output, got %q", output)
	}
}

func TestProgressReporterStopIsIdempotent(t *testing.T) {
	collector := metrics.NewCollector()
	reporter := NewProgressReporter(collector, nil, 5*time.Millisecond, &bytes.Buffer{})
	reporter.Start()
	reporter.Stop()
	reporter.Stop()
}

func TestProgressReporterOmitsPoolWhenSnapshotNil(t *testing.T) {
	collector := metrics.NewCollector()
	var buf bytes.Buffer
	reporter := NewProgressReporter(collector, nil, 5*time.Millisecond, &buf)
	reporter.Start()
	time.Sleep(15 * time.Millisecond)
	reporter.Stop()

	if strings.Contains(buf.String(), "Active:") {
		t.Errorf("expected no pool section without a snapshot func")
	}
}
