package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlRunsTotal == nil || crawlRecordsTotal == nil ||
		crawlStageDurationSeconds == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	// A simple check to see if a metric can be used.
	crawlRunsTotal.WithLabelValues("completed").Inc()
	if val := testutil.ToFloat64(crawlRunsTotal.WithLabelValues("completed")); val != 1 {
		t.Errorf("Expected crawlRunsTotal to be 1, got %f", val)
	}

	crawlRecordsTotal.WithLabelValues("fetch").Add(42)
	if val := testutil.ToFloat64(crawlRecordsTotal.WithLabelValues("fetch")); val != 42 {
		t.Errorf("Expected crawlRecordsTotal to be 42, got %f", val)
	}

	ObserveStage("persist", 10, 50*time.Millisecond)
	if val := testutil.ToFloat64(crawlRecordsTotal.WithLabelValues("persist")); val != 10 {
		t.Errorf("Expected persist records to be 10, got %f", val)
	}
}
