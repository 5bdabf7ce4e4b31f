package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestHelpersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	IncStart("web")
	IncStart("web")
	IncCrash("web")
	IncRestart("web")
	SetRunning(3)
	RecordHealthTransition("web", "unknown", "healthy")
	IncProbeFailure("web")
	IncPortReassignment("web")

	if got := testutil.ToFloat64(serviceStarts.WithLabelValues("web")); got < 2 {
		t.Fatalf("starts = %v, want >= 2", got)
	}
	if got := testutil.ToFloat64(serviceCrashes.WithLabelValues("web")); got < 1 {
		t.Fatalf("crashes = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(runningServices); got != 3 {
		t.Fatalf("running = %v, want 3", got)
	}
	if got := testutil.ToFloat64(healthTransitions.WithLabelValues("web", "unknown", "healthy")); got < 1 {
		t.Fatalf("transitions = %v, want >= 1", got)
	}
}
