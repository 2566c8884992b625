package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := tasksTotal
	Init()
	if tasksTotal != first {
		t.Fatal("Init() replaced collectors on second call")
	}
}

func TestObserveTask(t *testing.T) {
	Init()
	before := testutil.ToFloat64(tasksTotal.WithLabelValues("ignored"))
	ObserveTask("ignored")
	ObserveTask("ignored")
	if got := testutil.ToFloat64(tasksTotal.WithLabelValues("ignored")); got != before+2 {
		t.Errorf("bulletin_tasks_total{status=ignored} = %f, want %f", got, before+2)
	}
}

func TestObserveNotifyLabels(t *testing.T) {
	ObserveNotify("email", true)
	ObserveNotify("email", false)
	if got := testutil.ToFloat64(notifyTotal.WithLabelValues("email", "error")); got < 1 {
		t.Errorf("expected an email error delivery, got %f", got)
	}
	if got := testutil.ToFloat64(notifyTotal.WithLabelValues("email", "ok")); got < 1 {
		t.Errorf("expected an email ok delivery, got %f", got)
	}
}

func TestObserveHistograms(t *testing.T) {
	ObserveRun(3 * time.Second)
	ObserveBackoff(1500 * time.Millisecond)
	ObserveRateLimitDelay("portal.example", 200*time.Millisecond)
	if n := testutil.CollectAndCount(runDurationSeconds); n != 1 {
		t.Errorf("run duration series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(rateLimitDelaySeconds); n < 1 {
		t.Errorf("rate limit series = %d, want >= 1", n)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	IncActiveWorkers()
	before := testutil.ToFloat64(activeWorkers)
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before-1 {
		t.Errorf("active workers = %f, want %f", got, before-1)
	}
}
