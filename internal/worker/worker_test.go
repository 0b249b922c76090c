package worker

import (
	"testing"
	"time"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/job"
)

func TestRetryDelayCapsAtConfiguredMax(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.Backoff = config.Backoff{Type: "exponential", Base: 100 * time.Millisecond, Max: time.Second}
	w := &Worker{cfg: cfg}
	j := &job.Job{AttemptsMade: 9}

	d := w.retryDelay(j)
	if d != time.Second {
		t.Fatalf("expected delay capped at 1s, got %v", d)
	}
}

func TestRetryDelayUsesPerJobBackoffOverride(t *testing.T) {
	cfg := &config.Config{}
	cfg.Worker.Backoff = config.Backoff{Type: "fixed", Base: 100 * time.Millisecond, Max: time.Minute}
	w := &Worker{cfg: cfg}
	j := &job.Job{AttemptsMade: 0, Opts: job.Options{Backoff: job.Backoff{Type: "fixed", Delay: 500}}}

	d := w.retryDelay(j)
	if d != 500*time.Millisecond {
		t.Fatalf("expected per-job backoff of 500ms, got %v", d)
	}
}
