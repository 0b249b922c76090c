package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/job"
	"github.com/jamesross/flowqueue/internal/keys"
	"github.com/jamesross/flowqueue/internal/queue"
	"github.com/jamesross/flowqueue/internal/scripts"
)

func newTestWorker(t *testing.T) (*Worker, *queue.Queue, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.Queue = config.Queue{Prefix: "fq", Name: "jobs", DefaultJobOptions: config.DefaultJobOptions{Attempts: 3}}
	cfg.Worker = config.Worker{
		Concurrency:     4,
		LockDuration:    30 * time.Second,
		StalledInterval: time.Hour,
		MaxStalledCount: 1,
		Backoff:         config.Backoff{Type: "fixed", Base: 10 * time.Millisecond, Max: time.Second},
	}
	cfg.CircuitBreaker = config.CircuitBreaker{Window: time.Minute, CooldownPeriod: time.Second, FailureThreshold: 0.9, MinSamples: 1000}

	catalog := scripts.New()
	require.NoError(t, catalog.Load(context.Background(), rdb))

	q, err := queue.New(context.Background(), rdb, cfg.Queue, catalog, nil)
	require.NoError(t, err)

	log := zap.NewNop()
	w := New(cfg, rdb, catalog, nil, log)
	return w, q, rdb
}

func TestWorkerCompletesJobSuccessfully(t *testing.T) {
	w, q, rdb := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())

	j, err := q.Add(ctx, "ping", map[string]string{"n": "1"}, job.Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx, func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			close(done)
			return json.RawMessage(`"pong"`), nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to process")
	}

	require.Eventually(t, func() bool {
		state, err := q.GetJobState(ctx, j.ID)
		return err == nil && state == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	w.Close()

	kb := keys.New("fq", "jobs")
	score, err := rdb.ZScore(context.Background(), kb.Completed(), j.ID).Result()
	require.NoError(t, err)
	require.NotZero(t, score)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	w, q, _ := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer w.Close()

	j, err := q.Add(ctx, "always-fails", nil, job.Options{Attempts: 2})
	require.NoError(t, err)

	go func() {
		_ = w.Run(ctx, func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			return nil, errBoom
		})
	}()

	require.Eventually(t, func() bool {
		state, err := q.GetJobState(ctx, j.ID)
		return err == nil && state == "failed"
	}, 3*time.Second, 10*time.Millisecond)
}

// TestWorkerConsultsFairnessLimiters covers the path where both
// RateLimiter.Consume and PriorityFairness.CheckFairness run before a
// reservation is handed to the processor. The configured limits are
// generous enough that a single normal-priority job always clears both
// checks; the point is exercising that wiring without flaking on
// timing.
func TestWorkerConsultsFairnessLimiters(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := &config.Config{}
	cfg.Queue = config.Queue{Prefix: "fq", Name: "fair-jobs", DefaultJobOptions: config.DefaultJobOptions{Attempts: 3}}
	cfg.Worker = config.Worker{
		Concurrency:     4,
		LockDuration:    30 * time.Second,
		StalledInterval: time.Hour,
		MaxStalledCount: 1,
		Backoff:         config.Backoff{Type: "fixed", Base: 10 * time.Millisecond, Max: time.Second},
		Limiter:         &config.Limiter{Max: 1000, Duration: time.Second},
	}
	cfg.CircuitBreaker = config.CircuitBreaker{Window: time.Minute, CooldownPeriod: time.Second, FailureThreshold: 0.9, MinSamples: 1000}

	catalog := scripts.New()
	require.NoError(t, catalog.Load(context.Background(), rdb))
	q, err := queue.New(context.Background(), rdb, cfg.Queue, catalog, nil)
	require.NoError(t, err)

	w := New(cfg, rdb, catalog, nil, zap.NewNop())
	require.NotNil(t, w.fair, "RateLimiter should be constructed when Worker.Limiter is set")
	require.NotNil(t, w.weighted, "PriorityFairness should be constructed alongside RateLimiter")
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := q.Add(ctx, "ping", map[string]string{"n": "1"}, job.Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx, func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
			close(done)
			return json.RawMessage(`"pong"`), nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to process under fairness limiters")
	}

	require.Eventually(t, func() bool {
		state, err := q.GetJobState(ctx, j.ID)
		return err == nil && state == "completed"
	}, 2*time.Second, 10*time.Millisecond)
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
