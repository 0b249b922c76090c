package producer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/queue"
	"github.com/jamesross/flowqueue/internal/scripts"
)

func TestProducerEnqueuesAtConfiguredRate(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := &config.Config{}
	cfg.Queue = config.Queue{Prefix: "fq", Name: "producer-test", DefaultJobOptions: config.DefaultJobOptions{Attempts: 1}}
	cfg.Producer = config.Producer{Enabled: true, JobName: "synthetic", PayloadSizeBytes: 8, RatePerSecond: 100, Priorities: []int{0, 1}}

	catalog := scripts.New()
	require.NoError(t, catalog.Load(context.Background(), rdb))
	q, err := queue.New(context.Background(), rdb, cfg.Queue, catalog, nil)
	require.NoError(t, err)

	p := New(cfg, rdb, q, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	counts, err := q.GetJobCounts(context.Background(), "wait", "prioritized")
	require.NoError(t, err)
	require.Greater(t, counts["wait"]+counts["prioritized"], int64(0))
}

func TestRateLimitAllowsUnderThreshold(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg := &config.Config{}
	cfg.Queue = config.Queue{Prefix: "fq", Name: "rl-test"}
	cfg.Producer = config.Producer{RatePerSecond: 1000}

	p := New(cfg, rdb, nil, zap.NewNop())
	require.NoError(t, p.rateLimit(context.Background()))
}

func TestRateLimitNoopWhenUnconfigured(t *testing.T) {
	cfg := &config.Config{}
	p := New(cfg, nil, nil, zap.NewNop())
	require.NoError(t, p.rateLimit(context.Background()))
}
