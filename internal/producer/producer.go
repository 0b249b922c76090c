// Copyright 2025 James Ross
//
// Package producer implements the optional synthetic load generator
// wired into cmd/job-queue-system's role=producer|all. It exists to
// exercise a queue end-to-end (Add, priorities, the rate limiter)
// without requiring an application-specific enqueue path, which spec.md
// §1 leaves as an "external collaborator" outside the core protocol.
package producer

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/job"
	"github.com/jamesross/flowqueue/internal/obs"
	"github.com/jamesross/flowqueue/internal/queue"
)

// Producer periodically enqueues synthetic jobs at a configured rate,
// cycling across the configured priorities.
type Producer struct {
	cfg *config.Config
	rdb *redis.Client
	q   *queue.Queue
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, q *queue.Queue, log *zap.Logger) *Producer {
	return &Producer{cfg: cfg, rdb: rdb, q: q, log: log}
}

// Run enqueues jobs until ctx is cancelled, sleeping between each
// enqueue so the aggregate rate matches cfg.Producer.RatePerSecond, and
// additionally consulting rateLimit's fixed-window counter the same way
// the teacher's file-scanning producer throttled its own WalkDir loop.
func (p *Producer) Run(ctx context.Context) error {
	priorities := p.cfg.Producer.Priorities
	if len(priorities) == 0 {
		priorities = []int{0}
	}
	interval := time.Second
	if rate := p.cfg.Producer.RatePerSecond; rate > 0 {
		interval = time.Second / time.Duration(rate)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.rateLimit(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Warn("producer rate limit wait failed", obs.Err(err))
				continue
			}
			priority := priorities[i%len(priorities)]
			i++
			if err := p.enqueueOne(ctx, priority); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Error("producer enqueue failed", obs.Err(err))
			}
		}
	}
}

func (p *Producer) enqueueOne(ctx context.Context, priority int) error {
	enqCtx, span := obs.StartEnqueueSpan(ctx, p.cfg.Queue.Name, strconv.Itoa(priority))
	defer span.End()

	payload := map[string]string{
		"seq":     randHex(8),
		"payload": randHex(p.cfg.Producer.PayloadSizeBytes),
	}
	obs.AddSpanAttributes(enqCtx,
		obs.KeyValue("job.name", p.cfg.Producer.JobName),
		obs.KeyValue("job.priority", priority),
	)

	j, err := p.q.Add(enqCtx, p.cfg.Producer.JobName, payload, job.Options{Priority: priority})
	if err != nil {
		obs.RecordError(enqCtx, err)
		return err
	}

	obs.SetSpanSuccess(enqCtx)
	obs.JobsProduced.Inc()
	p.log.Debug("enqueued job", obs.String("id", j.ID), obs.String("name", j.Name), obs.Int("priority", priority))
	return nil
}

// rateLimit enforces cfg.Producer.RatePerSecond with a fixed-window
// counter plus jitter on exhaustion, the same shape as the teacher's
// file-scanning producer's own throttle.
func (p *Producer) rateLimit(ctx context.Context) error {
	rate := p.cfg.Producer.RatePerSecond
	if rate <= 0 {
		return nil
	}
	key := fmt.Sprintf("%s:%s:producer:ratelimit", p.cfg.Queue.Prefix, p.cfg.Queue.Name)
	n, err := p.rdb.Incr(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 1 {
		_ = p.rdb.Expire(ctx, key, time.Second).Err()
	}
	if int(n) <= rate {
		return nil
	}
	obs.RateLimitDenials.Inc()
	ttl, err := p.rdb.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = 200 * time.Millisecond
	}
	jitter := time.Duration(randByte()) * time.Millisecond / 4
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ttl + jitter):
	}
	return nil
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func randByte() byte {
	var b [1]byte
	_, _ = rand.Read(b[:])
	return b[0]
}
