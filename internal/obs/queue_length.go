// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/flowqueue/internal/config"
	"github.com/jamesross/flowqueue/internal/keys"
)

// sampledStates names every state StartQueueLengthUpdater samples; the
// list-backed ones are read with LLEN, the sorted sets with ZCARD.
var sampledStates = []string{"wait", "paused", "active", "delayed", "prioritized", "waiting-children", "completed", "failed"}

// StartQueueLengthUpdater periodically samples every state collection's
// cardinality for kb's queue and updates the queue_length gauge, labeled
// by state rather than by raw key so dashboards aggregate across queues.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, kb *keys.KeyBuilder, log *zap.Logger) {
	interval := cfg.Observability.QueueSampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, state := range sampledStates {
					key, err := kb.StateKey(state)
					if err != nil {
						continue
					}
					var n int64
					if keys.ListBacked(state) {
						n, err = rdb.LLen(ctx, key).Result()
					} else {
						n, err = rdb.ZCard(ctx, key).Result()
					}
					if err != nil {
						log.Debug("queue length poll error", String("state", state), Err(err))
						continue
					}
					QueueLength.WithLabelValues(kb.Name(), state).Set(float64(n))
				}
			}
		}
	}()
}
