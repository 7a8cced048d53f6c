// Package redisx wraps the redis pieces the hub uses: connection dialing
// with backoff, scheduler leader election, and the cross-hub wake channel.
package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Syt100/bastion-sub005/internal/config"
)

// NewClientWithBackoff dials redis, retrying with exponential backoff until
// the context is cancelled. Hubs should not crash-loop on a redis restart.
func NewClientWithBackoff(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	backoff := 200 * time.Millisecond
	max := 5 * time.Second

	for {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < max {
				backoff *= 2
				if backoff > max {
					backoff = max
				}
			}
			continue
		}
		return rdb, nil
	}
}
