package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/Syt100/bastion-sub005/internal/logging"
)

// WakeChannel carries scheduler wake pokes between hub instances, so a job
// saved on one hub wakes the scheduler running on another.
const WakeChannel = "bastion:scheduler:wake"

// PublishWake pokes the scheduler on every hub. Errors are logged and
// dropped: the periodic poll is the correctness backstop, the wake only
// trims latency.
func PublishWake(ctx context.Context, rdb *redis.Client) {
	if rdb == nil {
		return
	}
	if err := rdb.Publish(ctx, WakeChannel, "wake").Err(); err != nil {
		logging.Warn().Err(err).Msg("scheduler wake publish failed")
	}
}

// SubscribeWakes fans redis wake messages into poke. The goroutine exits
// with the context.
func SubscribeWakes(ctx context.Context, rdb *redis.Client, poke func()) {
	if rdb == nil {
		return
	}
	sub := rdb.Subscribe(ctx, WakeChannel)
	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				poke()
			}
		}
	}()
}
