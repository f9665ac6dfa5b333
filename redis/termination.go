// termination.go
// Termination flags: an operator ends a running session by UUID.

package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/teleview/teleview-server/logging"
)

const (
	terminationPrefix = "teleview_terminate:"
	terminationTTL    = time.Hour
)

// SetTerminationFlag sets 0 or 1 for a UUID
func (c *Client) SetTerminationFlag(ctx context.Context, uuid string, flag int) error {
	key := terminationPrefix + uuid
	return c.rdb.Set(ctx, key, flag, terminationTTL).Err()
}

// GetTerminationFlag returns 0 or 1, defaults to 0 if not found
func (c *Client) GetTerminationFlag(ctx context.Context, uuid string) (int, error) {
	key := terminationPrefix + uuid
	val, err := c.rdb.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil // Default to 0
	}
	return val, err
}

// FlagGetter reads termination flags.
type FlagGetter interface {
	GetTerminationFlag(ctx context.Context, uuid string) (int, error)
}

// WatchTermination polls the flag of uuid every period and calls terminate
// once, when the flag is set. Read errors are logged and polling continues.
// It returns nil after terminate ran, or the context error.
func WatchTermination(ctx context.Context, flags FlagGetter, uuid string, period time.Duration, terminate func()) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		flag, err := flags.GetTerminationFlag(ctx, uuid)
		if err != nil {
			if ctx.Err() == nil {
				logging.Logger.WithError(err).Warn("redis: cannot read termination flag")
			}
			continue
		}
		if flag != 0 {
			logging.Logger.WithField("uuid", uuid).Info("redis: termination requested")
			terminate()
			return nil
		}
	}
}
