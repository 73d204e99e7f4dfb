package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed event ids per consumer service.
type Dedup struct {
	rdb     redis.Cmdable
	service string
}

func NewDedup(rdb redis.Cmdable, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service}
}

// MarkOnce returns true the first time id is seen.
func (d *Dedup) MarkOnce(ctx context.Context, id string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, d.service, id), "1", TTLDedup).Result()
	if err != nil {
		return false, fmt.Errorf("dedup mark: %w", err)
	}
	return ok, nil
}

// Forget undoes MarkOnce when processing failed and must be redelivered.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.service, id)).Err()
}
