package redisx

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ErrRequestInFlight: another request with the same key is still running.
var ErrRequestInFlight = errors.New("request with this idempotency key is in progress")

const pendingMarker = "pending"

type Idempotency struct {
	rdb redis.Cmdable
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency { return &Idempotency{rdb: rdb} }

func idemKey(userID int64, key string) string { return fmt.Sprintf(KeyIdemCheckout, userID, key) }

// Claim reserves key for userID. When an earlier request of the same user
// already finished, its order id is returned with claimed=false. Keys of
// different users never collide.
func (i *Idempotency) Claim(ctx context.Context, userID int64, key string) (orderID int64, claimed bool, err error) {
	k := idemKey(userID, key)
	ok, err := i.rdb.SetNX(ctx, k, pendingMarker, TTLIdemPending).Result()
	if err != nil {
		return 0, false, fmt.Errorf("idempotency claim: %w", err)
	}
	if ok {
		return 0, true, nil
	}

	v, err := i.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; coba sekali lagi
		ok, err = i.rdb.SetNX(ctx, k, pendingMarker, TTLIdemPending).Result()
		if err != nil {
			return 0, false, fmt.Errorf("idempotency claim: %w", err)
		}
		if ok {
			return 0, true, nil
		}
		return 0, false, ErrRequestInFlight
	}
	if err != nil {
		return 0, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if v == pendingMarker {
		return 0, false, ErrRequestInFlight
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("idempotency value %q: %w", v, err)
	}
	return id, false, nil
}

// Complete binds key to the created order for TTLIdempotency.
func (i *Idempotency) Complete(ctx context.Context, userID int64, key string, orderID int64) error {
	return i.rdb.Set(ctx, idemKey(userID, key), strconv.FormatInt(orderID, 10), TTLIdempotency).Err()
}

// Release frees key after a failed request so the client can retry.
func (i *Idempotency) Release(ctx context.Context, userID int64, key string) error {
	return i.rdb.Del(ctx, idemKey(userID, key)).Err()
}
