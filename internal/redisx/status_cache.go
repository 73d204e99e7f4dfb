package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrderStatus is the cached read model behind GET /orders/{id}/status.
type OrderStatus struct {
	OrderID       int64     `json:"orderId"`
	OrderNumber   string    `json:"orderNumber,omitempty"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"paymentStatus"`
	Version       int       `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// setIfNewer refuses to overwrite an entry that carries a higher version,
// so a late DB fallback cannot clobber a fresher projected state.
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, doc = pcall(cjson.decode, cur)
  if ok and doc['version'] and tonumber(doc['version']) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

// Get returns (nil, nil) on a cache miss.
func (c *StatusCache) Get(ctx context.Context, orderID int64) (*OrderStatus, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("status cache get: %w", err)
	}
	var st OrderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("status cache decode: %w", err)
	}
	return &st, nil
}

// Set stores st unless the cache already holds a newer version. It reports
// whether the entry was written.
func (c *StatusCache) Set(ctx context.Context, st OrderStatus) (bool, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return false, err
	}
	n, err := setIfNewer.Run(ctx, c.rdb, []string{fmt.Sprintf(KeyOrderStatus, st.OrderID)},
		string(b), st.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("status cache set: %w", err)
	}
	return n == 1, nil
}
