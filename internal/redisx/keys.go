package redisx

import "time"

const (
	// Idempotency checkout: idem:checkout:{user_id}:{Idempotency-Key} -> order_id ("pending" selama proses)
	KeyIdemCheckout = "idem:checkout:%d:%s"

	// Cache status order: order_status:{order_id} -> {"orderId":..,"status":"..","paymentStatus":"..","version":..}
	KeyOrderStatus = "order_status:%d"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLIdemPending = 2 * time.Minute
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
