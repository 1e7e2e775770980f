package redisx

import "time"

const (
	// Cache terminal order status: pay_status:{order_id} -> {"status": "...", ...}
	// Only terminal states are cached; pending must be re-read so lazy
	// expiry stays correct.
	KeyOrderStatus = "pay_status:%d"

	// Dedup webhook deliveries: dedup:{service}:{id} (id = tx ref or event_id)
	KeyDedup = "dedup:%s:%s"

	// Callback already delivered for order: notified:{order_id}
	KeyNotified = "notified:%d"

	// Hand-off idempotency: idem:handoff:{upstream_order_id} -> our order id.
	// The upstream app may redirect the payer to the pay page any number of
	// times; each signature maps to exactly one order.
	KeyIdemHandoff = "idem:handoff:%s"
)

var (
	TTLStatusCache = 24 * time.Hour
	TTLDedup       = 48 * time.Hour
	TTLNotified    = 48 * time.Hour
	TTLIdempotency = 24 * time.Hour
)
