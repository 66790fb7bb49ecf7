// Package notifier delivers execution reports and operator alerts to the
// configured notification targets.
//
// A target is a stored row (webhook, telegram or dingtalk) whose JSON config
// carries the transport settings. Dispatch resolves target IDs, applies the
// task's notify strategy and queues one job per target.
//
// # Pipeline
//
// Jobs flow through a bounded queue into a small worker pool. Each send waits
// on a shared token bucket, is bounded by a per-send timeout and is retried
// with exponential backoff and jitter. Identical messages to the same target
// inside the dedup window are suppressed; the window can be persisted so it
// survives restarts.
//
// Delivery failures never propagate to the scheduler. They are published on
// the event bus and kept in the log.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notifier
