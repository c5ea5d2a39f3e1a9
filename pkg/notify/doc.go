// Package notify delivers human-facing lifecycle notifications: teardown
// summaries, approval requests, restore outcomes and alerts.
//
// A Dispatcher fans each Message out to any number of sinks (log, webhook,
// Redis pub/sub, Kafka) on a background goroutine. Delivery is fire and
// forget: sink failures are logged and never reach the workflow that
// published the message.
package notify
