// Package notifier turns session and delivery events into operator alerts.
//
// Alerts are small, high-signal messages: an account was logged out, hit a
// death loop, let its QR expire, or gave up reconnecting. The service
// subscribes to the event bus, formats the events it is configured for and
// pushes them through a transport.Sender (Telegram in production).
//
// # Throttling
//
// Identical alerts are suppressed for the dedup window, sends share one
// token bucket, and failed sends are retried with jittered backoff.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently sent alerts.
package notifier
