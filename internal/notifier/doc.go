// Package notifier dispatches typed scheduler events (run started/succeeded/
// failed, keyword hits, scheduler lifecycle, mode changes) as webhook
// notifications.
//
// Each event is checked against its job's notify_on_* flags, then against a
// per-(job_id, event_kind) rate window; deliveries beyond the window's
// budget are counted and folded into one summary notification rather than
// flooding the sink.
//
// # Transport
//
// The service delegates delivery to an injected webhook.Sink. A failed
// delivery is retried with backoff on the notifier's own worker and never
// blocks or fails the run that triggered it.
//
// # History
//
// For debugging and operator visibility, the service keeps a small
// in-memory history of recently attempted notifications.
package notifier
