// Package retry implements the follow-up-run decision a finished run
// triggers: a bounded, delayed failure-retry chain, or — for window-bearing
// triggers with success_repeat_within_window set — a bounded number of
// additional runs later in the same day's window.
//
// Escalation: once a failure chain crosses a job's notify_after_retries
// threshold, the engine flags the decision to escalate exactly once per
// chain, letting the caller raise a RetryEscalated notification.
package retry
