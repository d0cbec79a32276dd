// Package retry decides what happens after a run reaches a terminal
// status: a bounded failure-retry chain with delay, or an in-window
// success-repeat chain bounded by a daily window and a repeat cap.
package retry

import (
	"sync"
	"time"

	"taskctl/internal/catalog"
	"taskctl/internal/run"
)

// Decision is the follow-up run the engine should enqueue, or the zero
// value plus ShouldRun=false when no follow-up is warranted.
type Decision struct {
	ShouldRun        bool
	Origin           run.Origin
	Attempt          int
	ScheduledFor     time.Time
	WindowOriginFire time.Time

	// Escalate is set once a failure chain crosses the job's
	// notify_after_retries threshold, for a one-time RetryEscalated event.
	Escalate bool
}

type lineage struct {
	// start identifies the scheduler/manual-origin fire this lineage traces
	// back to; a new value here means "new window", resetting counters.
	start              time.Time
	successRepeatCount int
	escalated          bool
}

// Engine tracks per-job lineage state (success-repeat counters and the
// one-shot retry-escalation flag) across a job's successive runs.
//
// It is safe for concurrent use.
type Engine struct {
	mu    sync.Mutex
	state map[string]*lineage
}

func New() *Engine {
	return &Engine{state: map[string]*lineage{}}
}

// OnAdmitted resets a job's lineage counters when a fresh scheduler- or
// manual-origin run starts, per "counters reset when a new scheduler-origin
// run starts the next window".
func (e *Engine) OnAdmitted(jobID string, r *run.Run) {
	if r.Origin != run.OriginScheduler && r.Origin != run.OriginManual {
		return
	}
	e.mu.Lock()
	e.state[jobID] = &lineage{start: r.ScheduledFor}
	e.mu.Unlock()
}

// OnFinished evaluates job's retry policy against the just-finished run r
// and returns the follow-up run to enqueue, if any.
func (e *Engine) OnFinished(job catalog.Job, r *run.Run, now time.Time) Decision {
	switch r.Status {
	case run.StatusFailed:
		return e.onFailed(job, r, now)
	case run.StatusCompleted:
		return e.onCompleted(job, r, now)
	default:
		return Decision{}
	}
}

func (e *Engine) onFailed(job catalog.Job, r *run.Run, now time.Time) Decision {
	if r.Attempt > job.Retry.MaxFailureRetries {
		return Decision{}
	}

	nextAttempt := r.Attempt + 1
	delay := time.Duration(job.Retry.FailureRetryDelaySeconds) * time.Second

	d := Decision{
		ShouldRun:        true,
		Origin:           run.OriginFailureRetry,
		Attempt:          nextAttempt,
		ScheduledFor:     now.Add(delay),
		WindowOriginFire: r.WindowOriginFire,
	}

	if job.Retry.NotifyAfterRetries > 0 && r.Attempt >= job.Retry.NotifyAfterRetries {
		e.mu.Lock()
		l := e.lineageLocked(job.ID, r)
		if !l.escalated {
			l.escalated = true
			d.Escalate = true
		}
		e.mu.Unlock()
	}

	return d
}

func (e *Engine) onCompleted(job catalog.Job, r *run.Run, now time.Time) Decision {
	if !job.Retry.SuccessRepeatWithinWindow || job.Window == nil {
		return Decision{}
	}

	delay := time.Duration(job.Retry.SuccessRepeatDelaySeconds) * time.Second
	candidate := now.Add(delay)

	windowEnd := job.Window.End.OnDate(now, job.Trigger.Loc())
	if !candidate.After(windowEnd) {
		originFire := r.WindowOriginFire
		if originFire.IsZero() {
			originFire = r.ScheduledFor
		}

		e.mu.Lock()
		l := e.lineageLocked(job.ID, r)
		if l.start != originFire {
			l.start = originFire
			l.successRepeatCount = 0
		}
		if l.successRepeatCount < job.Retry.SuccessRepeatMax {
			l.successRepeatCount++
			e.mu.Unlock()
			return Decision{
				ShouldRun:        true,
				Origin:           run.OriginSuccessRepeat,
				Attempt:          1,
				ScheduledFor:     candidate,
				WindowOriginFire: originFire,
			}
		}
		e.mu.Unlock()
	}

	return Decision{}
}

// lineageLocked returns job's lineage state, creating it (keyed to r's
// origin fire) if this is the first time this job's chain is observed.
// Callers must hold e.mu.
func (e *Engine) lineageLocked(jobID string, r *run.Run) *lineage {
	l, ok := e.state[jobID]
	if !ok {
		start := r.WindowOriginFire
		if start.IsZero() {
			start = r.ScheduledFor
		}
		l = &lineage{start: start}
		e.state[jobID] = l
	}
	return l
}
