package engine

import (
	"context"
	"fmt"

	"taskctl/internal/catalog"
	"taskctl/internal/keyword"
	"taskctl/internal/procsup"
	"taskctl/internal/run"
	"taskctl/internal/step"
	"taskctl/internal/webhook"
)

// execResult is what executeRun hands back to the caller for status
// derivation; it never itself mutates r.Status so the caller stays the
// single place that writes run state transitions.
type execResult struct {
	ExitCode   int
	HasExit    bool
	FailReason run.FailReason
	Err        error
}

// buildLineSink returns a LineSink that records every line on r.LastLines
// and scans it against scanner, appending any hit to r.KeywordHits and
// invoking cancel if the matched rule is abort_on_hit.
func buildLineSink(r *run.Run, scanner *keyword.Scanner, cancel context.CancelFunc) procsup.LineSink {
	return func(stream, line string) {
		r.LastLines.Append(line)
		if scanner == nil {
			return
		}
		hit, ok := scanner.Scan(line)
		if !ok {
			return
		}
		r.KeywordHits = append(r.KeywordHits, run.KeywordHit{
			RuleKind: hit.RuleKind,
			Message:  hit.Message,
			Line:     hit.Line,
		})
		if hit.AbortOnHit && cancel != nil {
			cancel()
		}
	}
}

// executeRun runs job's steps in order against r, honoring each step's
// ContinueOnError flag. A command_exec failure maps directly to the
// matching run.FailReason; a failing side-effect step without
// ContinueOnError aborts the run with FailReasonPrelude, generalizing the
// "setup step before the real work" case to every non-command_exec kind.
func executeRun(ctx context.Context, job catalog.Job, r *run.Run, scanner *keyword.Scanner, webhookSink webhook.Sink, cancel context.CancelFunc) execResult {
	sink := buildLineSink(r, scanner, cancel)
	steps := job.EffectiveSteps()
	if len(steps) == 0 {
		return execResult{Err: fmt.Errorf("job %s has no steps", job.ID), FailReason: run.FailReasonSpawn}
	}

	timeout := job.Timeout()
	for _, st := range steps {
		if ctx.Err() != nil {
			return execResult{Err: ctx.Err(), FailReason: run.FailReasonTimeout}
		}

		out := runStep(ctx, st, job.WorkingDirectory, timeout, sink, webhookSink)

		if st.Kind == step.KindCommandExec {
			if out.Err != nil {
				return execResult{
					ExitCode:   out.ExitCode,
					HasExit:    true,
					FailReason: failReasonFromProcsup(out.Reason, hasAbortHit(r)),
					Err:        out.Err,
				}
			}
			continue
		}

		if out.failed() {
			if !st.ContinueOnError {
				return execResult{FailReason: run.FailReasonPrelude, Err: out.Err}
			}
			sink("step", fmt.Sprintf("step failed, continuing: %v", out.Err))
		}
	}

	return execResult{ExitCode: 0, HasExit: true}
}

func hasAbortHit(r *run.Run) bool {
	for _, h := range r.KeywordHits {
		if h.RuleKind == keyword.KindFailure {
			return true
		}
	}
	return false
}

// failReasonFromProcsup maps a subprocess termination reason to the run
// taxonomy. A cancel triggered by an abort_on_hit keyword rule is reported
// as FailReasonKeyword rather than the generic cancel case, since the
// operator-visible cause is the matched pattern, not the signal itself.
func failReasonFromProcsup(reason procsup.Reason, abortedByKeyword bool) run.FailReason {
	if reason == procsup.ReasonCancel && abortedByKeyword {
		return run.FailReasonKeyword
	}
	switch reason {
	case procsup.ReasonExit:
		return run.FailReasonExit
	case procsup.ReasonTimeout:
		return run.FailReasonTimeout
	case procsup.ReasonSignal:
		return run.FailReasonSignal
	case procsup.ReasonSpawn:
		return run.FailReasonSpawn
	default:
		return run.FailReasonNone
	}
}
