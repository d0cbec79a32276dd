// Package engine is the scheduler loop: it evaluates every job's trigger
// against the published catalog, enqueues due runs, admits them against
// resource-group and mode caps, supervises their execution, and feeds the
// retry engine and notifier off each run's terminal outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"taskctl/internal/catalog"
	"taskctl/internal/eventbus"
	"taskctl/internal/keyword"
	"taskctl/internal/notifier"
	"taskctl/internal/queue"
	"taskctl/internal/resourcegroup"
	"taskctl/internal/retry"
	"taskctl/internal/run"
	rtsup "taskctl/internal/runtime/supervisor"
	"taskctl/internal/trigger"
	"taskctl/internal/webhook"
	logx "taskctl/pkg/logx"
)

var (
	ErrDisabled         = errors.New("engine: scheduler disabled")
	ErrNotRunning       = errors.New("engine: scheduler not running")
	ErrJobNotFound      = errors.New("engine: job not found")
	ErrRunNotFound      = errors.New("engine: run not found")
	ErrJobDisabled      = errors.New("engine: job disabled")
	ErrSchedulerRunning = errors.New("engine: scheduler running blocks manual run")
)

// Service owns the scheduler loop: due-run planning, admission, execution,
// and the retry/notify feedback wired off every run's terminal status.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	sup *rtsup.Supervisor

	catalogMgr *catalog.Manager
	groups     *resourcegroup.Table
	store      *run.Store
	queue      *queue.Queue
	retryEng   *retry.Engine
	notify     *notifier.Service
	webhook    webhook.Sink

	rmu      sync.Mutex
	runtimes map[string]*jobRuntime

	cmu     sync.Mutex
	cancels map[run.ID]context.CancelFunc
}

// NewService wires the scheduler loop's collaborators; each is a package
// already responsible for its own concern (catalog loading, per-group
// concurrency, run bookkeeping, admission ordering, retry/success-repeat
// state, and outbound notification).
func NewService(
	cfg Config,
	catalogMgr *catalog.Manager,
	groups *resourcegroup.Table,
	store *run.Store,
	q *queue.Queue,
	retryEng *retry.Engine,
	notify *notifier.Service,
	webhookSink webhook.Sink,
	log logx.Logger,
	bus eventbus.Bus,
) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		catalogMgr: catalogMgr,
		groups:     groups,
		store:      store,
		queue:      q,
		retryEng:   retryEng,
		notify:     notify,
		webhook:    webhookSink,
		runtimes:   map[string]*jobRuntime{},
		cancels:    map[run.ID]context.CancelFunc{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Mode() Mode {
	s.mu.Lock()
	m := s.cfg.Mode
	s.mu.Unlock()
	return m
}

// SetMode switches between AUTO and SINGLE. Moving into SINGLE preempts
// every currently pending run, matching PreemptAllPending's documented use;
// runs already executing are left to finish.
func (s *Service) SetMode(mode Mode) {
	s.mu.Lock()
	prev := s.cfg.Mode
	s.cfg.Mode = mode
	s.mu.Unlock()

	if prev != ModeSingle && mode == ModeSingle {
		affected := s.store.PreemptAllPending()
		for _, id := range affected {
			s.queue.Remove(id)
		}
		if len(affected) > 0 && !s.log.IsZero() {
			s.log.Info("mode switch preempted pending runs", logx.Int("count", len(affected)))
		}
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "scheduler.mode_changed", Data: mode})
	}
	if s.notify != nil {
		_ = s.notify.Notify(context.Background(), notifier.Event{
			Kind:    notifier.ModeChanged,
			Message: fmt.Sprintf("scheduler mode changed to %s", mode),
			Flags:   notifier.Flags{OnStart: true, OnSuccess: true, OnFailure: true, OnKeyword: true},
			At:      time.Now(),
		})
	}
}

// Start begins the tick loop. Idempotent; calling Start while already
// running is a no-op.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	tick := s.cfg.effectiveTick()
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("tick", func(c context.Context) error {
		s.tickLoop(c, tick)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("tick loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	if s.notify != nil {
		_ = s.notify.Notify(ctx, notifier.Event{
			Kind:    notifier.SchedulerStarted,
			Message: "scheduler started",
			Flags:   notifier.Flags{OnStart: true, OnSuccess: true, OnFailure: true, OnKeyword: true},
			At:      time.Now(),
		})
	}
	s.log.Info("scheduler started", logx.Duration("tick", tick), logx.String("mode", string(s.Mode())))
}

// Stop cancels the tick loop and every in-flight run, waiting up to
// cfg.GracePeriod for subprocesses to exit before returning anyway.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	grace := s.cfg.effectiveGrace()
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	sup.Cancel()
	waitCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(waitCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("scheduler stop wait error", logx.Err(err))
	}

	if s.notify != nil {
		_ = s.notify.Notify(context.Background(), notifier.Event{
			Kind:    notifier.SchedulerStopped,
			Message: "scheduler stopped",
			Flags:   notifier.Flags{OnStart: true, OnSuccess: true, OnFailure: true, OnKeyword: true},
			At:      time.Now(),
		})
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) tickLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs the four-step cycle: sync resource groups from the published
// catalog, plan due runs (coalescing new fires behind a still-live run),
// admit as many queued runs as capacity allows, and let executeRun's own
// goroutines feed terminal outcomes back through finishRun.
func (s *Service) tick(ctx context.Context, now time.Time) {
	cat := s.catalogMgr.Get()
	if cat == nil {
		return
	}
	s.syncGroups(cat)
	s.planDueRuns(cat, now)
	s.admit(ctx, cat)
}

func (s *Service) syncGroups(cat *catalog.Catalog) {
	names := make(map[string]int, len(cat.ResourceGroups))
	for _, g := range cat.ResourceGroups {
		names[g.Name] = g.MaxConcurrent
	}
	s.groups.Sync(names)
}

// planDueRuns evaluates every enabled job's trigger and enqueues a fresh
// scheduler-origin run for each one that just fired, skipping jobs that
// already have a pending or running instance live (coalescing: drop the
// new fire, keep the existing run rather than queuing a second one).
func (s *Service) planDueRuns(cat *catalog.Catalog, now time.Time) {
	for _, job := range cat.Jobs {
		if !job.Enabled {
			continue
		}
		rt := s.runtimeFor(job.ID)

		next, err := trigger.Next(job.Trigger, now, rt.hint)
		if err != nil {
			if !s.log.IsZero() {
				s.log.Warn("trigger evaluation failed", logx.String("job_id", job.ID), logx.Err(err))
			}
			continue
		}
		if trigger.IsNever(next) || next.After(now) {
			continue
		}

		rt.hint.LastFire = next
		if job.Trigger.Kind == trigger.KindRandomWindow {
			rt.hint.WindowFired = true
		}

		if len(s.store.LiveForJob(job.ID)) > 0 {
			continue
		}

		s.enqueueScheduled(job, next, now)
	}
}

func (s *Service) runtimeFor(jobID string) *jobRuntime {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	rt, ok := s.runtimes[jobID]
	if !ok {
		rt = &jobRuntime{}
		s.runtimes[jobID] = rt
	}
	return rt
}

func (s *Service) enqueueScheduled(job catalog.Job, firedAt, now time.Time) *run.Run {
	r := run.New(s.store.NextID(), job.ID, run.OriginScheduler, 1, job.Priority, firedAt, now)
	s.store.Put(r)
	s.queue.Push(r)
	s.retryEng.OnAdmitted(job.ID, r)
	return r
}

// RunNow enqueues a manual-origin run for jobID immediately, bypassing the
// trigger schedule. Coalescing still applies: a job with a live run
// already in flight rejects the request rather than stacking a duplicate.
// Refused outright when the scheduler is running in AUTO mode: the operator
// must stop it or switch to SINGLE mode first. Otherwise the run's priority
// is boosted to catalog.MinPriority so it is admitted ahead of every
// scheduled run in the same resource group.
func (s *Service) RunNow(jobID string) (*run.Run, error) {
	s.mu.Lock()
	blocked := s.cfg.Mode == ModeAuto && s.sup != nil
	s.mu.Unlock()
	if blocked {
		return nil, ErrSchedulerRunning
	}

	cat := s.catalogMgr.Get()
	if cat == nil {
		return nil, ErrJobNotFound
	}
	job, ok := findJob(cat, jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	if !job.Enabled {
		return nil, ErrJobDisabled
	}
	if len(s.store.LiveForJob(jobID)) > 0 {
		return nil, fmt.Errorf("engine: job %s already has a live run", jobID)
	}
	now := time.Now()
	r := run.New(s.store.NextID(), job.ID, run.OriginManual, 1, catalog.MinPriority, now, now)
	s.store.Put(r)
	s.queue.Push(r)
	s.retryEng.OnAdmitted(job.ID, r)
	return r, nil
}

// Cancel requests cancellation of runID, whether pending (removed from the
// queue and marked cancelled directly) or already running (its context is
// cancelled so procsup escalates to SIGTERM/SIGKILL per its own grace
// period).
func (s *Service) Cancel(runID run.ID) error {
	if pending, ok := s.queue.Remove(runID); ok {
		pending.Status = run.StatusCancelled
		pending.FinishedAt = time.Now()
		s.store.Finish(pending)
		return nil
	}

	s.cmu.Lock()
	cancel, ok := s.cancels[runID]
	s.cmu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	r, ok := s.store.Get(runID)
	if ok {
		r.CancelRequested = true
	}
	cancel()
	return nil
}

func findJob(cat *catalog.Catalog, jobID string) (catalog.Job, bool) {
	for _, j := range cat.Jobs {
		if j.ID == jobID {
			return j, true
		}
	}
	return catalog.Job{}, false
}

// admit drains as many currently-admissible queued runs as the mode and
// resource groups allow, spawning one supervised goroutine per run.
func (s *Service) admit(ctx context.Context, cat *catalog.Catalog) {
	mode := s.Mode()
	lookup := func(jobID string) (string, bool) {
		j, ok := findJob(cat, jobID)
		if !ok {
			return "", false
		}
		return j.ResourceGroup, true
	}
	admitFn := buildAdmitFunc(mode, s.groups, s.store.RunningCount, lookup)

	for {
		r := s.queue.PopBestAdmissible(admitFn)
		if r == nil {
			return
		}
		job, ok := findJob(cat, r.JobID)
		if !ok {
			// admitFn's own lookup already rejects runs whose job vanished
			// from the catalog, so PopBestAdmissible never returns one; this
			// guards the same invariant defensively against a future admit
			// function that admits by a different signal.
			r.Status = run.StatusCancelled
			r.FinishedAt = time.Now()
			s.store.Finish(r)
			continue
		}
		s.spawn(ctx, job, r)
	}
}

// spawn runs one admitted run to completion in its own goroutine, feeding
// its terminal status into finishRun. The supervisor tracks it by run id
// under a plain one-shot Go, not GoRestart — a run is never retried by
// re-executing the same goroutine, only by the retry engine scheduling a
// brand new run.
func (s *Service) spawn(parentCtx context.Context, job catalog.Job, r *run.Run) {
	r.Status = run.StatusRunning
	r.StartedAt = time.Now()
	s.store.Put(r)

	runCtx, cancel := context.WithCancel(parentCtx)
	s.cmu.Lock()
	s.cancels[r.ID] = cancel
	s.cmu.Unlock()

	if s.notify != nil {
		_ = s.notify.Notify(parentCtx, notifier.Event{
			Kind:    notifier.RunStarted,
			JobID:   job.ID,
			JobName: job.Name,
			RunID:   int64(r.ID),
			Flags:   notifier.Flags{OnStart: job.Notify.NotifyOnStart, OnSuccess: job.Notify.NotifyOnSuccess, OnFailure: job.Notify.NotifyOnFailure, OnKeyword: job.Notify.NotifyOnKeyword},
			Message: fmt.Sprintf("run %d started for %s", r.ID, job.Name),
			At:      r.StartedAt,
		})
	}

	scanner := keyword.New(toKeywordRules(job.Keywords))

	sup := s.sup
	if sup == nil {
		go s.runAndFinish(runCtx, cancel, job, r, scanner)
		return
	}
	sup.Go(fmt.Sprintf("run.%d", r.ID), func(context.Context) error {
		s.runAndFinish(runCtx, cancel, job, r, scanner)
		return nil
	})
}

func (s *Service) runAndFinish(ctx context.Context, cancel context.CancelFunc, job catalog.Job, r *run.Run, scanner *keyword.Scanner) {
	defer cancel()
	result := executeRun(ctx, job, r, scanner, s.webhook, cancel)
	s.finishRun(job, r, result)
}

func toKeywordRules(rules []catalog.KeywordRule) []keyword.Rule {
	out := make([]keyword.Rule, 0, len(rules))
	for _, kr := range rules {
		out = append(out, keyword.Rule{
			Patterns:        kr.Patterns,
			Kind:            kr.Kind,
			Message:         kr.Message,
			AbortOnHit:      kr.AbortOnHit,
			CaseInsensitive: kr.CaseInsensitive,
		})
	}
	return out
}

// finishRun derives the run's terminal status from result, releases its
// resource-group slot, records it in the store, consults the retry engine
// for a follow-up run, and notifies.
func (s *Service) finishRun(job catalog.Job, r *run.Run, result execResult) {
	now := time.Now()
	r.FinishedAt = now
	r.ExitCode = result.ExitCode
	r.HasExit = result.HasExit

	s.cmu.Lock()
	delete(s.cancels, r.ID)
	s.cmu.Unlock()

	s.groups.Release(job.ResourceGroup, resourcegroup.RunID(r.ID))

	if result.Err == nil {
		for _, h := range r.KeywordHits {
			if h.RuleKind == keyword.KindFailure {
				result.Err = ErrKeywordFailure
				result.FailReason = run.FailReasonKeyword
				break
			}
		}
	}

	switch {
	case result.Err == nil:
		r.Status = run.StatusCompleted
		r.FailReason = run.FailReasonNone
	case r.CancelRequested && result.FailReason != run.FailReasonKeyword:
		r.Status = run.StatusCancelled
		r.FailReason = run.FailReasonNone
	default:
		r.Status = run.StatusFailed
		r.FailReason = result.FailReason
	}

	s.store.Finish(r)
	s.notifyFinished(job, r, result)

	decision := s.retryEng.OnFinished(job, r, now)
	if decision.ShouldRun {
		next := run.New(s.store.NextID(), job.ID, decision.Origin, decision.Attempt, job.Priority, decision.ScheduledFor, now)
		next.WindowOriginFire = decision.WindowOriginFire
		s.store.Put(next)
		s.queue.Push(next)
	}
	if decision.Escalate && s.notify != nil {
		_ = s.notify.Notify(context.Background(), notifier.Event{
			Kind:    notifier.RetryEscalated,
			JobID:   job.ID,
			JobName: job.Name,
			RunID:   int64(r.ID),
			Flags:   notifier.Flags{OnFailure: true},
			Message: fmt.Sprintf("job %s has failed %d times without success", job.Name, r.Attempt),
			At:      now,
		})
	}
}

func (s *Service) notifyFinished(job catalog.Job, r *run.Run, result execResult) {
	if s.notify == nil {
		return
	}
	flags := notifier.Flags{OnStart: job.Notify.NotifyOnStart, OnSuccess: job.Notify.NotifyOnSuccess, OnFailure: job.Notify.NotifyOnFailure, OnKeyword: job.Notify.NotifyOnKeyword}

	for _, hit := range r.KeywordHits {
		_ = s.notify.Notify(context.Background(), notifier.Event{
			Kind:    notifier.KeywordHit,
			JobID:   job.ID,
			JobName: job.Name,
			RunID:   int64(r.ID),
			Flags:   flags,
			Message: hit.Message,
			At:      r.FinishedAt,
		})
	}

	switch r.Status {
	case run.StatusCompleted:
		_ = s.notify.Notify(context.Background(), notifier.Event{
			Kind: notifier.RunSucceeded, JobID: job.ID, JobName: job.Name, RunID: int64(r.ID),
			Flags: flags, Message: fmt.Sprintf("run %d for %s completed", r.ID, job.Name), At: r.FinishedAt,
		})
	case run.StatusFailed:
		_ = s.notify.Notify(context.Background(), notifier.Event{
			Kind: notifier.RunFailed, JobID: job.ID, JobName: job.Name, RunID: int64(r.ID),
			Flags: flags, Message: fmt.Sprintf("run %d for %s failed: %v", r.ID, job.Name, result.Err), At: r.FinishedAt,
		})
	}
}

// Snapshot returns the point-in-time scheduler view for the control API's
// /api/status endpoint.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.sup != nil
	mode := s.cfg.Mode
	s.mu.Unlock()

	cat := s.catalogMgr.Get()
	totalJobs := 0
	if cat != nil {
		totalJobs = len(cat.Jobs)
	}
	return Snapshot{
		Running:     running,
		Mode:        mode,
		TotalJobs:   totalJobs,
		RunningRuns: s.store.RunningCount(),
		QueueDepth:  s.queue.Len(),
	}
}

// JobStats returns the point-in-time view for one job's detail endpoint.
func (s *Service) JobStats(jobID string) (JobStats, error) {
	cat := s.catalogMgr.Get()
	if cat == nil {
		return JobStats{}, ErrJobNotFound
	}
	job, ok := findJob(cat, jobID)
	if !ok {
		return JobStats{}, ErrJobNotFound
	}
	rt := s.runtimeFor(jobID)
	next, _ := trigger.Next(job.Trigger, time.Now(), rt.hint)

	last, _ := s.store.LastTerminal(jobID)
	return JobStats{
		Job:        job,
		NextFire:   next,
		Live:       s.store.LiveForJob(jobID),
		LastRun:    last,
		RecentRuns: s.store.History(jobID),
	}, nil
}
