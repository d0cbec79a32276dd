package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	logx "taskctl/pkg/logx"

	"taskctl/internal/eventbus"
	rtsup "taskctl/internal/runtime/supervisor"
	"taskctl/internal/webhook"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	ev Event
}

// windowState tracks the rate-limit window for one (job_id, event_kind)
// pair: up to cfg.RatePerWindow deliveries pass through per cfg.Window;
// the rest are counted and folded into one summary event at window close.
type windowState struct {
	start    time.Time
	sent     int
	overflow int
}

// Service implements an async notification pipeline: queue + worker pool
// + per-(job,kind) rate limiting + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	sink webhook.Sink
	bus  eventbus.Bus

	cfg Config

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	wmu     sync.Mutex
	windows map[string]*windowState

	hmu     sync.Mutex
	history []HistoryItem
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func New(cfg Config, sink webhook.Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sink:    sink,
		log:     log,
		bus:     bus,
		windows: map[string]*windowState{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerWindow <= 0 {
		cfg.RatePerWindow = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		name := fmt.Sprintf("worker.%d", idx)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	sup.GoRestart("window.sweep", func(c context.Context) error {
		s.sweepLoop(c)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("notifier window sweep exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		return
	}
}

// Notify enqueues ev for delivery if its job's flags allow it and the
// (job_id, event_kind) rate window still has capacity.
func (s *Service) Notify(ctx context.Context, ev Event) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.Window
	limit := s.cfg.RatePerWindow
	s.mu.Unlock()

	if !ev.Flags.Allows(ev.Kind) {
		return nil
	}

	summary, overflowed := s.admit(ev, window, limit)
	if summary != nil {
		// Window just closed with pending overflow; deliver the summary
		// first so operators see "N suppressed" before the fresh event.
		_ = s.tryEnqueue(q, job{ev: *summary})
	}
	if overflowed {
		return nil
	}

	s.sendWG.Add(1)
	defer s.sendWG.Done()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "notifier.queued", Time: ev.At, Data: LifecycleEvent{Kind: ev.Kind, JobID: ev.JobID, RunID: ev.RunID, At: ev.At}})
	}

	return s.tryEnqueue(q, job{ev: ev})
}

func (s *Service) tryEnqueue(q chan job, j job) error {
	select {
	case q <- j:
		return nil
	default:
		if s.bus != nil {
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: "notifier.dropped", Time: now, Data: LifecycleEvent{Kind: j.ev.Kind, JobID: j.ev.JobID, RunID: j.ev.RunID, At: now, Error: ErrQueueFull.Error()}})
		}
		return ErrQueueFull
	}
}

func windowKey(jobID string, kind EventKind) string {
	return jobID + "|" + string(kind)
}

// admit applies the rate window for ev's (job_id, kind) pair. It returns
// overflowed=true when ev itself should be suppressed, and a non-nil
// summary event when a just-closed window had suppressed deliveries that
// must be folded into one "N suppressed" notification.
func (s *Service) admit(ev Event, window time.Duration, limit int) (summary *Event, overflowed bool) {
	key := windowKey(ev.JobID, ev.Kind)
	now := ev.At

	s.wmu.Lock()
	defer s.wmu.Unlock()

	st, ok := s.windows[key]
	if !ok || now.Sub(st.start) >= window {
		var prior *windowState
		if ok && st.overflow > 0 {
			prior = st
		}
		st = &windowState{start: now}
		s.windows[key] = st
		if prior != nil {
			summary = &Event{
				Kind:    ev.Kind,
				JobID:   ev.JobID,
				JobName: ev.JobName,
				Flags:   Flags{OnStart: true, OnSuccess: true, OnFailure: true, OnKeyword: true},
				Message: fmt.Sprintf("%d notifications suppressed by rate limit in prior window", prior.overflow),
				At:      now,
			}
		}
	}

	if st.sent >= limit {
		st.overflow++
		return summary, true
	}
	st.sent++
	return summary, false
}

// sweepLoop periodically flushes summary events for windows that closed
// with no further traffic to trigger admit's lazy check.
func (s *Service) sweepLoop(ctx context.Context) {
	s.mu.Lock()
	window := s.cfg.Window
	q := s.queue
	s.mu.Unlock()
	if window <= 0 {
		window = time.Minute
	}

	t := time.NewTicker(window)
	defer t.Stop()
	stopPoll := time.NewTicker(100 * time.Millisecond)
	defer stopPoll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopPoll.C:
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return
			}
		case <-t.C:
			now := time.Now()
			var flush []Event
			s.wmu.Lock()
			for key, st := range s.windows {
				if st.overflow > 0 && now.Sub(st.start) >= window {
					flush = append(flush, Event{
						Kind:    KeywordHit,
						JobID:   keyFromWindowKey(key),
						Flags:   Flags{OnKeyword: true},
						Message: fmt.Sprintf("%d notifications suppressed by rate limit", st.overflow),
						At:      now,
					})
					delete(s.windows, key)
				}
			}
			s.wmu.Unlock()
			for _, ev := range flush {
				_ = s.tryEnqueue(q, job{ev: ev})
			}
		}
	}
}

func keyFromWindowKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i]
		}
	}
	return key
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	sink := s.sink
	log := s.log
	bus := s.bus
	s.mu.Unlock()

	if sink == nil {
		return
	}

	templateID, vars := renderPayload(j.ev)

	maxAttempts := 1
	if cfg.RetryMax > 0 {
		maxAttempts = 1 + cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx := runCtx
		if callCtx == nil {
			callCtx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(callCtx, 10*time.Second)
		err := sink.Deliver(callCtx, templateID, vars)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), Kind: j.ev.Kind, JobID: j.ev.JobID, Message: j.ev.Message})
			if bus != nil {
				now := time.Now()
				bus.Publish(eventbus.Event{Type: "notifier.sent", Time: now, Data: LifecycleEvent{Kind: j.ev.Kind, JobID: j.ev.JobID, RunID: j.ev.RunID, At: now}})
			}
			return
		}
		lastErr = err
		log.Debug("notify deliver failed", logx.Any("err", err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		rc := runCtx
		if rc == nil {
			rc = context.Background()
		}
		select {
		case <-t.C:
		case <-rc.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}

	if lastErr != nil {
		s.appendHistory(HistoryItem{At: time.Now(), Kind: j.ev.Kind, JobID: j.ev.JobID, Message: j.ev.Message, Error: lastErr.Error()})
		if bus != nil {
			now := time.Now()
			bus.Publish(eventbus.Event{Type: "notifier.failed", Time: now, Data: LifecycleEvent{Kind: j.ev.Kind, JobID: j.ev.JobID, RunID: j.ev.RunID, At: now, Error: lastErr.Error()}})
		}
	}
}

func renderPayload(ev Event) (string, map[string]string) {
	vars := map[string]string{}
	for k, v := range ev.Variables {
		vars[k] = v
	}
	vars["job_id"] = ev.JobID
	if ev.JobName != "" {
		vars["job_name"] = ev.JobName
	}
	if ev.RunID != 0 {
		vars["run_id"] = strconv.FormatInt(ev.RunID, 10)
	}
	if ev.Message != "" {
		vars["message"] = ev.Message
	}
	return string(ev.Kind), vars
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
