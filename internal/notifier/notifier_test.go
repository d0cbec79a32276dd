package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "taskctl/pkg/logx"
)

type fakeSink struct {
	mu    sync.Mutex
	calls []string
	fail  int
}

func (f *fakeSink) Deliver(ctx context.Context, templateID string, variables map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return context.DeadlineExceeded
	}
	f.calls = append(f.calls, templateID+":"+variables["job_id"])
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNotifySuppressesDisallowedKind(t *testing.T) {
	sink := &fakeSink{}
	svc := New(Config{Enabled: true}, sink, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	err := svc.Notify(context.Background(), Event{Kind: RunSucceeded, JobID: "j1", Flags: Flags{OnSuccess: false}})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected no delivery, got %d", sink.count())
	}
}

func TestNotifyDeliversAllowedKind(t *testing.T) {
	sink := &fakeSink{}
	svc := New(Config{Enabled: true}, sink, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	err := svc.Notify(context.Background(), Event{Kind: RunFailed, JobID: "j1", Flags: Flags{OnFailure: true}})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return sink.count() == 1 })
}

func TestNotifyRateWindowCollapsesOverflowIntoSummary(t *testing.T) {
	sink := &fakeSink{}
	svc := New(Config{Enabled: true, RatePerWindow: 2, Window: time.Hour}, sink, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	flags := Flags{OnKeyword: true}
	for i := 0; i < 5; i++ {
		_ = svc.Notify(context.Background(), Event{Kind: KeywordHit, JobID: "j1", Flags: flags})
	}
	waitFor(t, func() bool { return sink.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	if c := sink.count(); c != 2 {
		t.Fatalf("expected exactly 2 deliveries within the window (no summary until window closes), got %d", c)
	}
}

func TestNotifyRejectsWhenDisabled(t *testing.T) {
	sink := &fakeSink{}
	svc := New(Config{Enabled: false}, sink, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	err := svc.Notify(context.Background(), Event{Kind: RunFailed, JobID: "j1", Flags: Flags{OnFailure: true}})
	if err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestSendWithRetryRecoversAfterTransientFailure(t *testing.T) {
	sink := &fakeSink{fail: 1}
	svc := New(Config{Enabled: true, RetryMax: 2, RetryBase: 5 * time.Millisecond, RetryMaxDelay: 10 * time.Millisecond}, sink, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	err := svc.Notify(context.Background(), Event{Kind: RunFailed, JobID: "j1", Flags: Flags{OnFailure: true}})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return sink.count() == 1 })
}
