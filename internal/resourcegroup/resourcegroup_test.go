package resourcegroup

import "testing"

func TestTryAcquireRespectsMaxConcurrent(t *testing.T) {
	tab := New()
	if err := tab.Define("g", 1); err != nil {
		t.Fatalf("Define: %v", err)
	}
	if !tab.TryAcquire("g", 1) {
		t.Fatalf("expected first acquire to succeed")
	}
	if tab.TryAcquire("g", 2) {
		t.Fatalf("expected second acquire to fail at max_concurrent=1")
	}
	tab.Release("g", 1)
	if !tab.TryAcquire("g", 2) {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	tab := New()
	_ = tab.Define("g", 1)
	tab.Release("g", 99) // never acquired
	tab.Release("g", 99) // release again
	sum, ok := tab.Summary("g")
	if !ok || sum.Running != 0 {
		t.Fatalf("expected 0 running, got %+v", sum)
	}
}

func TestSummaryReflectsRunningIDs(t *testing.T) {
	tab := New()
	_ = tab.Define("g", 2)
	tab.TryAcquire("g", 1)
	tab.TryAcquire("g", 2)
	sum, ok := tab.Summary("g")
	if !ok {
		t.Fatalf("expected group to exist")
	}
	if sum.Running != 2 || sum.Available != 0 || sum.Max != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(sum.RunIDs) != 2 {
		t.Fatalf("expected 2 run ids, got %v", sum.RunIDs)
	}
}

func TestAcquireOnUndefinedGroupFails(t *testing.T) {
	tab := New()
	if tab.TryAcquire("nope", 1) {
		t.Fatalf("expected acquire on undefined group to fail")
	}
}

func TestSyncPreservesRunningState(t *testing.T) {
	tab := New()
	_ = tab.Define("g", 1)
	tab.TryAcquire("g", 1)

	tab.Sync(map[string]int{"g": 3})
	sum, ok := tab.Summary("g")
	if !ok || sum.Running != 1 || sum.Max != 3 {
		t.Fatalf("unexpected summary after sync: %+v", sum)
	}
}
