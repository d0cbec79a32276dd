package keyword

import "testing"

func TestScanFirstMatchWins(t *testing.T) {
	s := New([]Rule{
		{Patterns: []string{"FATAL"}, Kind: KindFailure, Message: "fatal error"},
		{Patterns: []string{"OK"}, Kind: KindSuccess, Message: "looks fine"},
	})
	hit, ok := s.Scan("prefix FATAL: disk full")
	if !ok || hit.RuleKind != KindFailure {
		t.Fatalf("expected failure hit, got %+v ok=%v", hit, ok)
	}
}

func TestScanNoMatch(t *testing.T) {
	s := New([]Rule{{Patterns: []string{"FATAL"}, Kind: KindFailure}})
	if _, ok := s.Scan("all good"); ok {
		t.Fatalf("expected no match")
	}
}

func TestScanCaseSensitiveByDefault(t *testing.T) {
	s := New([]Rule{{Patterns: []string{"FATAL"}, Kind: KindFailure}})
	if _, ok := s.Scan("fatal: lowercase"); ok {
		t.Fatalf("expected case-sensitive match to fail")
	}
}

func TestScanCaseInsensitiveOptIn(t *testing.T) {
	s := New([]Rule{{Patterns: []string{"FATAL"}, Kind: KindFailure, CaseInsensitive: true}})
	if _, ok := s.Scan("fatal: lowercase"); !ok {
		t.Fatalf("expected case-insensitive match to succeed")
	}
}

func TestScanRuleOrderIsDeclarationOrder(t *testing.T) {
	s := New([]Rule{
		{Patterns: []string{"X"}, Kind: KindAlert, Message: "first"},
		{Patterns: []string{"X"}, Kind: KindFailure, Message: "second"},
	})
	hit, ok := s.Scan("line with X")
	if !ok || hit.Message != "first" {
		t.Fatalf("expected first rule to win, got %+v", hit)
	}
}
