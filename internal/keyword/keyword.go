// Package keyword implements the per-job pattern scanner applied to each
// emitted subprocess line.
package keyword

import "strings"

const (
	KindSuccess = "success"
	KindFailure = "failure"
	KindAlert   = "alert"
)

// Rule is one compiled pattern set. Patterns are plain substring matches,
// case-sensitive by default; set CaseInsensitive to relax that per rule.
type Rule struct {
	Patterns        []string
	Kind            string
	Message         string
	AbortOnHit      bool
	CaseInsensitive bool
}

// Hit is emitted the first time a line matches a rule.
type Hit struct {
	RuleKind   string
	Message    string
	Line       string
	AbortOnHit bool
}

// Scanner tests each line from the subprocess supervisor against a job's
// ordered rule list; first-match-wins per line.
type Scanner struct {
	rules []Rule
}

// New compiles rules in declaration order.
func New(rules []Rule) *Scanner {
	return &Scanner{rules: rules}
}

// Scan tests line against the rules in order and returns the first match,
// or ok=false if nothing matched.
func (s *Scanner) Scan(line string) (Hit, bool) {
	for _, r := range s.rules {
		for _, p := range r.Patterns {
			if matches(line, p, r.CaseInsensitive) {
				return Hit{RuleKind: r.Kind, Message: r.Message, Line: line, AbortOnHit: r.AbortOnHit}, true
			}
		}
	}
	return Hit{}, false
}

func matches(line, pattern string, caseInsensitive bool) bool {
	if pattern == "" {
		return false
	}
	if caseInsensitive {
		return strings.Contains(strings.ToLower(line), strings.ToLower(pattern))
	}
	return strings.Contains(line, pattern)
}
