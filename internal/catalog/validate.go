package catalog

import "fmt"

// MinPriority and MaxPriority bound Job.Priority; lower is higher priority.
// MinPriority is also the boosted priority manual runs are given so they
// sort ahead of every scheduled run in the same resource group.
const (
	MinPriority = -100
	MaxPriority = 100
)

// Validate checks the catalog's invariants: every job's resource_group
// must resolve to a declared group, priority must be in range, retry
// counts must be non-negative, and a job with success_repeat_within_window
// must carry a window.
func Validate(c *Catalog) error {
	groups := make(map[string]bool, len(c.ResourceGroups))
	for _, g := range c.ResourceGroups {
		if g.Name == "" {
			return &ConfigError{Reason: "resource group with empty name"}
		}
		if g.MaxConcurrent < 1 {
			return &ConfigError{Reason: fmt.Sprintf("resource group %q: max_concurrent must be >= 1", g.Name)}
		}
		if groups[g.Name] {
			return &ConfigError{Reason: fmt.Sprintf("duplicate resource group %q", g.Name)}
		}
		groups[g.Name] = true
	}

	seen := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.ID == "" {
			return &ConfigError{Reason: "job with empty id"}
		}
		if seen[j.ID] {
			return &ConfigError{Reason: fmt.Sprintf("duplicate job id %q", j.ID)}
		}
		seen[j.ID] = true

		if !groups[j.ResourceGroup] {
			return &ConfigError{Reason: fmt.Sprintf("job %q: unknown resource_group %q", j.ID, j.ResourceGroup)}
		}
		if j.Priority < MinPriority || j.Priority > MaxPriority {
			return &ConfigError{Reason: fmt.Sprintf("job %q: priority %d out of range [%d,%d]", j.ID, j.Priority, MinPriority, MaxPriority)}
		}
		if j.Retry.MaxFailureRetries < 0 || j.Retry.FailureRetryDelaySeconds < 0 ||
			j.Retry.SuccessRepeatDelaySeconds < 0 || j.Retry.SuccessRepeatMax < 0 {
			return &ConfigError{Reason: fmt.Sprintf("job %q: retry counts must be >= 0", j.ID)}
		}
		if j.Retry.SuccessRepeatWithinWindow && j.Window == nil {
			return &ConfigError{Reason: fmt.Sprintf(
				"job %q: success_repeat_within_window requires a window definition", j.ID)}
		}
		if err := j.Trigger.Validate(); err != nil {
			return &ConfigError{Reason: fmt.Sprintf("job %q: trigger: %v", j.ID, err)}
		}
		for _, kw := range j.Keywords {
			switch kw.Kind {
			case KeywordKindSuccess, KeywordKindFailure, KeywordKindAlert:
			default:
				return &ConfigError{Reason: fmt.Sprintf("job %q: unknown keyword kind %q", j.ID, kw.Kind)}
			}
			if len(kw.Patterns) == 0 {
				return &ConfigError{Reason: fmt.Sprintf("job %q: keyword rule with no patterns", j.ID)}
			}
		}
	}

	if c.Scheduler.Mode != "" && c.Scheduler.Mode != ModeAuto && c.Scheduler.Mode != ModeSingle {
		return &ConfigError{Reason: fmt.Sprintf("unknown scheduler mode %q", c.Scheduler.Mode)}
	}

	return nil
}
