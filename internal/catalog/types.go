// Package catalog holds the declarative, reloadable definition of jobs and
// resource groups, and the loader that turns a YAML file into that
// in-memory snapshot.
package catalog

import (
	"fmt"
	"time"

	"taskctl/internal/step"
	"taskctl/internal/trigger"
)

// Catalog is the full set of declarative state published to the engine on
// every successful load. It is always replaced wholesale (copy-on-write);
// nothing in the engine mutates a Catalog in place.
type Catalog struct {
	ResourceGroups []ResourceGroup `json:"resource_groups" yaml:"resource_groups"`
	Jobs           []Job           `json:"jobs" yaml:"jobs"`
	Webhook        WebhookConfig   `json:"webhook" yaml:"webhook"`
	Scheduler      SchedulerConfig `json:"scheduler" yaml:"scheduler"`
}

// ResourceGroup is a named concurrency pool.
type ResourceGroup struct {
	Name          string `json:"name" yaml:"name"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
}

// KeywordRule is one per-job pattern rule.
type KeywordRule struct {
	Patterns        []string `json:"patterns" yaml:"patterns"`
	Kind            string   `json:"kind" yaml:"kind"` // success | failure | alert
	Message         string   `json:"message" yaml:"message"`
	AbortOnHit      bool     `json:"abort_on_hit,omitempty" yaml:"abort_on_hit,omitempty"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
}

const (
	KeywordKindSuccess = "success"
	KeywordKindFailure = "failure"
	KeywordKindAlert   = "alert"
)

// RetryPolicy groups the failure-retry and success-repeat knobs from
// failure retry and in-window success-repeat behavior for a job.
type RetryPolicy struct {
	MaxFailureRetries         int           `json:"max_failure_retries,omitempty" yaml:"max_failure_retries,omitempty"`
	FailureRetryDelaySeconds  int           `json:"failure_retry_delay_seconds,omitempty" yaml:"failure_retry_delay_seconds,omitempty"`
	NotifyAfterRetries        int           `json:"notify_after_retries,omitempty" yaml:"notify_after_retries,omitempty"`
	SuccessRepeatWithinWindow bool          `json:"success_repeat_within_window,omitempty" yaml:"success_repeat_within_window,omitempty"`
	SuccessRepeatDelaySeconds int           `json:"success_repeat_delay_seconds,omitempty" yaml:"success_repeat_delay_seconds,omitempty"`
	SuccessRepeatMax          int           `json:"success_repeat_max,omitempty" yaml:"success_repeat_max,omitempty"`
}

// NotificationFlags gates which lifecycle events the notifier emits for a
// job.
type NotificationFlags struct {
	NotifyOnStart   bool `json:"notify_on_start,omitempty" yaml:"notify_on_start,omitempty"`
	NotifyOnSuccess bool `json:"notify_on_success,omitempty" yaml:"notify_on_success,omitempty"`
	NotifyOnFailure bool `json:"notify_on_failure,omitempty" yaml:"notify_on_failure,omitempty"`
	NotifyOnKeyword bool `json:"notify_on_keyword,omitempty" yaml:"notify_on_keyword,omitempty"`
}

// Window bounds scheduled-trigger jobs and success-repeats.
type Window struct {
	Start trigger.ClockTime `json:"start,omitempty" yaml:"start,omitempty"`
	End   trigger.ClockTime `json:"end,omitempty" yaml:"end,omitempty"`
}

// Job is the declarative, reloadable job definition.
type Job struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Priority      int    `json:"priority" yaml:"priority"`
	ResourceGroup string `json:"resource_group" yaml:"resource_group"`

	Trigger trigger.Spec `json:"trigger" yaml:"trigger"`
	Window  *Window      `json:"window,omitempty" yaml:"window,omitempty"`

	// Steps is the ordered command list (§9 Step tagged variant). Legacy
	// catalogs may instead set Command/WorkingDirectory/Env, from which a
	// single command_exec step is synthesized at load time.
	Steps            []step.Step       `json:"steps,omitempty" yaml:"steps,omitempty"`
	Command          []string          `json:"command,omitempty" yaml:"command,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	Retry    RetryPolicy   `json:"retry" yaml:"retry"`
	Keywords []KeywordRule `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Notify   NotificationFlags `json:"notify" yaml:"notify"`
}

// Timeout returns the job's timeout as a Duration, or 0 for "no timeout".
func (j Job) Timeout() time.Duration {
	if j.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// EffectiveSteps returns j.Steps, synthesizing a single command_exec step
// from the legacy Command/WorkingDirectory/Env fields when Steps is empty.
func (j Job) EffectiveSteps() []step.Step {
	if len(j.Steps) > 0 {
		return j.Steps
	}
	if len(j.Command) == 0 {
		return nil
	}
	return []step.Step{step.FromArgv(j.Command, j.WorkingDirectory, j.Env)}
}

// WebhookConfig configures the notifier's HTTP sink; credentials are
// expected to come from WEBHOOK_* environment variables,
// with the catalog only naming the endpoint, timeout and rate limit.
type WebhookConfig struct {
	URL           string        `json:"url,omitempty" yaml:"url,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RatePerMinute int           `json:"rate_per_minute,omitempty" yaml:"rate_per_minute,omitempty"`
}

func (w WebhookConfig) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// SchedulerConfig is the global scheduler-loop configuration.
type SchedulerConfig struct {
	TickInterval trigger.Duration `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"`
	Mode         string           `json:"mode,omitempty" yaml:"mode,omitempty"` // "auto" | "single"
}

const (
	ModeAuto   = "auto"
	ModeSingle = "single"
)

func (s SchedulerConfig) EffectiveTickInterval() time.Duration {
	if s.TickInterval <= 0 {
		return time.Second
	}
	return time.Duration(s.TickInterval)
}

// ConfigError wraps a catalog validation failure; the
// offending version is rejected and the previous snapshot stays in force.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("catalog: %s", e.Reason) }
