// Package step models a job's command as an ordered list of typed steps
// instead of a duck-typed, heterogeneous dict as the original source used.
package step

import "time"

// Kind identifies which variant of Step is populated.
type Kind string

const (
	KindCommandExec    Kind = "command_exec"
	KindFileWrite      Kind = "file_write"
	KindFileRead       Kind = "file_read"
	KindFileCopy       Kind = "file_copy"
	KindFileDelete     Kind = "file_delete"
	KindHTTPGet        Kind = "http_get"
	KindHTTPPost       Kind = "http_post"
	KindWebhookSend    Kind = "webhook_send"
	KindADBWake        Kind = "adb_wake"
	KindADBStartApp    Kind = "adb_start_app"
	KindResolutionCheck Kind = "resolution_check"
	KindSleep          Kind = "sleep"
)

// Step is a single unit of a job's command list. Exactly one of the
// kind-specific fields is populated, selected by Kind.
type Step struct {
	Kind Kind `json:"kind" yaml:"kind"`

	// ContinueOnError, when true, lets the run proceed to the next step even
	// if this one fails. Ignored for KindCommandExec, which always aborts
	// the run on failure.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	CommandExec     *CommandExec     `json:"command_exec,omitempty" yaml:"command_exec,omitempty"`
	FileWrite       *FileWrite       `json:"file_write,omitempty" yaml:"file_write,omitempty"`
	FileRead        *FileRead        `json:"file_read,omitempty" yaml:"file_read,omitempty"`
	FileCopy        *FileCopy        `json:"file_copy,omitempty" yaml:"file_copy,omitempty"`
	FileDelete      *FileDelete      `json:"file_delete,omitempty" yaml:"file_delete,omitempty"`
	HTTPGet         *HTTPGet         `json:"http_get,omitempty" yaml:"http_get,omitempty"`
	HTTPPost        *HTTPPost        `json:"http_post,omitempty" yaml:"http_post,omitempty"`
	WebhookSend     *WebhookSend     `json:"webhook_send,omitempty" yaml:"webhook_send,omitempty"`
	ADBWake         *ADBWake         `json:"adb_wake,omitempty" yaml:"adb_wake,omitempty"`
	ADBStartApp     *ADBStartApp     `json:"adb_start_app,omitempty" yaml:"adb_start_app,omitempty"`
	ResolutionCheck *ResolutionCheck `json:"resolution_check,omitempty" yaml:"resolution_check,omitempty"`
	Sleep           *Sleep           `json:"sleep,omitempty" yaml:"sleep,omitempty"`
}

type CommandExec struct {
	Argv             []string          `json:"argv" yaml:"argv"`
	WorkingDirectory string            `json:"working_directory,omitempty" yaml:"working_directory,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type FileWrite struct {
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content" yaml:"content"`
	Mode    string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

type FileRead struct {
	Path string `json:"path" yaml:"path"`
}

type FileCopy struct {
	Src string `json:"src" yaml:"src"`
	Dst string `json:"dst" yaml:"dst"`
}

type FileDelete struct {
	Path string `json:"path" yaml:"path"`
}

type HTTPGet struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type HTTPPost struct {
	URL     string            `json:"url" yaml:"url"`
	Body    string            `json:"body" yaml:"body"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// WebhookSend hands off delivery to the notifier's webhook sink directly
// from a step, rather than waiting for a run-completion notification.
type WebhookSend struct {
	PayloadTemplateID string            `json:"payload_template_id" yaml:"payload_template_id"`
	Variables         map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// ADBWake and ADBStartApp are emulator-task pre-steps;
// they invoke the adb binary as a subprocess the same way a speed-test
// plugin invokes an external binary and parses its stdout.
type ADBWake struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
}

type ADBStartApp struct {
	DeviceID   string `json:"device_id" yaml:"device_id"`
	Package    string `json:"package" yaml:"package"`
	Resolution string `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// ResolutionCheck asserts `adb shell wm size` output matches Expect.
type ResolutionCheck struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
	Expect   string `json:"expect" yaml:"expect"`
}

type Sleep struct {
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// FromArgv synthesizes a single command_exec step from a legacy bare argv
// command, for backward-compatible catalogs that set a Job's top-level
// command/working_directory/env fields instead of a step list.
func FromArgv(argv []string, workingDirectory string, env map[string]string) Step {
	return Step{
		Kind: KindCommandExec,
		CommandExec: &CommandExec{
			Argv:             argv,
			WorkingDirectory: workingDirectory,
			Env:              env,
		},
	}
}
