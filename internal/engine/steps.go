package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"taskctl/internal/procsup"
	"taskctl/internal/step"
	"taskctl/internal/webhook"
)

// stepOutcome is a step's contribution to a run's terminal record: the exit
// code and reason are only meaningful for command_exec/adb steps that go
// through procsup; every other kind reports ok/err via Err.
type stepOutcome struct {
	Reason   procsup.Reason
	ExitCode int
	Err      error
}

func (o stepOutcome) failed() bool { return o.Err != nil }

// runStep executes one step, streaming a synthetic or genuine output line
// per call to sink so the keyword scanner sees every step's result
// uniformly regardless of kind.
func runStep(ctx context.Context, st step.Step, workingDirectory string, timeout time.Duration, sink procsup.LineSink, webhookSink webhook.Sink) stepOutcome {
	switch st.Kind {
	case step.KindCommandExec:
		return runCommandExec(ctx, st.CommandExec, workingDirectory, timeout, sink)
	case step.KindFileWrite:
		return runFileWrite(st.FileWrite, sink)
	case step.KindFileRead:
		return runFileRead(st.FileRead, sink)
	case step.KindFileCopy:
		return runFileCopy(st.FileCopy, sink)
	case step.KindFileDelete:
		return runFileDelete(st.FileDelete, sink)
	case step.KindHTTPGet:
		return runHTTPGet(ctx, st.HTTPGet, sink)
	case step.KindHTTPPost:
		return runHTTPPost(ctx, st.HTTPPost, sink)
	case step.KindWebhookSend:
		return runWebhookSend(ctx, st.WebhookSend, webhookSink, sink)
	case step.KindADBWake:
		return runADBWake(ctx, st.ADBWake, sink)
	case step.KindADBStartApp:
		return runADBStartApp(ctx, st.ADBStartApp, sink)
	case step.KindResolutionCheck:
		return runResolutionCheck(ctx, st.ResolutionCheck, sink)
	case step.KindSleep:
		return runSleep(ctx, st.Sleep)
	default:
		return stepOutcome{Err: fmt.Errorf("engine: unknown step kind %q", st.Kind)}
	}
}

func runCommandExec(ctx context.Context, c *step.CommandExec, workingDirectory string, timeout time.Duration, sink procsup.LineSink) stepOutcome {
	if c == nil {
		return stepOutcome{Err: fmt.Errorf("engine: command_exec missing spec")}
	}
	wd := c.WorkingDirectory
	if wd == "" {
		wd = workingDirectory
	}
	res := procsup.Run(ctx, procsup.Spec{
		Argv:             c.Argv,
		WorkingDirectory: wd,
		Env:              procsup.MergedEnv(c.Env),
		Timeout:          timeout,
		Sink:             sink,
	}, nil)
	out := stepOutcome{Reason: res.Reason, ExitCode: res.ExitCode}
	if res.Err != nil {
		out.Err = res.Err
	} else if res.Reason != procsup.ReasonExit || res.ExitCode != 0 {
		out.Err = fmt.Errorf("command exited %d (%s)", res.ExitCode, res.Reason)
	}
	return out
}

func runFileWrite(f *step.FileWrite, sink procsup.LineSink) stepOutcome {
	if f == nil {
		return stepOutcome{Err: fmt.Errorf("engine: file_write missing spec")}
	}
	mode := os.FileMode(0o644)
	if f.Mode != "" {
		var parsed uint32
		if _, err := fmt.Sscanf(f.Mode, "%o", &parsed); err == nil {
			mode = os.FileMode(parsed)
		}
	}
	if err := os.WriteFile(f.Path, []byte(f.Content), mode); err != nil {
		return stepOutcome{Err: fmt.Errorf("file_write %s: %w", f.Path, err)}
	}
	emit(sink, "step", fmt.Sprintf("file_write: wrote %d bytes to %s", len(f.Content), f.Path))
	return stepOutcome{}
}

func runFileRead(f *step.FileRead, sink procsup.LineSink) stepOutcome {
	if f == nil {
		return stepOutcome{Err: fmt.Errorf("engine: file_read missing spec")}
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return stepOutcome{Err: fmt.Errorf("file_read %s: %w", f.Path, err)}
	}
	for _, line := range strings.Split(string(data), "\n") {
		emit(sink, "stdout", line)
	}
	return stepOutcome{}
}

func runFileCopy(f *step.FileCopy, sink procsup.LineSink) stepOutcome {
	if f == nil {
		return stepOutcome{Err: fmt.Errorf("engine: file_copy missing spec")}
	}
	src, err := os.Open(f.Src)
	if err != nil {
		return stepOutcome{Err: fmt.Errorf("file_copy %s: %w", f.Src, err)}
	}
	defer src.Close()
	dst, err := os.Create(f.Dst)
	if err != nil {
		return stepOutcome{Err: fmt.Errorf("file_copy %s: %w", f.Dst, err)}
	}
	defer dst.Close()
	n, err := io.Copy(dst, src)
	if err != nil {
		return stepOutcome{Err: fmt.Errorf("file_copy %s -> %s: %w", f.Src, f.Dst, err)}
	}
	emit(sink, "step", fmt.Sprintf("file_copy: copied %d bytes %s -> %s", n, f.Src, f.Dst))
	return stepOutcome{}
}

func runFileDelete(f *step.FileDelete, sink procsup.LineSink) stepOutcome {
	if f == nil {
		return stepOutcome{Err: fmt.Errorf("engine: file_delete missing spec")}
	}
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return stepOutcome{Err: fmt.Errorf("file_delete %s: %w", f.Path, err)}
	}
	emit(sink, "step", fmt.Sprintf("file_delete: removed %s", f.Path))
	return stepOutcome{}
}

func runHTTPGet(ctx context.Context, h *step.HTTPGet, sink procsup.LineSink) stepOutcome {
	if h == nil {
		return stepOutcome{Err: fmt.Errorf("engine: http_get missing spec")}
	}
	return doHTTP(ctx, http.MethodGet, h.URL, "", h.Headers, h.Timeout, sink)
}

func runHTTPPost(ctx context.Context, h *step.HTTPPost, sink procsup.LineSink) stepOutcome {
	if h == nil {
		return stepOutcome{Err: fmt.Errorf("engine: http_post missing spec")}
	}
	return doHTTP(ctx, http.MethodPost, h.URL, h.Body, h.Headers, h.Timeout, sink)
}

func doHTTP(ctx context.Context, method, url, body string, headers map[string]string, timeout time.Duration, sink procsup.LineSink) stepOutcome {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return stepOutcome{Err: fmt.Errorf("%s %s: %w", method, url, err)}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stepOutcome{Err: fmt.Errorf("%s %s: %w", method, url, err)}
	}
	defer resp.Body.Close()
	emit(sink, "stdout", fmt.Sprintf("%s %s -> %d", method, url, resp.StatusCode))

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := parseRetryAfter(resp.Header.Get("Retry-After"))
		return stepOutcome{Err: RetryAfter(fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode), delay)}
	}
	if resp.StatusCode >= 300 {
		return stepOutcome{Err: fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)}
	}
	return stepOutcome{}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 30 * time.Second
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return 30 * time.Second
}

func runWebhookSend(ctx context.Context, w *step.WebhookSend, sink webhook.Sink, lineSink procsup.LineSink) stepOutcome {
	if w == nil {
		return stepOutcome{Err: fmt.Errorf("engine: webhook_send missing spec")}
	}
	if sink == nil {
		return stepOutcome{Err: fmt.Errorf("webhook_send: no sink configured")}
	}
	if err := sink.Deliver(ctx, w.PayloadTemplateID, w.Variables); err != nil {
		return stepOutcome{Err: fmt.Errorf("webhook_send %s: %w", w.PayloadTemplateID, err)}
	}
	emit(lineSink, "step", fmt.Sprintf("webhook_send: delivered %s", w.PayloadTemplateID))
	return stepOutcome{}
}

// runADBWake and runADBStartApp shell out to the adb binary, the same
// spawn-and-scan-stdout pattern a speedtest-style step uses for any
// external binary whose result is read off stdout rather than an exit code.
func runADBWake(ctx context.Context, a *step.ADBWake, sink procsup.LineSink) stepOutcome {
	if a == nil {
		return stepOutcome{Err: fmt.Errorf("engine: adb_wake missing spec")}
	}
	argv := []string{"adb", "-s", a.DeviceID, "shell", "input", "keyevent", "KEYCODE_WAKEUP"}
	return runADBCommand(ctx, argv, sink)
}

func runADBStartApp(ctx context.Context, a *step.ADBStartApp, sink procsup.LineSink) stepOutcome {
	if a == nil {
		return stepOutcome{Err: fmt.Errorf("engine: adb_start_app missing spec")}
	}
	if a.Resolution != "" {
		argv := []string{"adb", "-s", a.DeviceID, "shell", "wm", "size", a.Resolution}
		if out := runADBCommand(ctx, argv, sink); out.failed() {
			return out
		}
	}
	argv := []string{"adb", "-s", a.DeviceID, "shell", "monkey", "-p", a.Package, "-c", "android.intent.category.LAUNCHER", "1"}
	return runADBCommand(ctx, argv, sink)
}

func runResolutionCheck(ctx context.Context, r *step.ResolutionCheck, sink procsup.LineSink) stepOutcome {
	if r == nil {
		return stepOutcome{Err: fmt.Errorf("engine: resolution_check missing spec")}
	}
	var lastLine string
	capture := func(stream, line string) {
		lastLine = line
		emit(sink, stream, line)
	}
	argv := []string{"adb", "-s", r.DeviceID, "shell", "wm", "size"}
	res := procsup.Run(ctx, procsup.Spec{Argv: argv, Sink: capture, Timeout: 10 * time.Second}, nil)
	if res.Err != nil || res.Reason != procsup.ReasonExit || res.ExitCode != 0 {
		return stepOutcome{Err: fmt.Errorf("resolution_check: adb shell wm size failed: %v", res.Err)}
	}
	if !strings.Contains(lastLine, r.Expect) {
		return stepOutcome{Err: fmt.Errorf("resolution_check: expected %q, got %q", r.Expect, lastLine)}
	}
	return stepOutcome{}
}

func runADBCommand(ctx context.Context, argv []string, sink procsup.LineSink) stepOutcome {
	res := procsup.Run(ctx, procsup.Spec{Argv: argv, Sink: sink, Timeout: 15 * time.Second}, nil)
	if res.Err != nil {
		return stepOutcome{Err: res.Err}
	}
	if res.Reason != procsup.ReasonExit || res.ExitCode != 0 {
		return stepOutcome{Err: fmt.Errorf("adb command exited %d (%s)", res.ExitCode, res.Reason)}
	}
	return stepOutcome{}
}

func runSleep(ctx context.Context, s *step.Sleep) stepOutcome {
	if s == nil || s.Duration <= 0 {
		return stepOutcome{}
	}
	t := time.NewTimer(s.Duration)
	defer t.Stop()
	select {
	case <-t.C:
		return stepOutcome{}
	case <-ctx.Done():
		return stepOutcome{Err: ctx.Err()}
	}
}

func emit(sink procsup.LineSink, stream, line string) {
	if sink != nil {
		sink(stream, line)
	}
}
