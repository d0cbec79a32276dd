package api

import (
	"time"

	"taskctl/internal/catalog"
	"taskctl/internal/engine"
	"taskctl/internal/notifier"
	"taskctl/internal/resourcegroup"
	"taskctl/internal/run"
)

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	Running     bool   `json:"running"`
	Mode        string `json:"mode"`
	TotalJobs   int    `json:"total_jobs"`
	RunningRuns int    `json:"running_runs"`
	QueueDepth  int    `json:"queue_depth"`
}

func toStatusResponse(s engine.Snapshot) statusResponse {
	return statusResponse{
		Running:     s.Running,
		Mode:        string(s.Mode),
		TotalJobs:   s.TotalJobs,
		RunningRuns: s.RunningRuns,
		QueueDepth:  s.QueueDepth,
	}
}

// modeRequest is the body of POST /api/scheduler/mode.
type modeRequest struct {
	Mode string `json:"mode"`
}

// jobSummary is one entry in GET /api/tasks.
type jobSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	Priority      int    `json:"priority"`
	ResourceGroup string `json:"resource_group"`
	TriggerKind   string `json:"trigger_kind"`
}

func toJobSummary(j catalog.Job) jobSummary {
	return jobSummary{
		ID:            j.ID,
		Name:          j.Name,
		Enabled:       j.Enabled,
		Priority:      j.Priority,
		ResourceGroup: j.ResourceGroup,
		TriggerKind:   string(j.Trigger.Kind),
	}
}

// runView renders a run.Run for job-detail and logs responses.
type runView struct {
	ID           int64      `json:"id"`
	JobID        string     `json:"job_id"`
	Origin       string     `json:"origin"`
	Attempt      int        `json:"attempt"`
	Status       string     `json:"status"`
	FailReason   string     `json:"fail_reason,omitempty"`
	ExitCode     int        `json:"exit_code"`
	HasExit      bool       `json:"has_exit"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func toRunView(r *run.Run) runView {
	v := runView{
		ID:           int64(r.ID),
		JobID:        r.JobID,
		Origin:       string(r.Origin),
		Attempt:      r.Attempt,
		Status:       string(r.Status),
		FailReason:   string(r.FailReason),
		ExitCode:     r.ExitCode,
		HasExit:      r.HasExit,
		ScheduledFor: r.ScheduledFor,
		EnqueuedAt:   r.EnqueuedAt,
	}
	if !r.StartedAt.IsZero() {
		v.StartedAt = &r.StartedAt
	}
	if !r.FinishedAt.IsZero() {
		v.FinishedAt = &r.FinishedAt
	}
	return v
}

func toRunViews(rs []*run.Run) []runView {
	out := make([]runView, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRunView(r))
	}
	return out
}

// jobDetailResponse is the body of GET /api/tasks/{id}.
type jobDetailResponse struct {
	Job        catalog.Job `json:"job"`
	NextFire   *time.Time  `json:"next_fire,omitempty"`
	Live       []runView   `json:"live"`
	LastRun    *runView    `json:"last_run,omitempty"`
	RecentRuns []runView   `json:"recent_runs"`
}

func toJobDetailResponse(st engine.JobStats) jobDetailResponse {
	resp := jobDetailResponse{
		Job:        st.Job,
		Live:       toRunViews(st.Live),
		RecentRuns: toRunViews(st.RecentRuns),
	}
	if !st.NextFire.IsZero() {
		resp.NextFire = &st.NextFire
	}
	if st.LastRun != nil {
		v := toRunView(st.LastRun)
		resp.LastRun = &v
	}
	return resp
}

// runCreatedResponse is the body of POST /api/tasks/{id}/run.
type runCreatedResponse struct {
	RunID int64 `json:"run_id"`
}

// logsResponse is the body of both /api/tasks/{id}/logs and /api/logs.
type logsResponse struct {
	Lines []string `json:"lines"`
}

// groupSummary is one entry in GET /api/resource-groups.
type groupSummary struct {
	Name      string  `json:"name"`
	Running   int     `json:"running"`
	Max       int     `json:"max"`
	Available int     `json:"available"`
	RunIDs    []int64 `json:"run_ids"`
}

func toGroupSummary(g resourcegroup.Summary) groupSummary {
	ids := make([]int64, 0, len(g.RunIDs))
	for _, id := range g.RunIDs {
		ids = append(ids, int64(id))
	}
	return groupSummary{Name: g.Name, Running: g.Running, Max: g.Max, Available: g.Available, RunIDs: ids}
}

// testNotificationRequest is the body of POST /api/test-notification.
type testNotificationRequest struct {
	Message   string            `json:"message"`
	Variables map[string]string `json:"variables,omitempty"`
}

func toTestEvent(req testNotificationRequest) notifier.Event {
	msg := req.Message
	if msg == "" {
		msg = "test notification"
	}
	return notifier.Event{
		Kind:      notifier.Test,
		Message:   msg,
		Variables: req.Variables,
		At:        time.Now(),
	}
}

// errorResponse is the shape every 4xx body takes.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
