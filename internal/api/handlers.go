package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"taskctl/internal/catalog"
	"taskctl/internal/engine"
	"taskctl/internal/notifier"
	"taskctl/internal/resourcegroup"
	"taskctl/internal/run"
	"taskctl/internal/storage"
	logx "taskctl/pkg/logx"
)

// Server holds every collaborator the control API renders or mutates. It
// has no state of its own beyond a logger; every handler reads through to
// the engine, catalog manager, run store, resource-group table, and
// notifier it was constructed with. audit is nil when storage is disabled.
type Server struct {
	eng        *engine.Service
	catalogMgr *catalog.Manager
	store      *run.Store
	groups     *resourcegroup.Table
	notify     *notifier.Service
	audit      storage.Store
	log        logx.Logger
}

// recordAudit appends a best-effort audit entry for a control-API mutation;
// a nil audit store (storage disabled) makes this a no-op.
func (s *Server) recordAudit(r *http.Request, action, target string, err error) {
	if s.audit == nil {
		return
	}
	entry := storage.AuditEntry{
		At:       time.Now(),
		RemoteIP: r.RemoteAddr,
		Action:   action,
		Target:   target,
		OK:       1,
	}
	if err != nil {
		entry.OK = 0
		entry.Fail = 1
		entry.Error = err.Error()
	}
	if aerr := s.audit.AppendAudit(r.Context(), entry); aerr != nil && !s.log.IsZero() {
		s.log.Warn("audit append failed", logx.Err(aerr))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(s.eng.Snapshot()))
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	s.eng.Start(r.Context())
	s.recordAudit(r, "scheduler_start", "", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	s.eng.Stop(r.Context())
	s.recordAudit(r, "scheduler_stop", "", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSchedulerMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be valid JSON")
		return
	}
	switch req.Mode {
	case string(engine.ModeAuto), string(engine.ModeSingle):
	default:
		writeError(w, http.StatusBadRequest, "invalid_mode", `mode must be "auto" or "single"`)
		return
	}
	s.eng.SetMode(engine.Mode(req.Mode))
	s.recordAudit(r, "scheduler_mode", req.Mode, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	cat := s.catalogMgr.Get()
	out := make([]jobSummary, 0)
	if cat != nil {
		for _, j := range cat.Jobs {
			out = append(out, toJobSummary(j))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var job catalog.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be a valid job spec")
		return
	}
	if job.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid_spec", "id is required")
		return
	}

	_, err := s.catalogMgr.Mutate(r.Context(), func(cat *catalog.Catalog) error {
		for _, j := range cat.Jobs {
			if j.ID == job.ID {
				return errDuplicateJob
			}
		}
		cat.Jobs = append(cat.Jobs, job)
		return nil
	})
	s.recordAudit(r, "create_task", job.ID, err)
	if err != nil {
		writeMutateError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobSummary(job))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.eng.JobStats(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown job id")
		return
	}
	writeJSON(w, http.StatusOK, toJobDetailResponse(st))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var job catalog.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must be a valid job spec")
		return
	}
	job.ID = id

	_, err := s.catalogMgr.Mutate(r.Context(), func(cat *catalog.Catalog) error {
		for i, j := range cat.Jobs {
			if j.ID == id {
				cat.Jobs[i] = job
				return nil
			}
		}
		return errJobNotFound
	})
	s.recordAudit(r, "update_task", id, err)
	if err != nil {
		writeMutateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobSummary(job))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	_, err := s.catalogMgr.Mutate(r.Context(), func(cat *catalog.Catalog) error {
		for i, j := range cat.Jobs {
			if j.ID == id {
				cat.Jobs = append(cat.Jobs[:i], cat.Jobs[i+1:]...)
				return nil
			}
		}
		return errJobNotFound
	})
	s.recordAudit(r, "delete_task", id, err)
	if err != nil {
		writeMutateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	created, err := s.eng.RunNow(id)
	s.recordAudit(r, "run_task", id, err)
	if err != nil {
		writeRunNowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, runCreatedResponse{RunID: int64(created.ID)})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	live := s.store.LiveForJob(id)
	if len(live) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no live run for job")
		return
	}
	latest := live[0]
	for _, candidate := range live[1:] {
		if candidate.EnqueuedAt.After(latest.EnqueuedAt) {
			latest = candidate
		}
	}
	err := s.eng.Cancel(latest.ID)
	s.recordAudit(r, "cancel_task", id, err)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "run already finished")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var lines []string
	if live := s.store.LiveForJob(id); len(live) > 0 {
		lines = live[0].LastLines.Lines()
	} else if last, ok := s.store.LastTerminal(id); ok {
		lines = last.LastLines.Lines()
	} else {
		writeError(w, http.StatusNotFound, "not_found", "no run recorded for job")
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines})
}

func (s *Server) handleGlobalLogs(w http.ResponseWriter, r *http.Request) {
	events := s.store.RecentEvents()
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, formatEvent(ev))
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines})
}

func formatEvent(ev run.Event) string {
	return ev.At.Format("2006-01-02T15:04:05Z07:00") + " job=" + ev.JobID + " run=" + strconv.FormatInt(int64(ev.RunID), 10) + " status=" + string(ev.Status)
}

func (s *Server) handleResourceGroups(w http.ResponseWriter, r *http.Request) {
	summaries := s.groups.AllSummaries()
	out := make([]groupSummary, 0, len(summaries))
	for _, g := range summaries {
		out = append(out, toGroupSummary(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	var req testNotificationRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if s.notify == nil {
		writeError(w, http.StatusBadRequest, "notifier_disabled", "no notifier configured")
		return
	}
	if err := s.notify.Notify(r.Context(), toTestEvent(req)); err != nil {
		writeError(w, http.StatusBadRequest, "notify_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var (
	errDuplicateJob = errors.New("job id already exists")
	errJobNotFound  = errors.New("job not found")
)

func writeMutateError(w http.ResponseWriter, err error) {
	var cfgErr *catalog.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, "invalid_spec", cfgErr.Error())
	case errors.Is(err, errDuplicateJob):
		writeError(w, http.StatusBadRequest, "invalid_spec", err.Error())
	case errors.Is(err, errJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_spec", err.Error())
	}
}

func writeRunNowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", "unknown job id")
	case errors.Is(err, engine.ErrJobDisabled):
		writeError(w, http.StatusConflict, "job_disabled", "job is disabled")
	case errors.Is(err, engine.ErrSchedulerRunning):
		writeError(w, http.StatusConflict, "scheduler_running", "stop the scheduler or switch to single-task mode before running a job manually")
	default:
		writeError(w, http.StatusConflict, "already_running", err.Error())
	}
}
