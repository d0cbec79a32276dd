package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskctl/internal/catalog"
	"taskctl/internal/engine"
	"taskctl/internal/eventbus"
	"taskctl/internal/notifier"
	"taskctl/internal/queue"
	"taskctl/internal/resourcegroup"
	"taskctl/internal/retry"
	"taskctl/internal/run"
	"taskctl/internal/step"
	"taskctl/internal/trigger"
	logx "taskctl/pkg/logx"
)

// testJob returns a minimal, always-firable job definition so RunNow and
// job-detail lookups have something concrete to act on.
func testJob(id string) catalog.Job {
	return catalog.Job{
		ID:            id,
		Name:          "test job " + id,
		Enabled:       true,
		Priority:      1,
		ResourceGroup: "default",
		Trigger:       trigger.Spec{Kind: trigger.KindInterval, Interval: trigger.Duration(time.Hour)},
		Steps: []step.Step{
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"echo", "hi"}}},
		},
	}
}

// newTestServer wires a Server against a real (but unstarted) engine.Service
// and a catalog.Manager seeded directly via Commit, matching how the
// scheduler loop itself would only ever see a published snapshot.
func newTestServer(t *testing.T, jobs ...catalog.Job) *Server {
	t.Helper()

	catalogPath := filepath.Join(t.TempDir(), "catalog.yaml")
	mgr := catalog.NewManager(catalogPath)
	mgr.Commit(&catalog.Catalog{
		Jobs:           jobs,
		ResourceGroups: []catalog.ResourceGroup{{Name: "default", MaxConcurrent: 2}},
	})

	groups := resourcegroup.New()
	require.NoError(t, groups.Define("default", 2))

	store := run.NewStore()
	bus := eventbus.New()
	notify := notifier.New(notifier.Config{Enabled: true}, nil, logx.Nop(), bus)

	eng := engine.NewService(
		engine.Config{Enabled: true, TickInterval: time.Second, Mode: engine.ModeAuto},
		mgr, groups, store, queue.New(), retry.New(), notify, nil,
		logx.Nop(), bus,
	)

	return New(eng, mgr, store, groups, notify, nil, logx.Nop())
}

func decodeJSON[T any](t *testing.T, body *bytes.Buffer) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(body).Decode(&out))
	return out
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(t, testJob("job-a"))
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[statusResponse](t, rec.Body)
	assert.Equal(t, 1, body.TotalJobs)
	assert.Equal(t, string(engine.ModeAuto), body.Mode)
}

func TestHandleListTasks(t *testing.T) {
	s := newTestServer(t, testJob("job-a"), testJob("job-b"))
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[[]jobSummary](t, rec.Body)
	assert.Len(t, body, 2)
}

func TestHandleGetTask_NotFound(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/missing/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON[errorResponse](t, rec.Body)
	assert.Equal(t, "not_found", body.Error)
}

func TestHandleCreateTask_ThenGet(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	job := testJob("new-job")
	payload, err := json.Marshal(job)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/tasks/new-job/", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	detail := decodeJSON[jobDetailResponse](t, getRec.Body)
	assert.Equal(t, "new-job", detail.Job.ID)
}

func TestHandleCreateTask_DuplicateRejected(t *testing.T) {
	s := newTestServer(t, testJob("dup"))
	r := NewRouter(s, nil)

	payload, err := json.Marshal(testJob("dup"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateTask_MissingIDRejected(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	job := testJob("")
	payload, _ := json.Marshal(job)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpdateTask(t *testing.T) {
	s := newTestServer(t, testJob("editable"))
	r := NewRouter(s, nil)

	updated := testJob("editable")
	updated.Priority = 9
	payload, err := json.Marshal(updated)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPut, "/api/tasks/editable/", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/tasks/editable/", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	detail := decodeJSON[jobDetailResponse](t, getRec.Body)
	assert.Equal(t, 9, detail.Job.Priority)
}

func TestHandleUpdateTask_UnknownID(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	payload, _ := json.Marshal(testJob("ghost"))
	req := httptest.NewRequest(http.MethodPut, "/api/tasks/ghost/", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeleteTask(t *testing.T) {
	s := newTestServer(t, testJob("to-delete"))
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/to-delete/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/tasks/to-delete/", nil)
	getRec := httptest.NewRecorder()
	r.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestHandleDeleteTask_UnknownID(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/tasks/ghost/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunTask_DisabledJobConflicts(t *testing.T) {
	disabled := testJob("disabled-job")
	disabled.Enabled = false
	s := newTestServer(t, disabled)
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/disabled-job/run", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleRunTask_UnknownJobNotFound(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/ghost/run", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRunTask_Success(t *testing.T) {
	s := newTestServer(t, testJob("runnable"))
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/runnable/run", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeJSON[runCreatedResponse](t, rec.Body)
	assert.NotZero(t, body.RunID)
}

func TestHandleRunTask_SchedulerRunningConflicts(t *testing.T) {
	s := newTestServer(t, testJob("runnable"))
	r := NewRouter(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.eng.Start(ctx)
	defer s.eng.Stop(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/runnable/run", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeJSON[errorResponse](t, rec.Body)
	assert.Equal(t, "scheduler_running", body.Error)
}

func TestHandleCancelTask_NoLiveRun(t *testing.T) {
	s := newTestServer(t, testJob("idle"))
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/idle/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTaskLogs_NoRunRecorded(t *testing.T) {
	s := newTestServer(t, testJob("quiet"))
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/quiet/logs", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleResourceGroups(t *testing.T) {
	s := newTestServer(t, testJob("job-a"))
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/resource-groups", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON[[]groupSummary](t, rec.Body)
	require.Len(t, body, 1)
	assert.Equal(t, "default", body[0].Name)
	assert.Equal(t, 2, body[0].Max)
}

func TestHandleSchedulerMode_Invalid(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/scheduler/mode", bytes.NewReader([]byte(`{"mode":"turbo"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSchedulerMode_Valid(t *testing.T) {
	s := newTestServer(t)
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/scheduler/mode", bytes.NewReader([]byte(`{"mode":"single"}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, engine.ModeSingle, s.eng.Mode())
}

func TestHandleTestNotification_NoNotifierConfigured(t *testing.T) {
	s := newTestServer(t)
	s.notify = nil
	r := NewRouter(s, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/test-notification", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
