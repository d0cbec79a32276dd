package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskctl/internal/catalog"
	"taskctl/internal/keyword"
	"taskctl/internal/run"
	"taskctl/internal/step"
)

func TestExecuteRun_CommandExecSuccess(t *testing.T) {
	job := catalog.Job{
		ID: "echo-job",
		Steps: []step.Step{
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"echo", "hello"}}},
		},
	}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	res := executeRun(context.Background(), job, r, nil, nil, nil)

	require.NoError(t, res.Err)
	assert.True(t, res.HasExit)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecuteRun_CommandExecFailureMapsToExitReason(t *testing.T) {
	job := catalog.Job{
		ID: "fail-job",
		Steps: []step.Step{
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"false"}}},
		},
	}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	res := executeRun(context.Background(), job, r, nil, nil, nil)

	require.Error(t, res.Err)
	assert.Equal(t, run.FailReasonExit, res.FailReason)
}

func TestExecuteRun_NoStepsIsSpawnFailure(t *testing.T) {
	job := catalog.Job{ID: "empty-job"}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	res := executeRun(context.Background(), job, r, nil, nil, nil)

	require.Error(t, res.Err)
	assert.Equal(t, run.FailReasonSpawn, res.FailReason)
}

func TestExecuteRun_NonCommandStepFailureAbortsWithoutContinueOnError(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	job := catalog.Job{
		ID: "read-job",
		Steps: []step.Step{
			{Kind: step.KindFileRead, FileRead: &step.FileRead{Path: missing}},
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"echo", "unreached"}}},
		},
	}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	res := executeRun(context.Background(), job, r, nil, nil, nil)

	require.Error(t, res.Err)
	assert.Equal(t, run.FailReasonPrelude, res.FailReason)
}

func TestExecuteRun_NonCommandStepFailureContinuesWhenFlagged(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	job := catalog.Job{
		ID: "tolerant-job",
		Steps: []step.Step{
			{Kind: step.KindFileRead, FileRead: &step.FileRead{Path: missing}, ContinueOnError: true},
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"echo", "reached"}}},
		},
	}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	res := executeRun(context.Background(), job, r, nil, nil, nil)

	require.NoError(t, res.Err)
	assert.True(t, res.HasExit)
}

func TestExecuteRun_FileWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	job := catalog.Job{
		ID: "file-job",
		Steps: []step.Step{
			{Kind: step.KindFileWrite, FileWrite: &step.FileWrite{Path: path, Content: "payload"}},
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"echo", "done"}}},
		},
	}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	res := executeRun(context.Background(), job, r, nil, nil, nil)
	require.NoError(t, res.Err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestExecuteRun_KeywordAbortOnHitCancelsRun(t *testing.T) {
	scanner := keyword.New([]keyword.Rule{
		{Patterns: []string{"FATAL"}, Kind: keyword.KindFailure, AbortOnHit: true},
	})
	job := catalog.Job{
		ID: "keyword-job",
		Steps: []step.Step{
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"echo", "FATAL error occurred"}}},
		},
	}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	cancelled := false
	res := executeRun(context.Background(), job, r, scanner, nil, func() { cancelled = true })

	require.Len(t, r.KeywordHits, 1)
	assert.Equal(t, keyword.KindFailure, r.KeywordHits[0].RuleKind)
	assert.True(t, cancelled, "abort_on_hit rule should cancel the run")
	_ = res
}

func TestExecuteRun_ContextAlreadyCancelledStopsBeforeFirstStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := catalog.Job{
		ID: "cancelled-job",
		Steps: []step.Step{
			{Kind: step.KindCommandExec, CommandExec: &step.CommandExec{Argv: []string{"echo", "unreached"}}},
		},
	}
	r := run.New(1, job.ID, run.OriginScheduler, 1, 0, time.Now(), time.Now())

	res := executeRun(ctx, job, r, nil, nil, nil)

	require.Error(t, res.Err)
	assert.Equal(t, run.FailReasonTimeout, res.FailReason)
}
