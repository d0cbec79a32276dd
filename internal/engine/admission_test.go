package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskctl/internal/resourcegroup"
	"taskctl/internal/run"
)

func newTestRun(id run.ID, jobID string) *run.Run {
	return run.New(id, jobID, run.OriginScheduler, 1, 0, time.Now(), time.Now())
}

func TestBuildAdmitFunc_AutoModeRespectsGroupCapacity(t *testing.T) {
	groups := resourcegroup.New()
	require.NoError(t, groups.Define("default", 1))

	lookup := func(jobID string) (string, bool) { return "default", true }
	admit := buildAdmitFunc(ModeAuto, groups, func() int { return 0 }, lookup)

	first := newTestRun(1, "job-a")
	second := newTestRun(2, "job-b")

	assert.True(t, admit(first), "first run should be admitted into an empty group")
	assert.False(t, admit(second), "second run should be refused once the group is at capacity")
}

func TestBuildAdmitFunc_UnknownGroupNeverAdmits(t *testing.T) {
	groups := resourcegroup.New()
	lookup := func(jobID string) (string, bool) { return "", false }
	admit := buildAdmitFunc(ModeAuto, groups, func() int { return 0 }, lookup)

	assert.False(t, admit(newTestRun(1, "orphaned-job")))
}

func TestBuildAdmitFunc_SingleModeBlocksWhileAnyRunIsActive(t *testing.T) {
	groups := resourcegroup.New()
	require.NoError(t, groups.Define("default", 5))
	lookup := func(jobID string) (string, bool) { return "default", true }

	running := 1
	admit := buildAdmitFunc(ModeSingle, groups, func() int { return running }, lookup)

	assert.False(t, admit(newTestRun(1, "job-a")), "single mode must refuse admission while any run is active")

	running = 0
	assert.True(t, admit(newTestRun(2, "job-a")), "single mode admits once the system is idle")
}
