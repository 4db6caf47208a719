package manager

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yerba/yerbad/internal/notifier"
	"github.com/yerba/yerbad/internal/status"
	"github.com/yerba/yerbad/internal/store"
	"github.com/yerba/yerbad/internal/task"
)

func newTestManager(t *testing.T) (*Manager, *notifier.Notifier, afero.Fs) {
	t.Helper()
	db, err := store.Open(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notify := notifier.New()
	fs := afero.NewMemMapFs()
	return New(db, notify, fs), notify, fs
}

// captureSchedules records every SCHEDULE_TASK emission so tests can
// drive a fake back-end by hand, matching spec.md §8 scenario S1's
// "one SCHEDULE_TASK event carrying one task" assertion.
func captureSchedules(notify *notifier.Notifier) *[][]interface{} {
	var captured [][]interface{}
	notify.Register(notifier.ScheduleTask, func(payload ...interface{}) {
		captured = append(captured, payload)
	})
	return &captured
}

func TestSubmitSchedulesReadyTaskAndRendersCommand(t *testing.T) {
	mgr, notify, _ := newTestManager(t)
	captured := captureSchedules(notify)

	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{
				"cmd":     "echo",
				"args":    []interface{}{[]interface{}{"-n", "hi", 0}},
				"outputs": []interface{}{"/tmp/out"},
			},
		},
	}

	id, st, issues, err := mgr.Submit(obj)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.Equal(t, status.Scheduled, st)
	assert.Equal(t, "1", id)

	require.Len(t, *captured, 1)
	tasks := (*captured)[0][0].([]*task.Task)
	require.Len(t, tasks, 1)
	assert.Equal(t, "echo  -n hi", tasks[0].Render())
}

func TestSubmitIsIdempotent(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	obj := map[string]interface{}{
		"tasks": []interface{}{map[string]interface{}{"cmd": "echo"}},
	}

	id1, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)
	id2, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestSubmitRejectsInvalidTaskWithIndexedIssues(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"cmd": "x", "inputs": []interface{}{nil}},
		},
	}

	id, st, issues, err := mgr.Submit(obj)
	require.NoError(t, err)
	assert.Equal(t, status.Error, st)
	assert.Empty(t, id)
	require.Len(t, issues, 1)
	assert.Equal(t, 0, issues[0].Index)
	assert.Equal(t, "An input was invalid", issues[0].Reason)
}

func TestUpdateMarksCompletedOnSuccess(t *testing.T) {
	mgr, notify, fs := newTestManager(t)
	captured := captureSchedules(notify)

	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"cmd": "echo", "outputs": []interface{}{"/tmp/out"}},
		},
	}
	id, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)
	tasks := (*captured)[0][0].([]*task.Task)

	require.NoError(t, afero.WriteFile(fs, "/tmp/out", []byte("x"), 0644))
	require.NoError(t, mgr.Update(id, tasks[0], map[string]interface{}{"returned": 0}))

	st, jobs, err := mgr.Status(id)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, st)
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0]["status"])
}

func TestUpdateMarksFailedWhenOutputMissing(t *testing.T) {
	mgr, notify, _ := newTestManager(t)
	captured := captureSchedules(notify)

	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"cmd": "echo", "outputs": []interface{}{"/tmp/out"}},
		},
	}
	id, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)
	tasks := (*captured)[0][0].([]*task.Task)

	require.NoError(t, mgr.Update(id, tasks[0], map[string]interface{}{"returned": 0}))

	st, _, err := mgr.Status(id)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, st)
}

func TestChainedTaskIsScheduledOnceUpstreamCompletes(t *testing.T) {
	mgr, notify, fs := newTestManager(t)
	captured := captureSchedules(notify)

	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"cmd": "a", "outputs": []interface{}{"/tmp/chain"}},
			map[string]interface{}{"cmd": "b", "inputs": []interface{}{"/tmp/chain"}},
		},
	}
	id, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)
	require.Len(t, *captured, 1)
	firstBatch := (*captured)[0][0].([]*task.Task)
	require.Len(t, firstBatch, 1)
	assert.Equal(t, "a", firstBatch[0].Cmd)

	require.NoError(t, afero.WriteFile(fs, "/tmp/chain", []byte("x"), 0644))
	require.NoError(t, mgr.Update(id, firstBatch[0], map[string]interface{}{"returned": 0}))

	require.Len(t, *captured, 2)
	secondBatch := (*captured)[1][0].([]*task.Task)
	require.Len(t, secondBatch, 1)
	assert.Equal(t, "b", secondBatch[0].Cmd)
}

func TestSubmitWithAllOutputsAlreadyPresentSkipsWithoutScheduling(t *testing.T) {
	mgr, notify, fs := newTestManager(t)
	captured := captureSchedules(notify)

	require.NoError(t, afero.WriteFile(fs, "/tmp/out", []byte("x"), 0644))
	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"cmd": "echo", "outputs": []interface{}{"/tmp/out"}},
		},
	}

	id, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)
	assert.Empty(t, *captured)

	st, _, err := mgr.Status(id)
	require.NoError(t, err)
	assert.Equal(t, status.Completed, st)
}

func TestCancelBeforeTaskDoneLeavesStatusCancelledForLateCompletion(t *testing.T) {
	mgr, notify, fs := newTestManager(t)
	captured := captureSchedules(notify)

	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"cmd": "echo", "outputs": []interface{}{"/tmp/out"}},
		},
	}
	id, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)
	tasks := (*captured)[0][0].([]*task.Task)

	st, err := mgr.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, status.Cancelled, st)

	require.NoError(t, afero.WriteFile(fs, "/tmp/out", []byte("x"), 0644))
	require.NoError(t, mgr.Update(id, tasks[0], map[string]interface{}{"returned": 0}))

	finalStatus, _, err := mgr.Status(id)
	require.NoError(t, err)
	assert.Equal(t, status.Cancelled, finalStatus)
}

func TestStatusOnUnknownIDReturnsNotFound(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	st, jobs, err := mgr.Status("999")
	require.NoError(t, err)
	assert.Equal(t, status.NotFound, st)
	assert.Nil(t, jobs)
}

func TestCleanupAdvancesNonTerminalRowsToFailed(t *testing.T) {
	mgr, notify, _ := newTestManager(t)
	captureSchedules(notify)

	// A task with no inputs dispatches immediately and, with its output
	// never appearing, leaves the workflow in a persisted Running status —
	// the crash-recovery scenario Cleanup exists for.
	obj := map[string]interface{}{
		"tasks": []interface{}{
			map[string]interface{}{"cmd": "echo", "outputs": []interface{}{"/tmp/never"}},
		},
	}
	id, _, _, err := mgr.Submit(obj)
	require.NoError(t, err)

	rows, err := mgr.List(WorkflowFilter{IDs: []string{id}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "Running", rows[0]["status"])

	require.NoError(t, mgr.Cleanup())

	rows, err = mgr.List(WorkflowFilter{IDs: []string{id}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Failed", rows[0]["status"])
}
