package localqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yerba/yerbad/internal/notifier"
	"github.com/yerba/yerbad/internal/task"
	"github.com/yerba/yerbad/internal/workqueue"
)

func newTask(t *testing.T, cmd string) *task.Task {
	t.Helper()
	tk, err := task.FromObject(map[string]interface{}{"cmd": cmd}, nil)
	require.NoError(t, err)
	return tk
}

func TestScheduleExecutesCommandAndEmitsTaskDone(t *testing.T) {
	notify := notifier.New()
	q := New("yerba", "local", 2, notify)
	require.NoError(t, q.Initialize())
	t.Cleanup(func() { q.Stop() })

	done := make(chan struct{})
	var gotInfo map[string]interface{}
	notify.Register(notifier.TaskDone, func(payload ...interface{}) {
		gotInfo = payload[2].(map[string]interface{})
		close(done)
	})

	tk := newTask(t, "echo hi")
	require.NoError(t, q.Schedule([]*task.Task{tk}, "wf-1", 0))

	require.Eventually(t, func() bool {
		q.Update()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NotNil(t, gotInfo)
	assert.Equal(t, 0, gotInfo["returned"])
	assert.Contains(t, gotInfo["output"], "hi")
}

func TestCancelledWorkflowCompletionIsDropped(t *testing.T) {
	notify := notifier.New()
	q := New("yerba", "local", 2, notify)
	require.NoError(t, q.Initialize())
	t.Cleanup(func() { q.Stop() })

	var calls int
	notify.Register(notifier.TaskDone, func(payload ...interface{}) { calls++ })

	tk := newTask(t, "echo hi")
	require.NoError(t, q.Schedule([]*task.Task{tk}, "wf-1", 0))
	require.NoError(t, q.Cancel("wf-1"))

	time.Sleep(100 * time.Millisecond)
	q.Update()
	assert.Equal(t, 0, calls)
}

func TestDuplicateCompletionIsDeduplicated(t *testing.T) {
	notify := notifier.New()
	q := New("yerba", "local", 1, notify)

	tk := newTask(t, "echo hi")
	info := map[string]interface{}{"returned": 0}
	q.completion = append(q.completion,
		workqueue.Completion{WorkflowID: "wf-1", Task: tk, Info: info},
		workqueue.Completion{WorkflowID: "wf-1", Task: tk, Info: info},
	)

	var calls int
	notify.Register(notifier.TaskDone, func(payload ...interface{}) { calls++ })
	require.NoError(t, q.Update())
	assert.Equal(t, 1, calls)
}
