package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yerba/yerbad/internal/logging"
)

func init() {
	logging.Initialize(false)
}

func TestNotifyInvokesReceiversInOrder(t *testing.T) {
	n := New()
	var order []string
	n.Register(ScheduleTask, func(payload ...interface{}) { order = append(order, "first") })
	n.Register(ScheduleTask, func(payload ...interface{}) { order = append(order, "second") })

	n.Notify(ScheduleTask, "wf-1")

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestNotifyRecoversPanickingReceiver(t *testing.T) {
	n := New()
	var ran bool
	n.Register(TaskDone, func(payload ...interface{}) { panic("boom") })
	n.Register(TaskDone, func(payload ...interface{}) { ran = true })

	assert.NotPanics(t, func() { n.Notify(TaskDone) })
	assert.True(t, ran)
}

func TestUnregisterRemovesOnlyThatHandle(t *testing.T) {
	n := New()
	var calls int
	h := n.Register(CancelTask, func(payload ...interface{}) { calls++ })
	n.Register(CancelTask, func(payload ...interface{}) { calls++ })

	n.Unregister(CancelTask, h)
	n.Notify(CancelTask)

	assert.Equal(t, 1, calls)
}
