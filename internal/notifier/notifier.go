// Package notifier implements the in-process event bus connecting
// workflows to work-queue back-ends: SCHEDULE_TASK, CANCEL_TASK, and
// TASK_DONE (spec.md §4.6). Grounded on the teacher's
// internal/lattice/events publish/subscribe shape, stripped of its NATS
// transport and batching — callbacks here run synchronously on the
// caller's goroutine, matching spec.md §5's single-control-thread model.
package notifier

import (
	"github.com/yerba/yerbad/internal/logging"
)

// Event names the notifier dispatches.
type Event string

const (
	ScheduleTask Event = "SCHEDULE_TASK"
	CancelTask   Event = "CANCEL_TASK"
	TaskDone     Event = "TASK_DONE"
)

// Receiver handles one notifier event. Payload shape is event-specific:
// ScheduleTask/CancelTask/TaskDone receivers agree on arity with their
// publishers in internal/manager and internal/workqueue.
type Receiver func(payload ...interface{})

type subscription struct {
	id int
	fn Receiver
}

// Notifier is a mapping from event name to an ordered list of receivers.
// It is not safe for concurrent use from multiple goroutines; spec.md §5
// requires all state mutation, including notification, to happen on the
// single control thread.
type Notifier struct {
	receivers map[Event][]subscription
	nextID    int
}

func New() *Notifier {
	return &Notifier{receivers: make(map[Event][]subscription)}
}

// Register appends a receiver for event and returns a handle that
// Unregister accepts to remove exactly this registration.
func (n *Notifier) Register(event Event, r Receiver) int {
	n.nextID++
	id := n.nextID
	n.receivers[event] = append(n.receivers[event], subscription{id: id, fn: r})
	return id
}

// Unregister removes the receiver registered under handle for event, the
// first (and only) matching registration since handles are unique.
func (n *Notifier) Unregister(event Event, handle int) {
	rs := n.receivers[event]
	for i, s := range rs {
		if s.id == handle {
			n.receivers[event] = append(rs[:i], rs[i+1:]...)
			return
		}
	}
}

// Notify invokes every receiver registered for event, in registration
// order, synchronously. A panicking receiver is recovered, logged, and
// does not prevent subsequent receivers from running.
func (n *Notifier) Notify(event Event, payload ...interface{}) {
	for _, s := range n.receivers[event] {
		n.invoke(event, s.fn, payload)
	}
}

func (n *Notifier) invoke(event Event, r Receiver, payload []interface{}) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("notifier: receiver for %s panicked: %v", event, rec)
		}
	}()
	r(payload...)
}
