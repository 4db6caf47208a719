// Package workqueue defines the work-queue adapter contract (spec.md
// §4.3): the interface every back-end — local or distributed — must
// satisfy to receive SCHEDULE_TASK/CANCEL_TASK dispatches and emit
// TASK_DONE completions back through the notifier.
package workqueue

import (
	"fmt"
	"sync"

	"github.com/yerba/yerbad/internal/task"
)

// Backend is the adapter contract a work-queue implementation satisfies.
// initialize is idempotent; update is non-blocking and polls for
// completions, emitting TASK_DONE on whatever notifier the back-end was
// constructed with.
type Backend interface {
	Initialize() error
	Schedule(tasks []*task.Task, workflowID string, priority int) error
	Cancel(workflowID string) error
	Update() error
	Stop() error
	Name() string
	Group() string
}

// Key returns the registry key a back-end is addressed by: group.name
// (spec.md §4.3).
func Key(b Backend) string {
	return b.Group() + "." + b.Name()
}

// Completion is one resolved (workflow, task) pair and the info map the
// back-end produced for it.
type Completion struct {
	WorkflowID string
	Task       *task.Task
	Info       map[string]interface{}
}

// Dedup tracks (workflow_id, task.ID) pairs a back-end has already
// reported, so a back-end that redelivers a completion notification does
// not emit TASK_DONE twice (spec.md §4.3: "tolerate a back-end reporting
// the same completion more than once").
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedup returns an empty dedup set.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]struct{})}
}

// Seen reports whether (workflowID, taskID) was already recorded, and
// records it if not — a single call combines check-and-set.
func (d *Dedup) Seen(workflowID, taskID string) bool {
	key := fmt.Sprintf("%s/%s", workflowID, taskID)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// Forget removes every entry for workflowID, used once a workflow leaves
// the active set so the dedup map doesn't grow unbounded.
func (d *Dedup) Forget(workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prefix := workflowID + "/"
	for k := range d.seen {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(d.seen, k)
		}
	}
}
