// Package workflow implements the Workflow entity: an ordered set of
// tasks, the available/running/completed buckets, and the transition
// rules that select the next runnable batch and react to task completion
// (spec.md §3, §4.2).
package workflow

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/yerba/yerbad/internal/status"
	"github.com/yerba/yerbad/internal/task"
)

// LogSink is the capability a Workflow uses to record task outcomes,
// satisfied by internal/wflog.Sink. Injecting it keeps Workflow itself
// free of direct filesystem knowledge (spec.md §9).
type LogSink interface {
	WriteCompleted(description, command string, outputs []string, info map[string]interface{}) error
	WriteSkipped(description string) error
	WriteNotRun(description string) error
}

// Issue is one reason a submitted task object was rejected.
type Issue struct {
	Index  int
	Reason string
}

// ValidationError carries every (index, reason) pair from a rejected
// workflow submission (spec.md §4.2, §8 scenario S5).
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	reasons := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		reasons[i] = fmt.Sprintf("[%d] %s", iss.Index, iss.Reason)
	}
	return "invalid workflow: " + strings.Join(reasons, "; ")
}

// Workflow is a named, prioritized set of tasks submitted as one unit.
type Workflow struct {
	ID       string
	Name     string
	Priority int
	LogPath  string
	Status   status.Workflow

	// Tasks preserves submission order for state projection; Available,
	// Running, and Completed partition the same pointers (invariant I1).
	Tasks     []*task.Task
	Available []*task.Task
	Running   []*task.Task
	Completed []*task.Task

	logged bool
	log    LogSink
}

// FromObject validates every task object in obj["tasks"] and, if all are
// valid, constructs a Workflow with every task in Available and workflow
// status Initialized. If any task is invalid, no tasks are constructed
// and a *ValidationError listing every (index, reason) is returned.
func FromObject(obj map[string]interface{}, fs afero.Fs, log LogSink) (*Workflow, error) {
	rawTasks, _ := obj["tasks"].([]interface{})

	var issues []Issue
	for i, rt := range rawTasks {
		m, ok := rt.(map[string]interface{})
		if !ok {
			issues = append(issues, Issue{Index: i, Reason: "task was not an object"})
			continue
		}
		if reason, ok := task.ValidateSpec(m); !ok {
			issues = append(issues, Issue{Index: i, Reason: reason})
		}
	}
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	w := &Workflow{
		Status: status.Initialized,
		log:    log,
	}
	if v, ok := obj["name"].(string); ok {
		w.Name = v
	}
	if v, ok := obj["priority"]; ok {
		w.Priority = toInt(v)
	}
	if v, ok := obj["logfile"].(string); ok {
		w.LogPath = v
	}

	for _, rt := range rawTasks {
		m := rt.(map[string]interface{})
		t, err := task.FromObject(m, fs)
		if err != nil {
			return nil, fmt.Errorf("constructing task: %w", err)
		}
		w.Tasks = append(w.Tasks, t)
		w.Available = append(w.Available, t)
	}
	return w, nil
}

// InitialDispatch performs the one-time walk spec.md §4.4 (submit, step 4)
// runs over a freshly registered workflow: tasks whose outputs already
// resolve are skipped; ready tasks move straight to running and are
// returned for dispatch; every other task is marked scheduled (not left
// waiting) to record that it has been registered with the back-end
// layer even though it isn't dispatched yet. The post-pass workflow
// status is computed exactly as Next() computes it, since a task that
// can never become ready (inputs nothing in the workflow will produce)
// is as much a failure at registration as later on.
func (w *Workflow) InitialDispatch() ([]*task.Task, error) {
	var batch []*task.Task
	var remaining []*task.Task
	anyRunning := false

	for _, t := range w.Available {
		if len(t.Outputs) > 0 {
			completed, err := t.Completed()
			if err != nil {
				return nil, err
			}
			if completed {
				t.Status = status.TaskSkipped
				w.Completed = append(w.Completed, t)
				if w.log != nil {
					if err := w.log.WriteSkipped(t.Description); err != nil {
						return nil, err
					}
				}
				continue
			}
		}

		ready, err := t.Ready()
		if err != nil {
			return nil, err
		}
		if ready {
			t.Status = status.TaskRunning
			w.Running = append(w.Running, t)
			batch = append(batch, t)
			anyRunning = true
			continue
		}
		t.Status = status.TaskScheduled
		remaining = append(remaining, t)
	}
	w.Available = remaining

	switch {
	case anyRunning:
		w.Status = status.Running
	case len(w.Available) == 0:
		w.Status = status.Completed
	default:
		if err := w.markRemainingFailed(); err != nil {
			return nil, err
		}
		w.Status = status.Failed
	}
	return batch, nil
}

// Next is the selection algorithm (spec.md §4.2): tasks with outputs
// that already resolve are skipped; ready waiting/scheduled tasks move
// to running and are returned for dispatch. It is a no-op once the
// workflow has reached a DONE status (invariant I3).
func (w *Workflow) Next() ([]*task.Task, error) {
	if w.Status.DONE() {
		return nil, nil
	}

	var batch []*task.Task
	var remaining []*task.Task
	anyRunning := len(w.Running) > 0

	for _, t := range w.Available {
		if len(t.Outputs) > 0 {
			completed, err := t.Completed()
			if err != nil {
				return nil, err
			}
			if completed {
				t.Status = status.TaskSkipped
				w.Completed = append(w.Completed, t)
				if w.log != nil {
					if err := w.log.WriteSkipped(t.Description); err != nil {
						return nil, err
					}
				}
				continue
			}
		}

		ready, err := t.Ready()
		if err != nil {
			return nil, err
		}
		if ready && (t.Status == status.TaskWaiting || t.Status == status.TaskScheduled) {
			t.Status = status.TaskRunning
			w.Running = append(w.Running, t)
			batch = append(batch, t)
			anyRunning = true
			continue
		}
		remaining = append(remaining, t)
	}
	w.Available = remaining

	switch {
	case anyRunning:
		w.Status = status.Running
	case len(w.Available) == 0:
		w.Status = status.Completed
	default:
		if err := w.markRemainingFailed(); err != nil {
			return nil, err
		}
		w.Status = status.Failed
	}
	return batch, nil
}

// Update is the back-end completion callback (spec.md §4.2): it records
// info on t, moves it to completed, logs the outcome, and recomputes
// workflow status.
func (w *Workflow) Update(t *task.Task, info map[string]interface{}) error {
	t.Info = info

	// A late completion for a task the workflow already finalized
	// (cancelled/stopped) updates the task's own status without
	// re-opening the workflow status or duplicating it into Completed
	// (invariants I1, I3).
	if w.Status.DONE() {
		completedOK, err := t.Completed()
		if err != nil {
			return err
		}
		if completedOK {
			t.Status = status.TaskCompleted
		}
		return nil
	}

	w.removeRunning(t)
	w.Completed = append(w.Completed, t)

	if w.log != nil {
		if err := w.log.WriteCompleted(t.Description, t.Render(), descriptorPaths(t.Outputs), info); err != nil {
			return err
		}
	}

	completedOK, err := t.Completed()
	if err != nil {
		return err
	}
	returnedNonZero := false
	if v, ok := info["returned"]; ok {
		returnedNonZero = toInt(v) != 0
	}

	if returnedNonZero || !completedOK {
		t.Status = status.TaskFailed
		if err := w.markRemainingFailed(); err != nil {
			return err
		}
		w.Status = status.Failed
		return nil
	}

	t.Status = status.TaskCompleted
	if w.Status.DONE() {
		return nil
	}

	if len(w.Available) == 0 && len(w.Running) == 0 {
		w.Status = status.Completed
		return nil
	}

	canProceed, err := w.canProceed()
	if err != nil {
		return err
	}
	if canProceed {
		w.Status = status.Running
		return nil
	}
	if err := w.markRemainingFailed(); err != nil {
		return err
	}
	w.Status = status.Failed
	return nil
}

// Cancel sets the workflow and every non-terminal task to Cancelled.
func (w *Workflow) Cancel() {
	if w.Status.DONE() {
		return
	}
	w.transitionAll(status.TaskCancelled)
	w.Status = status.Cancelled
}

// Stop sets the workflow and every non-terminal task to Stopped.
func (w *Workflow) Stop() {
	if w.Status.DONE() {
		return
	}
	w.transitionAll(status.TaskStopped)
	w.Status = status.Stopped
}

// Reconcile inspects every still-running task directly (rather than
// waiting for a TASK_DONE callback) and moves any that have independently
// completed or exhausted their retries into Completed. Used by a status
// query to reflect filesystem state the back-end hasn't reported yet.
func (w *Workflow) Reconcile() error {
	if w.Status.DONE() {
		return nil
	}

	var stillRunning []*task.Task
	for _, t := range w.Running {
		if t.Status != status.TaskRunning {
			stillRunning = append(stillRunning, t)
			continue
		}
		completed, err := t.Completed()
		if err != nil {
			return err
		}
		switch {
		case completed:
			t.Status = status.TaskCompleted
			w.Completed = append(w.Completed, t)
		case t.Failed():
			t.Status = status.TaskFailed
			w.Completed = append(w.Completed, t)
		default:
			stillRunning = append(stillRunning, t)
		}
	}
	w.Running = stillRunning

	if len(w.Running) > 0 {
		return nil
	}
	for _, t := range w.Completed {
		if t.Status == status.TaskFailed {
			if err := w.markRemainingFailed(); err != nil {
				return err
			}
			w.Status = status.Failed
			return nil
		}
	}

	// Nothing running and nothing failed: recompute the same way Next()
	// and Update() do, so a status query between a task finishing on disk
	// and the back-end's next TASK_DONE tick reports Completed rather than
	// a stale Running (symmetric with the Failed branch above).
	if len(w.Available) == 0 {
		w.Status = status.Completed
		return nil
	}
	canProceed, err := w.canProceed()
	if err != nil {
		return err
	}
	if canProceed {
		w.Status = status.Running
		return nil
	}
	if err := w.markRemainingFailed(); err != nil {
		return err
	}
	w.Status = status.Failed
	return nil
}

// ResetFailed moves every failed task back to Available with status
// waiting and clears its errors, then un-terminates the workflow so a
// subsequent Next() call can recompute its status (SPEC_FULL.md §5's
// restart semantics: attempts is left untouched — only status/errors
// reset — since restart is a fresh scheduling pass, not a retry budget
// grant).
func (w *Workflow) ResetFailed() {
	var stillDone []*task.Task
	var revived []*task.Task
	for _, t := range w.Completed {
		if t.Status == status.TaskFailed {
			t.Status = status.TaskWaiting
			t.Errors = nil
			revived = append(revived, t)
			continue
		}
		stillDone = append(stillDone, t)
	}
	w.Completed = stillDone
	w.Available = append(w.Available, revived...)
	if len(revived) > 0 {
		w.Status = status.Running
	}
}

// IsLogged reports whether the terminal summary has already been written.
func (w *Workflow) IsLogged() bool { return w.logged }

// MarkLogged records that the terminal summary has been written.
func (w *Workflow) MarkLogged() { w.logged = true }

// TaskStates projects every task, in submission order, for a status reply.
func (w *Workflow) TaskStates() []map[string]interface{} {
	out := make([]map[string]interface{}, len(w.Tasks))
	for i, t := range w.Tasks {
		out[i] = t.State()
	}
	return out
}

func (w *Workflow) markRemainingFailed() error {
	for _, t := range w.Available {
		t.Status = status.TaskFailed
		if w.log != nil {
			if err := w.log.WriteNotRun(t.Description); err != nil {
				return err
			}
		}
	}
	w.Completed = append(w.Completed, w.Available...)
	w.Available = nil
	return nil
}

func (w *Workflow) transitionAll(st status.Task) {
	for _, t := range w.Available {
		t.Status = st
	}
	for _, t := range w.Running {
		t.Status = st
	}
	w.Completed = append(w.Completed, w.Available...)
	w.Completed = append(w.Completed, w.Running...)
	w.Available = nil
	w.Running = nil
}

func (w *Workflow) canProceed() (bool, error) {
	if len(w.Running) > 0 {
		return true, nil
	}
	for _, t := range w.Available {
		ready, err := t.Ready()
		if err != nil {
			return false, err
		}
		if ready {
			return true, nil
		}
	}
	return false, nil
}

func (w *Workflow) removeRunning(t *task.Task) {
	for i, r := range w.Running {
		if r == t {
			w.Running = append(w.Running[:i], w.Running[i+1:]...)
			return
		}
	}
}

func descriptorPaths(ds []task.Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Path
	}
	return out
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
