// Package manager implements the Workflow manager (spec.md §4.4): it
// owns every active Workflow, bridges submission/status/cancel/restart
// requests to the Workflow entity, persists lifecycle transitions
// through the store, and reacts to TASK_DONE by fetching the next
// dispatch batch and re-emitting SCHEDULE_TASK.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yerba/yerbad/internal/logging"
	"github.com/yerba/yerbad/internal/notifier"
	"github.com/yerba/yerbad/internal/status"
	"github.com/yerba/yerbad/internal/store"
	"github.com/yerba/yerbad/internal/task"
	"github.com/yerba/yerbad/internal/telemetry"
	"github.com/yerba/yerbad/internal/wflog"
	"github.com/yerba/yerbad/internal/workflow"
)

// NotFoundError is returned when an operation names an unknown workflow
// id (spec.md §7).
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("no workflow with id %s", e.ID) }

// Manager owns the active-workflow map and bridges it to persistence and
// the notifier bus.
type Manager struct {
	db     *store.Store
	notify *notifier.Notifier
	fs     afero.Fs

	mu     sync.Mutex
	active map[string]*workflow.Workflow
}

// New returns a Manager and registers its TASK_DONE handler on notify.
func New(db *store.Store, notify *notifier.Notifier, fs afero.Fs) *Manager {
	m := &Manager{
		db:     db,
		notify: notify,
		fs:     fs,
		active: make(map[string]*workflow.Workflow),
	}
	notify.Register(notifier.TaskDone, m.onTaskDone)
	return m
}

// Submit validates, persists (idempotently), registers, and performs the
// initial dispatch walk for a workflow submission (spec.md §4.4). The
// returned status is always Scheduled on success, matching the literal
// reply spec.md §8 scenario S1 requires — the workflow's own internal
// status (queryable via Status) may already have advanced past that by
// the time Submit returns (property P7: an all-already-complete
// submission finishes Completed with nothing dispatched).
func (m *Manager) Submit(obj map[string]interface{}) (id string, result status.Workflow, issues []workflow.Issue, err error) {
	logPath, _ := obj["logfile"].(string)
	w, buildErr := workflow.FromObject(obj, m.fs, wflog.New(m.fs, logPath))
	if buildErr != nil {
		if ve, ok := buildErr.(*workflow.ValidationError); ok {
			return "", status.Error, ve.Issues, nil
		}
		logging.Error("manager: submit rejected: %v", buildErr)
		return "", status.Error, nil, nil
	}

	canonical, err := store.Canonical(obj["tasks"])
	if err != nil {
		return "", status.Error, nil, fmt.Errorf("canonicalizing submission: %w", err)
	}

	row, found, err := m.db.Find(canonical)
	if err != nil {
		return "", status.Error, nil, err
	}
	var rowID int64
	if found {
		rowID = row.ID
	} else {
		rowID, err = m.db.Add(canonical, status.Initialized)
		if err != nil {
			logging.Error("manager: persisting submission: %v", err)
			return "", status.Error, nil, nil
		}
		if rowID == 0 {
			// Lost a race with a concurrent identical submission; re-find.
			row, found, err = m.db.Find(canonical)
			if err != nil || !found {
				return "", status.Error, nil, err
			}
			rowID = row.ID
		}
	}

	id = strconv.FormatInt(rowID, 10)
	w.ID = id

	m.mu.Lock()
	if existing, ok := m.active[id]; ok {
		// Already active (a duplicate submission raced in): reuse it
		// instead of discarding in-flight task state.
		w = existing
		m.mu.Unlock()
		return id, status.Scheduled, nil, nil
	}
	m.active[id] = w
	m.mu.Unlock()

	batch, err := w.InitialDispatch()
	if err != nil {
		return "", status.Error, nil, err
	}
	if err := m.db.UpdateStatus(rowID, w.Status, w.Status.DONE()); err != nil {
		logging.Error("manager: updating status for %s: %v", id, err)
	}
	if len(batch) > 0 {
		m.emitScheduleTask(batch, id, w.Priority)
	}
	return id, status.Scheduled, nil, nil
}

// emitScheduleTask wraps a SCHEDULE_TASK dispatch in a span so the batch
// size and target workflow show up in the trace a Setup-installed
// exporter writes.
func (m *Manager) emitScheduleTask(batch []*task.Task, id string, priority int) {
	_, span := telemetry.Tracer().Start(context.Background(), "manager.schedule_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("yerba.workflow_id", id),
		attribute.Int("yerba.batch_size", len(batch)),
		attribute.Int("yerba.priority", priority),
	)
	m.notify.Notify(notifier.ScheduleTask, batch, id, priority)
}

// onTaskDone is the TASK_DONE receiver bound at construction. Payload
// shape: (workflowID string, t *task.Task, info map[string]interface{}).
func (m *Manager) onTaskDone(payload ...interface{}) {
	if len(payload) != 3 {
		logging.Error("manager: malformed TASK_DONE payload: %v", payload)
		return
	}
	id, ok1 := payload[0].(string)
	t, ok2 := payload[1].(*task.Task)
	info, ok3 := payload[2].(map[string]interface{})
	if !ok1 || !ok2 || !ok3 {
		logging.Error("manager: malformed TASK_DONE payload: %v", payload)
		return
	}
	if err := m.Update(id, t, info); err != nil {
		logging.Error("manager: updating workflow %s: %v", id, err)
	}
}

// Update applies a back-end completion to workflow id, persists a
// terminal status transition if one occurred, and — if the workflow
// isn't DONE — fetches the next batch and re-emits SCHEDULE_TASK for it
// (spec.md §4.4 "fetch").
func (m *Manager) Update(id string, t *task.Task, info map[string]interface{}) error {
	_, span := telemetry.Tracer().Start(context.Background(), "manager.task_done")
	defer span.End()
	span.SetAttributes(
		attribute.String("yerba.workflow_id", id),
		attribute.String("yerba.task_id", t.ID),
	)

	m.mu.Lock()
	w, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		err := &NotFoundError{ID: id}
		span.RecordError(err)
		return err
	}

	wasDone := w.Status.DONE()
	if err := w.Update(t, info); err != nil {
		span.RecordError(err)
		return err
	}

	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing workflow id %s: %w", id, err)
	}
	if !wasDone && w.Status.DONE() {
		if err := m.db.UpdateStatus(rowID, w.Status, true); err != nil {
			logging.Error("manager: persisting terminal status for %s: %v", id, err)
		}
	}
	if w.Status.DONE() {
		return nil
	}

	batch, err := w.Next()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !wasDone && w.Status.DONE() {
		if err := m.db.UpdateStatus(rowID, w.Status, true); err != nil {
			logging.Error("manager: persisting terminal status for %s: %v", id, err)
		}
	}
	if len(batch) > 0 {
		m.emitScheduleTask(batch, id, w.Priority)
	}
	return nil
}

// Status reconciles observed task state, projects each task, and — on
// first terminal observation — writes the workflow's summary log line and
// marks the workflow logged (spec.md §4.4).
func (m *Manager) Status(id string) (status.Workflow, []map[string]interface{}, error) {
	m.mu.Lock()
	w, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		rowID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return status.NotFound, nil, nil
		}
		st, err := m.db.GetStatus(rowID)
		if err != nil {
			return status.NotFound, nil, err
		}
		return st, nil, nil
	}

	if err := w.Reconcile(); err != nil {
		return status.Error, nil, err
	}
	if w.Status.DONE() && !w.IsLogged() {
		if err := wflog.New(m.fs, w.LogPath).WriteSummary(w.Status.String()); err != nil {
			logging.Error("manager: writing summary log for %s: %v", id, err)
		}
		w.MarkLogged()
	}
	return w.Status, w.TaskStates(), nil
}

// Cancel emits CANCEL_TASK, flips every non-terminal task to cancelled,
// records the workflow Cancelled, and persists the transition. A workflow
// already in a DONE status keeps that status, in memory and in the store
// (invariant I3).
func (m *Manager) Cancel(id string) (status.Workflow, error) {
	m.mu.Lock()
	w, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return status.NotFound, &NotFoundError{ID: id}
	}

	m.notify.Notify(notifier.CancelTask, id)
	if w.Status.DONE() {
		return w.Status, nil
	}
	w.Cancel()

	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return status.Error, err
	}
	if err := m.db.UpdateStatus(rowID, status.Cancelled, true); err != nil {
		logging.Error("manager: persisting cancellation for %s: %v", id, err)
	}
	return w.Status, nil
}

// Restart resets every failed task of a DONE, non-Completed workflow to
// waiting and re-runs the dispatch walk (SPEC_FULL.md §5, resolving
// spec.md §9's open question on restart semantics). A workflow that is
// not DONE, or is already Completed, rejects restart — restarting a live
// workflow would violate invariant I5 (dispatched at most once per
// attempts value).
func (m *Manager) Restart(id string) (status.Workflow, error) {
	m.mu.Lock()
	w, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return status.NotFound, &NotFoundError{ID: id}
	}
	if !w.Status.DONE() || w.Status == status.Completed {
		return status.Error, fmt.Errorf("workflow %s is not eligible for restart (status %s)", id, w.Status)
	}

	w.ResetFailed()
	batch, err := w.Next()
	if err != nil {
		return status.Error, err
	}

	rowID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return status.Error, err
	}
	if err := m.db.UpdateStatus(rowID, w.Status, w.Status.DONE()); err != nil {
		logging.Error("manager: persisting restart status for %s: %v", id, err)
	}
	if len(batch) > 0 {
		m.emitScheduleTask(batch, id, w.Priority)
	}
	return w.Status, nil
}

// WorkflowFilter selects rows for the `workflows` request (spec.md
// §4.8): intersection of ids (when non-empty) and status (when
// non-empty), per SPEC_FULL.md §5.
type WorkflowFilter struct {
	IDs    []string
	Status string
}

// List returns every persisted row matching filter, each reduced to its
// id and status.
func (m *Manager) List(filter WorkflowFilter) ([]map[string]interface{}, error) {
	var ids []int64
	for _, s := range filter.IDs {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, n)
	}

	rows, err := m.db.Get(ids)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, len(rows))
	for _, r := range rows {
		st := r.Status.String()
		if filter.Status != "" && st != filter.Status {
			continue
		}
		out = append(out, map[string]interface{}{
			"id":        strconv.FormatInt(r.ID, 10),
			"status":    st,
			"submitted": r.Submitted,
			"completed": r.Completed,
		})
	}
	return out, nil
}

// Cleanup advances every persisted row with a non-terminal status to
// Failed, absorbing a daemon crash (spec.md §4.4). No in-memory state
// from a prior run is restored; it never existed in this process.
func (m *Manager) Cleanup() error {
	rows, err := m.db.Get(nil)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.Status.DONE() {
			continue
		}
		if err := m.db.UpdateStatus(r.ID, status.Failed, true); err != nil {
			logging.Error("manager: cleanup failed for row %d: %v", r.ID, err)
		}
	}
	return nil
}

// NewEmpty allocates a bare workflow row with no tasks, for the `new` request
// handler (spec.md §4.8).
func (m *Manager) NewEmpty() (string, error) {
	canonical, err := store.Canonical([]interface{}{})
	if err != nil {
		return "", err
	}
	rowID, err := m.db.Add(canonical, status.Initialized)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(rowID, 10), nil
}
