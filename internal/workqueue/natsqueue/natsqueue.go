// Package natsqueue is the reference distributed work-queue back-end: an
// embedded NATS JetStream server plus a client that publishes task
// assignments on one subject and subscribes for completions on another.
// It stands in for "the concrete distributed work-queue implementation"
// spec.md §1 declares out of scope — the workers that actually execute
// task commands and publish completions are external processes, not
// part of this package. Grounded on the teacher's
// internal/lattice/work/{dispatcher.go,messages.go,store.go}: subject
// naming, JSON envelopes over nats.go, and a pending-map dispatch shape,
// rewritten for Yerba's task/workflow domain instead of Station's
// agent-work domain.
package natsqueue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"github.com/yerba/yerbad/internal/logging"
	"github.com/yerba/yerbad/internal/notifier"
	"github.com/yerba/yerbad/internal/task"
	"github.com/yerba/yerbad/internal/workqueue"
)

// Assignment is the wire envelope published for one scheduled task.
type Assignment struct {
	DispatchID string `json:"dispatch_id"`
	WorkflowID string `json:"workflow_id"`
	TaskID     string `json:"task_id"`
	Command    string `json:"command"`
	Priority   int    `json:"priority"`
}

// Completion is the wire envelope a worker publishes back.
type Completion struct {
	WorkflowID string                 `json:"workflow_id"`
	TaskID     string                 `json:"task_id"`
	Info       map[string]interface{} `json:"info"`
}

// Config controls the embedded server and subject namespace.
type Config struct {
	Group         string
	Name          string
	ServerOptions *server.Options // nil uses an ephemeral in-memory server
	AssignSubject string          // default "yerba.workqueue.assign"
	DoneSubject   string          // default "yerba.workqueue.done"
}

// Queue is a Backend publishing task assignments over NATS and consuming
// completions from a subscription.
type Queue struct {
	cfg    Config
	notify *notifier.Notifier
	dedup  *workqueue.Dedup

	srv  *server.Server
	conn *nats.Conn
	sub  *nats.Subscription

	mu      sync.Mutex
	byTask  map[string]*task.Task // dispatch_id -> task, for resolving completions
	taskKey map[string]string     // dispatch_id -> workflow_id
	pending []workqueue.Completion
}

// New returns a natsqueue Backend. Initialize starts the embedded server
// and connects the client; until then the queue is inert.
func New(cfg Config, notify *notifier.Notifier) *Queue {
	if cfg.AssignSubject == "" {
		cfg.AssignSubject = "yerba.workqueue.assign"
	}
	if cfg.DoneSubject == "" {
		cfg.DoneSubject = "yerba.workqueue.done"
	}
	return &Queue{
		cfg:     cfg,
		notify:  notify,
		dedup:   workqueue.NewDedup(),
		byTask:  make(map[string]*task.Task),
		taskKey: make(map[string]string),
	}
}

func (q *Queue) Name() string  { return q.cfg.Name }
func (q *Queue) Group() string { return q.cfg.Group }

// Initialize starts the embedded NATS server (built from ServerOptions, or
// a non-listening JetStream-enabled server when that is nil), connects an
// in-process client, and subscribes to the completion subject. Idempotent.
func (q *Queue) Initialize() error {
	if q.conn != nil {
		return nil
	}

	opts := q.cfg.ServerOptions
	if opts == nil {
		opts = &server.Options{JetStream: true, DontListen: true}
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("starting embedded nats server: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return fmt.Errorf("embedded nats server did not become ready")
	}
	q.srv = srv

	conn, err := nats.Connect("", nats.InProcessServer(srv))
	if err != nil {
		return fmt.Errorf("connecting to embedded nats server: %w", err)
	}
	q.conn = conn

	sub, err := conn.Subscribe(q.cfg.DoneSubject, q.handleCompletion)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to %s: %w", q.cfg.DoneSubject, err)
	}
	q.sub = sub
	return nil
}

// Schedule publishes one Assignment envelope per task immediately, in the
// order given, with priority carried in the envelope. It does not reorder
// by priority: a later call with higher priority is not published ahead of
// work already published by an earlier call.
func (q *Queue) Schedule(tasks []*task.Task, workflowID string, priority int) error {
	if q.conn == nil {
		return fmt.Errorf("natsqueue: not initialized")
	}
	for _, t := range tasks {
		dispatchID := ulid.Make().String()
		q.mu.Lock()
		q.byTask[dispatchID] = t
		q.taskKey[dispatchID] = workflowID
		q.mu.Unlock()

		payload, err := json.Marshal(Assignment{
			DispatchID: dispatchID,
			WorkflowID: workflowID,
			TaskID:     t.ID,
			Command:    t.Render(),
			Priority:   priority,
		})
		if err != nil {
			return fmt.Errorf("marshaling assignment: %w", err)
		}
		if err := q.conn.Publish(q.cfg.AssignSubject, payload); err != nil {
			return fmt.Errorf("publishing assignment: %w", err)
		}
	}
	return nil
}

// Cancel publishes nothing further for workflowID's dispatch IDs and
// forgets them — best-effort, since a worker may already be executing
// the command (spec.md §4.3, §5).
func (q *Queue) Cancel(workflowID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, wf := range q.taskKey {
		if wf == workflowID {
			delete(q.taskKey, id)
			delete(q.byTask, id)
		}
	}
	q.dedup.Forget(workflowID)
	return nil
}

// Update drains completions handleCompletion buffered since the last
// tick and emits TASK_DONE for each on the caller's goroutine. nats.go
// delivers subscription callbacks on its own goroutine, so
// handleCompletion only buffers; Update is what actually crosses back
// onto the control thread, preserving the no-mutex invariant of spec.md
// §5 (all workflow/task state mutation happens from here).
func (q *Queue) Update() error {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, c := range pending {
		q.notify.Notify(notifier.TaskDone, c.WorkflowID, c.Task, c.Info)
	}
	return nil
}

// Stop drains the subscription and closes the client and embedded
// server.
func (q *Queue) Stop() error {
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
	}
	if q.conn != nil {
		q.conn.Close()
	}
	if q.srv != nil {
		q.srv.Shutdown()
		q.srv.WaitForShutdown()
	}
	return nil
}

func (q *Queue) handleCompletion(msg *nats.Msg) {
	var c Completion
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		logging.Error("natsqueue: malformed completion envelope: %v", err)
		return
	}

	q.mu.Lock()
	var resolved *task.Task
	for id, t := range q.byTask {
		if t.ID == c.TaskID && q.taskKey[id] == c.WorkflowID {
			resolved = t
			delete(q.byTask, id)
			delete(q.taskKey, id)
			break
		}
	}
	q.mu.Unlock()

	if resolved == nil {
		logging.Debug("natsqueue: completion for unknown task %s/%s, ignoring", c.WorkflowID, c.TaskID)
		return
	}
	if q.dedup.Seen(c.WorkflowID, resolved.ID) {
		return
	}

	q.mu.Lock()
	q.pending = append(q.pending, workqueue.Completion{WorkflowID: c.WorkflowID, Task: resolved, Info: c.Info})
	q.mu.Unlock()
}
