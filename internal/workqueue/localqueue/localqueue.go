// Package localqueue is the in-process work-queue back-end: it actually
// runs a task's rendered command line via os/exec on a bounded worker
// pool, satisfying the adapter contract (spec.md §4.3) without requiring
// an external worker fleet. It is the back-end the test suite exercises
// end-to-end, and a reasonable choice for single-box operation
// (SPEC_FULL.md §5).
package localqueue

import (
	"container/heap"
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/yerba/yerbad/internal/logging"
	"github.com/yerba/yerbad/internal/notifier"
	"github.com/yerba/yerbad/internal/task"
	"github.com/yerba/yerbad/internal/workqueue"
)

// Queue is a Backend that executes tasks locally.
type Queue struct {
	group   string
	name    string
	workers int
	notify  *notifier.Notifier
	dedup   *workqueue.Dedup

	mu         sync.Mutex
	jobs       jobHeap
	seq        int64
	cancelled  map[string]bool
	completion []workqueue.Completion

	startOnce sync.Once
	stopCtx   context.Context
	stopFn    context.CancelFunc
	wg        sync.WaitGroup
	signal    chan struct{}
}

// New returns a local work queue backed by workers goroutines, reporting
// completions to notify under the group/name registry key pair (spec.md
// §4.3, §4.5).
func New(group, name string, workers int, notify *notifier.Notifier) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		group:     group,
		name:      name,
		workers:   workers,
		notify:    notify,
		dedup:     workqueue.NewDedup(),
		cancelled: make(map[string]bool),
		stopCtx:   ctx,
		stopFn:    cancel,
		signal:    make(chan struct{}, 1),
	}
}

func (q *Queue) Name() string  { return q.name }
func (q *Queue) Group() string { return q.group }

// Initialize starts the worker goroutines exactly once.
func (q *Queue) Initialize() error {
	q.startOnce.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.runWorker()
		}
	})
	return nil
}

// Schedule pushes tasks onto the priority heap; workers release them to
// execution priority-first, submission-order within equal priority
// (spec.md §4.3).
func (q *Queue) Schedule(tasks []*task.Task, workflowID string, priority int) error {
	q.mu.Lock()
	for _, t := range tasks {
		q.seq++
		heap.Push(&q.jobs, &job{workflowID: workflowID, task: t, priority: priority, seq: q.seq})
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Cancel marks workflowID cancelled: queued-but-not-yet-started jobs for
// it are dropped without execution; jobs already handed to a worker run
// to completion but their TASK_DONE is still suppressed, matching the
// "best-effort" contract (spec.md §4.3, §5).
func (q *Queue) Cancel(workflowID string) error {
	q.mu.Lock()
	q.cancelled[workflowID] = true
	remaining := q.jobs[:0]
	for _, j := range q.jobs {
		if j.workflowID != workflowID {
			remaining = append(remaining, j)
		}
	}
	q.jobs = remaining
	heap.Init(&q.jobs)
	q.mu.Unlock()
	return nil
}

// Update drains whatever completions workers have produced since the
// last call and emits TASK_DONE for each, deduplicating on
// (workflow_id, task.ID). Non-blocking.
func (q *Queue) Update() error {
	q.mu.Lock()
	pending := q.completion
	q.completion = nil
	q.mu.Unlock()

	for _, c := range pending {
		if q.cancelled[c.WorkflowID] {
			continue
		}
		if q.dedup.Seen(c.WorkflowID, c.Task.ID) {
			continue
		}
		q.notify.Notify(notifier.TaskDone, c.WorkflowID, c.Task, c.Info)
	}
	return nil
}

// Stop cancels in-flight command execution and waits for workers to exit.
func (q *Queue) Stop() error {
	q.stopFn()
	q.wg.Wait()
	return nil
}

func (q *Queue) runWorker() {
	defer q.wg.Done()
	for {
		j := q.pop()
		if j == nil {
			select {
			case <-q.stopCtx.Done():
				return
			case <-q.signal:
				continue
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		q.execute(j)
	}
}

func (q *Queue) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := heap.Pop(&q.jobs).(*job)
	if q.cancelled[j.workflowID] {
		return q.popLocked()
	}
	return j
}

func (q *Queue) popLocked() *job {
	for len(q.jobs) > 0 {
		j := heap.Pop(&q.jobs).(*job)
		if !q.cancelled[j.workflowID] {
			return j
		}
	}
	return nil
}

func (q *Queue) execute(j *job) {
	started := time.Now()
	taskID := ulid.Make().String()

	cmd := exec.CommandContext(q.stopCtx, "sh", "-c", j.task.Render())
	output, err := cmd.CombinedOutput()
	ended := time.Now()

	returned := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			returned = exitErr.ExitCode()
		} else {
			returned = -1
			logging.Error("localqueue: executing %q: %v", j.task.Render(), err)
		}
	}

	info := map[string]interface{}{
		"started":  started.UTC().Format(time.RFC3339),
		"ended":    ended.UTC().Format(time.RFC3339),
		"elapsed":  ended.Sub(started).String(),
		"taskid":   taskID,
		"returned": returned,
		"output":   string(output),
	}

	q.mu.Lock()
	q.completion = append(q.completion, workqueue.Completion{WorkflowID: j.workflowID, Task: j.task, Info: info})
	q.mu.Unlock()
}

// job is one scheduled task awaiting a worker.
type job struct {
	workflowID string
	task       *task.Task
	priority   int
	seq        int64
}

// jobHeap orders jobs by descending priority, then ascending submission
// sequence — higher-priority tasks release to workers first; within
// equal priority, submission order is preserved (spec.md §4.3).
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*job))
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
