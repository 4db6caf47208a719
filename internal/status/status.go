// Package status defines the enumerated states shared by workflows and tasks.
package status

// Task is the lifecycle state of a single task.
type Task int

const (
	TaskWaiting Task = iota
	TaskScheduled
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskCancelled
	TaskStopped
	TaskSkipped
)

var taskNames = [...]string{
	"waiting", "scheduled", "running", "completed", "failed", "cancelled", "stopped", "skipped",
}

func (t Task) String() string {
	if int(t) < 0 || int(t) >= len(taskNames) {
		return "unknown"
	}
	return taskNames[t]
}

// Workflow is the lifecycle state of a workflow.
type Workflow int

const (
	Initialized Workflow = iota
	Scheduled
	Running
	Completed
	Cancelled
	Stopped
	Failed
	NotFound
	Error
)

var workflowNames = [...]string{
	"Initialized", "Scheduled", "Running", "Completed", "Cancelled", "Stopped", "Failed", "NotFound", "Error",
}

func (w Workflow) String() string {
	if int(w) < 0 || int(w) >= len(workflowNames) {
		return "Unknown"
	}
	return workflowNames[w]
}

// MarshalJSON renders a Workflow status as its enum name, the wire format
// every reply and persistence row uses.
func (w Workflow) MarshalJSON() ([]byte, error) {
	return []byte(`"` + w.String() + `"`), nil
}

// DONE is the terminal workflow-status set (invariant I3).
func (w Workflow) DONE() bool {
	switch w {
	case Completed, Cancelled, Stopped, Failed:
		return true
	default:
		return false
	}
}

// Message returns a short human-readable description of a workflow status,
// used in reports and logs.
func Message(w Workflow) string {
	switch w {
	case Initialized:
		return "workflow registered, awaiting first dispatch"
	case Scheduled:
		return "workflow submitted and tasks scheduled"
	case Running:
		return "workflow has tasks in flight"
	case Completed:
		return "all tasks finished successfully"
	case Cancelled:
		return "workflow was cancelled by client request"
	case Stopped:
		return "workflow was stopped"
	case Failed:
		return "one or more tasks failed"
	case NotFound:
		return "no workflow with that id"
	case Error:
		return "workflow object was rejected"
	default:
		return "unknown status"
	}
}
