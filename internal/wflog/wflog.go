// Package wflog writes the per-workflow append-only text log (spec.md
// §6): a banner-delimited entry per task completion, and one-line
// variants for skipped or never-run tasks. It is injected into a
// Workflow as a capability (spec.md §9 "inject the log sink as a
// capability") over an afero.Fs so Workflow itself owns no filesystem
// knowledge.
package wflog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const bannerWidth = 25

var banner = strings.Repeat("#", bannerWidth)

// Sink appends formatted task log entries to a single workflow log file.
type Sink struct {
	fs   afero.Fs
	path string
}

// New returns a Sink writing to path on fs. path may be empty, in which
// case every write is a no-op — workflows without a configured logfile
// simply don't log (spec.md §3, "an optional log path").
func New(fs afero.Fs, path string) *Sink {
	return &Sink{fs: fs, path: path}
}

func (s *Sink) append(text string) error {
	if s == nil || s.path == "" {
		return nil
	}
	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening workflow log %s: %w", s.path, err)
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

// WriteCompleted appends the full banner entry for a task that produced
// an info map, whether it ultimately succeeded or failed.
func (s *Sink) WriteCompleted(description, command string, outputs []string, info map[string]interface{}) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", banner)
	if description != "" {
		fmt.Fprintf(&b, "%s\n", description)
	}
	fmt.Fprintf(&b, "task: %s\n", command)
	fmt.Fprintf(&b, "Submitted at: %v\n", info["started"])
	fmt.Fprintf(&b, "Completed at: %v\n", info["ended"])
	fmt.Fprintf(&b, "Execution time: %v\n", info["elapsed"])
	fmt.Fprintf(&b, "Assigned to task: %v\n", info["taskid"])
	fmt.Fprintf(&b, "Return status: %v\n", info["returned"])
	fmt.Fprintf(&b, "Expected outputs: %s\n", strings.Join(outputs, ", "))
	fmt.Fprintf(&b, "Command Output:\n%v\n", info["output"])
	fmt.Fprintf(&b, "%s\n", banner)
	return s.append(b.String())
}

// WriteSkipped appends the one-line explanation for a task whose outputs
// were already present at submission time.
func (s *Sink) WriteSkipped(description string) error {
	return s.append(fmt.Sprintf("%s\nSkipped: The analysis was previously generated.\n%s\n", banner, banner))
}

// WriteNotRun appends the one-line explanation for a task that never ran
// because the workflow failed or was cancelled first.
func (s *Sink) WriteNotRun(description string) error {
	return s.append(fmt.Sprintf("%s\n%s\nThe job was not run.\n%s\n", banner, description, banner))
}

// WriteSummary appends the workflow-level closing line once a terminal
// status is reached, stamped with the time it happened.
func (s *Sink) WriteSummary(status string) error {
	return s.append(fmt.Sprintf("workflow finished: %s at %s\n", status, time.Now().UTC().Format(time.RFC3339)))
}
