// Package task implements the Task entity: command, arguments, input/output
// file descriptors, options, and the readiness/completion/failure
// predicates that drive workflow scheduling (spec.md §3, §4.1).
package task

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/yerba/yerbad/internal/status"
)

// Arg is one (flag, value, shorten) triple from the submission schema.
type Arg struct {
	Flag    string
	Value   string
	Shorten bool
}

// FormatArgs renders a sequence of argument triples into the trailing
// command-line string: a leading space before each flag, and the value
// replaced by its basename when shorten is set and the value is an
// absolute path (spec.md §4.1, property P5).
func FormatArgs(args []Arg) string {
	var b strings.Builder
	for _, a := range args {
		v := a.Value
		if a.Shorten && filepath.IsAbs(v) {
			v = filepath.Base(v)
		}
		b.WriteString(" ")
		b.WriteString(a.Flag)
		b.WriteString(" ")
		b.WriteString(v)
	}
	return b.String()
}

// Task is a single unit of execution belonging to a workflow.
type Task struct {
	ID          string
	Cmd         string
	Args        []Arg
	Inputs      []Descriptor
	Outputs     []Descriptor
	Status      status.Task
	Description string
	Info        map[string]interface{}
	Errors      []string
	Attempts    int
	Priority    int
	Options     Options

	fs afero.Fs
}

// Command returns cmd directly concatenated with the formatted argument
// string, with no separator of its own — this is the one-space form
// `State()["cmd"]` reports, since FormatArgs already leads with a space
// before its first flag.
func (t *Task) Command() string {
	return t.Cmd + FormatArgs(t.Args)
}

// Render returns the command line exactly as it is dispatched to a
// back-end and written to the per-task log line: cmd, a separator space,
// then the formatted argument string — which itself leads with a space,
// so a task carrying args renders with two spaces between cmd and its
// first flag (spec.md §8 scenario S1).
func (t *Task) Render() string {
	return t.Cmd + " " + FormatArgs(t.Args)
}

// ValidateSpec checks one raw task object from the submission schema and
// reports the first reason it is invalid, mirroring the (index, reason)
// pairs Workflow.from_object collects (spec.md §4.2).
func ValidateSpec(raw map[string]interface{}) (reason string, ok bool) {
	cmd, _ := raw["cmd"].(string)
	if strings.TrimSpace(cmd) == "" {
		return "A command was not specified", false
	}
	if v, present := raw["args"]; present {
		if _, isList := v.([]interface{}); !isList {
			return "args was not a list", false
		}
	}
	for _, field := range []string{"inputs", "outputs"} {
		v, present := raw[field]
		if !present {
			continue
		}
		list, isList := v.([]interface{})
		if !isList {
			return fmt.Sprintf("%s was not a list", field), false
		}
		for _, el := range list {
			if el == nil {
				return fmt.Sprintf("An %s was invalid", strings.TrimSuffix(field, "s")), false
			}
		}
	}
	return "", true
}

// FromObject constructs a Task from a validated raw task object, sorting
// inputs and outputs ascending on path and, when overwrite is truthy,
// deleting any existing output files immediately (spec.md §4.1).
func FromObject(raw map[string]interface{}, fs afero.Fs) (*Task, error) {
	t := &Task{
		ID:       uuid.NewString(),
		Cmd:      raw["cmd"].(string),
		Status:   status.TaskWaiting,
		Attempts: 1,
		Options:  DefaultOptions(),
		fs:       fs,
	}

	if v, ok := raw["description"].(string); ok {
		t.Description = v
	}
	if v, ok := raw["priority"]; ok {
		t.Priority = toInt(v)
	}
	if v, ok := raw["options"].(map[string]interface{}); ok {
		t.Options = t.Options.WithOverrides(v)
	}
	if rawArgs, ok := raw["args"].([]interface{}); ok {
		for _, el := range rawArgs {
			triple, ok := el.([]interface{})
			if !ok || len(triple) != 3 {
				continue
			}
			flag, _ := triple[0].(string)
			value, _ := triple[1].(string)
			t.Args = append(t.Args, Arg{Flag: flag, Value: value, Shorten: truthy(triple[2])})
		}
	}
	if rawIn, ok := raw["inputs"].([]interface{}); ok {
		for _, el := range rawIn {
			if d, ok := parseDescriptor(el); ok {
				t.Inputs = append(t.Inputs, d)
			}
		}
	}
	if rawOut, ok := raw["outputs"].([]interface{}); ok {
		for _, el := range rawOut {
			if d, ok := parseDescriptor(el); ok {
				t.Outputs = append(t.Outputs, d)
			}
		}
	}
	SortDescriptors(t.Inputs)
	SortDescriptors(t.Outputs)

	if truthy(raw["overwrite"]) {
		if err := t.Clear(); err != nil {
			return nil, fmt.Errorf("clearing existing outputs: %w", err)
		}
	}

	return t, nil
}

// Ready reports whether every input descriptor resolves on the filesystem.
func (t *Task) Ready() (bool, error) {
	for _, in := range t.Inputs {
		ok, err := in.Resolved(t.fs, t.Options.AllowZeroLength())
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Completed reports whether every output descriptor resolves; when the
// task declares no outputs, completion instead depends on the back-end's
// reported return code belonging to accepted-return-codes.
func (t *Task) Completed() (bool, error) {
	if len(t.Outputs) == 0 {
		returned, ok := t.returnedCode()
		if !ok {
			return false, nil
		}
		return t.Options.Accepts(returned), nil
	}
	for _, out := range t.Outputs {
		ok, err := out.Resolved(t.fs, t.Options.AllowZeroLength())
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (t *Task) returnedCode() (int, bool) {
	if t.Info == nil {
		return 0, false
	}
	v, ok := t.Info["returned"]
	if !ok {
		return 0, false
	}
	return toInt(v), true
}

// Failed reports whether the task has exhausted its retry budget.
func (t *Task) Failed() bool {
	return t.Attempts > t.Options.Retries()
}

// Clear deletes the task's output files, ignoring "file does not exist"
// errors the way the original implementation swallowed them.
func (t *Task) Clear() error {
	for _, out := range t.Outputs {
		var err error
		if out.IsDir {
			err = t.fs.RemoveAll(out.Path)
		} else {
			err = t.fs.Remove(out.Path)
		}
		if err != nil && !isNotExist(err) {
			return err
		}
	}
	return nil
}

func isNotExist(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "file does not exist"))
}

// Restart increments the attempt counter, the low-level per-task retry
// operation (distinct from the request-loop `restart` handler, which
// resets status without touching attempts — see SPEC_FULL.md §5).
func (t *Task) Restart() {
	t.Attempts++
}

// State projects the task into the wire representation a status query
// returns: submitted fields plus whatever info the back-end populated.
func (t *Task) State() map[string]interface{} {
	s := map[string]interface{}{
		"status":      t.Status.String(),
		"description": t.Description,
		"cmd":         t.Command(),
		"inputs":      descriptorPaths(t.Inputs),
		"outputs":     descriptorPaths(t.Outputs),
	}
	for k, v := range t.Info {
		s[k] = v
	}
	return s
}

func descriptorPaths(ds []Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Path
	}
	return out
}

// Equal reports whether two tasks have identical sorted inputs, sorted
// outputs, and rendered command string.
func (t *Task) Equal(other *Task) bool {
	if t.Command() != other.Command() {
		return false
	}
	return equalDescriptors(t.Inputs, other.Inputs) && equalDescriptors(t.Outputs, other.Outputs)
}

func equalDescriptors(a, b []Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
