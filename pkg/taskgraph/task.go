// Package taskgraph runs higher-level research tasks with declared
// dependencies in parallel waves.
package taskgraph

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/telemetry"
)

// Kind selects how a task is executed.
type Kind string

const (
	// KindUseTools runs planned tool calls, or asks the model once for them.
	KindUseTools Kind = "use_tools"
	// KindReason asks the model to reason over completed task outputs.
	KindReason Kind = "reason"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PlannedCall is a tool call fixed at planning time.
type PlannedCall struct {
	Tool string         `json:"tool" yaml:"tool"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Task is one node of the graph.
type Task struct {
	ID          string        `json:"id" yaml:"id"`
	Description string        `json:"description" yaml:"description"`
	Kind        Kind          `json:"kind" yaml:"kind"`
	DependsOn   []string      `json:"dependsOn,omitempty" yaml:"depends_on,omitempty"`
	ToolCalls   []PlannedCall `json:"toolCalls,omitempty" yaml:"tool_calls,omitempty"`
}

// TaskResult is the outcome of one finished task.
type TaskResult struct {
	ID          string               `json:"id"`
	Status      Status               `json:"status"`
	Output      string               `json:"output"`
	ToolCalls   []telemetry.ToolCall `json:"toolCalls,omitempty"`
	FailedTools []string             `json:"failedTools,omitempty"`
	Error       string               `json:"error,omitempty"`
	Duration    time.Duration        `json:"duration"`
}

// File is the on-disk task file layout.
type File struct {
	Query string `yaml:"query"`
	Tasks []Task `yaml:"tasks"`
}

// LoadFile reads and validates a YAML task file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, qerrors.Wrap(err, qerrors.ErrCodeStorageRead, "read task file").WithContext("path", path)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, qerrors.Wrap(err, qerrors.ErrCodePlanInvalid, "parse task file").WithContext("path", path)
	}
	for i := range f.Tasks {
		f.Tasks[i] = normalize(f.Tasks[i])
	}
	if err := Validate(f.Tasks, nil); err != nil {
		return File{}, err
	}
	return f, nil
}

// WriteFile saves tasks as YAML.
func WriteFile(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return qerrors.Wrap(err, qerrors.ErrCodeInternal, "encode task file")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return qerrors.Wrap(err, qerrors.ErrCodeStorageWrite, "write task file").WithContext("path", path)
	}
	return nil
}

func normalize(t Task) Task {
	t.ID = strings.TrimSpace(t.ID)
	t.Description = strings.TrimSpace(t.Description)
	t.Kind = Kind(strings.ToLower(strings.TrimSpace(string(t.Kind))))
	if t.Kind == "" {
		if len(t.ToolCalls) > 0 {
			t.Kind = KindUseTools
		} else {
			t.Kind = KindReason
		}
	}
	return t
}

// Validate checks IDs are present and unique, kinds are known, dependencies
// refer to known tasks and, when knownTool is non-nil, planned tools exist.
// Cycles are not rejected here; the executor leaves them pending.
func Validate(tasks []Task, knownTool func(string) bool) error {
	if len(tasks) == 0 {
		return qerrors.New(qerrors.ErrCodePlanInvalid, "no tasks")
	}
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return qerrors.New(qerrors.ErrCodePlanInvalid, "task with empty id")
		}
		if ids[t.ID] {
			return qerrors.Newf(qerrors.ErrCodePlanInvalid, "duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		switch t.Kind {
		case KindUseTools, KindReason:
		default:
			return qerrors.Newf(qerrors.ErrCodePlanInvalid, "task %q has unknown kind %q", t.ID, t.Kind)
		}
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return qerrors.Newf(qerrors.ErrCodePlanInvalid, "task %q depends on unknown task %q", t.ID, dep)
			}
			if dep == t.ID {
				return qerrors.Newf(qerrors.ErrCodePlanInvalid, "task %q depends on itself", t.ID)
			}
		}
		if knownTool == nil {
			continue
		}
		for _, c := range t.ToolCalls {
			if !knownTool(c.Tool) {
				return qerrors.Newf(qerrors.ErrCodePlanInvalid, "task %q plans unknown tool %q", t.ID, c.Tool)
			}
		}
	}
	return nil
}

func (t Task) String() string {
	deps := "none"
	if len(t.DependsOn) > 0 {
		deps = strings.Join(t.DependsOn, ",")
	}
	calls, _ := json.Marshal(t.ToolCalls)
	return fmt.Sprintf("%s [%s] deps=%s %s calls=%s", t.ID, t.Kind, deps, t.Description, calls)
}
