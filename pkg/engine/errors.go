package engine

import (
	"encoding/json"
	"fmt"

	"github.com/frestq/frestq/pkg/types"
)

// TaskError is an error raised during the execution of a task. It
// propagates to parent tasks recursively unless a handler's error callback
// stops it.
type TaskError struct {
	Data any
}

func (e *TaskError) Error() string {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Sprintf("task error: %v", e.Data)
	}
	return fmt.Sprintf("task error: %s", data)
}

// SubtasksFailedError is synthesized when a composite observes one or more
// children in the error state.
type SubtasksFailedError struct {
	Subtasks []*types.Task
}

func (e *SubtasksFailedError) Error() string {
	if len(e.Subtasks) == 1 {
		return fmt.Sprintf("subtask %s failed", e.Subtasks[0].ID)
	}
	return fmt.Sprintf("%d subtasks failed", len(e.Subtasks))
}
