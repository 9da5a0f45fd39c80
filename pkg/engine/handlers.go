package engine

import (
	"context"
	"fmt"

	"github.com/frestq/frestq/pkg/types"
)

// TaskHandler executes a task's action on the receiver node. The handler
// may set output data on the task and attach subtasks; a returned error
// marks the task as errored and propagates to its parents.
type TaskHandler func(t *Task) error

// MessageHandler handles a message action directly, without the task
// intake path.
type MessageHandler func(ctx context.Context, msg *types.Message) error

// ActionHandler is the struct form of a task handler. Implementations may
// additionally satisfy any of the optional hook interfaces below.
type ActionHandler interface {
	Execute(t *Task) error
}

// ErrorHandler receives the error of a failed task or subtask. Returning
// false suppresses propagation: the task finishes normally and its parent
// advances.
type ErrorHandler interface {
	HandleError(t *Task, taskErr error) (propagate bool)
}

// Reserver generates reservation data on the receiver before a
// synchronized task is acknowledged as reserved.
type Reserver interface {
	Reserve(t *Task) error
}

// ReservationCanceler is notified on the receiver when a reservation times
// out or is cancelled.
type ReservationCanceler interface {
	CancelReservation(t *Task)
}

// ReservationObserver is notified on the director each time a child's
// reservation is confirmed.
type ReservationObserver interface {
	NewReservation(parent, child *Task)
}

// CancelObserver is notified on the director when a child's reservation
// expires.
type CancelObserver interface {
	CancelledReservation(parent, child *Task)
}

// PreExecutor runs on the director after every child of a synchronized
// task is reserved and before any child is started. It may redistribute
// the collected reservation data into the children's input payloads.
type PreExecutor interface {
	PreExecute(parent *Task) error
}

// callHandler invokes a task handler of either supported form.
func callHandler(handler any, t *Task) error {
	switch h := handler.(type) {
	case TaskHandler:
		return h(t)
	case func(*Task) error:
		return h(t)
	case ActionHandler:
		return h.Execute(t)
	default:
		return fmt.Errorf("unsupported handler type %T for action %s", handler, t.Action())
	}
}
