package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/types"
	"github.com/frestq/frestq/pkg/wire"
)

// Task is the handler-facing view of a task record. Navigation is always
// performed by store query; the wrapper never caches tree structure.
type Task struct {
	eng   *Engine
	ctx   context.Context
	model *types.Task
}

func (e *Engine) newTask(ctx context.Context, model *types.Task) *Task {
	return &Task{eng: e, ctx: ctx, model: model}
}

// TaskByID loads a task by its full id.
func (e *Engine) TaskByID(ctx context.Context, id string) (*Task, error) {
	model, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.newTask(ctx, model), nil
}

// Context returns the context the task is being executed under.
func (t *Task) Context() context.Context { return t.ctx }

// Model returns the underlying task record.
func (t *Task) Model() *types.Task { return t.model }

func (t *Task) ID() string               { return t.model.ID }
func (t *Task) Type() types.TaskType     { return t.model.TaskType }
func (t *Task) Status() types.TaskStatus { return t.model.Status }
func (t *Task) Action() string           { return t.model.Action }
func (t *Task) Queue() string            { return t.model.QueueName }
func (t *Task) Label() string            { return t.model.Label }
func (t *Task) IsLocal() bool            { return t.model.IsLocal }
func (t *Task) ReceiverURL() string      { return t.model.ReceiverURL }
func (t *Task) SenderURL() string        { return t.model.SenderURL }

// Input returns the raw input payload.
func (t *Task) Input() json.RawMessage { return t.model.InputData }

// DecodeInput unmarshals the input payload into v. Untyped destinations
// (map[string]any, []any, any) receive wire datetime strings as time.Time
// values.
func (t *Task) DecodeInput(v any) error {
	if len(t.model.InputData) == 0 {
		return errors.New("task has no input data")
	}
	return wire.UnmarshalInto(t.model.InputData, v)
}

// SetInput replaces the task's input payload and persists it immediately,
// so a mutation made in a reservation hook is what the task starts with.
func (t *Task) SetInput(v any) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode input data: %w", err)
	}
	t.model.InputData = data
	return t.eng.store.UpdateTask(t.ctx, t.model)
}

// SetOutput sets the task's output payload. Datetime values are encoded in
// the wire datetime format. The engine persists the task after the handler
// returns.
func (t *Task) SetOutput(v any) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output data: %w", err)
	}
	t.model.OutputData = data
	return nil
}

// Output returns the raw output payload.
func (t *Task) Output() json.RawMessage { return t.model.OutputData }

// SetReservation sets the reservation payload sent back to the director
// during the synchronization handshake.
func (t *Task) SetReservation(v any) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode reservation data: %w", err)
	}
	t.model.ReservationData = data
	return nil
}

// Reservation returns the raw reservation payload.
func (t *Task) Reservation() json.RawMessage { return t.model.ReservationData }

// Children returns the ordered children of this task.
func (t *Task) Children() ([]*Task, error) {
	models, err := t.eng.store.Children(t.ctx, t.model.ID)
	if err != nil {
		return nil, err
	}
	return t.wrapAll(models), nil
}

// Child returns the child with the given label, or nil.
func (t *Task) Child(label string) (*Task, error) {
	model, err := t.eng.store.ChildByLabel(t.ctx, t.model.ID, label)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t.eng.newTask(t.ctx, model), nil
}

// Parent returns the parent task, or nil for a root.
func (t *Task) Parent() (*Task, error) {
	if t.model.ParentID == "" {
		return nil, nil
	}
	model, err := t.eng.store.GetTask(t.ctx, t.model.ParentID)
	if err != nil {
		return nil, err
	}
	return t.eng.newTask(t.ctx, model), nil
}

// Siblings returns the ordered siblings of this task, excluding itself.
func (t *Task) Siblings() ([]*Task, error) {
	if t.model.ParentID == "" {
		return nil, nil
	}
	models, err := t.eng.store.Children(t.ctx, t.model.ParentID)
	if err != nil {
		return nil, err
	}
	siblings := make([]*Task, 0, len(models))
	for _, model := range models {
		if model.ID == t.model.ID {
			continue
		}
		siblings = append(siblings, t.eng.newTask(t.ctx, model))
	}
	return siblings, nil
}

// Prev returns the sibling immediately before this task, or nil.
func (t *Task) Prev() (*Task, error) {
	if t.model.ParentID == "" || t.model.Order == 0 {
		return nil, nil
	}
	return t.siblingByOrder(t.model.Order - 1)
}

// Next returns the sibling immediately after this task, or nil.
func (t *Task) Next() (*Task, error) {
	if t.model.ParentID == "" {
		return nil, nil
	}
	return t.siblingByOrder(t.model.Order + 1)
}

func (t *Task) siblingByOrder(order int) (*Task, error) {
	model, err := t.eng.store.ChildByOrder(t.ctx, t.model.ParentID, order)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t.eng.newTask(t.ctx, model), nil
}

// AddSubtask appends a subtask tree under this task. The subtask is
// executed when the workflow advances to it; sequential parents run
// subtasks in adding order.
func (t *Task) AddSubtask(spec *TaskSpec) error {
	count, err := t.eng.store.CountChildren(t.ctx, t.model.ID)
	if err != nil {
		return err
	}
	models, err := spec.materialize(t.eng.cfg, t.model.ID, count, time.Now().UTC())
	if err != nil {
		return err
	}
	return t.eng.store.CreateTasks(t.ctx, models...)
}

func (t *Task) wrapAll(models []*types.Task) []*Task {
	tasks := make([]*Task, len(models))
	for i, model := range models {
		tasks[i] = t.eng.newTask(t.ctx, model)
	}
	return tasks
}
