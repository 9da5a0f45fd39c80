package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/metrics"
	"github.com/frestq/frestq/pkg/scheduler"
	"github.com/frestq/frestq/pkg/types"
	"github.com/frestq/frestq/pkg/wire"
)

// TaskSpec describes a task tree to be created. Specs are assembled in
// memory with the New*Task constructors and Add, then persisted atomically
// by CreateAndSend or Task.AddSubtask.
type TaskSpec struct {
	taskType types.TaskType
	label    string

	// simple/external fields
	receiverURL     string
	receiverSSLCert string
	action          string
	queue           string
	input           any
	infoText        string
	pingbackDate    *time.Time
	expirationDate  *time.Time

	children []*TaskSpec
}

// SimpleTaskParams carries the fields of a leaf task sent to a receiver
// node's queue.
type SimpleTaskParams struct {
	ReceiverURL     string
	Action          string
	Queue           string
	Input           any
	Label           string
	InfoText        string
	PingbackDate    *time.Time
	ExpirationDate  *time.Time
	ReceiverSSLCert string
}

// NewSimpleTask builds a leaf task. The receiver might be the local node;
// either way the task travels through the queue endpoint, and the receiver
// side sees it as a sequential task so its handler can attach subtasks.
func NewSimpleTask(p SimpleTaskParams) *TaskSpec {
	return &TaskSpec{
		taskType:        types.TaskTypeSimple,
		label:           p.Label,
		receiverURL:     p.ReceiverURL,
		receiverSSLCert: p.ReceiverSSLCert,
		action:          p.Action,
		queue:           p.Queue,
		input:           p.Input,
		infoText:        p.InfoText,
		pingbackDate:    p.PingbackDate,
		expirationDate:  p.ExpirationDate,
	}
}

// NewSequentialTask builds a virtual container that runs its children one
// after another in adding order.
func NewSequentialTask(label string) *TaskSpec {
	return &TaskSpec{taskType: types.TaskTypeSequential, label: label}
}

// NewParallelTask builds a virtual container that starts all children at
// once and finishes when all of them have finished.
func NewParallelTask(label string) *TaskSpec {
	return &TaskSpec{taskType: types.TaskTypeParallel, label: label}
}

// NewSynchronizedTask builds a virtual container that starts its children
// under the two-phase reservation barrier. An optional action names a
// handler registered on the internal queue whose reservation hooks are
// invoked during the handshake.
func NewSynchronizedTask(label, action string) *TaskSpec {
	return &TaskSpec{
		taskType: types.TaskTypeSynchronized,
		label:    label,
		action:   action,
	}
}

// NewExternalTask builds a task completed by an out-of-band action, such
// as an operator decision. It stays executing until a finish message
// arrives.
func NewExternalTask(label string, input any, expirationDate *time.Time) *TaskSpec {
	return &TaskSpec{
		taskType:       types.TaskTypeExternal,
		label:          label,
		input:          input,
		expirationDate: expirationDate,
	}
}

// Add appends child specs and returns the receiver for chaining.
func (s *TaskSpec) Add(children ...*TaskSpec) *TaskSpec {
	s.children = append(s.children, children...)
	return s
}

// materialize converts the spec tree into task records, depth first with
// the root at index 0.
func (s *TaskSpec) materialize(cfg *config.Config, parentID string, order int, now time.Time) ([]*types.Task, error) {
	input, err := encodeInput(s.input)
	if err != nil {
		return nil, err
	}

	model := &types.Task{
		ID:             uuid.New().String(),
		TaskType:       s.taskType,
		Label:          s.label,
		Status:         types.TaskStatusCreated,
		SenderURL:      cfg.RootURL,
		SenderSSLCert:  cfg.SSLCertString,
		ParentID:       parentID,
		Order:          order,
		InputData:      input,
		InfoText:       s.infoText,
		PingbackDate:   s.pingbackDate,
		ExpirationDate: s.expirationDate,
		CreatedDate:    now,
		LastModified:   now,
	}

	switch s.taskType {
	case types.TaskTypeSimple:
		model.Action = s.action
		model.QueueName = s.queue
		model.ReceiverURL = s.receiverURL
		model.ReceiverSSLCert = s.receiverSSLCert
		model.IsLocal = s.receiverURL == cfg.RootURL
	case types.TaskTypeExternal:
		model.Action = ActionVirtualEmpty
		model.QueueName = scheduler.InternalQueue
		model.ReceiverURL = cfg.RootURL
		model.ReceiverSSLCert = cfg.SSLCertString
		model.IsLocal = true
	default:
		// virtual composites
		model.Action = ActionVirtualEmpty
		if s.action != "" {
			model.Action = s.action
		}
		model.QueueName = scheduler.InternalQueue
		model.ReceiverURL = cfg.RootURL
		model.IsLocal = true
		if len(model.InputData) == 0 {
			model.InputData = json.RawMessage("{}")
		}
	}

	models := []*types.Task{model}
	for i, child := range s.children {
		childModels, err := child.materialize(cfg, model.ID, i, now)
		if err != nil {
			return nil, err
		}
		models = append(models, childModels...)
	}
	return models, nil
}

func encodeInput(input any) (json.RawMessage, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		data, err := wire.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input data: %w", err)
		}
		return data, nil
	}
}

// CreateAndSend persists a task tree and starts executing its root. For a
// simple task this sends it to the receiver; virtual containers begin
// dispatching their children.
func (e *Engine) CreateAndSend(ctx context.Context, spec *TaskSpec) (*Task, error) {
	models, err := spec.materialize(e.cfg, "", 0, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateTasks(ctx, models...); err != nil {
		return nil, fmt.Errorf("failed to persist task tree: %w", err)
	}
	for _, model := range models {
		metrics.TasksCreated.WithLabelValues(string(model.TaskType)).Inc()
	}

	root := models[0]
	log.WithTaskID(root.ID).Debug().
		Str("task_type", string(root.TaskType)).
		Str("action", root.Action).
		Msg("created task tree")

	if err := e.executeTask(ctx, root); err != nil {
		return nil, err
	}
	return e.newTask(ctx, root), nil
}
