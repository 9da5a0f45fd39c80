package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/metrics"
	"github.com/frestq/frestq/pkg/scheduler"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/types"
)

// saveStatus persists a status transition. The write is durable before any
// message announcing the transition leaves the node.
func (e *Engine) saveStatus(ctx context.Context, model *types.Task, status types.TaskStatus) error {
	model.Status = status
	if err := e.store.UpdateTask(ctx, model); err != nil {
		return fmt.Errorf("failed to persist status %s for task %s: %w", status, model.ID, err)
	}
	if status.IsTerminal() {
		metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	}
	return nil
}

// executeTask advances a task's state machine. It is called repeatedly
// over a task's lifetime; each call inspects the current state and decides
// what to do, which may be nothing.
func (e *Engine) executeTask(ctx context.Context, model *types.Task) error {
	switch model.TaskType {
	case types.TaskTypeSimple:
		return e.executeSimple(ctx, model)
	case types.TaskTypeSequential:
		return e.executeSequential(ctx, model)
	case types.TaskTypeParallel:
		return e.executeComposite(ctx, model, false)
	case types.TaskTypeSynchronized:
		return e.executeComposite(ctx, model, true)
	case types.TaskTypeExternal:
		return e.executeExternal(ctx, model)
	default:
		return fmt.Errorf("unknown task type %q for task %s", model.TaskType, model.ID)
	}
}

// submitExecute schedules executeTask on the task's queue pool.
func (e *Engine) submitExecute(model *types.Task) {
	taskID := model.ID
	e.pools.Reserve(model.QueueName).SubmitNow("execute_task", func(ctx context.Context) error {
		fresh, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		return e.executeTask(ctx, fresh)
	})
}

// executeParentOf advances the parent task, if any.
func (e *Engine) executeParentOf(ctx context.Context, model *types.Task) error {
	if model.ParentID == "" {
		return nil
	}
	parent, err := e.store.GetTask(ctx, model.ParentID)
	if err != nil {
		return fmt.Errorf("failed to load parent of task %s: %w", model.ID, err)
	}
	return e.executeTask(ctx, parent)
}

func (e *Engine) executeSimple(ctx context.Context, model *types.Task) error {
	switch model.Status {
	case types.TaskStatusCreated:
		return e.sendTask(ctx, model)
	case types.TaskStatusFinished, types.TaskStatusError:
		return e.executeParentOf(ctx, model)
	}
	return nil
}

func (e *Engine) executeExternal(ctx context.Context, model *types.Task) error {
	switch model.Status {
	case types.TaskStatusCreated, types.TaskStatusSent:
		return e.saveStatus(ctx, model, types.TaskStatusExecuting)
	case types.TaskStatusFinished:
		return e.executeParentOf(ctx, model)
	}
	return nil
}

func (e *Engine) executeSequential(ctx context.Context, model *types.Task) error {
	if model.Status == types.TaskStatusCreated || model.Status == types.TaskStatusSent {
		if err := e.saveStatus(ctx, model, types.TaskStatusExecuting); err != nil {
			return err
		}
	}
	if model.Status.IsTerminal() {
		return nil
	}

	next, err := e.store.NextPendingChild(ctx, model.ID)
	if errors.Is(err, storage.ErrNotFound) {
		// all children finished (possibly there were none)
		if err := e.saveStatus(ctx, model, types.TaskStatusFinished); err != nil {
			return err
		}
		if !model.IsLocal {
			e.submitTaskUpdate(model)
		}
		return e.executeParentOf(ctx, model)
	}
	if err != nil {
		return err
	}

	if next.Status == types.TaskStatusError {
		return e.sequentialChildFailed(ctx, model, next)
	}

	switch next.Status {
	case types.TaskStatusSent, types.TaskStatusExecuting, types.TaskStatusSyncing,
		types.TaskStatusReserved, types.TaskStatusConfirmed:
		// in flight, a later update will advance us
		return nil
	}
	return e.executeTask(ctx, next)
}

// sequentialChildFailed offers the failure to the task's error callback;
// unless suppressed, the container errors and the failure climbs the tree.
func (e *Engine) sequentialChildFailed(ctx context.Context, model, child *types.Task) error {
	subErr := &SubtasksFailedError{Subtasks: []*types.Task{child}}
	log.WithTaskID(model.ID).Warn().
		Str("child_id", child.ID).
		Msg("sequential subtask failed")

	propagate := true
	if handler := e.userHandler(model); handler != nil {
		propagate = e.offerError(e.newTask(ctx, model), handler, subErr)
	}

	status := types.TaskStatusError
	if !propagate {
		status = types.TaskStatusFinished
	}
	if err := e.saveStatus(ctx, model, status); err != nil {
		return err
	}
	if !model.IsLocal {
		e.submitTaskUpdate(model)
	}
	return e.executeParentOf(ctx, model)
}

// executeComposite advances a parallel or synchronized container. Children
// complete concurrently, so the whole decision runs under the composite
// mutex against a freshly loaded record.
func (e *Engine) executeComposite(ctx context.Context, model *types.Task, synchronized bool) error {
	if model.Status == types.TaskStatusError {
		return nil
	}

	e.compositeMu.Lock()
	fresh, err := e.store.GetTask(ctx, model.ID)
	if err != nil {
		e.compositeMu.Unlock()
		return err
	}
	*model = *fresh
	if model.Status.IsTerminal() {
		e.compositeMu.Unlock()
		return nil
	}

	errored, err := e.store.ErroredChildren(ctx, model.ID)
	if err != nil {
		e.compositeMu.Unlock()
		return err
	}
	if len(errored) > 0 {
		log.WithTaskID(model.ID).Warn().
			Int("failed", len(errored)).
			Msg("composite subtasks failed")

		subErr := &SubtasksFailedError{Subtasks: errored}
		propagate := true
		if handler := e.userHandler(model); handler != nil {
			propagate = e.offerError(e.newTask(ctx, model), handler, subErr)
		}
		status := types.TaskStatusError
		if !propagate {
			status = types.TaskStatusFinished
		}
		if err := e.saveStatus(ctx, model, status); err != nil {
			e.compositeMu.Unlock()
			return err
		}
		e.compositeMu.Unlock()
		if !model.IsLocal {
			e.submitTaskUpdate(model)
		}
		return e.executeParentOf(ctx, model)
	}

	unfinished, err := e.store.CountUnfinishedChildren(ctx, model.ID)
	if err != nil {
		e.compositeMu.Unlock()
		return err
	}

	starting := model.Status == types.TaskStatusCreated || model.Status == types.TaskStatusSent
	if starting && (synchronized || unfinished > 0) {
		if err := e.saveStatus(ctx, model, types.TaskStatusExecuting); err != nil {
			e.compositeMu.Unlock()
			return err
		}
		children, err := e.store.Children(ctx, model.ID)
		e.compositeMu.Unlock()
		if err != nil {
			return err
		}
		for _, child := range children {
			if synchronized {
				e.submitSynchronization(child.ID)
			} else {
				e.submitExecute(child)
			}
		}
		return nil
	}

	if unfinished == 0 {
		if err := e.saveStatus(ctx, model, types.TaskStatusFinished); err != nil {
			e.compositeMu.Unlock()
			return err
		}
		e.compositeMu.Unlock()
		return e.executeParentOf(ctx, model)
	}

	e.compositeMu.Unlock()
	return nil
}

// sendTask marks a simple task sent and posts it to its receiver. The
// receiver certificate captured from the TLS session is recorded on the
// task for later update verification.
func (e *Engine) sendTask(ctx context.Context, model *types.Task) error {
	if err := e.saveStatus(ctx, model, types.TaskStatusSent); err != nil {
		return err
	}

	msg := &types.Message{
		Action:         model.Action,
		QueueName:      model.QueueName,
		ReceiverURL:    model.ReceiverURL,
		InputData:      model.InputData,
		TaskID:         model.ID,
		PingbackDate:   model.PingbackDate,
		ExpirationDate: model.ExpirationDate,
		InfoText:       model.InfoText,
	}
	if err := e.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send task %s: %w", model.ID, err)
	}
	if msg.ReceiverSSLCert != "" && msg.ReceiverSSLCert != model.ReceiverSSLCert {
		model.ReceiverSSLCert = msg.ReceiverSSLCert
		if err := e.store.UpdateTask(ctx, model); err != nil {
			return err
		}
	}
	return nil
}

// submitTaskUpdate schedules sending a status update to the task's sender.
func (e *Engine) submitTaskUpdate(model *types.Task) {
	taskID := model.ID
	e.pools.Reserve(scheduler.InternalQueue).SubmitNow("send_task_update", func(ctx context.Context) error {
		return e.sendTaskUpdate(ctx, taskID)
	})
}

// sendTaskUpdate posts the task's output data and status back to its
// sender, then advances the parent.
func (e *Engine) sendTaskUpdate(ctx context.Context, taskID string) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	payload := map[string]any{"status": string(model.Status)}
	if len(model.OutputData) > 0 {
		payload["output_data"] = json.RawMessage(model.OutputData)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode task update: %w", err)
	}

	log.WithTaskID(taskID).Debug().
		Str("status", string(model.Status)).
		Msg("sending task update to sender")

	msg := &types.Message{
		Action:      ActionUpdateTask,
		QueueName:   scheduler.InternalQueue,
		ReceiverURL: model.SenderURL,
		InputData:   data,
		TaskID:      model.ID,
	}
	if err := e.client.Send(ctx, msg); err != nil {
		return err
	}
	if err := e.store.UpdateTask(ctx, model); err != nil {
		return err
	}
	return e.executeParentOf(ctx, model)
}

// postTask is the receiver-side task intake: it creates or matches the
// task record, runs the handler and advances the workflow.
func (e *Engine) postTask(ctx context.Context, msg *types.Message) error {
	isLocal := msg.SenderURL == e.cfg.RootURL

	if msg.TaskID == "" {
		msg.TaskID = uuid.New().String()
		if err := e.store.UpdateMessage(ctx, msg); err != nil {
			return err
		}
	}

	model, err := e.store.GetTask(ctx, msg.TaskID)
	switch {
	case err == nil:
		// local tasks and synchronized subtasks already exist; a simple
		// task upgrades so the handler may attach subtasks
		if model.TaskType == types.TaskTypeSimple {
			model.TaskType = types.TaskTypeSequential
		}
		// the executing transition is durable before the handler runs
		if model.Status == types.TaskStatusCreated || model.Status == types.TaskStatusSent {
			model.Status = types.TaskStatusExecuting
		}
		if err := e.store.UpdateTask(ctx, model); err != nil {
			return err
		}
	case errors.Is(err, storage.ErrNotFound):
		model = &types.Task{
			ID:             msg.TaskID,
			TaskType:       types.TaskTypeSequential,
			Action:         msg.Action,
			QueueName:      msg.QueueName,
			Status:         types.TaskStatusExecuting,
			SenderURL:      msg.SenderURL,
			ReceiverURL:    e.cfg.RootURL,
			IsReceived:     msg.IsReceived,
			IsLocal:        isLocal,
			SenderSSLCert:  msg.SenderSSLCert,
			InputData:      msg.InputData,
			PingbackDate:   msg.PingbackDate,
			ExpirationDate: msg.ExpirationDate,
			InfoText:       msg.InfoText,
			CreatedDate:    msg.CreatedDate,
			LastModified:   msg.CreatedDate,
		}
		if err := e.store.CreateTask(ctx, model); err != nil {
			return err
		}
		metrics.TasksCreated.WithLabelValues(string(model.TaskType)).Inc()
	default:
		return err
	}

	log.WithTaskID(model.ID).Debug().
		Str("action", model.Action).
		Msg("executing received task")

	return e.runHandlerAndAdvance(ctx, model)
}

// runHandlerAndAdvance invokes a task's action handler, then either
// advances the task or propagates the failure upward. Internal-queue tasks
// are pure containers and have no handler work.
func (e *Engine) runHandlerAndAdvance(ctx context.Context, model *types.Task) error {
	t := e.newTask(ctx, model)
	propagate := false

	if !isInternalQueue(model.QueueName) {
		handler := e.userHandler(model)
		if handler == nil {
			return fmt.Errorf("no handler registered for action %s on queue %s",
				model.Action, model.QueueName)
		}
		if handlerErr := callHandler(handler, t); handlerErr != nil {
			log.WithTaskID(model.ID).Error().Err(handlerErr).
				Str("action", model.Action).
				Msg("task handler failed")
			propagate = e.offerError(t, handler, handlerErr)
		}
	}

	if propagate {
		if err := e.saveStatus(ctx, model, types.TaskStatusError); err != nil {
			return err
		}
		if !model.IsLocal {
			e.submitTaskUpdate(model)
		}
		return e.executeParentOf(ctx, model)
	}

	// persist output the handler may have set
	if err := e.store.UpdateTask(ctx, model); err != nil {
		return err
	}
	return e.executeTask(ctx, model)
}
