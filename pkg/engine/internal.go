package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/metrics"
	"github.com/frestq/frestq/pkg/scheduler"
	"github.com/frestq/frestq/pkg/security"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/types"
	"github.com/frestq/frestq/pkg/wire"
)

// checkCerts fails with ErrSecurity when the stored certificate and the
// presented one differ. The offending operation must change no state.
func (e *Engine) checkCerts(stored, presented string) error {
	differ, err := security.CertsDiffer(stored, presented, e.enforceCerts())
	if err != nil {
		return err
	}
	if differ {
		return fmt.Errorf("%w: certificate mismatch", security.ErrSecurity)
	}
	return nil
}

// updatePayload is the canonical update body. Unknown fields are rejected
// rather than silently propagated.
type updatePayload struct {
	OutputData json.RawMessage `json:"output_data"`
	Status     *string         `json:"status"`
}

// handleUpdateTask applies an update sent by a downstream task to its
// record on this node, then advances the task.
func (e *Engine) handleUpdateTask(ctx context.Context, msg *types.Message) error {
	model, err := e.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		log.WithMessageID(msg.ID).Warn().
			Str("task_id", msg.TaskID).
			Msg("update for unknown task dropped")
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(msg.InputData))
	dec.DisallowUnknownFields()
	var upd updatePayload
	if err := dec.Decode(&upd); err != nil {
		return fmt.Errorf("invalid update payload for task %s: %w", msg.TaskID, err)
	}

	// a finished task only accepts a late error
	if model.Status == types.TaskStatusFinished &&
		(upd.Status == nil || *upd.Status != string(types.TaskStatusError)) {
		log.WithTaskID(model.ID).Warn().Msg("update for finished task dropped")
		return nil
	}

	if err := e.checkCerts(model.ReceiverSSLCert, msg.SenderSSLCert); err != nil {
		return err
	}

	if upd.OutputData != nil {
		model.OutputData = upd.OutputData
	}
	if upd.Status != nil {
		model.Status = types.TaskStatus(*upd.Status)
	}
	if err := e.store.UpdateTask(ctx, model); err != nil {
		return err
	}

	log.WithTaskID(model.ID).Debug().
		Str("status", string(model.Status)).
		Msg("applied task update")

	return e.executeTask(ctx, model)
}

// syncPayload is the body of frestq.synchronize_task.
type syncPayload struct {
	TaskID         string          `json:"task_id,omitempty"`
	Action         string          `json:"action"`
	QueueName      string          `json:"queue_name"`
	InputData      json.RawMessage `json:"input_data,omitempty"`
	PingbackDate   *wire.Time      `json:"pingback_date,omitempty"`
	ExpirationDate *wire.Time      `json:"expiration_date,omitempty"`
}

// submitSynchronization schedules sending a synchronize message to one
// child of a synchronized container.
func (e *Engine) submitSynchronization(taskID string) {
	e.pools.Reserve(scheduler.InternalQueue).SubmitNow("send_synchronization_message",
		func(ctx context.Context) error {
			return e.sendSynchronizationMessage(ctx, taskID)
		})
}

func (e *Engine) sendSynchronizationMessage(ctx context.Context, taskID string) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	log.WithTaskID(taskID).Debug().Msg("sending synchronization message")
	data, err := json.Marshal(&syncPayload{
		TaskID:         model.ID,
		Action:         model.Action,
		QueueName:      model.QueueName,
		InputData:      model.InputData,
		PingbackDate:   wire.FromTime(model.PingbackDate),
		ExpirationDate: wire.FromTime(model.ExpirationDate),
	})
	if err != nil {
		return fmt.Errorf("failed to encode synchronization payload: %w", err)
	}

	msg := &types.Message{
		Action:      ActionSynchronizeTask,
		QueueName:   scheduler.InternalQueue,
		ReceiverURL: model.ReceiverURL,
		InputData:   data,
		TaskID:      model.ID,
	}
	if err := e.client.Send(ctx, msg); err != nil {
		return err
	}
	return e.store.UpdateTask(ctx, model)
}

// handleSynchronizeTask runs on the receiver of a synchronized subtask: it
// creates (or re-enters) the task in syncing and schedules the reservation.
func (e *Engine) handleSynchronizeTask(ctx context.Context, msg *types.Message) error {
	var payload syncPayload
	if err := json.Unmarshal(msg.InputData, &payload); err != nil {
		return fmt.Errorf("invalid synchronize payload: %w", err)
	}

	model, err := e.store.GetTask(ctx, msg.TaskID)
	switch {
	case err == nil:
		if model.Status != types.TaskStatusCreated {
			log.WithTaskID(model.ID).Warn().
				Str("status", string(model.Status)).
				Msg("synchronize for task not in created dropped")
			return nil
		}
		if err := e.checkCerts(model.SenderSSLCert, msg.SenderSSLCert); err != nil {
			return err
		}
		if model.IsLocal && model.TaskType == types.TaskTypeSimple {
			model.TaskType = types.TaskTypeSequential
		}
		if err := e.saveStatus(ctx, model, types.TaskStatusSyncing); err != nil {
			return err
		}
	case errors.Is(err, storage.ErrNotFound):
		isLocal := msg.SenderURL == e.cfg.RootURL
		model = &types.Task{
			ID:              msg.TaskID,
			TaskType:        types.TaskTypeSequential,
			Action:          payload.Action,
			QueueName:       payload.QueueName,
			Status:          types.TaskStatusSyncing,
			SenderURL:       msg.SenderURL,
			ReceiverURL:     e.cfg.RootURL,
			IsReceived:      msg.IsReceived,
			IsLocal:         isLocal,
			SenderSSLCert:   msg.SenderSSLCert,
			ReceiverSSLCert: e.cfg.SSLCertString,
			InputData:       payload.InputData,
			PingbackDate:    wire.ToTime(payload.PingbackDate),
			ExpirationDate:  wire.ToTime(payload.ExpirationDate),
			CreatedDate:     msg.CreatedDate,
			LastModified:    msg.CreatedDate,
		}
		if err := e.store.CreateTask(ctx, model); err != nil {
			return err
		}
		metrics.TasksCreated.WithLabelValues(string(model.TaskType)).Inc()
	default:
		return err
	}

	log.WithTaskID(model.ID).Debug().Msg("task syncing, scheduling reservation")

	taskID := model.ID
	e.pools.Reserve(model.QueueName).SubmitNow("reserve_task", func(ctx context.Context) error {
		return e.reserveTask(ctx, taskID)
	})

	if model.ExpirationDate != nil {
		e.scheduleReservationCancel(taskID, time.Now().Add(e.reservationTimeout()))
	}
	return nil
}

func (e *Engine) reservationTimeout() time.Duration {
	return time.Duration(e.cfg.ReservationTimeout) * time.Second
}

func (e *Engine) scheduleReservationCancel(taskID string, when time.Time) {
	e.pools.Reserve(scheduler.InternalQueue).SubmitAt("cancel_reserved_subtask", when,
		func(ctx context.Context) error {
			return e.cancelReservedSubtask(ctx, taskID)
		})
}

// reserveTask runs the receiver side of the reservation handshake: invoke
// the reserve hook, acknowledge to the director, then park until the task
// is confirmed or cancelled. The worker blocks for the duration of the
// wait; this is the one sanctioned suspension point.
func (e *Engine) reserveTask(ctx context.Context, taskID string) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if model.Status != types.TaskStatusSyncing {
		// timed out or cancelled before we got here
		return nil
	}

	t := e.newTask(ctx, model)
	handler := e.userHandler(model)
	if r, ok := handler.(Reserver); ok {
		if err := r.Reserve(t); err != nil {
			return fmt.Errorf("reserve hook failed for task %s: %w", taskID, err)
		}
	}

	if err := e.saveStatus(ctx, model, types.TaskStatusReserved); err != nil {
		return err
	}
	if err := e.ackReservation(ctx, taskID); err != nil {
		return err
	}

	e.scheduleReservationCancel(taskID, time.Now().Add(e.reservationTimeout()))

	// wait for confirmation or cancellation; the status check runs before
	// each wait so a notification sent in between is never missed, and
	// spurious wakeups just re-read the task
	e.reserveMu.Lock()
	defer e.reserveMu.Unlock()
	for {
		model, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		switch model.Status {
		case types.TaskStatusReserved:
			e.reserveCond.Wait()
		case types.TaskStatusCreated:
			log.WithTaskID(taskID).Debug().Msg("reservation timed out")
			return nil
		case types.TaskStatusConfirmed:
			e.reserveMu.Unlock()
			err := e.executeConfirmed(ctx, model)
			e.reserveMu.Lock()
			return err
		default:
			return nil
		}
	}
}

// executeConfirmed runs a synchronized subtask once the director has
// released the barrier.
func (e *Engine) executeConfirmed(ctx context.Context, model *types.Task) error {
	log.WithTaskID(model.ID).Debug().
		Str("action", model.Action).
		Msg("executing synchronized subtask")
	if err := e.saveStatus(ctx, model, types.TaskStatusExecuting); err != nil {
		return err
	}
	return e.runHandlerAndAdvance(ctx, model)
}

// cancelReservedSubtask reverts a syncing or reserved task to created and
// wakes the waiting reservation. Runs on both receiver and director nodes.
func (e *Engine) cancelReservedSubtask(ctx context.Context, taskID string) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if model.Status != types.TaskStatusSyncing && model.Status != types.TaskStatusReserved {
		return nil
	}

	if c, ok := e.userHandler(model).(ReservationCanceler); ok {
		c.CancelReservation(e.newTask(ctx, model))
	}

	log.WithTaskID(taskID).Debug().Msg("cancelling reservation")
	metrics.ReservationTimeouts.Inc()
	if err := e.saveStatus(ctx, model, types.TaskStatusCreated); err != nil {
		return err
	}

	e.reserveMu.Lock()
	e.reserveCond.Broadcast()
	e.reserveMu.Unlock()
	return nil
}

// reservationPayload is the body of frestq.confirm_task_reservation.
type reservationPayload struct {
	ReservationData              json.RawMessage `json:"reservation_data,omitempty"`
	ReservationExpirationSeconds int             `json:"reservation_expiration_seconds"`
}

// ackReservation confirms a reservation back to the director.
func (e *Engine) ackReservation(ctx context.Context, taskID string) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if model.Status != types.TaskStatusReserved {
		return nil
	}

	log.WithTaskID(taskID).Debug().Msg("acknowledging reservation to director")
	data, err := json.Marshal(&reservationPayload{
		ReservationData:              model.ReservationData,
		ReservationExpirationSeconds: e.cfg.ReservationTimeout,
	})
	if err != nil {
		return err
	}
	return e.client.Send(ctx, &types.Message{
		Action:      ActionConfirmReservation,
		QueueName:   scheduler.InternalQueue,
		ReceiverURL: model.SenderURL,
		InputData:   data,
		TaskID:      model.ID,
	})
}

// handleConfirmTaskReservation runs on the director: it records a child's
// reservation, schedules its expiry, keeps synchronizing the rest, and
// releases the barrier once every child is reserved.
func (e *Engine) handleConfirmTaskReservation(ctx context.Context, msg *types.Message) error {
	model, err := e.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		log.WithMessageID(msg.ID).Warn().Msg("confirmation for unknown task dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if model.ParentID == "" {
		return nil
	}
	parent, err := e.store.GetTask(ctx, model.ParentID)
	if err != nil {
		return err
	}

	switch model.Status {
	case types.TaskStatusCreated, types.TaskStatusSyncing, types.TaskStatusReserved:
	default:
		return nil
	}
	if parent.Status != types.TaskStatusExecuting {
		return nil
	}

	if err := e.checkCerts(model.ReceiverSSLCert, msg.SenderSSLCert); err != nil {
		return err
	}

	var payload reservationPayload
	if err := json.Unmarshal(msg.InputData, &payload); err != nil {
		return fmt.Errorf("invalid reservation payload: %w", err)
	}

	model.ReservationData = payload.ReservationData
	if err := e.saveStatus(ctx, model, types.TaskStatusReserved); err != nil {
		return err
	}
	log.WithTaskID(model.ID).Debug().Msg("confirmed task reservation")

	expiry := msg.CreatedDate.Add(time.Duration(payload.ReservationExpirationSeconds) * time.Second)
	taskID := model.ID
	e.pools.Reserve(scheduler.InternalQueue).SubmitAt("director_cancel_reserved_subtask", expiry,
		func(ctx context.Context) error {
			return e.directorCancelReservedSubtask(ctx, taskID)
		})

	parentHandler := e.userHandler(parent)
	if obs, ok := parentHandler.(ReservationObserver); ok {
		obs.NewReservation(e.newTask(ctx, parent), e.newTask(ctx, model))
	}

	children, err := e.store.Children(ctx, parent.ID)
	if err != nil {
		return err
	}
	unreserved := 0
	for _, child := range children {
		if child.Status == types.TaskStatusReserved {
			continue
		}
		unreserved++
		if child.Status == types.TaskStatusCreated {
			e.submitSynchronization(child.ID)
		}
	}
	if unreserved != 0 {
		return nil
	}

	// all children reserved; release the barrier
	if pre, ok := parentHandler.(PreExecutor); ok {
		if err := pre.PreExecute(e.newTask(ctx, parent)); err != nil {
			return fmt.Errorf("pre-execute hook failed for task %s: %w", parent.ID, err)
		}
	}
	for _, child := range children {
		childID := child.ID
		e.pools.Reserve(scheduler.InternalQueue).SubmitNow("director_synchronized_subtask_start",
			func(ctx context.Context) error {
				return e.directorSynchronizedSubtaskStart(ctx, childID)
			})
	}
	return nil
}

// directorCancelReservedSubtask expires a child's reservation on the
// director. Once every sibling is back in created, the whole round is
// retried; the children are re-read from the store so the retry sees the
// states the cancellations left behind.
func (e *Engine) directorCancelReservedSubtask(ctx context.Context, taskID string) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if model.ParentID == "" {
		return nil
	}
	parent, err := e.store.GetTask(ctx, model.ParentID)
	if err != nil {
		return err
	}

	if model.Status != types.TaskStatusReserved {
		return nil
	}

	if obs, ok := e.userHandler(parent).(CancelObserver); ok {
		obs.CancelledReservation(e.newTask(ctx, parent), e.newTask(ctx, model))
	}

	log.WithTaskID(taskID).Debug().Msg("reservation expired on director")
	metrics.ReservationTimeouts.Inc()
	if err := e.saveStatus(ctx, model, types.TaskStatusCreated); err != nil {
		return err
	}

	children, err := e.store.Children(ctx, parent.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status != types.TaskStatusCreated {
			return nil
		}
	}
	for _, child := range children {
		e.submitSynchronization(child.ID)
	}
	return nil
}

// executeSynchronizedPayload is the body of frestq.execute_synchronized.
type executeSynchronizedPayload struct {
	Action    string          `json:"action"`
	QueueName string          `json:"queue_name"`
	InputData json.RawMessage `json:"input_data,omitempty"`
}

// directorSynchronizedSubtaskStart releases one reserved child.
func (e *Engine) directorSynchronizedSubtaskStart(ctx context.Context, taskID string) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if model.Status != types.TaskStatusReserved {
		log.WithTaskID(taskID).Warn().
			Str("status", string(model.Status)).
			Msg("cannot start unreserved subtask")
		return nil
	}

	data, err := json.Marshal(&executeSynchronizedPayload{
		Action:    model.Action,
		QueueName: model.QueueName,
		InputData: model.InputData,
	})
	if err != nil {
		return err
	}
	return e.client.Send(ctx, &types.Message{
		Action:      ActionExecuteSynchronized,
		QueueName:   scheduler.InternalQueue,
		ReceiverURL: model.ReceiverURL,
		InputData:   data,
		TaskID:      model.ID,
	})
}

// handleExecuteSynchronized runs on the receiver: the director released
// the barrier, so confirm the task and wake its waiting reservation.
func (e *Engine) handleExecuteSynchronized(ctx context.Context, msg *types.Message) error {
	model, err := e.store.GetTask(ctx, msg.TaskID)
	if err != nil {
		return err
	}
	if model.Status != types.TaskStatusReserved {
		log.WithTaskID(model.ID).Warn().
			Str("status", string(model.Status)).
			Msg("execute for unreserved task dropped")
		return nil
	}

	if err := e.checkCerts(model.SenderSSLCert, msg.SenderSSLCert); err != nil {
		return err
	}

	var payload executeSynchronizedPayload
	if err := json.Unmarshal(msg.InputData, &payload); err != nil {
		return fmt.Errorf("invalid execute payload: %w", err)
	}

	// the director may have redistributed inputs during pre-execute
	if payload.InputData != nil {
		model.InputData = payload.InputData
	}
	if err := e.saveStatus(ctx, model, types.TaskStatusConfirmed); err != nil {
		return err
	}

	e.reserveMu.Lock()
	e.reserveCond.Broadcast()
	e.reserveMu.Unlock()
	return nil
}

// handleFinishExternalTask applies out-of-band completion data to an
// external task on its originator and advances the workflow.
func (e *Engine) handleFinishExternalTask(ctx context.Context, msg *types.Message) error {
	model, err := e.store.GetTask(ctx, msg.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		log.WithMessageID(msg.ID).Warn().Msg("finish for unknown task dropped")
		return nil
	}
	if err != nil {
		return err
	}
	if model.TaskType != types.TaskTypeExternal ||
		model.Status != types.TaskStatusExecuting ||
		model.SenderURL != e.cfg.RootURL {
		log.WithTaskID(model.ID).Warn().Msg("finish for non-finishable task dropped")
		return nil
	}

	if err := e.checkCerts(model.ReceiverSSLCert, msg.SenderSSLCert); err != nil {
		return err
	}

	model.OutputData = msg.InputData
	if err := e.saveStatus(ctx, model, types.TaskStatusFinished); err != nil {
		return err
	}
	log.WithTaskID(model.ID).Debug().Msg("external task finished")
	return e.executeTask(ctx, model)
}

// FinishExternalTask posts a finish message for an external task. It is
// the entry point used by operators (through the CLI) to complete tasks
// awaiting out-of-band input.
func (e *Engine) FinishExternalTask(ctx context.Context, taskID string, data any) error {
	model, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if model.TaskType != types.TaskTypeExternal {
		return fmt.Errorf("task %s is not external", taskID)
	}

	input, err := encodeInput(data)
	if err != nil {
		return err
	}
	return e.client.Send(ctx, &types.Message{
		Action:      ActionFinishExternal,
		QueueName:   scheduler.InternalQueue,
		ReceiverURL: model.ReceiverURL,
		InputData:   input,
		TaskID:      model.ID,
	})
}
