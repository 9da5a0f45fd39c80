package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/log"
	"github.com/frestq/frestq/pkg/registry"
	"github.com/frestq/frestq/pkg/scheduler"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/transport"
	"github.com/frestq/frestq/pkg/types"
)

// Internal protocol actions, registered on the internal queue.
const (
	ActionVirtualEmpty        = "frestq.virtual_empty_task"
	ActionUpdateTask          = "frestq.update_task"
	ActionSynchronizeTask     = "frestq.synchronize_task"
	ActionConfirmReservation  = "frestq.confirm_task_reservation"
	ActionExecuteSynchronized = "frestq.execute_synchronized"
	ActionFinishExternal      = "frestq.finish_external_task"
)

// Engine drives the task state machine. It consumes messages accepted by
// the ingress, runs action handlers on queue pools, and talks to peer
// nodes through the outbound client.
type Engine struct {
	cfg    *config.Config
	store  storage.Store
	reg    *registry.Registry
	pools  *scheduler.Pools
	client *transport.Client

	// compositeMu serializes execute() of parallel and synchronized
	// containers, whose children complete concurrently.
	compositeMu sync.Mutex

	// reserveMu guards the reservation wait; waiters re-read their task
	// from the store on each wake.
	reserveMu   sync.Mutex
	reserveCond *sync.Cond
}

// New wires an engine and registers the internal protocol handlers.
func New(cfg *config.Config, store storage.Store, reg *registry.Registry,
	pools *scheduler.Pools, client *transport.Client) (*Engine, error) {

	e := &Engine{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		pools:  pools,
		client: client,
	}
	e.reserveCond = sync.NewCond(&e.reserveMu)

	if err := e.registerInternal(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) registerInternal() error {
	internal := []*registry.Descriptor{
		{Action: ActionUpdateTask, Kind: registry.KindMessage,
			Handler: MessageHandler(e.handleUpdateTask)},
		{Action: ActionSynchronizeTask, Kind: registry.KindMessage,
			Handler: MessageHandler(e.handleSynchronizeTask)},
		{Action: ActionConfirmReservation, Kind: registry.KindMessage,
			Handler: MessageHandler(e.handleConfirmTaskReservation)},
		{Action: ActionExecuteSynchronized, Kind: registry.KindMessage,
			Handler: MessageHandler(e.handleExecuteSynchronized)},
		{Action: ActionFinishExternal, Kind: registry.KindMessage,
			Handler: MessageHandler(e.handleFinishExternalTask)},
		{Action: ActionVirtualEmpty, Kind: registry.KindTask,
			Handler: TaskHandler(func(*Task) error { return nil })},
	}
	for _, desc := range internal {
		desc.Queue = scheduler.InternalQueue
		desc.IsInternal = true
		if err := e.reg.Register(desc); err != nil {
			return err
		}
	}
	e.pools.Reserve(scheduler.InternalQueue)
	return nil
}

// RegisterTask registers a task action handler on a queue and reserves the
// queue's worker pool. The handler is a TaskHandler function or an
// ActionHandler implementation.
func (e *Engine) RegisterTask(action, queue string, handler any) error {
	if err := validateHandler(handler); err != nil {
		return err
	}
	desc := &registry.Descriptor{
		Action:  action,
		Queue:   queue,
		Kind:    registry.KindTask,
		Handler: handler,
	}
	if err := e.reg.Register(desc); err != nil {
		return err
	}
	e.pools.Reserve(queue)
	return nil
}

// RegisterSynchronizedHandler registers a handler for a synchronized
// container's reservation hooks. The action is the one passed to
// NewSynchronizedTask; the handler lives on the internal queue and its
// Execute is never called directly.
func (e *Engine) RegisterSynchronizedHandler(action string, handler any) error {
	if err := validateHandler(handler); err != nil {
		return err
	}
	return e.reg.Register(&registry.Descriptor{
		Action:  action,
		Queue:   scheduler.InternalQueue,
		Kind:    registry.KindTask,
		Handler: handler,
	})
}

// RegisterMessage registers a plain message action handler on a queue.
func (e *Engine) RegisterMessage(action, queue string, fn MessageHandler) error {
	if err := e.reg.Register(&registry.Descriptor{
		Action:  action,
		Queue:   queue,
		Kind:    registry.KindMessage,
		Handler: fn,
	}); err != nil {
		return err
	}
	e.pools.Reserve(queue)
	return nil
}

// RegisterLocalMessage registers a message action that only the local node
// may invoke; the ingress rejects it unless the sender certificate equals
// the local one.
func (e *Engine) RegisterLocalMessage(action, queue string, fn MessageHandler) error {
	if err := e.reg.Register(&registry.Descriptor{
		Action:    action,
		Queue:     queue,
		Kind:      registry.KindMessage,
		Handler:   fn,
		LocalOnly: true,
	}); err != nil {
		return err
	}
	e.pools.Reserve(queue)
	return nil
}

func validateHandler(handler any) error {
	switch handler.(type) {
	case TaskHandler, func(*Task) error, ActionHandler:
		return nil
	default:
		return fmt.Errorf("unsupported handler type %T", handler)
	}
}

// Dispatch submits an accepted message for execution on its queue's
// worker pool. It implements transport.Dispatcher.
func (e *Engine) Dispatch(desc *registry.Descriptor, msg *types.Message) error {
	pool := e.pools.Reserve(msg.QueueName)
	msgID := msg.ID
	pool.SubmitNow(msg.Action, func(ctx context.Context) error {
		return e.deliver(ctx, desc, msgID)
	})
	return nil
}

// deliver re-loads the message and dispatches on the descriptor's kind.
func (e *Engine) deliver(ctx context.Context, desc *registry.Descriptor, msgID string) error {
	msg, err := e.store.GetMessage(ctx, msgID)
	if err != nil {
		return fmt.Errorf("failed to load message %s: %w", msgID, err)
	}

	log.WithMessageID(msgID).Debug().
		Str("action", msg.Action).
		Str("queue", msg.QueueName).
		Msg("delivering message")

	switch desc.Kind {
	case registry.KindMessage:
		fn, ok := desc.Handler.(MessageHandler)
		if !ok {
			return fmt.Errorf("message handler for action %s has type %T", desc.Action, desc.Handler)
		}
		return fn(ctx, msg)
	case registry.KindTask:
		return e.postTask(ctx, msg)
	default:
		return fmt.Errorf("unknown handler kind %d", desc.Kind)
	}
}

// enforceCerts reports whether peer-certificate checks are hard failures.
func (e *Engine) enforceCerts() bool {
	return e.cfg.TLSEnabled() || e.cfg.AllowOnlySSLConnections
}

func isInternalQueue(queue string) bool {
	return strings.HasPrefix(queue, "internal.")
}

// userHandler returns the registered handler for a task's action, or nil
// for internal-queue tasks used purely as containers.
func (e *Engine) userHandler(model *types.Task) any {
	desc := e.reg.Lookup(model.Action, model.QueueName)
	if desc == nil {
		return nil
	}
	return desc.Handler
}

// offerError gives a handler error to the handler's error callback, if
// any. Propagation defaults to true; a panicking callback propagates.
func (e *Engine) offerError(t *Task, handler any, taskErr error) (propagate bool) {
	propagate = true
	eh, ok := handler.(ErrorHandler)
	if !ok {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithTaskID(t.ID()).Error().
				Interface("panic", r).
				Msg("error callback panicked")
			propagate = true
		}
	}()
	return eh.HandleError(t, taskErr)
}
