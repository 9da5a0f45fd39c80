package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frestq/frestq/pkg/config"
	"github.com/frestq/frestq/pkg/events"
	"github.com/frestq/frestq/pkg/registry"
	"github.com/frestq/frestq/pkg/scheduler"
	"github.com/frestq/frestq/pkg/storage"
	"github.com/frestq/frestq/pkg/transport"
	"github.com/frestq/frestq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNode is a full in-process node: store, pools, engine and a live
// queue endpoint. Messages a node sends to itself travel through HTTP
// like any cross-node message.
type testNode struct {
	cfg   *config.Config
	store storage.Store
	eng   *Engine
	pools *scheduler.Pools
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	store, err := storage.NewSQLiteStore(context.Background(),
		filepath.Join(t.TempDir(), "frestq.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	cfg.ReservationTimeout = 30

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	cfg.RootURL = server.URL + "/api/queues"

	reg := registry.New()
	pools := scheduler.NewPools(broker, nil)
	t.Cleanup(pools.Stop)

	client, err := transport.NewClient(cfg, store)
	require.NoError(t, err)
	eng, err := New(cfg, store, reg, pools, client)
	require.NoError(t, err)

	transport.NewIngress(cfg, store, reg, eng).Register(mux)

	return &testNode{cfg: cfg, store: store, eng: eng, pools: pools}
}

func (n *testNode) start() {
	n.pools.StartAll()
}

func waitStatus(t *testing.T, store storage.Store, taskID string, want types.TaskStatus) *types.Task {
	t.Helper()
	var model *types.Task
	require.Eventually(t, func() bool {
		var err error
		model, err = store.GetTask(context.Background(), taskID)
		return err == nil && model.Status == want
	}, 10*time.Second, 20*time.Millisecond,
		"task %s never reached status %s", taskID, want)
	return model
}

type helloInput struct {
	Username string `json:"username"`
}

func registerHello(t *testing.T, node *testNode) {
	t.Helper()
	err := node.eng.RegisterTask("testing.hello_world", "hello_world", func(task *Task) error {
		var in helloInput
		if err := task.DecodeInput(&in); err != nil {
			return err
		}
		return task.SetOutput(map[string]any{"greeting": "hola " + in.Username})
	})
	require.NoError(t, err)
}

func TestSimpleTaskLocalRoundTrip(t *testing.T) {
	node := newTestNode(t)
	registerHello(t, node)
	node.start()

	root, err := node.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: node.cfg.RootURL,
		Action:      "testing.hello_world",
		Queue:       "hello_world",
		Input:       map[string]any{"username": "mimi"},
	}))
	require.NoError(t, err)

	model := waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.JSONEq(t, `{"greeting":"hola mimi"}`, string(model.OutputData))
	// the receiver upgraded the task so its handler could attach subtasks
	assert.Equal(t, types.TaskTypeSequential, model.TaskType)
	assert.True(t, model.IsLocal)
}

func TestHandlerErrorMarksTaskErrored(t *testing.T) {
	node := newTestNode(t)
	err := node.eng.RegisterTask("testing.fail", "hello_world", func(task *Task) error {
		return errors.New("handler blew up")
	})
	require.NoError(t, err)
	node.start()

	root, err := node.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: node.cfg.RootURL,
		Action:      "testing.fail",
		Queue:       "hello_world",
		Input:       map[string]any{},
	}))
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusError)
}

func TestSequentialWorkflow(t *testing.T) {
	node := newTestNode(t)

	var mu sync.Mutex
	var order []int
	for i := 1; i <= 2; i++ {
		i := i
		err := node.eng.RegisterTask(fmt.Sprintf("testing.step%d", i), "steps", func(task *Task) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return task.SetOutput(map[string]any{"step": i})
		})
		require.NoError(t, err)
	}
	node.start()

	spec := NewSequentialTask("pipeline").Add(
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.step1",
			Queue:       "steps",
			Input:       map[string]any{},
			Label:       "first",
		}),
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.step2",
			Queue:       "steps",
			Input:       map[string]any{},
			Label:       "second",
		}),
	)
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)

	children, err := node.store.Children(context.Background(), root.ID())
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, types.TaskStatusFinished, child.Status)
	}
	mu.Lock()
	assert.Equal(t, []int{1, 2}, order)
	mu.Unlock()

	// label navigation from the handler-facing wrapper
	first, err := root.Child("first")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 0, first.Model().Order)
}

func TestParallelWorkflow(t *testing.T) {
	node := newTestNode(t)

	var done atomic.Int32
	err := node.eng.RegisterTask("testing.branch", "branches", func(task *Task) error {
		done.Add(1)
		return nil
	})
	require.NoError(t, err)
	node.start()

	spec := NewParallelTask("fanout")
	for i := 0; i < 3; i++ {
		spec.Add(NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.branch",
			Queue:       "branches",
			Input:       map[string]any{},
		}))
	}
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.Equal(t, int32(3), done.Load())
}

func TestSubtaskErrorFailsSequentialParent(t *testing.T) {
	node := newTestNode(t)

	var step2Ran atomic.Bool
	require.NoError(t, node.eng.RegisterTask("testing.fail", "steps", func(task *Task) error {
		return errors.New("boom")
	}))
	require.NoError(t, node.eng.RegisterTask("testing.step2", "steps", func(task *Task) error {
		step2Ran.Store(true)
		return nil
	}))
	node.start()

	spec := NewSequentialTask("pipeline").Add(
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.fail",
			Queue:       "steps",
			Input:       map[string]any{},
		}),
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.step2",
			Queue:       "steps",
			Input:       map[string]any{},
		}),
	)
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusError)
	assert.False(t, step2Ran.Load(), "the step after a failure must not run")
}

// suppressingHandler attaches a failing subtask and absorbs its failure.
type suppressingHandler struct {
	receiverURL string
	sawError    atomic.Bool
}

func (h *suppressingHandler) Execute(t *Task) error {
	return t.AddSubtask(NewSimpleTask(SimpleTaskParams{
		ReceiverURL: h.receiverURL,
		Action:      "testing.fail",
		Queue:       "steps",
		Input:       map[string]any{},
	}))
}

func (h *suppressingHandler) HandleError(t *Task, taskErr error) bool {
	var subErr *SubtasksFailedError
	if errors.As(taskErr, &subErr) {
		h.sawError.Store(true)
	}
	return false
}

func TestErrorCallbackSuppressesPropagation(t *testing.T) {
	node := newTestNode(t)

	handler := &suppressingHandler{receiverURL: node.cfg.RootURL}
	require.NoError(t, node.eng.RegisterTask("testing.tolerant", "steps", handler))
	require.NoError(t, node.eng.RegisterTask("testing.fail", "steps", func(task *Task) error {
		return errors.New("boom")
	}))
	node.start()

	root, err := node.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: node.cfg.RootURL,
		Action:      "testing.tolerant",
		Queue:       "steps",
		Input:       map[string]any{},
	}))
	require.NoError(t, err)

	// the subtask failure reaches the error callback and stops there
	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.True(t, handler.sawError.Load())

	children, err := node.store.Children(context.Background(), root.ID())
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, types.TaskStatusError, children[0].Status)
}

func TestHandlerAttachesSubtask(t *testing.T) {
	node := newTestNode(t)

	var childRan atomic.Bool
	require.NoError(t, node.eng.RegisterTask("testing.parent", "steps", func(task *Task) error {
		return task.AddSubtask(NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.child",
			Queue:       "steps",
			Input:       map[string]any{},
		}))
	}))
	require.NoError(t, node.eng.RegisterTask("testing.child", "steps", func(task *Task) error {
		childRan.Store(true)
		return nil
	}))
	node.start()

	root, err := node.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: node.cfg.RootURL,
		Action:      "testing.parent",
		Queue:       "steps",
		Input:       map[string]any{},
	}))
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.True(t, childRan.Load())

	count, err := node.store.CountChildren(context.Background(), root.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExternalTaskWaitsForFinish(t *testing.T) {
	node := newTestNode(t)
	node.start()

	ctx := context.Background()
	root, err := node.eng.CreateAndSend(ctx, NewExternalTask("approval",
		map[string]any{"question": "proceed?"}, nil))
	require.NoError(t, err)

	// external tasks park in executing until finished out of band
	model := waitStatus(t, node.store, root.ID(), types.TaskStatusExecuting)
	assert.Equal(t, types.TaskTypeExternal, model.TaskType)

	require.NoError(t, node.eng.FinishExternalTask(ctx, root.ID(),
		map[string]any{"answer": "yes"}))

	model = waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.JSONEq(t, `{"answer":"yes"}`, string(model.OutputData))
}

func TestFinishExternalTaskRejectsNonExternal(t *testing.T) {
	node := newTestNode(t)
	registerHello(t, node)
	node.start()

	ctx := context.Background()
	root, err := node.eng.CreateAndSend(ctx, NewSimpleTask(SimpleTaskParams{
		ReceiverURL: node.cfg.RootURL,
		Action:      "testing.hello_world",
		Queue:       "hello_world",
		Input:       map[string]any{"username": "mimi"},
	}))
	require.NoError(t, err)
	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)

	err = node.eng.FinishExternalTask(ctx, root.ID(), map[string]any{})
	assert.Error(t, err)
}

func TestTwoNodeWorkflow(t *testing.T) {
	director := newTestNode(t)
	worker := newTestNode(t)

	registerHello(t, worker)
	director.start()
	worker.start()

	root, err := director.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: worker.cfg.RootURL,
		Action:      "testing.hello_world",
		Queue:       "hello_world",
		Input:       map[string]any{"username": "mimi"},
	}))
	require.NoError(t, err)

	// the update from the worker finishes the director's record
	model := waitStatus(t, director.store, root.ID(), types.TaskStatusFinished)
	assert.JSONEq(t, `{"greeting":"hola mimi"}`, string(model.OutputData))
	assert.False(t, model.IsLocal)

	// the worker holds its own record of the same task
	workerModel, err := worker.store.GetTask(context.Background(), root.ID())
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFinished, workerModel.Status)
	assert.Equal(t, director.cfg.RootURL, workerModel.SenderURL)
}

func TestTwoNodeErrorPropagates(t *testing.T) {
	director := newTestNode(t)
	worker := newTestNode(t)

	require.NoError(t, worker.eng.RegisterTask("testing.fail", "hello_world", func(task *Task) error {
		return errors.New("remote failure")
	}))
	director.start()
	worker.start()

	root, err := director.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: worker.cfg.RootURL,
		Action:      "testing.fail",
		Queue:       "hello_world",
		Input:       map[string]any{},
	}))
	require.NoError(t, err)

	waitStatus(t, director.store, root.ID(), types.TaskStatusError)
}

// barrierHandler records the reservation hooks of a synchronized container.
type barrierHandler struct {
	reservations atomic.Int32
	preExecuted  atomic.Bool
}

func (h *barrierHandler) Execute(t *Task) error { return nil }

func (h *barrierHandler) NewReservation(parent, child *Task) {
	h.reservations.Add(1)
}

func (h *barrierHandler) PreExecute(parent *Task) error {
	h.preExecuted.Store(true)
	return nil
}

func TestSynchronizedWorkflow(t *testing.T) {
	node := newTestNode(t)

	var ran atomic.Int32
	require.NoError(t, node.eng.RegisterTask("testing.synced", "synced", func(task *Task) error {
		ran.Add(1)
		return nil
	}))
	handler := &barrierHandler{}
	require.NoError(t, node.eng.RegisterSynchronizedHandler("testing.barrier", handler))
	node.start()

	spec := NewSynchronizedTask("barrier", "testing.barrier")
	for i := 0; i < 2; i++ {
		spec.Add(NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.synced",
			Queue:       "synced",
			Input:       map[string]any{},
		}))
	}
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.Equal(t, int32(2), ran.Load())
	// an overlapping confirmation may report a reservation twice
	assert.GreaterOrEqual(t, handler.reservations.Load(), int32(2))
	assert.True(t, handler.preExecuted.Load())
}

func TestUpdatePayloadRejectsUnknownFields(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	model := &types.Task{
		ID:        "aaaabbbb-1111-2222-3333-444455556666",
		TaskType:  types.TaskTypeSimple,
		Action:    "testing.hello_world",
		QueueName: "hello_world",
		Status:    types.TaskStatusSent,
		SenderURL: node.cfg.RootURL,
	}
	require.NoError(t, node.store.CreateTask(ctx, model))

	err := node.eng.handleUpdateTask(ctx, &types.Message{
		ID:        "msg-1",
		TaskID:    model.ID,
		InputData: json.RawMessage(`{"status":"finished","receiver_url":"http://evil"}`),
	})
	require.Error(t, err)

	// the record is untouched
	got, err := node.store.GetTask(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusSent, got.Status)
}

func TestUpdateForFinishedTaskDropped(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	model := &types.Task{
		ID:        "bbbbcccc-1111-2222-3333-444455556666",
		TaskType:  types.TaskTypeSimple,
		Action:    "testing.hello_world",
		QueueName: "hello_world",
		Status:    types.TaskStatusFinished,
		SenderURL: node.cfg.RootURL,
	}
	require.NoError(t, node.store.CreateTask(ctx, model))

	require.NoError(t, node.eng.handleUpdateTask(ctx, &types.Message{
		ID:        "msg-2",
		TaskID:    model.ID,
		InputData: json.RawMessage(`{"status":"executing"}`),
	}))

	got, err := node.store.GetTask(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFinished, got.Status)

	// a late error still lands
	require.NoError(t, node.eng.handleUpdateTask(ctx, &types.Message{
		ID:        "msg-3",
		TaskID:    model.ID,
		InputData: json.RawMessage(`{"status":"error","output_data":{"reason":"late"}}`),
	}))
	got, err = node.store.GetTask(ctx, model.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusError, got.Status)
}

func TestRegisterTaskValidation(t *testing.T) {
	node := newTestNode(t)

	assert.Error(t, node.eng.RegisterTask("testing.bad", "q", 42))
	assert.Error(t, node.eng.RegisterTask("testing.bad", "q", func() {}))

	require.NoError(t, node.eng.RegisterTask("testing.dup", "q", func(*Task) error { return nil }))
	assert.Error(t, node.eng.RegisterTask("testing.dup", "q", func(*Task) error { return nil }))
}

func TestTaskErrorMessage(t *testing.T) {
	err := &TaskError{Data: map[string]any{"reason": "bad input"}}
	assert.Contains(t, err.Error(), "bad input")

	subErr := &SubtasksFailedError{Subtasks: []*types.Task{{ID: "t1"}}}
	assert.Contains(t, subErr.Error(), "t1")
}

func TestHandlerRunsWithExecutingStatus(t *testing.T) {
	node := newTestNode(t)

	var seen atomic.Value
	require.NoError(t, node.eng.RegisterTask("testing.status", "hello_world", func(task *Task) error {
		seen.Store(task.Status())
		return nil
	}))
	node.start()

	root, err := node.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: node.cfg.RootURL,
		Action:      "testing.status",
		Queue:       "hello_world",
		Input:       map[string]any{},
	}))
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	// the executing transition is committed before the handler is invoked
	assert.Equal(t, types.TaskStatusExecuting, seen.Load())
}

func TestHandlerInputDatetimeDecoding(t *testing.T) {
	node := newTestNode(t)
	when := time.Date(2026, 8, 24, 13, 37, 42, 123456000, time.UTC)

	var got atomic.Value
	require.NoError(t, node.eng.RegisterTask("testing.when", "hello_world", func(task *Task) error {
		var in map[string]any
		if err := task.DecodeInput(&in); err != nil {
			return err
		}
		got.Store(in["when"])
		return nil
	}))
	node.start()

	root, err := node.eng.CreateAndSend(context.Background(), NewSimpleTask(SimpleTaskParams{
		ReceiverURL: node.cfg.RootURL,
		Action:      "testing.when",
		Queue:       "hello_world",
		Input:       map[string]any{"when": when},
	}))
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	parsed, ok := got.Load().(time.Time)
	require.True(t, ok, "datetime strings decode as time.Time for untyped destinations")
	assert.True(t, parsed.Equal(when))
}

func TestParallelSubtaskErrorFailsParent(t *testing.T) {
	node := newTestNode(t)

	require.NoError(t, node.eng.RegisterTask("testing.branch", "branches", func(task *Task) error {
		return nil
	}))
	require.NoError(t, node.eng.RegisterTask("testing.fail", "branches", func(task *Task) error {
		return errors.New("boom")
	}))
	node.start()

	spec := NewParallelTask("fanout").Add(
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.branch",
			Queue:       "branches",
			Input:       map[string]any{},
		}),
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.fail",
			Queue:       "branches",
			Input:       map[string]any{},
		}),
	)
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusError)
}

// toleratingBarrier absorbs subtask failures of a synchronized container.
type toleratingBarrier struct {
	sawSubtasksError atomic.Bool
}

func (h *toleratingBarrier) Execute(t *Task) error { return nil }

func (h *toleratingBarrier) HandleError(t *Task, taskErr error) bool {
	var subErr *SubtasksFailedError
	if errors.As(taskErr, &subErr) {
		h.sawSubtasksError.Store(true)
	}
	return false
}

func TestSynchronizedHandlerSuppressesSubtaskFailure(t *testing.T) {
	node := newTestNode(t)

	require.NoError(t, node.eng.RegisterTask("testing.syncok", "synced", func(task *Task) error {
		return nil
	}))
	require.NoError(t, node.eng.RegisterTask("testing.syncfail", "synced", func(task *Task) error {
		return errors.New("boom")
	}))
	handler := &toleratingBarrier{}
	require.NoError(t, node.eng.RegisterSynchronizedHandler("testing.tolerant_barrier", handler))
	node.start()

	spec := NewSynchronizedTask("barrier", "testing.tolerant_barrier").Add(
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.syncok",
			Queue:       "synced",
			Input:       map[string]any{},
		}),
		NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.syncfail",
			Queue:       "synced",
			Input:       map[string]any{},
		}),
	)
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	// the failure reaches the container's error callback and stops there
	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.True(t, handler.sawSubtasksError.Load())
}

// cancelRecorder records both sides of the reservation-cancel hooks.
type cancelRecorder struct {
	cancelled atomic.Int32
	observed  atomic.Int32
}

func (h *cancelRecorder) Execute(t *Task) error { return nil }

func (h *cancelRecorder) CancelReservation(t *Task) { h.cancelled.Add(1) }

func (h *cancelRecorder) CancelledReservation(parent, child *Task) { h.observed.Add(1) }

func TestCancelHooksSkipExecutedTasks(t *testing.T) {
	node := newTestNode(t)
	ctx := context.Background()

	recorder := &cancelRecorder{}
	require.NoError(t, node.eng.RegisterSynchronizedHandler("testing.cancel_barrier", recorder))
	require.NoError(t, node.eng.RegisterTask("testing.cancel_sub", "cancel_sub", recorder))

	parent := &types.Task{
		ID:        "ccccdddd-1111-2222-3333-444455556666",
		TaskType:  types.TaskTypeSynchronized,
		Action:    "testing.cancel_barrier",
		QueueName: scheduler.InternalQueue,
		Status:    types.TaskStatusFinished,
		IsLocal:   true,
	}
	finished := &types.Task{
		ID:        "ddddeeee-1111-2222-3333-444455556666",
		TaskType:  types.TaskTypeSequential,
		Action:    "testing.cancel_sub",
		QueueName: "cancel_sub",
		ParentID:  parent.ID,
		Status:    types.TaskStatusFinished,
	}
	reserved := &types.Task{
		ID:        "eeeeffff-1111-2222-3333-444455556666",
		TaskType:  types.TaskTypeSequential,
		Action:    "testing.cancel_sub",
		QueueName: "cancel_sub",
		ParentID:  parent.ID,
		Order:     1,
		Status:    types.TaskStatusReserved,
	}
	require.NoError(t, node.store.CreateTasks(ctx, parent, finished, reserved))

	// expiry timers outlive successful runs; their hooks must not fire
	require.NoError(t, node.eng.cancelReservedSubtask(ctx, finished.ID))
	require.NoError(t, node.eng.directorCancelReservedSubtask(ctx, finished.ID))
	assert.Equal(t, int32(0), recorder.cancelled.Load())
	assert.Equal(t, int32(0), recorder.observed.Load())

	got, err := node.store.GetTask(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFinished, got.Status)

	// a live reservation still gets them
	require.NoError(t, node.eng.cancelReservedSubtask(ctx, reserved.ID))
	assert.Equal(t, int32(1), recorder.cancelled.Load())
	got, err = node.store.GetTask(ctx, reserved.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCreated, got.Status)
}

// redistributingBarrier shares the children's reservation data through
// their input payloads before the barrier releases.
type redistributingBarrier struct{}

func (h *redistributingBarrier) Execute(t *Task) error { return nil }

func (h *redistributingBarrier) PreExecute(parent *Task) error {
	children, err := parent.Children()
	if err != nil {
		return err
	}
	tokens := make([]string, 0, len(children))
	for _, child := range children {
		var res struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(child.Reservation(), &res); err != nil {
			return err
		}
		tokens = append(tokens, res.Token)
	}
	sort.Strings(tokens)
	for _, child := range children {
		if err := child.SetInput(map[string]any{"tokens": tokens}); err != nil {
			return err
		}
	}
	return nil
}

// tokenWorker reserves with a token and records the input it executes with.
type tokenWorker struct {
	mu   sync.Mutex
	seen [][]string
}

func (h *tokenWorker) Reserve(t *Task) error {
	return t.SetReservation(map[string]any{"token": "tok-" + t.ID()[:8]})
}

func (h *tokenWorker) Execute(t *Task) error {
	var in struct {
		Tokens []string `json:"tokens"`
	}
	if err := t.DecodeInput(&in); err != nil {
		return err
	}
	h.mu.Lock()
	h.seen = append(h.seen, in.Tokens)
	h.mu.Unlock()
	return nil
}

func TestPreExecuteRedistributesReservationData(t *testing.T) {
	node := newTestNode(t)

	worker := &tokenWorker{}
	require.NoError(t, node.eng.RegisterTask("testing.share", "share", worker))
	require.NoError(t, node.eng.RegisterSynchronizedHandler("testing.share_barrier", &redistributingBarrier{}))
	node.start()

	spec := NewSynchronizedTask("share", "testing.share_barrier")
	for i := 0; i < 2; i++ {
		spec.Add(NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.share",
			Queue:       "share",
			Input:       map[string]any{},
		}))
	}
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)

	children, err := node.store.Children(context.Background(), root.ID())
	require.NoError(t, err)
	require.Len(t, children, 2)
	want := make([]string, 0, 2)
	for _, child := range children {
		want = append(want, "tok-"+child.ID[:8])
	}
	sort.Strings(want)

	// every sibling executed with the full redistributed token set
	worker.mu.Lock()
	defer worker.mu.Unlock()
	require.Len(t, worker.seen, 2)
	for _, got := range worker.seen {
		assert.Equal(t, want, got)
	}
}

// slowReserver delays one reservation past the expiry of its sibling's.
type slowReserver struct {
	delayed atomic.Bool
	delay   time.Duration
	ran     atomic.Int32
	cancels atomic.Int32
}

func (h *slowReserver) Reserve(t *Task) error {
	if h.delayed.CompareAndSwap(false, true) {
		time.Sleep(h.delay)
	}
	return nil
}

func (h *slowReserver) CancelReservation(t *Task) { h.cancels.Add(1) }

func (h *slowReserver) Execute(t *Task) error {
	h.ran.Add(1)
	return nil
}

// expiryObserver records director-side reservation expiries.
type expiryObserver struct {
	expired atomic.Int32
}

func (h *expiryObserver) Execute(t *Task) error { return nil }

func (h *expiryObserver) CancelledReservation(parent, child *Task) { h.expired.Add(1) }

func TestReservationTimeoutRetriesSynchronization(t *testing.T) {
	node := newTestNode(t)
	node.cfg.ReservationTimeout = 1

	worker := &slowReserver{delay: 2500 * time.Millisecond}
	require.NoError(t, node.eng.RegisterTask("testing.slow_sync", "slow_sync", worker))
	observer := &expiryObserver{}
	require.NoError(t, node.eng.RegisterSynchronizedHandler("testing.expiry_barrier", observer))
	node.start()

	spec := NewSynchronizedTask("expiry", "testing.expiry_barrier")
	for i := 0; i < 2; i++ {
		spec.Add(NewSimpleTask(SimpleTaskParams{
			ReceiverURL: node.cfg.RootURL,
			Action:      "testing.slow_sync",
			Queue:       "slow_sync",
			Input:       map[string]any{},
		}))
	}
	root, err := node.eng.CreateAndSend(context.Background(), spec)
	require.NoError(t, err)

	// the fast child's reservation expires while its sibling is still
	// reserving; the director re-synchronizes it and the barrier completes
	// on the retry
	waitStatus(t, node.store, root.ID(), types.TaskStatusFinished)
	assert.Equal(t, int32(2), worker.ran.Load())
	assert.GreaterOrEqual(t, worker.cancels.Load()+observer.expired.Load(), int32(1))
}
