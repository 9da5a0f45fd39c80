package storage

import (
	"context"
	"errors"

	"github.com/frestq/frestq/pkg/types"
)

// ErrNotFound is returned when a task or message does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store defines the interface for task and message persistence. Every write
// is durable when the call returns; the engine relies on this as its sole
// transaction boundary.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *types.Task) error
	CreateTasks(ctx context.Context, tasks ...*types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	GetTaskByPrefix(ctx context.Context, prefix string) (*types.Task, error)
	UpdateTask(ctx context.Context, task *types.Task) error
	ListTasks(ctx context.Context, filters map[string]string, limit int) ([]*types.Task, error)

	// Tree navigation. Children are ordered by the task order column.
	Children(ctx context.Context, parentID string) ([]*types.Task, error)
	ChildByLabel(ctx context.Context, parentID, label string) (*types.Task, error)
	ChildByOrder(ctx context.Context, parentID string, order int) (*types.Task, error)
	NextPendingChild(ctx context.Context, parentID string) (*types.Task, error)
	CountChildren(ctx context.Context, parentID string) (int, error)
	CountUnfinishedChildren(ctx context.Context, parentID string) (int, error)
	ErroredChildren(ctx context.Context, parentID string) ([]*types.Task, error)

	// Messages
	CreateMessage(ctx context.Context, msg *types.Message) error
	GetMessage(ctx context.Context, id string) (*types.Message, error)
	GetMessageByPrefix(ctx context.Context, prefix string) (*types.Message, error)
	UpdateMessage(ctx context.Context, msg *types.Message) error
	ListMessages(ctx context.Context, filters map[string]string, limit int) ([]*types.Message, error)

	// Utility
	Migrate(ctx context.Context) error
	Close() error
}
