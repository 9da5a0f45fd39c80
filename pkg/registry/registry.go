package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Kind distinguishes message actions from task actions.
type Kind int

const (
	// KindMessage handlers receive the raw message.
	KindMessage Kind = iota
	// KindTask handlers run through the task intake path.
	KindTask
)

// Descriptor describes a registered action handler. Handler is an opaque
// value typed by the engine (a message func or a task handler); the registry
// only stores and looks it up.
type Descriptor struct {
	Action  string
	Queue   string
	Kind    Kind
	Handler any

	// IsInternal marks engine protocol handlers.
	IsInternal bool
	// LocalOnly requires the sender certificate to equal the local one.
	LocalOnly bool
	// AutoFinish marks the task finished after its handler returns.
	AutoFinish bool
}

// Registry is the process-wide (action, queue) handler table. It is
// populated at startup and immutable once the node starts serving.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]map[string]*Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		queues: make(map[string]map[string]*Descriptor),
	}
}

// Register adds an action handler to a queue. Duplicate (action, queue)
// registration fails.
func (r *Registry) Register(desc *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, ok := r.queues[desc.Queue]
	if !ok {
		queue = make(map[string]*Descriptor)
		r.queues[desc.Queue] = queue
	}
	if _, dup := queue[desc.Action]; dup {
		return fmt.Errorf("duplicated action handler %s for queue %s",
			desc.Action, desc.Queue)
	}
	queue[desc.Action] = desc
	return nil
}

// Lookup returns the descriptor for an (action, queue) pair, or nil.
func (r *Registry) Lookup(action, queue string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers, ok := r.queues[queue]
	if !ok {
		return nil
	}
	return handlers[action]
}

// Queues returns the sorted list of queue names with registered handlers.
// Registering any task handler reserves its queue's worker pool.
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
