package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/metrics"
	"github.com/hugolhafner/streamhost/storage"
	"github.com/hugolhafner/streamhost/system"
)

// Task is the user-supplied processing logic, instantiated once per assigned
// partition. Process receives decoded envelopes for the task's own partitions
// in per-partition offset order.
type Task interface {
	Process(env system.IncomingEnvelope, collector *Collector, coord *Coordinator) error
}

// InitableTask runs once before any envelope is observed, after stores are
// restored.
type InitableTask interface {
	Init(ctx *Context) error
}

// WindowableTask fires on the configured window interval, input or not.
type WindowableTask interface {
	Window(collector *Collector, coord *Coordinator) error
}

// ClosableTask releases user resources at shutdown.
type ClosableTask interface {
	Close() error
}

// Context is what a task sees of its surroundings during Init.
type Context struct {
	TaskName  string
	Partition system.Partition
	Metrics   *metrics.Registry
	Logger    logger.Logger

	storage *storage.Manager
}

// Store returns one of the task's configured stores, restored and live.
func (c *Context) Store(name string) (*storage.Store, bool) {
	if c.storage == nil {
		return nil, false
	}
	return c.storage.Store(name)
}

// Factory builds a fresh task instance; task.class values resolve against a
// registry of these.
type Factory func() Task

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Build(name string) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: unknown task class %q (registered: %v)", name, r.names())
	}
	return f(), nil
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
