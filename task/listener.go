package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
)

// Listener observes task lifecycle transitions. Hooks run on the container
// thread; a slow listener stalls the run loop.
type Listener interface {
	BeforeInit(taskName string)
	AfterProcess(taskName string, env system.IncomingEnvelope)
	BeforeClose(taskName string)
	OnError(taskName string, err error)
}

// NoopListener is a convenient embed for listeners that only care about some
// hooks.
type NoopListener struct{}

func (NoopListener) BeforeInit(string)                            {}
func (NoopListener) AfterProcess(string, system.IncomingEnvelope) {}
func (NoopListener) BeforeClose(string)                           {}
func (NoopListener) OnError(string, error)                        {}

// ListenerFactory builds a listener from its configuration properties.
type ListenerFactory func(properties map[string]string, l logger.Logger) (Listener, error)

// ListenerRegistry resolves task.lifecycle.listener.<name>.class values.
type ListenerRegistry struct {
	mu        sync.RWMutex
	factories map[string]ListenerFactory
}

func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{factories: make(map[string]ListenerFactory)}
}

func (r *ListenerRegistry) Register(name string, f ListenerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *ListenerRegistry) Build(name string, properties map[string]string, l logger.Logger) (Listener, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task: unknown lifecycle listener %q (registered: %v)", name, r.names())
	}
	return f(properties, l)
}

func (r *ListenerRegistry) names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
