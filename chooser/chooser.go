package chooser

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
)

// Chooser selects the next envelope among partitions that currently have a
// candidate. The consumer multiplexer feeds it at most one envelope per
// partition at a time, which keeps per-partition order trivially intact.
type Chooser interface {
	// Register is called once per partition before any Update.
	Register(sp system.StreamPartition, offset string)
	// Update offers a new candidate for a registered partition.
	Update(env system.IncomingEnvelope)
	// Choose removes and returns one queued envelope, ok=false when no
	// partition has a candidate.
	Choose() (system.IncomingEnvelope, bool)
}

// Factory builds a chooser from configuration properties.
type Factory func(properties map[string]string, l logger.Logger) (Chooser, error)

// Registry resolves task.message.chooser.class values.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtins preloads the default round-robin policy.
func Builtins() *Registry {
	r := NewRegistry()
	r.Register("round-robin", func(_ map[string]string, _ logger.Logger) (Chooser, error) {
		return NewRoundRobin(), nil
	})
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Build(name string, properties map[string]string, l logger.Logger) (Chooser, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chooser: unknown chooser %q (registered: %v)", name, r.names())
	}
	return f(properties, l)
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
