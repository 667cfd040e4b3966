package system

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugolhafner/streamhost/logger"
)

// Factory builds the three capability objects for one named system.
// Properties carries everything configured under systems.<name>.
type Factory interface {
	Consumer(name string, properties map[string]string, l logger.Logger) (Consumer, error)
	Producer(name string, properties map[string]string, l logger.Logger) (Producer, error)
	Admin(name string, properties map[string]string, l logger.Logger) (Admin, error)
}

// Registry maps factory names to system factories. Resolution of an unknown
// name is a setup-time failure.
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

func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("system: unknown factory %q (registered: %v)", name, r.names())
	}
	return f, nil
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
