package metrics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugolhafner/streamhost/logger"
)

// Reporter exports registries to some backend. Register may be called for
// additional sources after Start.
type Reporter interface {
	Start() error
	Register(reg *Registry)
	Stop() error
}

// Factory builds a reporter from its configuration properties.
type Factory func(name string, properties map[string]string, l logger.Logger) (Reporter, error)

// ReporterRegistry resolves metrics.reporter.<name>.class values.
type ReporterRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewReporterRegistry() *ReporterRegistry {
	return &ReporterRegistry{factories: make(map[string]Factory)}
}

func (r *ReporterRegistry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *ReporterRegistry) Build(class, name string, properties map[string]string, l logger.Logger) (Reporter, error) {
	r.mu.RLock()
	f, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("metrics: unknown reporter %q (registered: %v)", class, r.names())
	}
	return f(name, properties, l)
}

func (r *ReporterRegistry) names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
