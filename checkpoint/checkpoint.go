package checkpoint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugolhafner/streamhost/config"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
)

// Checkpoint maps each input partition of one task to its last processed
// offset, inclusive. Consumption resumes with the offset after the recorded
// one; replaying the recorded offset itself is permitted under at-least-once
// but never required.
type Checkpoint struct {
	Offsets map[system.StreamPartition]string
}

func New() Checkpoint {
	return Checkpoint{Offsets: make(map[system.StreamPartition]string)}
}

// Manager persists checkpoints. Only the most recent write per task is
// authoritative; Write replaces, never merges.
type Manager interface {
	Start() error
	// Register announces a task before Start so the backend can prepare its
	// slot.
	Register(taskName string)
	Write(taskName string, cp Checkpoint) error
	Read(taskName string) (Checkpoint, bool, error)
	Stop() error
}

// Factory builds a checkpoint backend from configuration.
type Factory func(cfg *config.Config, l logger.Logger) (Manager, error)

// Registry resolves task.checkpoint.factory values.
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

func (r *Registry) Build(name string, cfg *config.Config, l logger.Logger) (Manager, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("checkpoint: unknown factory %q (registered: %v)", name, r.names())
	}
	return f(cfg, l)
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
