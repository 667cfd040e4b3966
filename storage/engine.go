package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
)

// Engine is one embedded key-value store instance, bound to a single
// (store, partition) pair. Engines work on raw bytes; object codecs apply in
// the Store wrapper above. Restore applies a changelog envelope directly,
// bypassing any replication path.
type Engine interface {
	Get(key []byte) (value []byte, found bool, err error)
	Put(key, value []byte) error
	Delete(key []byte) error
	// Range visits entries with from <= key < to in key order; a nil bound is
	// open. The callback returns false to stop early.
	Range(from, to []byte, fn func(key, value []byte) bool) error
	Flush() error
	Close() error
	// Restore applies one replayed changelog envelope: a nil value deletes.
	Restore(env system.IncomingEnvelope) error
}

// Factory builds an engine for one store partition rooted at dir.
type Factory func(store string, partition system.Partition, dir string, l logger.Logger) (Engine, error)

// Registry resolves stores.<name>.factory values.
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

func (r *Registry) Build(
	name, store string, partition system.Partition, dir string, l logger.Logger,
) (Engine, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown engine factory %q (registered: %v)", name, r.names())
	}
	return f(store, partition, dir, l)
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
