// Package memory is a btree-backed embedded key-value engine. State lives in
// process memory; durability comes entirely from the changelog, which makes
// it the natural pairing for replicated stores.
package memory

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/storage"
	"github.com/hugolhafner/streamhost/system"
)

// FactoryName is the value stores.<name>.factory resolves against.
const FactoryName = "memory"

// Factory builds memory engines; dir is accepted for interface parity and
// ignored.
func Factory(store string, partition system.Partition, _ string, l logger.Logger) (storage.Engine, error) {
	return New(store, partition, l), nil
}

type entry struct {
	key   []byte
	value []byte
}

func entryLess(a, b entry) bool {
	return bytes.Compare(a.key, b.key) < 0
}

var _ storage.Engine = (*Engine)(nil)

type Engine struct {
	tree   *btree.BTreeG[entry]
	name   string
	closed bool
	logger logger.Logger
}

func New(store string, partition system.Partition, l logger.Logger) *Engine {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Engine{
		tree: btree.NewG[entry](8, entryLess),
		name: fmt.Sprintf("%s-%d", store, partition),
		logger: l.With(
			"component", "memory-store", "store", store, "partition", int(partition),
		),
	}
}

func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed {
		return nil, false, fmt.Errorf("memory store %s: closed", e.name)
	}
	item, ok := e.tree.Get(entry{key: key})
	if !ok {
		return nil, false, nil
	}
	return item.value, true, nil
}

func (e *Engine) Put(key, value []byte) error {
	if e.closed {
		return fmt.Errorf("memory store %s: closed", e.name)
	}
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	e.tree.ReplaceOrInsert(entry{key: k, value: v})
	return nil
}

func (e *Engine) Delete(key []byte) error {
	if e.closed {
		return fmt.Errorf("memory store %s: closed", e.name)
	}
	e.tree.Delete(entry{key: key})
	return nil
}

func (e *Engine) Range(from, to []byte, fn func(key, value []byte) bool) error {
	if e.closed {
		return fmt.Errorf("memory store %s: closed", e.name)
	}
	iter := func(item entry) bool {
		return fn(item.key, item.value)
	}
	switch {
	case from == nil && to == nil:
		e.tree.Ascend(iter)
	case to == nil:
		e.tree.AscendGreaterOrEqual(entry{key: from}, iter)
	case from == nil:
		e.tree.AscendLessThan(entry{key: to}, iter)
	default:
		e.tree.AscendRange(entry{key: from}, entry{key: to}, iter)
	}
	return nil
}

func (e *Engine) Flush() error {
	return nil
}

func (e *Engine) Close() error {
	e.closed = true
	e.tree.Clear(false)
	return nil
}

// Restore applies a replayed changelog record directly; nil values are
// tombstones.
func (e *Engine) Restore(env system.IncomingEnvelope) error {
	key, ok := env.Key.([]byte)
	if !ok {
		return fmt.Errorf("memory store %s: restore key is %T, want []byte", e.name, env.Key)
	}
	switch value := env.Value.(type) {
	case nil:
		return e.Delete(key)
	case []byte:
		if value == nil {
			return e.Delete(key)
		}
		return e.Put(key, value)
	default:
		return fmt.Errorf("memory store %s: restore value is %T, want []byte", e.name, env.Value)
	}
}
