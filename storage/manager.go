package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/producer"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/system"
)

// StoreSpec is the resolved configuration of one store for one task.
type StoreSpec struct {
	Name          string
	EngineFactory string
	KeySerde      serde.Serde
	MsgSerde      serde.Serde
	// Changelog is nil for unreplicated stores. Its partition is always the
	// task's partition.
	Changelog *system.Stream
	Dir       string
}

// ManagerOptions wires one task's storage manager.
type ManagerOptions struct {
	TaskName  string
	Partition system.Partition
	Specs     []StoreSpec
	Engines   *Registry
	Sender    producer.Sender
	// NewConsumer opens a dedicated consumer against the named system for
	// changelog restore; the shared multiplexer is not running yet.
	NewConsumer func(systemName string) (system.Consumer, error)
	NewAdmin    func(systemName string) (system.Admin, error)
	PollTimeout time.Duration
	Logger      logger.Logger
}

// Manager owns the stores of one task: it creates the engines, restores
// changelog-backed stores before processing starts, and hands out the live
// Store wrappers that replicate through the shared producer multiplexer.
type Manager struct {
	opts    ManagerOptions
	stores  map[string]*Store
	engines map[string]Engine
	logger  logger.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	l := opts.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Manager{
		opts:    opts,
		stores:  make(map[string]*Store),
		engines: make(map[string]Engine),
		logger:  l.With("component", "task-storage", "task", opts.TaskName),
	}
}

// Init creates every engine and runs the restore protocol. It must complete
// before the task observes any input; a failure here is fatal to the
// container.
func (m *Manager) Init(ctx context.Context) error {
	for _, spec := range m.opts.Specs {
		engine, err := m.opts.Engines.Build(
			spec.EngineFactory, spec.Name, m.opts.Partition, spec.Dir, m.logger,
		)
		if err != nil {
			return fmt.Errorf("storage: store %q: %w", spec.Name, err)
		}
		m.engines[spec.Name] = engine

		store := &Store{
			name:     spec.Name,
			engine:   engine,
			keySerde: spec.KeySerde,
			msgSerde: spec.MsgSerde,
			sender:   m.opts.Sender,
			source:   m.opts.TaskName,
		}

		if spec.Changelog != nil {
			sp := system.StreamPartition{Stream: *spec.Changelog, Partition: m.opts.Partition}
			store.changelog = &sp
			if err := m.restore(ctx, spec, engine, sp); err != nil {
				return fmt.Errorf("storage: restore store %q from %s: %w", spec.Name, sp, err)
			}
		}

		m.stores[spec.Name] = store
	}
	return nil
}

// restore replays the changelog partition from its start to its current head
// straight into the engine. The engine writes bypass the changelog path, so
// restore never amplifies.
func (m *Manager) restore(ctx context.Context, spec StoreSpec, engine Engine, sp system.StreamPartition) error {
	admin, err := m.opts.NewAdmin(sp.System)
	if err != nil {
		return fmt.Errorf("admin for system %q: %w", sp.System, err)
	}

	head, ok, err := admin.LastOffset(ctx, sp)
	if err != nil {
		return fmt.Errorf("read head offset: %w", err)
	}
	if !ok {
		m.logger.Debug("Changelog empty, nothing to restore", "store", spec.Name)
		return nil
	}

	cons, err := m.opts.NewConsumer(sp.System)
	if err != nil {
		return fmt.Errorf("consumer for system %q: %w", sp.System, err)
	}
	cons.Register(sp, system.OffsetEarliest)
	if err := cons.Start(); err != nil {
		return fmt.Errorf("start restore consumer: %w", err)
	}
	defer func() {
		if err := cons.Stop(); err != nil {
			m.logger.Warn("Failed to stop restore consumer", "store", spec.Name, "error", err)
		}
	}()

	restored := 0
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batches, err := cons.Poll(ctx, []system.StreamPartition{sp}, m.opts.PollTimeout)
		if err != nil {
			return fmt.Errorf("poll changelog: %w", err)
		}

		reachedHead := false
		for _, env := range batches[sp] {
			if err := engine.Restore(env); err != nil {
				return fmt.Errorf("apply offset %s: %w", env.Offset, err)
			}
			restored++
			if env.Offset == head {
				reachedHead = true
			}
		}
		if reachedHead {
			break
		}
	}

	m.logger.Info(
		"Restored store from changelog",
		"store", spec.Name, "records", restored, "took", time.Since(start),
	)
	return nil
}

func (m *Manager) Store(name string) (*Store, bool) {
	s, ok := m.stores[name]
	return s, ok
}

func (m *Manager) StoreNames() []string {
	names := make([]string, 0, len(m.stores))
	for n := range m.stores {
		names = append(names, n)
	}
	return names
}

// FlushAll forces every engine; changelog writes already went through the
// producer path and are made durable by the producer flush that follows in
// the commit protocol.
func (m *Manager) FlushAll() error {
	for name, engine := range m.engines {
		if err := engine.Flush(); err != nil {
			return fmt.Errorf("storage: flush store %q: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) CloseAll() error {
	var firstErr error
	for name, engine := range m.engines {
		if err := engine.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: close store %q: %w", name, err)
		}
	}
	return firstErr
}
