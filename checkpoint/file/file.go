// Package file is a checkpoint backend that keeps one JSON document per task
// under a configurable directory. Writes go through a temp file and an atomic
// rename, so a crash mid-write leaves the previous checkpoint intact.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hugolhafner/streamhost/checkpoint"
	"github.com/hugolhafner/streamhost/config"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
)

// FactoryName is the value task.checkpoint.factory resolves against.
const FactoryName = "file"

const pathKey = "task.checkpoint.path"

func Factory(cfg *config.Config, l logger.Logger) (checkpoint.Manager, error) {
	dir := cfg.GetOrDefault(pathKey, "checkpoints")
	return NewManager(dir, l), nil
}

type record struct {
	System    string `json:"system"`
	Stream    string `json:"stream"`
	Partition int    `json:"partition"`
	Offset    string `json:"offset"`
}

type document struct {
	Offsets []record `json:"offsets"`
}

var _ checkpoint.Manager = (*Manager)(nil)

type Manager struct {
	dir    string
	logger logger.Logger
}

func NewManager(dir string, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Manager{
		dir:    dir,
		logger: l.With("component", "checkpoint-file", "dir", dir),
	}
}

func (m *Manager) Start() error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir %q: %w", m.dir, err)
	}
	return nil
}

func (m *Manager) Register(taskName string) {
	// nothing to prepare; files are created lazily on first write
}

func (m *Manager) Write(taskName string, cp checkpoint.Checkpoint) error {
	doc := document{Offsets: make([]record, 0, len(cp.Offsets))}
	for sp, offset := range cp.Offsets {
		doc.Offsets = append(doc.Offsets, record{
			System:    sp.System,
			Stream:    sp.Stream.Name,
			Partition: int(sp.Partition),
			Offset:    offset,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal for task %q: %w", taskName, err)
	}

	path := m.path(taskName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename %q: %w", path, err)
	}

	m.logger.Debug("Checkpoint written", "task", taskName, "partitions", len(cp.Offsets))
	return nil
}

func (m *Manager) Read(taskName string) (checkpoint.Checkpoint, bool, error) {
	data, err := os.ReadFile(m.path(taskName))
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("checkpoint: read task %q: %w", taskName, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("checkpoint: parse task %q: %w", taskName, err)
	}

	cp := checkpoint.New()
	for _, r := range doc.Offsets {
		sp := system.StreamPartition{
			Stream:    system.Stream{System: r.System, Name: r.Stream},
			Partition: system.Partition(r.Partition),
		}
		cp.Offsets[sp] = r.Offset
	}
	return cp, true, nil
}

func (m *Manager) Stop() error {
	return nil
}

func (m *Manager) path(taskName string) string {
	return filepath.Join(m.dir, taskName+".json")
}
