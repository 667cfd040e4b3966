package task

import (
	"context"
	"fmt"
	"time"

	"github.com/hugolhafner/streamhost/checkpoint"
	"github.com/hugolhafner/streamhost/consumer"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/metrics"
	"github.com/hugolhafner/streamhost/producer"
	"github.com/hugolhafner/streamhost/storage"
	"github.com/hugolhafner/streamhost/system"
)

// InstanceOptions wires one partition's task instance.
type InstanceOptions struct {
	TaskName  string
	Partition system.Partition
	Task      Task
	// Inputs are the task's input streams; the instance derives its stream
	// partitions by pairing each with its own partition.
	Inputs    []system.Stream
	Consumers *consumer.Multiplexer
	Producers *producer.Multiplexer
	// Storage may be nil for stateless tasks.
	Storage *storage.Manager
	// Checkpoints is an optional capability; nil disables offset
	// checkpointing and starting offsets fall back to the reset policy.
	Checkpoints checkpoint.Manager

	// WindowInterval below zero disables windowing.
	WindowInterval time.Duration
	CommitInterval time.Duration

	// ResetOffsets marks streams whose checkpointed offsets are ignored on
	// every start; OffsetDefaults carries each stream's earliest/latest
	// policy.
	ResetOffsets   map[system.Stream]bool
	OffsetDefaults map[system.Stream]string

	Listeners []Listener
	Metrics   *metrics.Registry
	Logger    logger.Logger

	// Now is stubbed by tests; defaults to time.Now.
	Now func() time.Time
}

// Instance binds one user task to one partition: its offsets, stores,
// collector and commit cadence. All methods run on the container thread.
type Instance struct {
	opts InstanceOptions

	ssps      map[system.StreamPartition]struct{}
	offsets   map[system.StreamPartition]string
	collector *Collector

	lastWindow time.Time
	lastCommit time.Time
	now        func() time.Time

	processed *metrics.Counter
	sent      *metrics.Counter
	commits   *metrics.Counter
	windows   *metrics.Counter

	logger logger.Logger
}

func NewInstance(opts InstanceOptions) (*Instance, error) {
	if opts.Task == nil {
		return nil, fmt.Errorf("task %s: no task supplied", opts.TaskName)
	}
	if len(opts.Inputs) == 0 {
		return nil, fmt.Errorf("task %s: no input streams", opts.TaskName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry(opts.TaskName)
	}

	ssps := make(map[system.StreamPartition]struct{}, len(opts.Inputs))
	for _, stream := range opts.Inputs {
		ssps[system.StreamPartition{Stream: stream, Partition: opts.Partition}] = struct{}{}
	}

	start := opts.Now()
	return &Instance{
		opts:       opts,
		ssps:       ssps,
		offsets:    make(map[system.StreamPartition]string),
		collector:  NewCollector(),
		lastWindow: start,
		lastCommit: start,
		now:        opts.Now,
		processed:  opts.Metrics.Counter("envelopes-processed"),
		sent:       opts.Metrics.Counter("envelopes-sent"),
		commits:    opts.Metrics.Counter("commits"),
		windows:    opts.Metrics.Counter("window-calls"),
		logger:     opts.Logger.With("component", "task-instance", "task", opts.TaskName),
	}, nil
}

func (i *Instance) TaskName() string {
	return i.opts.TaskName
}

func (i *Instance) Partition() system.Partition {
	return i.opts.Partition
}

func (i *Instance) StreamPartitions() []system.StreamPartition {
	out := make([]system.StreamPartition, 0, len(i.ssps))
	for sp := range i.ssps {
		out = append(out, sp)
	}
	return out
}

// Owns reports whether the envelope's partition belongs to this task.
func (i *Instance) Owns(sp system.StreamPartition) bool {
	_, ok := i.ssps[sp]
	return ok
}

// RegisterCheckpoints announces the task to the checkpoint manager and loads
// the authoritative checkpoint into the starting-offset table, honoring
// per-stream reset flags.
func (i *Instance) RegisterCheckpoints() error {
	if i.opts.Checkpoints == nil {
		return nil
	}
	i.opts.Checkpoints.Register(i.opts.TaskName)

	cp, found, err := i.opts.Checkpoints.Read(i.opts.TaskName)
	if err != nil {
		return fmt.Errorf("task %s: read checkpoint: %w", i.opts.TaskName, err)
	}
	if !found {
		return nil
	}

	for sp, offset := range cp.Offsets {
		if !i.Owns(sp) {
			continue
		}
		if i.opts.ResetOffsets[sp.Stream] {
			i.logger.Info("Ignoring checkpointed offset, reset requested", "partition", sp.String(), "offset", offset)
			continue
		}
		i.offsets[sp] = offset
	}
	return nil
}

// RegisterConsumers computes each input partition's starting offset and
// registers it with the consumer multiplexer.
func (i *Instance) RegisterConsumers() error {
	for sp := range i.ssps {
		offset, ok := i.offsets[sp]
		if !ok {
			offset = i.defaultOffset(sp.Stream)
		}
		if err := i.opts.Consumers.Register(sp, offset); err != nil {
			return fmt.Errorf("task %s: %w", i.opts.TaskName, err)
		}
		i.logger.Debug("Registered input", "partition", sp.String(), "offset", offset)
	}
	return nil
}

func (i *Instance) defaultOffset(stream system.Stream) string {
	if policy, ok := i.opts.OffsetDefaults[stream]; ok && policy == system.OffsetLatest {
		return system.OffsetLatest
	}
	return system.OffsetEarliest
}

func (i *Instance) RegisterProducers() {
	i.opts.Producers.Register(i.opts.TaskName)
}

// StartStores restores every changelog-backed store; user code sees only the
// finished state.
func (i *Instance) StartStores(ctx context.Context) error {
	if i.opts.Storage == nil {
		return nil
	}
	return i.opts.Storage.Init(ctx)
}

// InitTask runs the listeners' BeforeInit hooks and the user Init.
func (i *Instance) InitTask() error {
	for _, l := range i.opts.Listeners {
		l.BeforeInit(i.opts.TaskName)
	}

	initable, ok := i.opts.Task.(InitableTask)
	if !ok {
		return nil
	}
	ctx := &Context{
		TaskName:  i.opts.TaskName,
		Partition: i.opts.Partition,
		Metrics:   i.opts.Metrics,
		Logger:    i.logger,
		storage:   i.opts.Storage,
	}
	if err := initable.Init(ctx); err != nil {
		return fmt.Errorf("task %s: init: %w", i.opts.TaskName, err)
	}
	return nil
}

// Process hands one decoded envelope to the user task. The observed offset
// advances only after Process returns cleanly, so a failure replays the
// envelope on restart.
func (i *Instance) Process(env system.IncomingEnvelope, coord *Coordinator) error {
	sp := env.StreamPartition
	if !i.Owns(sp) {
		i.logger.Warn("Dropping envelope for foreign partition", "partition", sp.String())
		return nil
	}

	if err := i.opts.Task.Process(env, i.collector, coord); err != nil {
		werr := NewProcessError(err, i.opts.TaskName)
		for _, l := range i.opts.Listeners {
			l.OnError(i.opts.TaskName, werr)
		}
		return werr
	}

	i.offsets[sp] = env.Offset
	i.processed.Inc()
	for _, l := range i.opts.Listeners {
		l.AfterProcess(i.opts.TaskName, env)
	}
	return nil
}

// Window fires the user window when enabled and due.
func (i *Instance) Window(coord *Coordinator) error {
	if i.opts.WindowInterval < 0 {
		return nil
	}
	w, ok := i.opts.Task.(WindowableTask)
	if !ok {
		return nil
	}
	now := i.now()
	if now.Sub(i.lastWindow) < i.opts.WindowInterval {
		return nil
	}
	i.lastWindow = now

	if err := w.Window(i.collector, coord); err != nil {
		werr := NewProcessError(err, i.opts.TaskName)
		for _, l := range i.opts.Listeners {
			l.OnError(i.opts.TaskName, werr)
		}
		return werr
	}
	i.windows.Inc()
	return nil
}

// Send drains the collector to the producer multiplexer and returns how many
// envelopes left.
func (i *Instance) Send() (int, error) {
	n := i.collector.Len()
	if n == 0 {
		return 0, nil
	}
	err := i.collector.drain(func(env system.OutgoingEnvelope) error {
		return i.opts.Producers.Send(i.opts.TaskName, env)
	})
	if err != nil {
		return 0, fmt.Errorf("task %s: send: %w", i.opts.TaskName, err)
	}
	i.sent.Add(int64(n))
	return n, nil
}

// Commit runs the commit protocol when the interval has elapsed or the
// coordinator asked for it: flush stores, flush producers, then write the
// checkpoint. A failure aborts before the checkpoint write; the next commit
// catches up. The bool reports whether a commit was attempted this call.
func (i *Instance) Commit(coord *Coordinator) (bool, error) {
	now := i.now()
	if !coord.CommitRequested() && now.Sub(i.lastCommit) < i.opts.CommitInterval {
		return false, nil
	}
	i.lastCommit = now

	if i.opts.Storage != nil {
		if err := i.opts.Storage.FlushAll(); err != nil {
			return true, fmt.Errorf("task %s: commit: %w", i.opts.TaskName, err)
		}
	}
	if err := i.opts.Producers.Flush(i.opts.TaskName); err != nil {
		return true, fmt.Errorf("task %s: commit: %w", i.opts.TaskName, err)
	}

	if i.opts.Checkpoints != nil && len(i.offsets) > 0 {
		cp := checkpoint.New()
		for sp, offset := range i.offsets {
			cp.Offsets[sp] = offset
		}
		if err := i.opts.Checkpoints.Write(i.opts.TaskName, cp); err != nil {
			return true, fmt.Errorf("task %s: write checkpoint: %w", i.opts.TaskName, err)
		}
	}

	i.commits.Inc()
	return true, nil
}

// CloseStores closes the task's storage engines; separate from Close so the
// container can order user close before store close.
func (i *Instance) CloseStores() error {
	if i.opts.Storage == nil {
		return nil
	}
	return i.opts.Storage.CloseAll()
}

// Close runs the listeners' BeforeClose hooks and the user Close.
func (i *Instance) Close() error {
	for _, l := range i.opts.Listeners {
		l.BeforeClose(i.opts.TaskName)
	}
	if c, ok := i.opts.Task.(ClosableTask); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("task %s: close: %w", i.opts.TaskName, err)
		}
	}
	return nil
}
