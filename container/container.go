package container

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/streamhost/checkpoint"
	"github.com/hugolhafner/streamhost/config"
	"github.com/hugolhafner/streamhost/consumer"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/metrics"
	streamsotel "github.com/hugolhafner/streamhost/otel"
	"github.com/hugolhafner/streamhost/producer"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/storage"
	"github.com/hugolhafner/streamhost/system"
	"github.com/hugolhafner/streamhost/task"
)

// Options tune container construction beyond what the config map carries.
type Options struct {
	Registries Registries
	Logger     logger.Logger
	Telemetry  *streamsotel.Telemetry
	// Now is stubbed by tests; defaults to time.Now.
	Now func() time.Time
}

// Container owns one process's share of the job: a fixed set of partitions,
// one task instance per partition, the consumer and producer multiplexers,
// storage and checkpoints. Everything on the data path runs on the single
// run-loop goroutine.
type Container struct {
	name string
	cfg  *config.Config

	tasks     map[system.Partition]*task.Instance
	taskOrder []system.Partition

	consumers   *consumer.Multiplexer
	producers   *producer.Multiplexer
	checkpoints checkpoint.Manager
	reporters   []metrics.Reporter
	registries  []*metrics.Registry

	iterations *metrics.Counter
	chosen     *metrics.Counter
	idle       *metrics.Counter

	shutdown atomic.Bool

	telemetry *streamsotel.Telemetry
	logger    logger.Logger
}

// New wires every subsystem from config. All factory resolution happens
// here; an unknown name or missing required key fails before anything
// starts.
func New(name string, cfg *config.Config, partitions []system.Partition, opts Options) (*Container, error) {
	if len(partitions) == 0 {
		return nil, fmt.Errorf("container: no partitions assigned")
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = streamsotel.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	regs := opts.Registries
	l := opts.Logger.With("component", "container", "container", name)

	taskCfg := cfg.Task()

	taskClass, err := taskCfg.Class()
	if err != nil {
		return nil, err
	}
	rawInputs, err := taskCfg.Inputs()
	if err != nil {
		return nil, err
	}
	inputs := make([]system.Stream, 0, len(rawInputs))
	for _, raw := range rawInputs {
		stream, err := system.ParseStream(raw)
		if err != nil {
			return nil, fmt.Errorf("container: task.inputs: %w", err)
		}
		inputs = append(inputs, stream)
	}

	windowInterval, err := taskCfg.WindowInterval()
	if err != nil {
		return nil, err
	}
	commitInterval, err := taskCfg.CommitInterval()
	if err != nil {
		return nil, err
	}
	dropDecodeErrors, err := taskCfg.DropDeserializationErrors()
	if err != nil {
		return nil, err
	}

	serdeManager, err := serde.NewManager(cfg, regs.Serdes)
	if err != nil {
		return nil, err
	}
	serdeResolver, err := serde.NewResolver(cfg, regs.Serdes)
	if err != nil {
		return nil, err
	}

	factories := make(map[string]system.Factory)
	factoryFor := func(systemName string) (system.Factory, error) {
		if f, ok := factories[systemName]; ok {
			return f, nil
		}
		factoryName, err := cfg.System(systemName).Factory()
		if err != nil {
			return nil, err
		}
		f, err := regs.Systems.Lookup(factoryName)
		if err != nil {
			return nil, fmt.Errorf("container: system %q: %w", systemName, err)
		}
		factories[systemName] = f
		return f, nil
	}

	// Store specs are shared across tasks up to the per-partition dir; the
	// changelog streams register with the serde manager before any producer
	// is built.
	type storeTemplate struct {
		name      string
		factory   string
		keySerde  serde.Serde
		msgSerde  serde.Serde
		changelog *system.Stream
		path      string
	}
	stateDir := cfg.GetOrDefault("container.state.dir", "state")
	var storeTemplates []storeTemplate
	changelogSystems := make(map[string]struct{})
	for _, storeName := range cfg.StoreNames() {
		sc := cfg.Store(storeName)
		factoryName, err := sc.Factory()
		if err != nil {
			return nil, err
		}
		keyName, err := sc.KeySerde()
		if err != nil {
			return nil, err
		}
		keySerde, err := serdeResolver.Resolve(keyName)
		if err != nil {
			return nil, err
		}
		msgName, err := sc.MsgSerde()
		if err != nil {
			return nil, err
		}
		msgSerde, err := serdeResolver.Resolve(msgName)
		if err != nil {
			return nil, err
		}

		tmpl := storeTemplate{
			name:     storeName,
			factory:  factoryName,
			keySerde: keySerde,
			msgSerde: msgSerde,
		}
		if raw, ok := sc.Changelog(); ok {
			stream, err := system.ParseStream(raw)
			if err != nil {
				return nil, fmt.Errorf("container: store %q changelog: %w", storeName, err)
			}
			tmpl.changelog = &stream
			changelogSystems[stream.System] = struct{}{}
			serdeManager.RegisterChangelog(stream)
		}
		if p, ok := sc.Path(); ok {
			tmpl.path = p
		}
		storeTemplates = append(storeTemplates, tmpl)
	}

	// Producers exist for every declared system; tasks may send anywhere.
	producers := make(map[string]system.Producer)
	for _, systemName := range cfg.SystemNames() {
		f, err := factoryFor(systemName)
		if err != nil {
			return nil, err
		}
		p, err := f.Producer(systemName, cfg.System(systemName).Properties(), opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("container: build producer for system %q: %w", systemName, err)
		}
		producers[systemName] = p
	}
	for systemName := range changelogSystems {
		if _, ok := producers[systemName]; !ok {
			return nil, fmt.Errorf("container: changelog references undeclared system %q", systemName)
		}
	}
	producerMux := producer.NewMultiplexer(producers, serdeManager, opts.Logger)

	// Consumers exist for input systems only; changelog restore opens its
	// own dedicated consumers.
	consumers := make(map[string]system.Consumer)
	for _, stream := range inputs {
		if _, ok := consumers[stream.System]; ok {
			continue
		}
		f, err := factoryFor(stream.System)
		if err != nil {
			return nil, err
		}
		cons, err := f.Consumer(stream.System, cfg.System(stream.System).Properties(), opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("container: build consumer for system %q: %w", stream.System, err)
		}
		consumers[stream.System] = cons
	}

	ch, err := regs.Choosers.Build(taskCfg.ChooserClass(), cfg.Subset("task.message.chooser."), opts.Logger)
	if err != nil {
		return nil, err
	}

	queueSize, err := cfg.ConsumerQueueSize()
	if err != nil {
		return nil, err
	}
	pollInterval, err := cfg.PollInterval()
	if err != nil {
		return nil, err
	}
	consumerMux := consumer.NewMultiplexer(consumers, ch, serdeManager, consumer.Options{
		QueueSize:        queueSize,
		PollTimeout:      pollInterval,
		DropDecodeErrors: dropDecodeErrors,
		Logger:           opts.Logger,
	})

	var checkpoints checkpoint.Manager
	if factoryName, ok := taskCfg.CheckpointFactory(); ok {
		checkpoints, err = regs.Checkpoints.Build(factoryName, cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	resetOffsets := make(map[system.Stream]bool, len(inputs))
	offsetDefaults := make(map[system.Stream]string, len(inputs))
	for _, stream := range inputs {
		sc := cfg.Stream(stream.System, stream.Name)
		reset, err := sc.ResetOffset()
		if err != nil {
			return nil, err
		}
		resetOffsets[stream] = reset
		offsetDefaults[stream] = sc.OffsetDefault()
	}

	containerReg := metrics.NewRegistry(name)
	registries := []*metrics.Registry{containerReg}

	c := &Container{
		name:        name,
		cfg:         cfg,
		tasks:       make(map[system.Partition]*task.Instance, len(partitions)),
		consumers:   consumerMux,
		producers:   producerMux,
		checkpoints: checkpoints,
		iterations:  containerReg.Counter("loop-iterations"),
		chosen:      containerReg.Counter("envelopes-chosen"),
		idle:        containerReg.Counter("idle-iterations"),
		telemetry:   opts.Telemetry,
		logger:      l,
	}

	for _, partition := range partitions {
		taskName := "partition-" + strconv.Itoa(int(partition))

		userTask, err := regs.Tasks.Build(taskClass)
		if err != nil {
			return nil, err
		}

		var listeners []task.Listener
		for _, listenerName := range taskCfg.ListenerNames() {
			class, err := taskCfg.ListenerClass(listenerName)
			if err != nil {
				return nil, err
			}
			listener, err := regs.Listeners.Build(
				class, cfg.Subset("task.lifecycle.listener."+listenerName+"."), opts.Logger,
			)
			if err != nil {
				return nil, err
			}
			listeners = append(listeners, listener)
		}

		var storageManager *storage.Manager
		if len(storeTemplates) > 0 {
			specs := make([]storage.StoreSpec, 0, len(storeTemplates))
			for _, tmpl := range storeTemplates {
				dir := tmpl.path
				if dir == "" {
					dir = filepath.Join(stateDir, tmpl.name, strconv.Itoa(int(partition)))
				}
				specs = append(specs, storage.StoreSpec{
					Name:          tmpl.name,
					EngineFactory: tmpl.factory,
					KeySerde:      tmpl.keySerde,
					MsgSerde:      tmpl.msgSerde,
					Changelog:     tmpl.changelog,
					Dir:           dir,
				})
			}
			storageManager = storage.NewManager(storage.ManagerOptions{
				TaskName:  taskName,
				Partition: partition,
				Specs:     specs,
				Engines:   regs.Storage,
				Sender:    producerMux,
				NewConsumer: func(systemName string) (system.Consumer, error) {
					f, err := factoryFor(systemName)
					if err != nil {
						return nil, err
					}
					return f.Consumer(systemName, cfg.System(systemName).Properties(), opts.Logger)
				},
				NewAdmin: func(systemName string) (system.Admin, error) {
					f, err := factoryFor(systemName)
					if err != nil {
						return nil, err
					}
					return f.Admin(systemName, cfg.System(systemName).Properties(), opts.Logger)
				},
				Logger: opts.Logger,
			})
		}

		taskReg := metrics.NewRegistry(taskName)
		registries = append(registries, taskReg)

		instance, err := task.NewInstance(task.InstanceOptions{
			TaskName:       taskName,
			Partition:      partition,
			Task:           userTask,
			Inputs:         inputs,
			Consumers:      consumerMux,
			Producers:      producerMux,
			Storage:        storageManager,
			Checkpoints:    checkpoints,
			WindowInterval: windowInterval,
			CommitInterval: commitInterval,
			ResetOffsets:   resetOffsets,
			OffsetDefaults: offsetDefaults,
			Listeners:      listeners,
			Metrics:        taskReg,
			Logger:         opts.Logger,
			Now:            opts.Now,
		})
		if err != nil {
			return nil, err
		}
		c.tasks[partition] = instance
		c.taskOrder = append(c.taskOrder, partition)
	}
	sort.Slice(c.taskOrder, func(i, j int) bool { return c.taskOrder[i] < c.taskOrder[j] })

	// Reporters come last so every registry exists before registration.
	mc := cfg.Metrics()
	for _, reporterName := range mc.ReporterNames() {
		class, err := mc.ReporterClass(reporterName)
		if err != nil {
			return nil, err
		}
		properties := cfg.Subset("metrics.reporter." + reporterName + ".")
		if _, ok := properties["port"]; !ok {
			port, err := cfg.DiagnosticsPort()
			if err != nil {
				return nil, err
			}
			properties["port"] = strconv.Itoa(port)
		}
		reporter, err := regs.Reporters.Build(class, reporterName, properties, opts.Logger)
		if err != nil {
			return nil, err
		}
		for _, reg := range registries {
			reporter.Register(reg)
		}
		c.reporters = append(c.reporters, reporter)
	}
	c.registries = registries

	return c, nil
}

// RequestShutdown asks the run loop to exit after the current iteration,
// mirroring Coordinator.RequestShutdown for out-of-band callers like signal
// handlers.
func (c *Container) RequestShutdown() {
	c.shutdown.Store(true)
}

// TaskNames returns the task names in partition order.
func (c *Container) TaskNames() []string {
	names := make([]string, 0, len(c.taskOrder))
	for _, p := range c.taskOrder {
		names = append(names, c.tasks[p].TaskName())
	}
	return names
}

// Run starts every subsystem in order, executes the run loop and stops
// everything in strict reverse order, stop-once each, even when setup or the
// loop fails.
func (c *Container) Run(ctx context.Context) (err error) {
	c.logger.Info("Container starting", "tasks", len(c.tasks))

	var stops []func() error
	defer func() {
		for i := len(stops) - 1; i >= 0; i-- {
			if stopErr := stops[i](); stopErr != nil {
				c.logger.Error("Error stopping subsystem", "error", stopErr)
				if err == nil {
					err = stopErr
				}
			}
		}
		if err != nil {
			c.logger.Error("Container exited with error", "error", err)
		} else {
			c.logger.Info("Container shutdown complete")
		}
	}()

	// metrics
	for _, reporter := range c.reporters {
		r := reporter
		if err := r.Start(); err != nil {
			return fmt.Errorf("container: start metrics reporter: %w", err)
		}
		stops = append(stops, r.Stop)
	}

	// checkpoints
	if c.checkpoints != nil {
		if err := c.checkpoints.Start(); err != nil {
			return fmt.Errorf("container: start checkpoint manager: %w", err)
		}
		stops = append(stops, c.checkpoints.Stop)
		for _, p := range c.taskOrder {
			if err := c.tasks[p].RegisterCheckpoints(); err != nil {
				return err
			}
		}
	}

	// consumer registration precedes consumer start; offsets are final once
	// checkpoints are loaded
	for _, p := range c.taskOrder {
		if err := c.tasks[p].RegisterConsumers(); err != nil {
			return err
		}
		c.tasks[p].RegisterProducers()
	}

	// stores restore before any user code observes input
	restoreStart := time.Now()
	for _, p := range c.taskOrder {
		if err := c.tasks[p].StartStores(ctx); err != nil {
			return err
		}
	}
	c.telemetry.RestoreDuration.Record(ctx, time.Since(restoreStart).Seconds())
	stops = append(stops, c.closeStores)

	// task init
	for _, p := range c.taskOrder {
		if err := c.tasks[p].InitTask(); err != nil {
			return err
		}
	}
	stops = append(stops, c.closeTasks)
	c.telemetry.TasksActive.Add(ctx, int64(len(c.tasks)))

	// producers
	if err := c.producers.Start(); err != nil {
		return err
	}
	stops = append(stops, c.producers.Stop)

	// consumers
	if err := c.consumers.Start(); err != nil {
		return err
	}
	stops = append(stops, c.consumers.Stop)

	c.logger.Info("Container started, entering run loop")
	return c.runLoop(ctx)
}

func (c *Container) runLoop(ctx context.Context) error {
	for {
		coord := task.NewCoordinator()
		c.iterations.Inc()

		if err := c.process(ctx, coord); err != nil {
			return err
		}
		if err := c.window(coord); err != nil {
			return err
		}
		if err := c.send(ctx); err != nil {
			return err
		}
		c.commit(ctx, coord)

		if coord.ShutdownRequested() || c.shutdown.Load() || ctx.Err() != nil {
			c.logger.Info("Shutdown requested, leaving run loop")
			return nil
		}
	}
}

// process pulls at most one envelope and routes it to its task. An idle
// iteration still runs window, send and commit, which keeps timers live on
// empty input.
func (c *Container) process(ctx context.Context, coord *task.Coordinator) error {
	chooseStart := time.Now()
	env, ok, err := c.consumers.Choose(ctx)
	c.telemetry.ChooseDuration.Record(ctx, time.Since(chooseStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			// cancellation mid-poll; the loop exits on the shutdown check
			return nil
		}
		return fmt.Errorf("container: choose: %w", err)
	}
	if !ok {
		c.idle.Inc()
		c.telemetry.IdleIterations.Add(ctx, 1)
		return nil
	}

	c.chosen.Inc()
	instance, exists := c.tasks[env.StreamPartition.Partition]
	if !exists {
		c.logger.Warn("Envelope for unassigned partition", "partition", env.StreamPartition.String())
		return nil
	}

	processStart := time.Now()
	err = instance.Process(env, coord)
	c.telemetry.ProcessDuration.Record(ctx, time.Since(processStart).Seconds())
	if err != nil {
		return err
	}
	c.telemetry.EnvelopesProcessed.Add(ctx, 1)
	return nil
}

func (c *Container) window(coord *task.Coordinator) error {
	for _, p := range c.taskOrder {
		if err := c.tasks[p].Window(coord); err != nil {
			return err
		}
	}
	return nil
}

func (c *Container) send(ctx context.Context) error {
	for _, p := range c.taskOrder {
		n, err := c.tasks[p].Send()
		if err != nil {
			return err
		}
		if n > 0 {
			c.telemetry.EnvelopesSent.Add(ctx, int64(n))
		}
	}
	return nil
}

// commit failures are logged and absorbed: at-least-once lets the next
// commit catch up.
func (c *Container) commit(ctx context.Context, coord *task.Coordinator) {
	commitStart := time.Now()
	committed := false
	for _, p := range c.taskOrder {
		ran, err := c.tasks[p].Commit(coord)
		if err != nil {
			c.logger.Error("Commit failed, will retry on next interval", "task", c.tasks[p].TaskName(), "error", err)
			continue
		}
		committed = committed || ran
	}
	if committed {
		c.telemetry.Commits.Add(ctx, 1)
		c.telemetry.CommitDuration.Record(ctx, time.Since(commitStart).Seconds())
	}
}

func (c *Container) closeTasks() error {
	var firstErr error
	for i := len(c.taskOrder) - 1; i >= 0; i-- {
		if err := c.tasks[c.taskOrder[i]].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Container) closeStores() error {
	var firstErr error
	for i := len(c.taskOrder) - 1; i >= 0; i-- {
		p := c.taskOrder[i]
		if err := c.tasks[p].CloseStores(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
