package container_test

import (
	"context"
	"testing"
	"time"

	"github.com/hugolhafner/streamhost/checkpoint"
	checkpointfile "github.com/hugolhafner/streamhost/checkpoint/file"
	"github.com/hugolhafner/streamhost/config"
	"github.com/hugolhafner/streamhost/container"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/system"
	"github.com/hugolhafner/streamhost/system/inmemory"
	"github.com/hugolhafner/streamhost/task"
	"github.com/stretchr/testify/require"
)

var (
	in     = system.Stream{System: "sys", Name: "s"}
	out    = system.Stream{System: "sys", Name: "out"}
	kvlog  = system.Stream{System: "sys", Name: "kvlog"}
	inSP0  = system.StreamPartition{Stream: in, Partition: 0}
	inSP1  = system.StreamPartition{Stream: in, Partition: 1}
	outSP0 = system.StreamPartition{Stream: out, Partition: 0}
)

func baseValues(extra map[string]string) map[string]string {
	values := map[string]string{
		"task.class":                  "test-task",
		"task.inputs":                 "sys.s",
		"task.checkpoint.factory":     "recording",
		"task.poll.interval.ms":       "1",
		"systems.sys.samza.factory":   "inmemory",
		"systems.sys.samza.key.serde": "string",
		"systems.sys.samza.msg.serde": "string",
	}
	for k, v := range extra {
		values[k] = v
	}
	return values
}

// recordingCheckpoints is a checkpoint backend capturing every write together
// with the broker's flush count at write time.
type recordingCheckpoints struct {
	broker        *inmemory.System
	written       []checkpoint.Checkpoint
	flushesAtTime []int
	stops         int
}

func (r *recordingCheckpoints) Start() error    { return nil }
func (r *recordingCheckpoints) Register(string) {}

func (r *recordingCheckpoints) Stop() error {
	r.stops++
	return nil
}

func (r *recordingCheckpoints) Read(string) (checkpoint.Checkpoint, bool, error) {
	return checkpoint.Checkpoint{}, false, nil
}

func (r *recordingCheckpoints) Write(_ string, cp checkpoint.Checkpoint) error {
	copied := checkpoint.New()
	for sp, offset := range cp.Offsets {
		copied.Offsets[sp] = offset
	}
	r.written = append(r.written, copied)
	if r.broker != nil {
		r.flushesAtTime = append(r.flushesAtTime, len(r.broker.Flushes()))
	}
	return nil
}

type harness struct {
	broker *inmemory.System
	cps    *recordingCheckpoints
	regs   container.Registries
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	broker := inmemory.NewSystem()
	cps := &recordingCheckpoints{broker: broker}

	regs := container.DefaultRegistries()
	regs.Systems.Register(inmemory.FactoryName, broker)
	regs.Checkpoints.Register("recording", func(*config.Config, logger.Logger) (checkpoint.Manager, error) {
		return cps, nil
	})
	return &harness{broker: broker, cps: cps, regs: regs}
}

func (h *harness) run(t *testing.T, values map[string]string, partitions []system.Partition) {
	t.Helper()
	c, err := container.New("test-container", config.New(values), partitions, container.Options{
		Registries: h.regs,
		Logger:     logger.NewNoopLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))
	require.NoError(t, ctx.Err(), "run loop should exit by task request, not by timeout")
}

// identityTask echoes to out, pinning the source partition, and requests
// commit+shutdown once `stopAfter` envelopes were seen in total.
type identityTask struct {
	seen      *[]string
	total     *int
	stopAfter int
}

func (tk *identityTask) Process(env system.IncomingEnvelope, collector *task.Collector, coord *task.Coordinator) error {
	value, _ := env.Value.(string)
	*tk.seen = append(*tk.seen, value)
	collector.Send(system.OutgoingEnvelope{
		Stream:    out,
		Partition: env.StreamPartition.Partition,
		Key:       env.Key,
		Value:     value,
	})
	*tk.total++
	if *tk.total >= tk.stopAfter {
		coord.RequestCommit()
		coord.RequestShutdown()
	}
	return nil
}

func TestIdentityEchoWithFinalCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.broker.ProduceAt(inSP0, 10, nil, []byte("a"))
	h.broker.ProduceAt(inSP0, 11, nil, []byte("b"))
	h.broker.ProduceAt(inSP0, 12, nil, []byte("c"))

	var seen []string
	var total int
	h.regs.Tasks.Register("test-task", func() task.Task {
		return &identityTask{seen: &seen, total: &total, stopAfter: 3}
	})

	h.run(t, baseValues(nil), []system.Partition{0})

	require.Equal(t, []string{"a", "b", "c"}, seen)

	produced := h.broker.Produced(outSP0)
	require.Len(t, produced, 3)
	for i, want := range []string{"a", "b", "c"} {
		require.Equal(t, []byte(want), produced[i].Value)
	}

	require.NotEmpty(t, h.cps.written)
	final := h.cps.written[len(h.cps.written)-1]
	require.Equal(t, "12", final.Offsets[inSP0])
}

func TestCommitEveryIterationWritesCheckpointPerEnvelope(t *testing.T) {
	h := newHarness(t)
	h.broker.ProduceAt(inSP0, 10, nil, []byte("a"))
	h.broker.ProduceAt(inSP0, 11, nil, []byte("b"))
	h.broker.ProduceAt(inSP0, 12, nil, []byte("c"))

	var seen []string
	var total int
	h.regs.Tasks.Register("test-task", func() task.Task {
		return &identityTask{seen: &seen, total: &total, stopAfter: 3}
	})

	h.run(t, baseValues(map[string]string{"task.commit.ms": "0"}), []system.Partition{0})

	require.Len(t, h.cps.written, 3)
	require.Equal(t, "10", h.cps.written[0].Offsets[inSP0])
	require.Equal(t, "11", h.cps.written[1].Offsets[inSP0])
	require.Equal(t, "12", h.cps.written[2].Offsets[inSP0])

	// every checkpoint write was preceded by at least one more producer flush
	last := 0
	for i, flushes := range h.cps.flushesAtTime {
		require.Greater(t, flushes, last, "checkpoint %d not preceded by a flush", i)
		last = flushes
	}
}

// storeTask puts k→v for each envelope and verifies the store read-back.
type storeTask struct {
	ctx      *task.Context
	readBack *string
}

func (tk *storeTask) Init(ctx *task.Context) error {
	tk.ctx = ctx
	return nil
}

func (tk *storeTask) Process(env system.IncomingEnvelope, _ *task.Collector, coord *task.Coordinator) error {
	store, ok := tk.ctx.Store("kv")
	if !ok {
		panic("store kv missing")
	}
	if err := store.Put("k", "v"); err != nil {
		return err
	}
	v, _, err := store.Get("k")
	if err != nil {
		return err
	}
	*tk.readBack, _ = v.(string)
	coord.RequestCommit()
	coord.RequestShutdown()
	return nil
}

func storeValues() map[string]string {
	return map[string]string{
		"stores.kv.factory":   "memory",
		"stores.kv.changelog": "sys.kvlog",
		"stores.kv.key.serde": "string",
		"stores.kv.msg.serde": "string",
	}
}

func TestStoreMutationReachesChangelogAndCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.broker.ProduceAt(inSP0, 5, []byte("k"), []byte("v"))

	var readBack string
	h.regs.Tasks.Register("test-task", func() task.Task {
		return &storeTask{readBack: &readBack}
	})

	h.run(t, baseValues(storeValues()), []system.Partition{0})

	require.Equal(t, "v", readBack)

	logRecords := h.broker.Produced(system.StreamPartition{Stream: kvlog, Partition: 0})
	require.Len(t, logRecords, 1)
	require.Equal(t, []byte("k"), logRecords[0].Key)
	require.Equal(t, []byte("v"), logRecords[0].Value)

	final := h.cps.written[len(h.cps.written)-1]
	require.Equal(t, "5", final.Offsets[inSP0])
}

// restoreProbeTask records the restored store contents during Init and shuts
// down on the first window.
type restoreProbeTask struct {
	restored *string
}

func (tk *restoreProbeTask) Init(ctx *task.Context) error {
	store, ok := ctx.Store("kv")
	if !ok {
		panic("store kv missing")
	}
	v, found, err := store.Get("k")
	if err != nil {
		return err
	}
	if found {
		*tk.restored, _ = v.(string)
	}
	return nil
}

func (tk *restoreProbeTask) Process(system.IncomingEnvelope, *task.Collector, *task.Coordinator) error {
	return nil
}

func (tk *restoreProbeTask) Window(_ *task.Collector, coord *task.Coordinator) error {
	coord.RequestShutdown()
	return nil
}

func TestRestartRestoresStoreFromChangelog(t *testing.T) {
	h := newHarness(t)
	logSP := system.StreamPartition{Stream: kvlog, Partition: 0}
	h.broker.Produce(logSP, []byte("k"), []byte("v1"))
	h.broker.Produce(logSP, []byte("k"), []byte("v2"))

	var restored string
	h.regs.Tasks.Register("test-task", func() task.Task {
		return &restoreProbeTask{restored: &restored}
	})

	values := baseValues(storeValues())
	values["task.window.ms"] = "0"
	h.run(t, values, []system.Partition{0})

	require.Equal(t, "v2", restored, "restore must complete before init observes the store")
	require.Len(t, h.broker.Produced(logSP), 2, "restore must not write back to the changelog")
}

func TestTwoPartitionsInterleaveWithIsolatedCheckpoints(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.broker.Produce(inSP0, nil, []byte("p0"))
		h.broker.Produce(inSP1, nil, []byte("p1"))
	}

	var seen []string
	var total int
	h.regs.Tasks.Register("test-task", func() task.Task {
		return &identityTask{seen: &seen, total: &total, stopAfter: 6}
	})

	h.run(t, baseValues(map[string]string{"task.commit.ms": "0"}), []system.Partition{0, 1})

	require.Len(t, seen, 6)

	out0 := h.broker.Produced(outSP0)
	out1 := h.broker.Produced(system.StreamPartition{Stream: out, Partition: 1})
	require.Len(t, out0, 3)
	require.Len(t, out1, 3)
	for _, rec := range out0 {
		require.Equal(t, []byte("p0"), rec.Value)
	}
	for _, rec := range out1 {
		require.Equal(t, []byte("p1"), rec.Value)
	}

	// per-task checkpoints carry only the task's own partition
	for _, cp := range h.cps.written {
		require.Len(t, cp.Offsets, 1)
	}
}

func TestDropDeserializationErrorsSkipsMalformed(t *testing.T) {
	h := newHarness(t)
	valid1, err := serde.Int64().Encode(int64(1))
	require.NoError(t, err)
	valid2, err := serde.Int64().Encode(int64(2))
	require.NoError(t, err)
	h.broker.ProduceAt(inSP0, 10, nil, valid1)
	h.broker.ProduceAt(inSP0, 11, nil, []byte("malformed"))
	h.broker.ProduceAt(inSP0, 12, nil, valid2)

	var offsets []string
	h.regs.Tasks.Register("test-task", func() task.Task {
		return taskFunc(func(env system.IncomingEnvelope, _ *task.Collector, coord *task.Coordinator) error {
			offsets = append(offsets, env.Offset)
			if env.Offset == "12" {
				coord.RequestCommit()
				coord.RequestShutdown()
			}
			return nil
		})
	})

	h.run(t, baseValues(map[string]string{
		"task.drop.deserialization.errors": "true",
		"systems.sys.samza.msg.serde":      "int64",
	}), []system.Partition{0})

	require.Equal(t, []string{"10", "12"}, offsets)
	final := h.cps.written[len(h.cps.written)-1]
	require.Equal(t, "12", final.Offsets[inSP0], "checkpoint advances past the malformed offset")
}

func TestEmptyInputStillTicksWindows(t *testing.T) {
	h := newHarness(t)

	windows := 0
	h.regs.Tasks.Register("test-task", func() task.Task {
		return &windowOnlyTask{windows: &windows}
	})

	h.run(t, baseValues(map[string]string{"task.window.ms": "0"}), []system.Partition{0})

	require.GreaterOrEqual(t, windows, 3)
}

func TestResumeFromFileCheckpointAcrossRuns(t *testing.T) {
	broker := inmemory.NewSystem()
	dir := t.TempDir()

	regs := container.DefaultRegistries()
	regs.Systems.Register(inmemory.FactoryName, broker)

	var seen []string
	var total int
	regs.Tasks.Register("test-task", func() task.Task {
		return &identityTask{seen: &seen, total: &total, stopAfter: 2}
	})

	values := baseValues(map[string]string{
		"task.commit.ms":          "0",
		"task.checkpoint.factory": checkpointfile.FactoryName,
		"task.checkpoint.path":    dir,
	})

	run := func() {
		c, err := container.New("test-container", config.New(values), []system.Partition{0}, container.Options{
			Registries: regs,
			Logger:     logger.NewNoopLogger(),
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.Run(ctx))
	}

	broker.Produce(inSP0, nil, []byte("one"))
	broker.Produce(inSP0, nil, []byte("two"))
	run()
	require.Equal(t, []string{"one", "two"}, seen)

	broker.Produce(inSP0, nil, []byte("three"))
	broker.Produce(inSP0, nil, []byte("four"))
	seen = nil
	total = 0
	run()
	require.Equal(t, []string{"three", "four"}, seen, "second run resumes after the checkpoint")
}

func TestCheckpointManagerStoppedExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.broker.Produce(inSP0, nil, []byte("a"))

	var seen []string
	var total int
	h.regs.Tasks.Register("test-task", func() task.Task {
		return &identityTask{seen: &seen, total: &total, stopAfter: 1}
	})

	h.run(t, baseValues(nil), []system.Partition{0})
	require.Equal(t, 1, h.cps.stops)
}

func TestSetupFatalNamesOffendingKey(t *testing.T) {
	h := newHarness(t)
	values := baseValues(nil)
	delete(values, "task.class")

	_, err := container.New("test-container", config.New(values), []system.Partition{0}, container.Options{
		Registries: h.regs,
		Logger:     logger.NewNoopLogger(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "task.class")
}

func TestUnknownSystemFactoryIsFatal(t *testing.T) {
	h := newHarness(t)
	values := baseValues(map[string]string{"systems.sys.samza.factory": "no-such-system"})

	_, err := container.New("test-container", config.New(values), []system.Partition{0}, container.Options{
		Registries: h.regs,
		Logger:     logger.NewNoopLogger(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no-such-system")
}

func TestNoPartitionsIsFatal(t *testing.T) {
	h := newHarness(t)
	_, err := container.New("test-container", config.New(baseValues(nil)), nil, container.Options{
		Registries: h.regs,
		Logger:     logger.NewNoopLogger(),
	})
	require.Error(t, err)
}

// helpers

type taskFunc func(env system.IncomingEnvelope, collector *task.Collector, coord *task.Coordinator) error

func (f taskFunc) Process(env system.IncomingEnvelope, collector *task.Collector, coord *task.Coordinator) error {
	return f(env, collector, coord)
}

type windowOnlyTask struct {
	windows *int
}

func (tk *windowOnlyTask) Process(system.IncomingEnvelope, *task.Collector, *task.Coordinator) error {
	return nil
}

func (tk *windowOnlyTask) Window(_ *task.Collector, coord *task.Coordinator) error {
	*tk.windows++
	if *tk.windows >= 3 {
		coord.RequestShutdown()
	}
	return nil
}
