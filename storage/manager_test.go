package storage_test

import (
	"context"
	"testing"

	"github.com/hugolhafner/streamhost/config"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/producer"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/storage"
	"github.com/hugolhafner/streamhost/storage/memory"
	"github.com/hugolhafner/streamhost/system"
	"github.com/hugolhafner/streamhost/system/inmemory"
	"github.com/stretchr/testify/require"
)

var changelog = system.Stream{System: "sys", Name: "kvlog"}

type fixture struct {
	broker  *inmemory.System
	manager *storage.Manager
}

func newFixture(t *testing.T, partition system.Partition) *fixture {
	t.Helper()
	broker := inmemory.NewSystem()
	return newFixtureWithBroker(t, broker, partition)
}

func newFixtureWithBroker(t *testing.T, broker *inmemory.System, partition system.Partition) *fixture {
	t.Helper()
	l := logger.NewNoopLogger()

	serdeManager, err := serde.NewManager(config.New(nil), serde.Builtins())
	require.NoError(t, err)
	serdeManager.RegisterChangelog(changelog)

	prod, err := broker.Producer("sys", nil, l)
	require.NoError(t, err)
	mux := producer.NewMultiplexer(map[string]system.Producer{"sys": prod}, serdeManager, l)
	mux.Register("partition-0")

	engines := storage.NewRegistry()
	engines.Register(memory.FactoryName, memory.Factory)

	manager := storage.NewManager(storage.ManagerOptions{
		TaskName:  "partition-0",
		Partition: partition,
		Specs: []storage.StoreSpec{{
			Name:          "kv",
			EngineFactory: memory.FactoryName,
			KeySerde:      serde.String(),
			MsgSerde:      serde.String(),
			Changelog:     &changelog,
		}},
		Engines: engines,
		Sender:  mux,
		NewConsumer: func(systemName string) (system.Consumer, error) {
			return broker.Consumer(systemName, nil, l)
		},
		NewAdmin: func(systemName string) (system.Admin, error) {
			return broker.Admin(systemName, nil, l)
		},
		Logger: l,
	})
	return &fixture{broker: broker, manager: manager}
}

func TestMutationsMirrorToChangelog(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.manager.Init(context.Background()))

	store, ok := f.manager.Store("kv")
	require.True(t, ok)

	require.NoError(t, store.Put("k", "v"))
	require.NoError(t, store.Delete("k"))

	logSP := system.StreamPartition{Stream: changelog, Partition: 0}
	records := f.broker.Produced(logSP)
	require.Len(t, records, 2)
	require.Equal(t, []byte("k"), records[0].Key)
	require.Equal(t, []byte("v"), records[0].Value)
	require.Equal(t, []byte("k"), records[1].Key)
	require.Nil(t, records[1].Value)
}

func TestChangelogPartitionMatchesTaskPartition(t *testing.T) {
	f := newFixture(t, 3)
	require.NoError(t, f.manager.Init(context.Background()))

	store, _ := f.manager.Store("kv")
	require.NoError(t, store.Put("k", "v"))

	require.Empty(t, f.broker.Produced(system.StreamPartition{Stream: changelog, Partition: 0}))
	require.Len(t, f.broker.Produced(system.StreamPartition{Stream: changelog, Partition: 3}), 1)
}

func TestRestoreReplaysChangelogBeforeUse(t *testing.T) {
	broker := inmemory.NewSystem()
	logSP := system.StreamPartition{Stream: changelog, Partition: 0}
	broker.Produce(logSP, []byte("k"), []byte("v1"))
	broker.Produce(logSP, []byte("k"), []byte("v2"))

	f := newFixtureWithBroker(t, broker, 0)
	require.NoError(t, f.manager.Init(context.Background()))

	store, _ := f.manager.Store("kv")
	v, found, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v2", v)

	// restore applied directly; nothing was written back to the changelog
	require.Len(t, broker.Produced(logSP), 2)
}

func TestRestoreIsIdempotent(t *testing.T) {
	broker := inmemory.NewSystem()
	logSP := system.StreamPartition{Stream: changelog, Partition: 0}
	broker.Produce(logSP, []byte("a"), []byte("1"))
	broker.Produce(logSP, []byte("b"), []byte("2"))
	broker.Produce(logSP, []byte("a"), nil)

	state := func() map[string]string {
		f := newFixtureWithBroker(t, broker, 0)
		require.NoError(t, f.manager.Init(context.Background()))
		store, _ := f.manager.Store("kv")
		out := make(map[string]string)
		require.NoError(t, store.Range(nil, nil, func(k, v any) bool {
			out[k.(string)] = v.(string)
			return true
		}))
		return out
	}

	first := state()
	second := state()
	require.Equal(t, map[string]string{"b": "2"}, first)
	require.Equal(t, first, second)
}

func TestRestoreEmptyChangelogIsNoop(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.manager.Init(context.Background()))

	store, _ := f.manager.Store("kv")
	_, found, err := store.Get("k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestFlushAndCloseAll(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.manager.Init(context.Background()))
	require.NoError(t, f.manager.FlushAll())
	require.NoError(t, f.manager.CloseAll())

	store, _ := f.manager.Store("kv")
	require.Error(t, store.Put("k", "v"))
}
