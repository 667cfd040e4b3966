package memory_test

import (
	"strconv"
	"testing"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/storage/memory"
	"github.com/hugolhafner/streamhost/system"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	e := memory.New("kv", 0, logger.NewNoopLogger())

	_, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	v, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, e.Put([]byte("k"), []byte("v2")))
	v, _, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	require.NoError(t, e.Delete([]byte("k")))
	_, found, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestEngineOwnsItsBytes(t *testing.T) {
	e := memory.New("kv", 0, logger.NewNoopLogger())

	key := []byte("k")
	value := []byte("v")
	require.NoError(t, e.Put(key, value))
	value[0] = 'x'

	got, _, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestRangeBounds(t *testing.T) {
	e := memory.New("kv", 0, logger.NewNoopLogger())
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Put([]byte("k"+strconv.Itoa(i)), []byte{byte(i)}))
	}

	collect := func(from, to []byte) []string {
		var keys []string
		require.NoError(t, e.Range(from, to, func(k, _ []byte) bool {
			keys = append(keys, string(k))
			return true
		}))
		return keys
	}

	require.Equal(t, []string{"k0", "k1", "k2", "k3", "k4"}, collect(nil, nil))
	require.Equal(t, []string{"k2", "k3", "k4"}, collect([]byte("k2"), nil))
	require.Equal(t, []string{"k0", "k1"}, collect(nil, []byte("k2")))
	require.Equal(t, []string{"k1", "k2"}, collect([]byte("k1"), []byte("k3")))
}

func TestRangeEarlyStop(t *testing.T) {
	e := memory.New("kv", 0, logger.NewNoopLogger())
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Put([]byte{byte(i)}, nil))
	}

	visited := 0
	require.NoError(t, e.Range(nil, nil, func(_, _ []byte) bool {
		visited++
		return visited < 2
	}))
	require.Equal(t, 2, visited)
}

func TestRestoreAppliesPutsAndTombstones(t *testing.T) {
	e := memory.New("kv", 0, logger.NewNoopLogger())
	sp := system.StreamPartition{Stream: system.Stream{System: "sys", Name: "kvlog"}}

	require.NoError(t, e.Restore(system.IncomingEnvelope{
		StreamPartition: sp, Offset: "0", Key: []byte("k"), Value: []byte("v1"),
	}))
	require.NoError(t, e.Restore(system.IncomingEnvelope{
		StreamPartition: sp, Offset: "1", Key: []byte("k"), Value: []byte("v2"),
	}))

	v, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)

	require.NoError(t, e.Restore(system.IncomingEnvelope{
		StreamPartition: sp, Offset: "2", Key: []byte("k"), Value: nil,
	}))
	_, found, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestClosedEngineRejectsAccess(t *testing.T) {
	e := memory.New("kv", 0, logger.NewNoopLogger())
	require.NoError(t, e.Close())

	require.Error(t, e.Put([]byte("k"), []byte("v")))
	_, _, err := e.Get([]byte("k"))
	require.Error(t, err)
}
