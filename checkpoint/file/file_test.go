package file_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hugolhafner/streamhost/checkpoint"
	"github.com/hugolhafner/streamhost/checkpoint/file"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
	"github.com/stretchr/testify/require"
)

func sp(stream string, partition int) system.StreamPartition {
	return system.StreamPartition{
		Stream:    system.Stream{System: "sys", Name: stream},
		Partition: system.Partition(partition),
	}
}

func TestReadMissingCheckpoint(t *testing.T) {
	m := file.NewManager(t.TempDir(), logger.NewNoopLogger())
	require.NoError(t, m.Start())
	m.Register("partition-0")

	_, found, err := m.Read("partition-0")
	require.NoError(t, err)
	require.False(t, found)
}

func TestWriteReadRoundTrip(t *testing.T) {
	m := file.NewManager(t.TempDir(), logger.NewNoopLogger())
	require.NoError(t, m.Start())

	cp := checkpoint.New()
	cp.Offsets[sp("in", 0)] = "12"
	cp.Offsets[sp("other", 0)] = "7"
	require.NoError(t, m.Write("partition-0", cp))

	got, found, err := m.Read("partition-0")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, cp.Offsets, got.Offsets)
	require.NoError(t, m.Stop())
}

func TestLastWriteWins(t *testing.T) {
	m := file.NewManager(t.TempDir(), logger.NewNoopLogger())
	require.NoError(t, m.Start())

	first := checkpoint.New()
	first.Offsets[sp("in", 0)] = "5"
	require.NoError(t, m.Write("partition-0", first))

	second := checkpoint.New()
	second.Offsets[sp("in", 0)] = "9"
	require.NoError(t, m.Write("partition-0", second))

	got, found, err := m.Read("partition-0")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "9", got.Offsets[sp("in", 0)])
}

func TestTasksAreIsolated(t *testing.T) {
	m := file.NewManager(t.TempDir(), logger.NewNoopLogger())
	require.NoError(t, m.Start())

	cp := checkpoint.New()
	cp.Offsets[sp("in", 0)] = "3"
	require.NoError(t, m.Write("partition-0", cp))

	_, found, err := m.Read("partition-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	m := file.NewManager(dir, logger.NewNoopLogger())
	require.NoError(t, m.Start())

	cp := checkpoint.New()
	cp.Offsets[sp("in", 0)] = "1"
	require.NoError(t, m.Write("partition-0", cp))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "partition-0.json", filepath.Base(entries[0].Name()))
}
