package chooser_test

import (
	"strconv"
	"testing"

	"github.com/hugolhafner/streamhost/chooser"
	"github.com/hugolhafner/streamhost/system"
	"github.com/stretchr/testify/require"
)

func sp(sys, stream string, partition int) system.StreamPartition {
	return system.StreamPartition{
		Stream:    system.Stream{System: sys, Name: stream},
		Partition: system.Partition(partition),
	}
}

func env(p system.StreamPartition, offset int) system.IncomingEnvelope {
	return system.IncomingEnvelope{
		StreamPartition: p,
		Offset:          strconv.Itoa(offset),
	}
}

func TestChooseEmpty(t *testing.T) {
	rr := chooser.NewRoundRobin()
	_, ok := rr.Choose()
	require.False(t, ok)
}

func TestRoundRobinInterleaves(t *testing.T) {
	rr := chooser.NewRoundRobin()
	a := sp("sys", "a", 0)
	b := sp("sys", "b", 1)
	rr.Register(a, system.OffsetEarliest)
	rr.Register(b, system.OffsetEarliest)

	// one candidate per partition at a time, refilled after each choose
	rr.Update(env(a, 0))
	rr.Update(env(b, 0))

	var order []system.StreamPartition
	for i := 1; i <= 3; i++ {
		got, ok := rr.Choose()
		require.True(t, ok)
		order = append(order, got.StreamPartition)
		rr.Update(env(got.StreamPartition, i))

		got, ok = rr.Choose()
		require.True(t, ok)
		order = append(order, got.StreamPartition)
		rr.Update(env(got.StreamPartition, i))
	}

	for i := 0; i+1 < len(order); i += 2 {
		require.NotEqual(t, order[i], order[i+1], "consecutive picks served the same partition")
	}
}

func TestPerPartitionOrderPreserved(t *testing.T) {
	rr := chooser.NewRoundRobin()
	a := sp("sys", "a", 0)
	rr.Register(a, system.OffsetEarliest)

	var offsets []string
	rr.Update(env(a, 10))
	for next := 11; next <= 13; next++ {
		got, ok := rr.Choose()
		require.True(t, ok)
		offsets = append(offsets, got.Offset)
		rr.Update(env(a, next))
	}
	got, ok := rr.Choose()
	require.True(t, ok)
	offsets = append(offsets, got.Offset)

	require.Equal(t, []string{"10", "11", "12", "13"}, offsets)
}

func TestDeterministicGivenSameInput(t *testing.T) {
	run := func() []string {
		rr := chooser.NewRoundRobin()
		parts := []system.StreamPartition{sp("s1", "a", 0), sp("s2", "b", 0), sp("s1", "c", 1)}
		for _, p := range parts {
			rr.Register(p, system.OffsetEarliest)
			rr.Update(env(p, 0))
		}
		var picked []string
		for {
			got, ok := rr.Choose()
			if !ok {
				break
			}
			picked = append(picked, got.StreamPartition.String())
		}
		return picked
	}

	first := run()
	require.Len(t, first, 3)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, run())
	}
}

func TestSecondUpdateBeforeChooseIsIgnored(t *testing.T) {
	rr := chooser.NewRoundRobin()
	a := sp("sys", "a", 0)
	rr.Register(a, system.OffsetEarliest)

	rr.Update(env(a, 1))
	rr.Update(env(a, 2))

	got, ok := rr.Choose()
	require.True(t, ok)
	require.Equal(t, "1", got.Offset)

	_, ok = rr.Choose()
	require.False(t, ok)
}
