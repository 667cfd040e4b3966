package system_test

import (
	"testing"

	"github.com/hugolhafner/streamhost/system"
	"github.com/stretchr/testify/require"
)

func TestParseStream(t *testing.T) {
	stream, err := system.ParseStream("kafka.orders")
	require.NoError(t, err)
	require.Equal(t, system.Stream{System: "kafka", Name: "orders"}, stream)

	// the stream part keeps its dots
	stream, err = system.ParseStream("kafka.orders.v2")
	require.NoError(t, err)
	require.Equal(t, system.Stream{System: "kafka", Name: "orders.v2"}, stream)
}

func TestParseStreamMalformed(t *testing.T) {
	for _, id := range []string{"", "kafka", "kafka.", ".orders"} {
		_, err := system.ParseStream(id)
		require.Error(t, err, "id %q", id)
	}
}

func TestStreamPartitionString(t *testing.T) {
	sp := system.StreamPartition{
		Stream:    system.Stream{System: "kafka", Name: "orders"},
		Partition: 3,
	}
	require.Equal(t, "kafka.orders-3", sp.String())
}
