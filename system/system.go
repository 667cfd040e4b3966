package system

import (
	"context"
	"time"
)

// Starting-position policies accepted by Consumer.Register in place of a
// concrete offset. A concrete offset means "this was the last processed
// offset; resume with the next one".
const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// Consumer pulls messages for a set of registered stream partitions.
// Implementations run their own I/O; Poll is the only delivery path and must
// preserve per-partition offset order.
type Consumer interface {
	// Register must be called for every partition before Start. offset is a
	// concrete last-processed offset or one of the Offset* policies.
	Register(sp StreamPartition, offset string)
	Start() error
	Stop() error
	// Poll returns available envelopes for the requested partitions, blocking
	// up to timeout when none are ready. Partitions not listed must not be
	// fetched; the multiplexer uses the fetch set for backpressure.
	Poll(ctx context.Context, partitions []StreamPartition, timeout time.Duration) (map[StreamPartition][]IncomingEnvelope, error)
}

// Producer writes envelopes on behalf of named sources. Key and Value of the
// envelopes handed to Send are already encoded to []byte.
type Producer interface {
	Register(source string)
	Start() error
	Stop() error
	Send(source string, env OutgoingEnvelope) error
	// Flush blocks until every envelope sent for source is durable from the
	// system's perspective.
	Flush(source string) error
}

// Admin answers metadata questions about streams.
type Admin interface {
	// LastOffset returns the newest offset present in the partition;
	// ok=false when the partition is empty.
	LastOffset(ctx context.Context, sp StreamPartition) (offset string, ok bool, err error)
	// PartitionCount returns the number of partitions of the stream.
	PartitionCount(ctx context.Context, stream Stream) (int, error)
}
