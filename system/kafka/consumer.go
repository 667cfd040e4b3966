package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
	"github.com/twmb/franz-go/pkg/kgo"
)

var _ system.Consumer = (*consumer)(nil)

type consumer struct {
	systemName string
	settings   settings

	client     *kgo.Client
	registered map[system.StreamPartition]string
	paused     map[system.StreamPartition]bool

	logger logger.Logger
}

func newConsumer(systemName string, s settings, l logger.Logger) *consumer {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &consumer{
		systemName: systemName,
		settings:   s,
		registered: make(map[system.StreamPartition]string),
		paused:     make(map[system.StreamPartition]bool),
		logger:     l.With("component", "kafka-consumer", "system", systemName),
	}
}

func (c *consumer) Register(sp system.StreamPartition, offset string) {
	c.registered[sp] = offset
}

func (c *consumer) Start() error {
	assignments := make(map[string]map[int32]kgo.Offset)
	for sp, offset := range c.registered {
		topic := sp.Stream.Name
		if assignments[topic] == nil {
			assignments[topic] = make(map[int32]kgo.Offset)
		}
		start, err := startOffset(offset)
		if err != nil {
			return fmt.Errorf("kafka: system %q: partition %s: %w", c.systemName, sp, err)
		}
		assignments[topic][int32(sp.Partition)] = start
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(c.settings.brokers...),
		kgo.ConsumePartitions(assignments),
	}
	if c.settings.fetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(c.settings.fetchMaxBytes))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka: system %q: create client: %w", c.systemName, err)
	}
	c.client = client
	return nil
}

// startOffset maps the registration contract onto kgo offsets: a concrete
// offset was the last one processed, so consumption resumes just after it.
func startOffset(offset string) (kgo.Offset, error) {
	switch offset {
	case system.OffsetEarliest:
		return kgo.NewOffset().AtStart(), nil
	case system.OffsetLatest:
		return kgo.NewOffset().AtEnd(), nil
	default:
		last, err := strconv.ParseInt(offset, 10, 64)
		if err != nil {
			return kgo.Offset{}, fmt.Errorf("malformed offset %q: %w", offset, err)
		}
		return kgo.NewOffset().At(last + 1), nil
	}
}

func (c *consumer) Stop() error {
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	return nil
}

func (c *consumer) Poll(
	ctx context.Context, partitions []system.StreamPartition, timeout time.Duration,
) (map[system.StreamPartition][]system.IncomingEnvelope, error) {
	if c.client == nil {
		return nil, fmt.Errorf("kafka: system %q: poll before start", c.systemName)
	}

	c.applyFetchSet(partitions)

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := c.client.PollFetches(pollCtx)
	for _, fetchErr := range fetches.Errors() {
		if errors.Is(fetchErr.Err, context.DeadlineExceeded) || errors.Is(fetchErr.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf(
			"kafka: system %q: fetch %s-%d: %w", c.systemName, fetchErr.Topic, fetchErr.Partition, fetchErr.Err,
		)
	}

	out := make(map[system.StreamPartition][]system.IncomingEnvelope)
	fetches.EachRecord(func(rec *kgo.Record) {
		sp := system.StreamPartition{
			Stream:    system.Stream{System: c.systemName, Name: rec.Topic},
			Partition: system.Partition(rec.Partition),
		}
		out[sp] = append(out[sp], system.IncomingEnvelope{
			StreamPartition: sp,
			Offset:          strconv.FormatInt(rec.Offset, 10),
			Key:             rec.Key,
			Value:           rec.Value,
		})
	})
	return out, nil
}

// applyFetchSet pauses every registered partition outside the requested set
// and resumes the requested ones, mapping the multiplexer's watermark
// decisions onto the client.
func (c *consumer) applyFetchSet(partitions []system.StreamPartition) {
	want := make(map[system.StreamPartition]bool, len(partitions))
	for _, sp := range partitions {
		want[sp] = true
	}

	pause := make(map[string][]int32)
	resume := make(map[string][]int32)
	for sp := range c.registered {
		topic := sp.Stream.Name
		switch {
		case !want[sp] && !c.paused[sp]:
			pause[topic] = append(pause[topic], int32(sp.Partition))
			c.paused[sp] = true
		case want[sp] && c.paused[sp]:
			resume[topic] = append(resume[topic], int32(sp.Partition))
			c.paused[sp] = false
		}
	}

	if len(pause) > 0 {
		c.client.PauseFetchPartitions(pause)
	}
	if len(resume) > 0 {
		c.client.ResumeFetchPartitions(resume)
	}
}
