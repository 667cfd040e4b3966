package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

var _ system.Admin = (*admin)(nil)

type admin struct {
	systemName string
	client     *kgo.Client
	adm        *kadm.Client
	logger     logger.Logger
}

func newAdmin(systemName string, s settings, l logger.Logger) (*admin, error) {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(s.brokers...))
	if err != nil {
		return nil, fmt.Errorf("kafka: system %q: create admin client: %w", systemName, err)
	}
	return &admin{
		systemName: systemName,
		client:     client,
		adm:        kadm.NewClient(client),
		logger:     l.With("component", "kafka-admin", "system", systemName),
	}, nil
}

func (a *admin) LastOffset(ctx context.Context, sp system.StreamPartition) (string, bool, error) {
	topic := sp.Stream.Name

	starts, err := a.adm.ListStartOffsets(ctx, topic)
	if err != nil {
		return "", false, fmt.Errorf("kafka: system %q: list start offsets: %w", a.systemName, err)
	}
	ends, err := a.adm.ListEndOffsets(ctx, topic)
	if err != nil {
		return "", false, fmt.Errorf("kafka: system %q: list end offsets: %w", a.systemName, err)
	}

	start, ok := starts.Lookup(topic, int32(sp.Partition))
	if !ok {
		return "", false, fmt.Errorf("kafka: system %q: unknown partition %s", a.systemName, sp)
	}
	end, ok := ends.Lookup(topic, int32(sp.Partition))
	if !ok {
		return "", false, fmt.Errorf("kafka: system %q: unknown partition %s", a.systemName, sp)
	}

	if end.Offset <= start.Offset {
		return "", false, nil
	}
	return strconv.FormatInt(end.Offset-1, 10), true, nil
}

func (a *admin) PartitionCount(ctx context.Context, stream system.Stream) (int, error) {
	details, err := a.adm.ListTopics(ctx, stream.Name)
	if err != nil {
		return 0, fmt.Errorf("kafka: system %q: list topics: %w", a.systemName, err)
	}
	detail, ok := details[stream.Name]
	if !ok || detail.Err != nil {
		return 0, fmt.Errorf("kafka: system %q: unknown stream %s", a.systemName, stream)
	}
	return len(detail.Partitions), nil
}
