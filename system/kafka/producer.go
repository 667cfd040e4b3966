package kafka

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
	"github.com/twmb/franz-go/pkg/kgo"
)

var _ system.Producer = (*producer)(nil)

type producer struct {
	systemName string
	settings   settings
	client     *kgo.Client

	mu       sync.Mutex
	sendErrs map[string]error

	logger logger.Logger
}

func newProducer(systemName string, s settings, l logger.Logger) (*producer, error) {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &producer{
		systemName: systemName,
		settings:   s,
		sendErrs:   make(map[string]error),
		logger:     l.With("component", "kafka-producer", "system", systemName),
	}, nil
}

func (p *producer) Register(source string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sendErrs[source]; !ok {
		p.sendErrs[source] = nil
	}
}

func (p *producer) Start() error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(p.settings.brokers...),
		kgo.RecordPartitioner(kgo.BasicConsistentPartitioner(partitionRecord)),
	)
	if err != nil {
		return fmt.Errorf("kafka: system %q: create producer client: %w", p.systemName, err)
	}
	p.client = client
	return nil
}

// partitionRecord honors a pinned partition (changelog writes) and falls back
// to key hashing otherwise.
func partitionRecord(string) func(*kgo.Record, int) int {
	return func(r *kgo.Record, n int) int {
		if r.Partition >= 0 {
			return int(r.Partition)
		}
		if len(r.Key) == 0 {
			return 0
		}
		h := fnv.New32a()
		_, _ = h.Write(r.Key)
		return int(h.Sum32() % uint32(n))
	}
}

func (p *producer) Stop() error {
	if p.client != nil {
		_ = p.client.Flush(context.Background())
		p.client.Close()
		p.client = nil
	}
	return nil
}

// Send enqueues asynchronously; failures surface on the source's next Flush.
func (p *producer) Send(source string, env system.OutgoingEnvelope) error {
	if p.client == nil {
		return fmt.Errorf("kafka: system %q: send before start", p.systemName)
	}

	key, err := asBytes(env.Key)
	if err != nil {
		return fmt.Errorf("kafka: system %q: send key: %w", p.systemName, err)
	}
	value, err := asBytes(env.Value)
	if err != nil {
		return fmt.Errorf("kafka: system %q: send value: %w", p.systemName, err)
	}

	rec := &kgo.Record{
		Topic:     env.Stream.Name,
		Key:       key,
		Value:     value,
		Partition: int32(env.Partition),
	}

	p.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
		if err == nil {
			return
		}
		p.mu.Lock()
		if p.sendErrs[source] == nil {
			p.sendErrs[source] = err
		}
		p.mu.Unlock()
	})
	return nil
}

// Flush drains the client, then reports the first asynchronous failure for
// the source since the last flush.
func (p *producer) Flush(source string) error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Flush(context.Background()); err != nil {
		return fmt.Errorf("kafka: system %q: flush: %w", p.systemName, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.sendErrs[source]; err != nil {
		p.sendErrs[source] = nil
		return fmt.Errorf("kafka: system %q: source %q: %w", p.systemName, source, err)
	}
	return nil
}

func asBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	default:
		return nil, fmt.Errorf("expected []byte, got %T", v)
	}
}
