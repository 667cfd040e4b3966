// Package inmemory is a complete messaging system held in process memory.
// It backs unit tests, local runs and examples: per-partition append-only
// logs, positional string offsets, and capture helpers for asserting on
// produced records and flush ordering.
package inmemory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/system"
)

// FactoryName is the value systems.<name>.samza.factory resolves against.
const FactoryName = "inmemory"

type record struct {
	key    []byte
	value  []byte
	offset int64
}

type partitionLog struct {
	records []record
	next    int64
}

// System is one shared in-memory broker. Register the same instance as the
// factory for every system name that should share its streams.
type System struct {
	mu         sync.Mutex
	logs       map[system.StreamPartition]*partitionLog
	partitions map[string]int
	flushes    []string
	sendErr    func(env system.OutgoingEnvelope) error
}

var _ system.Factory = (*System)(nil)

func NewSystem() *System {
	return &System{
		logs:       make(map[system.StreamPartition]*partitionLog),
		partitions: make(map[string]int),
	}
}

// SetPartitions fixes the partition count reported for a stream. Streams
// written without an explicit count report the highest partition touched.
func (s *System) SetPartitions(stream system.Stream, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions[stream.String()] = count
}

// FailSends injects a send error, nil restores normal operation.
func (s *System) FailSends(fn func(env system.OutgoingEnvelope) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = fn
}

func (s *System) log(sp system.StreamPartition) *partitionLog {
	l, ok := s.logs[sp]
	if !ok {
		l = &partitionLog{}
		s.logs[sp] = l
	}
	return l
}

// Produce appends a record and returns its offset. Test seeding path.
func (s *System) Produce(sp system.StreamPartition, key, value []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(sp, key, value)
}

// ProduceAt appends a record with an explicit offset; subsequent appends
// continue after it. Offsets must be produced in increasing order.
func (s *System) ProduceAt(sp system.StreamPartition, offset int64, key, value []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log(sp)
	if offset < l.next {
		panic(fmt.Sprintf("inmemory: offset %d not after %d on %s", offset, l.next-1, sp))
	}
	l.next = offset
	return s.append(sp, key, value)
}

func (s *System) append(sp system.StreamPartition, key, value []byte) string {
	l := s.log(sp)
	off := l.next
	l.records = append(l.records, record{key: key, value: value, offset: off})
	l.next = off + 1
	if int(sp.Partition)+1 > s.partitions[sp.Stream.String()] {
		s.partitions[sp.Stream.String()] = int(sp.Partition) + 1
	}
	return strconv.FormatInt(off, 10)
}

// ProducedRecord is a captured outbound record for assertions.
type ProducedRecord struct {
	Key   []byte
	Value []byte
}

// Produced returns every record in the partition, oldest first.
func (s *System) Produced(sp system.StreamPartition) []ProducedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[sp]
	if !ok {
		return nil
	}
	out := make([]ProducedRecord, len(l.records))
	for i, r := range l.records {
		out[i] = ProducedRecord{Key: r.key, Value: r.value}
	}
	return out
}

// Flushes returns the sources flushed so far, in order.
func (s *System) Flushes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.flushes))
	copy(out, s.flushes)
	return out
}

func (s *System) Consumer(name string, _ map[string]string, l logger.Logger) (system.Consumer, error) {
	return &consumer{sys: s, cursors: make(map[system.StreamPartition]int64), logger: l}, nil
}

func (s *System) Producer(name string, _ map[string]string, l logger.Logger) (system.Producer, error) {
	return &producer{sys: s, logger: l}, nil
}

func (s *System) Admin(name string, _ map[string]string, l logger.Logger) (system.Admin, error) {
	return &admin{sys: s}, nil
}

// maxPollRecords bounds how many records one Poll returns per partition,
// matching how a real client pages fetches.
const maxPollRecords = 10

type consumer struct {
	sys     *System
	mu      sync.Mutex
	cursors map[system.StreamPartition]int64 // next offset to deliver
	pending map[system.StreamPartition]string
	started bool
	logger  logger.Logger
}

var _ system.Consumer = (*consumer)(nil)

func (c *consumer) Register(sp system.StreamPartition, offset string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = make(map[system.StreamPartition]string)
	}
	c.pending[sp] = offset
}

func (c *consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()

	for sp, offset := range c.pending {
		l := c.sys.log(sp)
		switch offset {
		case system.OffsetEarliest:
			c.cursors[sp] = c.earliest(l)
		case system.OffsetLatest:
			c.cursors[sp] = l.next
		default:
			last, err := strconv.ParseInt(offset, 10, 64)
			if err != nil {
				return fmt.Errorf("inmemory: offset %q for %s: %w", offset, sp, err)
			}
			c.cursors[sp] = last + 1
		}
	}
	c.started = true
	return nil
}

func (c *consumer) earliest(l *partitionLog) int64 {
	if len(l.records) == 0 {
		return l.next
	}
	return l.records[0].offset
}

func (c *consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

func (c *consumer) Poll(
	ctx context.Context, partitions []system.StreamPartition, timeout time.Duration,
) (map[system.StreamPartition][]system.IncomingEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, fmt.Errorf("inmemory: poll before start")
	}

	out := c.take(partitions)
	if len(out) > 0 || timeout <= 0 {
		return out, nil
	}

	// nothing ready; block up to the no-new-message timeout
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		c.mu.Lock()
		return nil, ctx.Err()
	case <-time.After(timeout):
	}
	c.mu.Lock()
	return c.take(partitions), nil
}

func (c *consumer) take(partitions []system.StreamPartition) map[system.StreamPartition][]system.IncomingEnvelope {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()

	out := make(map[system.StreamPartition][]system.IncomingEnvelope)
	for _, sp := range partitions {
		cursor, ok := c.cursors[sp]
		if !ok {
			continue
		}
		l := c.sys.log(sp)
		for _, r := range l.records {
			if r.offset < cursor {
				continue
			}
			if len(out[sp]) >= maxPollRecords {
				break
			}
			out[sp] = append(out[sp], system.IncomingEnvelope{
				StreamPartition: sp,
				Offset:          strconv.FormatInt(r.offset, 10),
				Key:             r.key,
				Value:           r.value,
			})
			cursor = r.offset + 1
		}
		c.cursors[sp] = cursor
		if len(out[sp]) == 0 {
			delete(out, sp)
		}
	}
	return out
}

type producer struct {
	sys    *System
	logger logger.Logger
}

var _ system.Producer = (*producer)(nil)

func (p *producer) Register(source string) {}

func (p *producer) Start() error { return nil }

func (p *producer) Stop() error { return nil }

func (p *producer) Send(source string, env system.OutgoingEnvelope) error {
	p.sys.mu.Lock()
	defer p.sys.mu.Unlock()

	if p.sys.sendErr != nil {
		if err := p.sys.sendErr(env); err != nil {
			return err
		}
	}

	key, err := asBytes(env.Key)
	if err != nil {
		return fmt.Errorf("inmemory: send key: %w", err)
	}
	value, err := asBytes(env.Value)
	if err != nil {
		return fmt.Errorf("inmemory: send value: %w", err)
	}

	partition := env.Partition
	if partition == system.AnyPartition {
		partition = 0
	}
	p.sys.append(system.StreamPartition{Stream: env.Stream, Partition: partition}, key, value)
	return nil
}

// Flush is synchronous here; it only records the call so tests can assert
// commit ordering.
func (p *producer) Flush(source string) error {
	p.sys.mu.Lock()
	defer p.sys.mu.Unlock()
	p.sys.flushes = append(p.sys.flushes, source)
	return nil
}

type admin struct {
	sys *System
}

var _ system.Admin = (*admin)(nil)

func (a *admin) LastOffset(_ context.Context, sp system.StreamPartition) (string, bool, error) {
	a.sys.mu.Lock()
	defer a.sys.mu.Unlock()
	l, ok := a.sys.logs[sp]
	if !ok || len(l.records) == 0 {
		return "", false, nil
	}
	return strconv.FormatInt(l.records[len(l.records)-1].offset, 10), true, nil
}

func (a *admin) PartitionCount(_ context.Context, stream system.Stream) (int, error) {
	a.sys.mu.Lock()
	defer a.sys.mu.Unlock()
	n, ok := a.sys.partitions[stream.String()]
	if !ok {
		return 0, fmt.Errorf("inmemory: unknown stream %s", stream)
	}
	return n, nil
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
