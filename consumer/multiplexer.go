package consumer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gammazero/deque"
	"github.com/hugolhafner/dskit/backoff"
	"github.com/hugolhafner/streamhost/chooser"
	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/system"
)

// Options tune the multiplexer. Zero values fall back to the defaults below.
type Options struct {
	// QueueSize is the per-partition high watermark. Fetching for a partition
	// pauses at the high watermark and resumes once the queue drains to the
	// low watermark (a tenth of the high one).
	QueueSize int
	// PollTimeout bounds how long a poll blocks when no partition has a new
	// message.
	PollTimeout time.Duration
	// DropDecodeErrors skips envelopes that fail deserialization instead of
	// surfacing the failure.
	DropDecodeErrors bool
	// PollBackoff paces retries after a failed poll.
	PollBackoff backoff.Backoff
	// MaxPollFailures is the number of consecutive poll failures per system
	// at which the error is treated as fatal.
	MaxPollFailures uint

	Logger logger.Logger
}

const lowWatermarkDivisor = 10

// Multiplexer fans many system consumers into a single ordered stream of
// envelopes, one per Choose call. It owns the per-partition queues and the
// backpressure decisions; the chooser only ever holds one candidate per
// partition, so per-partition offset order survives end to end.
type Multiplexer struct {
	consumers map[string]system.Consumer
	chooser   chooser.Chooser
	serdes    *serde.Manager

	buffers    map[system.StreamPartition]*deque.Deque[system.IncomingEnvelope]
	inChooser  map[system.StreamPartition]bool
	fetchable  map[system.StreamPartition]bool
	bySystem   map[string][]system.StreamPartition
	registered map[system.StreamPartition]string

	pollFailures map[string]uint

	highWatermark    int
	lowWatermark     int
	pollTimeout      time.Duration
	dropDecodeErrors bool
	pollBackoff      backoff.Backoff
	maxPollFailures  uint

	started bool
	logger  logger.Logger
}

func NewMultiplexer(
	consumers map[string]system.Consumer, ch chooser.Chooser, serdes *serde.Manager, opts Options,
) *Multiplexer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Millisecond
	}
	if opts.PollBackoff == nil {
		opts.PollBackoff = backoff.NewFixed(time.Second)
	}
	if opts.MaxPollFailures == 0 {
		opts.MaxPollFailures = 10
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNoopLogger()
	}

	low := opts.QueueSize / lowWatermarkDivisor
	if low < 1 {
		low = 1
	}

	return &Multiplexer{
		consumers:        consumers,
		chooser:          ch,
		serdes:           serdes,
		buffers:          make(map[system.StreamPartition]*deque.Deque[system.IncomingEnvelope]),
		inChooser:        make(map[system.StreamPartition]bool),
		fetchable:        make(map[system.StreamPartition]bool),
		bySystem:         make(map[string][]system.StreamPartition),
		registered:       make(map[system.StreamPartition]string),
		pollFailures:     make(map[string]uint),
		highWatermark:    opts.QueueSize,
		lowWatermark:     low,
		pollTimeout:      opts.PollTimeout,
		dropDecodeErrors: opts.DropDecodeErrors,
		pollBackoff:      opts.PollBackoff,
		maxPollFailures:  opts.MaxPollFailures,
		logger:           opts.Logger.With("component", "system-consumers"),
	}
}

// Register records a partition and its starting offset and propagates both to
// the owning system consumer and the chooser. Must happen before Start.
func (m *Multiplexer) Register(sp system.StreamPartition, offset string) error {
	if m.started {
		return fmt.Errorf("consumer: register %s after start", sp)
	}
	cons, ok := m.consumers[sp.System]
	if !ok {
		return fmt.Errorf("consumer: no consumer for system %q", sp.System)
	}
	if _, dup := m.registered[sp]; dup {
		return nil
	}

	m.registered[sp] = offset
	m.buffers[sp] = deque.New[system.IncomingEnvelope]()
	m.fetchable[sp] = true
	m.bySystem[sp.System] = append(m.bySystem[sp.System], sp)

	cons.Register(sp, offset)
	m.chooser.Register(sp, offset)
	return nil
}

func (m *Multiplexer) Start() error {
	for name, cons := range m.consumers {
		if err := cons.Start(); err != nil {
			return fmt.Errorf("consumer: start system %q: %w", name, err)
		}
	}
	m.started = true
	m.logger.Info("System consumers started", "systems", len(m.consumers), "partitions", len(m.registered))
	return nil
}

func (m *Multiplexer) Stop() error {
	var firstErr error
	for name, cons := range m.consumers {
		if err := cons.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("consumer: stop system %q: %w", name, err)
		}
	}
	return firstErr
}

// Choose returns at most one envelope. When the chooser is empty it polls the
// underlying systems, bounded by the no-new-message timeout, before giving
// up; ok=false means an idle iteration.
func (m *Multiplexer) Choose(ctx context.Context) (system.IncomingEnvelope, bool, error) {
	if env, ok := m.chooser.Choose(); ok {
		m.afterChoose(env.StreamPartition)
		return env, true, nil
	}

	if err := m.poll(ctx); err != nil {
		return system.IncomingEnvelope{}, false, err
	}

	if env, ok := m.chooser.Choose(); ok {
		m.afterChoose(env.StreamPartition)
		return env, true, nil
	}
	return system.IncomingEnvelope{}, false, nil
}

// afterChoose refeeds the chooser from the partition's queue and lifts
// backpressure once the queue has drained to the low watermark.
func (m *Multiplexer) afterChoose(sp system.StreamPartition) {
	buf := m.buffers[sp]
	if buf.Len() > 0 {
		m.chooser.Update(buf.PopFront())
	} else {
		m.inChooser[sp] = false
	}

	if !m.fetchable[sp] && m.queued(sp) <= m.lowWatermark {
		m.fetchable[sp] = true
		m.logger.Debug("Resumed fetching for partition", "partition", sp.String())
	}
}

func (m *Multiplexer) queued(sp system.StreamPartition) int {
	n := m.buffers[sp].Len()
	if m.inChooser[sp] {
		n++
	}
	return n
}

func (m *Multiplexer) poll(ctx context.Context) error {
	names := make([]string, 0, len(m.consumers))
	for name := range m.consumers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cons := m.consumers[name]
		fetch := make([]system.StreamPartition, 0, len(m.bySystem[name]))
		for _, sp := range m.bySystem[name] {
			if m.fetchable[sp] {
				fetch = append(fetch, sp)
			}
		}
		if len(fetch) == 0 {
			continue
		}

		envs, err := cons.Poll(ctx, fetch, m.pollTimeout)
		if err != nil {
			m.pollFailures[name]++
			if m.pollFailures[name] >= m.maxPollFailures {
				return fmt.Errorf("consumer: system %q gave up after %d poll failures: %w", name, m.pollFailures[name], err)
			}
			m.logger.Warn("Poll error", "system", name, "attempt", m.pollFailures[name], "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.pollBackoff.Next(m.pollFailures[name])):
			}
			continue
		}
		m.pollFailures[name] = 0

		// deterministic feed order regardless of map iteration
		polled := make([]system.StreamPartition, 0, len(envs))
		for sp := range envs {
			polled = append(polled, sp)
		}
		sort.Slice(polled, func(i, j int) bool { return polled[i].String() < polled[j].String() })

		for _, sp := range polled {
			if _, ok := m.registered[sp]; !ok {
				m.logger.Warn("Dropping envelopes for unregistered partition", "partition", sp.String())
				continue
			}
			for _, raw := range envs[sp] {
				decoded, err := m.serdes.DecodeIncoming(raw)
				if err != nil {
					if m.dropDecodeErrors {
						m.logger.Warn(
							"Dropping undecodable envelope",
							"partition", sp.String(), "offset", raw.Offset, "error", err,
						)
						continue
					}
					return err
				}
				m.enqueue(sp, decoded)
			}
		}
	}
	return nil
}

func (m *Multiplexer) enqueue(sp system.StreamPartition, env system.IncomingEnvelope) {
	if !m.inChooser[sp] {
		m.chooser.Update(env)
		m.inChooser[sp] = true
	} else {
		m.buffers[sp].PushBack(env)
	}

	if m.fetchable[sp] && m.queued(sp) >= m.highWatermark {
		m.fetchable[sp] = false
		m.logger.Debug("Paused fetching for partition", "partition", sp.String())
	}
}
