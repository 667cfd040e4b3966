package producer

import (
	"fmt"

	"github.com/hugolhafner/streamhost/logger"
	"github.com/hugolhafner/streamhost/serde"
	"github.com/hugolhafner/streamhost/system"
)

// Sender is the write-side capability handed to collectors and stores.
type Sender interface {
	Send(source string, env system.OutgoingEnvelope) error
}

var _ Sender = (*Multiplexer)(nil)

// Multiplexer routes outbound envelopes to the producer for their destination
// system, encoding key and value at the boundary. Flush blocks until every
// buffered write for the source is durable, which the commit protocol relies
// on before a checkpoint is written.
type Multiplexer struct {
	producers map[string]system.Producer
	serdes    *serde.Manager
	sources   map[string]struct{}
	logger    logger.Logger
}

func NewMultiplexer(producers map[string]system.Producer, serdes *serde.Manager, l logger.Logger) *Multiplexer {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &Multiplexer{
		producers: producers,
		serdes:    serdes,
		sources:   make(map[string]struct{}),
		logger:    l.With("component", "system-producers"),
	}
}

func (m *Multiplexer) Register(source string) {
	if _, ok := m.sources[source]; ok {
		return
	}
	m.sources[source] = struct{}{}
	for _, p := range m.producers {
		p.Register(source)
	}
}

func (m *Multiplexer) Start() error {
	for name, p := range m.producers {
		if err := p.Start(); err != nil {
			return fmt.Errorf("producer: start system %q: %w", name, err)
		}
	}
	m.logger.Info("System producers started", "systems", len(m.producers))
	return nil
}

func (m *Multiplexer) Stop() error {
	var firstErr error
	for name, p := range m.producers {
		if err := p.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("producer: stop system %q: %w", name, err)
		}
	}
	return firstErr
}

func (m *Multiplexer) Send(source string, env system.OutgoingEnvelope) error {
	p, ok := m.producers[env.Stream.System]
	if !ok {
		return fmt.Errorf("producer: no producer for system %q", env.Stream.System)
	}

	encoded, err := m.serdes.EncodeOutgoing(env)
	if err != nil {
		return err
	}

	if err := p.Send(source, encoded); err != nil {
		return fmt.Errorf("producer: send to %s: %w", env.Stream, err)
	}
	return nil
}

// Flush drains every system producer for the source. A source may have sent
// to any destination system, so all of them are flushed.
func (m *Multiplexer) Flush(source string) error {
	for name, p := range m.producers {
		if err := p.Flush(source); err != nil {
			return fmt.Errorf("producer: flush system %q for source %q: %w", name, source, err)
		}
	}
	return nil
}
