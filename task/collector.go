package task

import (
	"github.com/hugolhafner/streamhost/system"
)

// Collector accumulates the envelopes a task emits during one process or
// window call. The backing array is reused across iterations; its contents
// live strictly from process to the following send.
type Collector struct {
	envelopes []system.OutgoingEnvelope
}

func NewCollector() *Collector {
	return &Collector{}
}

// Send queues an outbound envelope. Nothing leaves the process until the
// container drains the collector.
func (c *Collector) Send(env system.OutgoingEnvelope) {
	c.envelopes = append(c.envelopes, env)
}

func (c *Collector) Len() int {
	return len(c.envelopes)
}

// drain hands the queued envelopes to fn in emission order, then resets.
func (c *Collector) drain(fn func(env system.OutgoingEnvelope) error) error {
	for _, env := range c.envelopes {
		if err := fn(env); err != nil {
			return err
		}
	}
	c.envelopes = c.envelopes[:0]
	return nil
}
