package chooser

import (
	"github.com/hugolhafner/streamhost/system"
)

var _ Chooser = (*RoundRobin)(nil)

// RoundRobin cycles fairly over partitions with a ready candidate. A chosen
// partition rejoins the back of the ring when its next candidate arrives, so
// every continually-supplying partition is chosen infinitely often.
// Tie-breaks are deterministic: the ring preserves arrival order of
// candidates, which is itself deterministic given the input sequence.
type RoundRobin struct {
	queued map[system.StreamPartition]system.IncomingEnvelope
	ring   []system.StreamPartition
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{
		queued: make(map[system.StreamPartition]system.IncomingEnvelope),
	}
}

func (r *RoundRobin) Register(sp system.StreamPartition, offset string) {
	// nothing to precompute; partitions enter the ring on first Update
}

func (r *RoundRobin) Update(env system.IncomingEnvelope) {
	sp := env.StreamPartition
	if _, ok := r.queued[sp]; ok {
		// the multiplexer feeds one candidate per partition; a second Update
		// before Choose would break per-partition order, drop on the floor
		return
	}
	r.queued[sp] = env
	r.ring = append(r.ring, sp)
}

func (r *RoundRobin) Choose() (system.IncomingEnvelope, bool) {
	if len(r.ring) == 0 {
		return system.IncomingEnvelope{}, false
	}
	sp := r.ring[0]
	r.ring = r.ring[1:]
	env := r.queued[sp]
	delete(r.queued, sp)
	return env, true
}
