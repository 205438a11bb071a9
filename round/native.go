package round

import (
	"fmt"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
)

// BranchState tracks one way a batch may still be satisfied.
type BranchState int

// Branch states.
const (
	// Waiting branches wait for payloads on some get ports.
	Waiting BranchState = iota
	// Tentative branches have every payload they need.
	Tentative
	// Chosen is the branch the round settled on.
	Chosen
	// Rejected branches cannot be part of the outcome.
	Rejected
)

func (s BranchState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Tentative:
		return "tentative"
	case Chosen:
		return "chosen"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("branch(%d)", int(s))
	}
}

// Branch is a batch together with the assumptions its payloads were received
// under.
type Branch struct {
	Batch int
	Pred  predicate.Predicate
	State BranchState

	toGet    []int
	received map[int][]byte
}

func (b *Branch) waitsOn(p int) bool {
	for _, g := range b.toGet {
		if g == p {
			return true
		}
	}

	return false
}

// key identifies a branch by its assumptions and by the payloads it still
// needs.
func (b *Branch) key() string {
	return fmt.Sprintf("%s|%v", b.Pred.Key(), b.toGet)
}

func (b *Branch) fork(
	p int,
	pred predicate.Predicate,
	payload []byte,
) *Branch {
	f := &Branch{
		Batch:    b.Batch,
		Pred:     pred,
		State:    Waiting,
		received: make(map[int][]byte, len(b.received)+1),
	}

	for _, g := range b.toGet {
		if g != p {
			f.toGet = append(f.toGet, g)
		}
	}

	for q, data := range b.received {
		f.received[q] = data
	}

	f.received[p] = payload

	if len(f.toGet) == 0 {
		f.State = Tentative
	}

	return f
}

// Received returns a copy of the payloads the branch would deliver.
func (b *Branch) Received() map[int][]byte {
	out := make(map[int][]byte, len(b.received))
	for p, data := range b.received {
		out[p] = append([]byte(nil), data...)
	}

	return out
}

func (b *Branch) String() string {
	return fmt.Sprintf("batch %d %s %s", b.Batch, b.State, b.Pred)
}

// branches holds every branch of the connector in one round.
type branches struct {
	all      []*Branch
	keys     map[string]bool
	awaiting map[int]bool
}

// newBranches turns the submitted batches into branches. A batch fires
// exactly the channels of its ports and silences every other channel of the
// connector. A batch that uses only one end of a native channel can never
// fire, and a batch with the same predicate as an earlier one adds nothing.
func newBranches(batches []batch.Batch, ports *port.Table) *branches {
	bs := &branches{
		keys:     make(map[string]bool),
		awaiting: make(map[int]bool),
	}

	for _, p := range ports.NetworkPorts() {
		if pol, _ := ports.Polarity(p); pol == port.Get {
			bs.awaiting[p] = true
		}
	}

	channels := ports.Channels()

	for i, b := range batches {
		br := branchOf(i, b, ports, channels)

		if br.State != Rejected {
			key := br.key()
			if bs.keys[key] {
				br.State = Rejected
			} else {
				bs.keys[key] = true
			}
		}

		bs.all = append(bs.all, br)
	}

	return bs
}

func branchOf(
	index int,
	b batch.Batch,
	ports *port.Table,
	channels []predicate.ChannelID,
) *Branch {
	br := &Branch{
		Batch:    index,
		received: make(map[int][]byte),
	}

	pred := predicate.Predicate{}

	for _, op := range b.Ops {
		p, _ := ports.Port(op.Port)
		pred = pred.With(p.Channel, true)

		if p.Binding.Kind == port.Native {
			peerOp, ok := b.Op(p.Peer)
			if !ok {
				br.State = Rejected
				return br
			}

			if op.Polarity == port.Get {
				br.received[op.Port] = append([]byte(nil), peerOp.Payload...)
			}

			continue
		}

		if op.Polarity == port.Get {
			br.toGet = append(br.toGet, op.Port)
		}
	}

	br.Pred = pred.AssignMissing(channels, false)

	if len(br.toGet) == 0 {
		br.State = Tentative
	}

	return br
}

// Viable returns the branches still in play, in batch order.
func (bs *branches) Viable() []*Branch {
	var out []*Branch

	for _, b := range bs.all {
		if b.State != Rejected {
			out = append(out, b)
		}
	}

	return out
}

// receive applies a payload offered on get port p under pred. Every waiting
// branch that waits on p and agrees with pred forks into a branch that holds
// the payload. Forks that complete are returned.
func (bs *branches) receive(
	p int,
	pred predicate.Predicate,
	payload []byte,
) []*Branch {
	var completed []*Branch

	n := len(bs.all)
	for i := 0; i < n; i++ {
		b := bs.all[i]
		if b.State != Waiting || !b.waitsOn(p) {
			continue
		}

		rel, merged := b.Pred.Relate(pred)
		if rel == predicate.Nonexistent {
			continue
		}

		f := b.fork(p, merged, payload)

		key := f.key()
		if bs.keys[key] {
			continue
		}

		bs.keys[key] = true
		bs.all = append(bs.all, f)

		if f.State == Tentative {
			completed = append(completed, f)
		}
	}

	return completed
}

func (bs *branches) done(p int) {
	delete(bs.awaiting, p)
}

func (bs *branches) expects(p int) bool {
	return bs.awaiting[p]
}

// final reports whether no more payloads can arrive.
func (bs *branches) final() bool {
	return len(bs.awaiting) == 0
}

// choose finds the branch the decision selects: the lowest batch index whose
// complete branch agrees with the decision.
func (bs *branches) choose(decision predicate.Predicate) *Branch {
	var best *Branch

	for _, b := range bs.all {
		if b.State != Tentative || !decision.Satisfies(b.Pred) {
			continue
		}

		if best == nil || b.Batch < best.Batch {
			best = b
		}
	}

	return best
}

// settle marks the winner chosen and everything else rejected.
func (bs *branches) settle(winner *Branch) {
	for _, b := range bs.all {
		if b == winner {
			b.State = Chosen
		} else {
			b.State = Rejected
		}
	}
}
