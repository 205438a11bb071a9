// Package batch collects the alternative interaction plans a connector offers
// for the next round.
package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sarchlab/rendezvous/port"
)

// Errors returned while staging.
var (
	ErrWrongDirection         = port.ErrWrongDirection
	ErrPortAlreadyUsedInBatch = errors.New("port already used in batch")
	ErrIllegalBatch           = errors.New("batch not allowed by protocol")
)

// Op is one staged port operation.
type Op struct {
	Port     int
	Polarity port.Polarity
	Payload  []byte
}

func (o Op) String() string {
	if o.Polarity == port.Put {
		return fmt.Sprintf("put(%d,%dB)", o.Port, len(o.Payload))
	}

	return fmt.Sprintf("get(%d)", o.Port)
}

// Batch is an all-or-nothing set of operations, at most one per port, kept in
// staging order.
type Batch struct {
	Ops []Op
}

// Op returns the operation staged on the port, if any.
func (b Batch) Op(p int) (Op, bool) {
	for _, op := range b.Ops {
		if op.Port == p {
			return op, true
		}
	}

	return Op{}, false
}

// Ports returns the ports touched by the batch in staging order.
func (b Batch) Ports() []int {
	out := make([]int, 0, len(b.Ops))
	for _, op := range b.Ops {
		out = append(out, op.Port)
	}

	return out
}

// Clone deep-copies the batch.
func (b Batch) Clone() Batch {
	if b.Ops == nil {
		return Batch{}
	}

	ops := make([]Op, len(b.Ops))
	for i, op := range b.Ops {
		ops[i] = op
		if op.Payload != nil {
			ops[i].Payload = append([]byte{}, op.Payload...)
		}
	}

	return Batch{Ops: ops}
}

func (b Batch) String() string {
	parts := make([]string, 0, len(b.Ops))
	for _, op := range b.Ops {
		parts = append(parts, op.String())
	}

	return "[" + strings.Join(parts, " ") + "]"
}

// PolarityLookup resolves the polarity of a port.
type PolarityLookup interface {
	Polarity(i int) (port.Polarity, error)
}

// Constraint rejects port combinations the protocol does not allow in one
// batch.
type Constraint func(ports []int) error

// Set is the ordered list of batches offered for the next round. The last
// batch is the one currently being staged.
type Set struct {
	ports      PolarityLookup
	constraint Constraint
	frozen     []Batch
	current    Batch
}

// NewSet creates an empty set holding one empty batch.
func NewSet(ports PolarityLookup) *Set {
	return &Set{ports: ports}
}

// SetConstraint installs a protocol constraint checked on every staging
// call.
func (s *Set) SetConstraint(c Constraint) {
	s.constraint = c
}

// Put stages sending payload on port p in the current batch.
func (s *Set) Put(p int, payload []byte) error {
	return s.stage(p, port.Put, append([]byte{}, payload...))
}

// Get stages receiving on port p in the current batch.
func (s *Set) Get(p int) error {
	return s.stage(p, port.Get, nil)
}

func (s *Set) stage(p int, want port.Polarity, payload []byte) error {
	polarity, err := s.ports.Polarity(p)
	if err != nil {
		return err
	}

	if polarity != want {
		return fmt.Errorf("%w: cannot %s on %s port %d",
			ErrWrongDirection, want, polarity, p)
	}

	if _, used := s.current.Op(p); used {
		return fmt.Errorf("%w: %d", ErrPortAlreadyUsedInBatch, p)
	}

	if s.constraint != nil {
		err = s.constraint(append(s.current.Ports(), p))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIllegalBatch, err)
		}
	}

	s.current.Ops = append(s.current.Ops, Op{
		Port:     p,
		Polarity: want,
		Payload:  payload,
	})

	return nil
}

// NextBatch freezes the current batch and opens a new empty one. It returns
// the index of the batch that was frozen.
func (s *Set) NextBatch() int {
	s.frozen = append(s.frozen, s.current)
	s.current = Batch{}

	return len(s.frozen) - 1
}

// Len returns the number of batches including the current one.
func (s *Set) Len() int {
	return len(s.frozen) + 1
}

// Batches returns deep copies of all batches in offering order.
func (s *Set) Batches() []Batch {
	out := make([]Batch, 0, s.Len())
	for _, b := range s.frozen {
		out = append(out, b.Clone())
	}

	return append(out, s.current.Clone())
}

// Drain returns all batches and leaves the set with one empty batch.
func (s *Set) Drain() []Batch {
	out := append(s.frozen, s.current)
	s.Clear()

	return out
}

// Export is Batches under the name the recovery log uses.
func (s *Set) Export() []Batch {
	return s.Batches()
}

// Import replaces the set with copies of batches. The last batch becomes the
// current one.
func (s *Set) Import(batches []Batch) {
	s.Clear()

	if len(batches) == 0 {
		return
	}

	for _, b := range batches[:len(batches)-1] {
		s.frozen = append(s.frozen, b.Clone())
	}

	s.current = batches[len(batches)-1].Clone()
}

// Clear drops every batch.
func (s *Set) Clear() {
	s.frozen = nil
	s.current = Batch{}
}
