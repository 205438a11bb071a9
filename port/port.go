// Package port models the endpoints of a connector.
//
// A port has a fixed polarity and is bound exactly once before the connector
// connects. After connecting, only the per-round receive slots change.
package port

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sarchlab/rendezvous/predicate"
)

// Polarity is the direction data flows through a port.
type Polarity int

// Polarities.
const (
	// Put ports send payloads.
	Put Polarity = iota
	// Get ports receive payloads.
	Get
)

func (p Polarity) String() string {
	switch p {
	case Put:
		return "put"
	case Get:
		return "get"
	default:
		return fmt.Sprintf("polarity(%d)", int(p))
	}
}

// Opposite returns the polarity of the other end of a channel.
func (p Polarity) Opposite() Polarity {
	if p == Put {
		return Get
	}

	return Put
}

// ParsePolarity accepts "put"/"get" and the "out"/"in" aliases.
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "put", "out", "send":
		return Put, nil
	case "get", "in", "receive":
		return Get, nil
	default:
		return 0, fmt.Errorf("unknown polarity %q", s)
	}
}

// BindingKind tells how a port reaches the other end of its channel.
type BindingKind int

// Binding kinds.
const (
	// Unbound ports have not been bound yet.
	Unbound BindingKind = iota
	// Native ports are paired with another port of the same connector.
	Native
	// Active ports dial a peer address.
	Active
	// Passive ports accept a connection on a local address.
	Passive
)

func (k BindingKind) String() string {
	switch k {
	case Unbound:
		return "unbound"
	case Native:
		return "native"
	case Active:
		return "active"
	case Passive:
		return "passive"
	default:
		return fmt.Sprintf("binding(%d)", int(k))
	}
}

// IsNetwork reports whether the binding needs a link to a peer.
func (k BindingKind) IsNetwork() bool {
	return k == Active || k == Passive
}

// Binding records how a port was bound.
type Binding struct {
	Kind    BindingKind
	Address string
}

// Errors returned by the port table.
var (
	ErrIndexOutOfBounds = errors.New("port index out of bounds")
	ErrAlreadyBound     = errors.New("port already bound")
	ErrInvalidState     = errors.New("ports cannot be bound after connect")
	ErrWrongDirection   = errors.New("wrong port direction")
	ErrInvalidAddress   = errors.New("invalid address")
	ErrNothingReceived  = errors.New("nothing received on port")
)

// Port is one endpoint of a connector.
type Port struct {
	Index    int
	Polarity Polarity
	Binding  Binding

	// Channel is assigned while connecting.
	Channel predicate.ChannelID

	// Peer is the paired port of a native channel, or -1.
	Peer int
}

func (p Port) String() string {
	return fmt.Sprintf("port %d (%s, %s)", p.Index, p.Polarity, p.Binding.Kind)
}

// Table holds the ports of one connector.
type Table struct {
	ports  []Port
	sealed bool
	slots  map[int][]byte
}

// NewTable creates a table with one unbound port per polarity.
func NewTable(polarities []Polarity) *Table {
	t := &Table{
		ports: make([]Port, len(polarities)),
		slots: make(map[int][]byte),
	}

	for i, p := range polarities {
		t.ports[i] = Port{Index: i, Polarity: p, Peer: -1}
	}

	return t
}

// Len returns the number of ports.
func (t *Table) Len() int {
	return len(t.ports)
}

// Port returns a copy of the port at index i.
func (t *Table) Port(i int) (Port, error) {
	if i < 0 || i >= len(t.ports) {
		return Port{}, fmt.Errorf("%w: %d", ErrIndexOutOfBounds, i)
	}

	return t.ports[i], nil
}

// Polarity returns the polarity of the port at index i.
func (t *Table) Polarity(i int) (Polarity, error) {
	p, err := t.Port(i)
	if err != nil {
		return 0, err
	}

	return p.Polarity, nil
}

// BindNative binds port i to a local channel. The requested direction must
// agree with the port's polarity.
func (t *Table) BindNative(i int, direction Polarity) error {
	p, err := t.bindable(i)
	if err != nil {
		return err
	}

	if p.Polarity != direction {
		return fmt.Errorf("%w: port %d is a %s port", ErrWrongDirection,
			i, p.Polarity)
	}

	p.Binding = Binding{Kind: Native}

	return nil
}

// BindActive binds port i to a peer address that this connector dials.
func (t *Table) BindActive(i int, address string) error {
	return t.bindNetwork(i, Active, address)
}

// BindPassive binds port i to a local address where a peer connects.
func (t *Table) BindPassive(i int, address string) error {
	return t.bindNetwork(i, Passive, address)
}

func (t *Table) bindNetwork(i int, kind BindingKind, address string) error {
	p, err := t.bindable(i)
	if err != nil {
		return err
	}

	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: empty address for port %d", ErrInvalidAddress, i)
	}

	p.Binding = Binding{Kind: kind, Address: address}

	return nil
}

func (t *Table) bindable(i int) (*Port, error) {
	if t.sealed {
		return nil, ErrInvalidState
	}

	if i < 0 || i >= len(t.ports) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfBounds, i)
	}

	p := &t.ports[i]
	if p.Binding.Kind != Unbound {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyBound, i)
	}

	return p, nil
}

// Unbound returns the indices of ports that are not bound yet.
func (t *Table) Unbound() []int {
	var out []int

	for _, p := range t.ports {
		if p.Binding.Kind == Unbound {
			out = append(out, p.Index)
		}
	}

	return out
}

// NetworkPorts returns the indices of active and passive ports.
func (t *Table) NetworkPorts() []int {
	var out []int

	for _, p := range t.ports {
		if p.Binding.Kind.IsNetwork() {
			out = append(out, p.Index)
		}
	}

	return out
}

// SetChannel assigns the channel of port i while connecting.
func (t *Table) SetChannel(i int, ch predicate.ChannelID) {
	t.mustNotBeSealed()
	t.ports[i].Channel = ch
}

// SetPeer pairs two native ports while connecting.
func (t *Table) SetPeer(i, j int) {
	t.mustNotBeSealed()
	t.ports[i].Peer = j
	t.ports[j].Peer = i
}

func (t *Table) mustNotBeSealed() {
	if t.sealed {
		panic("port table is sealed")
	}
}

// Seal freezes the bindings. It is called once the connector is connected.
func (t *Table) Seal() {
	t.sealed = true
}

// Sealed reports whether the connector has connected.
func (t *Table) Sealed() bool {
	return t.sealed
}

// Channels returns every distinct channel of the table in channel order.
func (t *Table) Channels() []predicate.ChannelID {
	seen := make(map[predicate.ChannelID]bool)

	var out []predicate.ChannelID

	for _, p := range t.ports {
		if seen[p.Channel] {
			continue
		}

		seen[p.Channel] = true
		out = append(out, p.Channel)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })

	return out
}

// Deliver places a received payload in the slot of port i.
func (t *Table) Deliver(i int, payload []byte) {
	if t.ports[i].Polarity != Get {
		panic(fmt.Sprintf("delivering to %s", t.ports[i]))
	}

	t.slots[i] = payload
}

// Take removes and returns the payload received on port i.
func (t *Table) Take(i int) ([]byte, error) {
	p, err := t.Port(i)
	if err != nil {
		return nil, err
	}

	if p.Polarity != Get {
		return nil, fmt.Errorf("%w: port %d is a %s port", ErrWrongDirection,
			i, p.Polarity)
	}

	payload, ok := t.slots[i]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNothingReceived, i)
	}

	delete(t.slots, i)

	return payload, nil
}

// Peek returns the payload of port i without removing it.
func (t *Table) Peek(i int) ([]byte, bool) {
	payload, ok := t.slots[i]
	return payload, ok
}

// ExportSlots deep-copies the receive slots.
func (t *Table) ExportSlots() map[int][]byte {
	out := make(map[int][]byte, len(t.slots))
	for i, payload := range t.slots {
		out[i] = append([]byte(nil), payload...)
	}

	return out
}

// ImportSlots replaces the receive slots with a copy of slots.
func (t *Table) ImportSlots(slots map[int][]byte) {
	t.slots = make(map[int][]byte, len(slots))
	for i, payload := range slots {
		t.slots[i] = append([]byte(nil), payload...)
	}
}

// ClearSlots empties every receive slot.
func (t *Table) ClearSlots() {
	t.slots = make(map[int][]byte)
}
