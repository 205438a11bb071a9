// Package predicate describes which channels fire in a round.
//
// A Predicate is a partial assignment from channels to a firing flag. Each
// batch offered by a connector becomes a predicate, and solutions found by
// different connectors are merged by taking the union of compatible
// predicates.
package predicate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ConnectorID identifies a connector within a network of connectors.
type ConnectorID uint32

// ChannelID identifies one channel. The connector that creates the channel
// assigns the index.
type ChannelID struct {
	Connector ConnectorID `json:"c"`
	Index     uint32      `json:"i"`
}

// Less orders channels by connector first and index second.
func (c ChannelID) Less(o ChannelID) bool {
	if c.Connector != o.Connector {
		return c.Connector < o.Connector
	}

	return c.Index < o.Index
}

func (c ChannelID) String() string {
	return fmt.Sprintf("%d.%d", c.Connector, c.Index)
}

// Assignment binds a channel to a firing flag.
type Assignment struct {
	Channel ChannelID `json:"ch"`
	Firing  bool      `json:"f"`
}

// Relation describes how two predicates relate to their common satisfier.
type Relation int

// The relations returned by Relate.
const (
	// Equivalent predicates assign the same channels the same way.
	Equivalent Relation = iota
	// FormerNotLatter means the former already satisfies the latter.
	FormerNotLatter
	// LatterNotFormer means the latter already satisfies the former.
	LatterNotFormer
	// Widened means neither satisfies the other but their union exists.
	Widened
	// Nonexistent means the predicates contradict each other.
	Nonexistent
)

func (r Relation) String() string {
	switch r {
	case Equivalent:
		return "Equivalent"
	case FormerNotLatter:
		return "FormerNotLatter"
	case LatterNotFormer:
		return "LatterNotFormer"
	case Widened:
		return "Widened"
	case Nonexistent:
		return "Nonexistent"
	default:
		return fmt.Sprintf("Relation(%d)", int(r))
	}
}

// Predicate is an immutable, sorted set of assignments. The zero value is the
// empty predicate that every predicate satisfies.
type Predicate struct {
	assigned []Assignment
}

// New creates a predicate from the given assignments. Assigning the same
// channel twice with different flags is a programming error.
func New(assignments ...Assignment) Predicate {
	p := Predicate{}
	for _, a := range assignments {
		p = p.With(a.Channel, a.Firing)
	}

	return p
}

func (p Predicate) search(ch ChannelID) (int, bool) {
	i := sort.Search(len(p.assigned), func(i int) bool {
		return !p.assigned[i].Channel.Less(ch)
	})

	return i, i < len(p.assigned) && p.assigned[i].Channel == ch
}

// Query returns the flag of the channel and whether it is assigned at all.
func (p Predicate) Query(ch ChannelID) (firing bool, assigned bool) {
	i, ok := p.search(ch)
	if !ok {
		return false, false
	}

	return p.assigned[i].Firing, true
}

// Len returns the number of assigned channels.
func (p Predicate) Len() int {
	return len(p.assigned)
}

// Assignments returns a copy of the assignments in channel order.
func (p Predicate) Assignments() []Assignment {
	out := make([]Assignment, len(p.assigned))
	copy(out, p.assigned)

	return out
}

// Firing returns the channels that fire, in channel order.
func (p Predicate) Firing() []ChannelID {
	var out []ChannelID

	for _, a := range p.assigned {
		if a.Firing {
			out = append(out, a.Channel)
		}
	}

	return out
}

// With returns a predicate where the channel is assigned the given flag. It
// panics if the channel is already assigned the opposite flag.
func (p Predicate) With(ch ChannelID, firing bool) Predicate {
	i, ok := p.search(ch)
	if ok {
		if p.assigned[i].Firing != firing {
			panic(fmt.Sprintf("channel %s assigned twice", ch))
		}

		return p
	}

	assigned := make([]Assignment, 0, len(p.assigned)+1)
	assigned = append(assigned, p.assigned[:i]...)
	assigned = append(assigned, Assignment{Channel: ch, Firing: firing})
	assigned = append(assigned, p.assigned[i:]...)

	return Predicate{assigned: assigned}
}

// AssignMissing returns a predicate where every unassigned channel among chs
// is given the flag.
func (p Predicate) AssignMissing(chs []ChannelID, firing bool) Predicate {
	out := p
	for _, ch := range chs {
		if _, ok := out.Query(ch); !ok {
			out = out.With(ch, firing)
		}
	}

	return out
}

// Satisfies reports whether every assignment of o also holds in p.
func (p Predicate) Satisfies(o Predicate) bool {
	i := 0
	for _, want := range o.assigned {
		for i < len(p.assigned) && p.assigned[i].Channel.Less(want.Channel) {
			i++
		}

		if i == len(p.assigned) || p.assigned[i].Channel != want.Channel {
			return false
		}

		if p.assigned[i].Firing != want.Firing {
			return false
		}
	}

	return true
}

// Union merges two predicates. It returns false if they contradict each
// other on some channel.
func (p Predicate) Union(o Predicate) (Predicate, bool) {
	merged := make([]Assignment, 0, len(p.assigned)+len(o.assigned))

	i, j := 0, 0
	for i < len(p.assigned) && j < len(o.assigned) {
		a, b := p.assigned[i], o.assigned[j]

		switch {
		case a.Channel == b.Channel:
			if a.Firing != b.Firing {
				return Predicate{}, false
			}

			merged = append(merged, a)
			i++
			j++
		case a.Channel.Less(b.Channel):
			merged = append(merged, a)
			i++
		default:
			merged = append(merged, b)
			j++
		}
	}

	merged = append(merged, p.assigned[i:]...)
	merged = append(merged, o.assigned[j:]...)

	return Predicate{assigned: merged}, true
}

// Relate finds the common satisfier of p and o and tells which of the two,
// if any, already is that satisfier.
func (p Predicate) Relate(o Predicate) (Relation, Predicate) {
	merged, ok := p.Union(o)
	if !ok {
		return Nonexistent, Predicate{}
	}

	pCovers := len(merged.assigned) == len(p.assigned)
	oCovers := len(merged.assigned) == len(o.assigned)

	switch {
	case pCovers && oCovers:
		return Equivalent, p
	case pCovers:
		return FormerNotLatter, p
	case oCovers:
		return LatterNotFormer, o
	default:
		return Widened, merged
	}
}

// Equal reports whether both predicates hold the same assignments.
func (p Predicate) Equal(o Predicate) bool {
	if len(p.assigned) != len(o.assigned) {
		return false
	}

	for i := range p.assigned {
		if p.assigned[i] != o.assigned[i] {
			return false
		}
	}

	return true
}

// Key returns a string that is equal for equal predicates. It is used to
// index predicates in maps.
func (p Predicate) Key() string {
	var b strings.Builder

	for _, a := range p.assigned {
		fmt.Fprintf(&b, "%d.%d", a.Channel.Connector, a.Channel.Index)

		if a.Firing {
			b.WriteByte('+')
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}

func (p Predicate) String() string {
	parts := make([]string, 0, len(p.assigned))

	for _, a := range p.assigned {
		flag := "F"
		if a.Firing {
			flag = "T"
		}

		parts = append(parts, a.Channel.String()+"="+flag)
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON encodes the predicate as a list of assignments.
func (p Predicate) MarshalJSON() ([]byte, error) {
	if p.assigned == nil {
		return []byte("[]"), nil
	}

	return json.Marshal(p.assigned)
}

// UnmarshalJSON decodes a list of assignments. Contradicting assignments are
// rejected.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var assigned []Assignment

	err := json.Unmarshal(data, &assigned)
	if err != nil {
		return err
	}

	out := Predicate{}
	for _, a := range assigned {
		if f, ok := out.Query(a.Channel); ok && f != a.Firing {
			return fmt.Errorf("channel %s assigned twice", a.Channel)
		}

		out = out.With(a.Channel, a.Firing)
	}

	*p = out

	return nil
}
