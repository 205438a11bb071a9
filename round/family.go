package round

import (
	"context"
	"fmt"
	"sort"

	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/predicate"
)

// Family is the position of a connector in the sink tree that rounds are
// coordinated on. Parent and Children are port indices.
type Family struct {
	Root     predicate.ConnectorID
	Parent   int
	Children []int
}

// IsRoot reports whether the connector decides rounds.
func (f Family) IsRoot() bool {
	return f.Parent < 0
}

// IsChild reports whether the link of port p leads to a child.
func (f Family) IsChild(p int) bool {
	for _, c := range f.Children {
		if c == p {
			return true
		}
	}

	return false
}

func (f Family) String() string {
	return fmt.Sprintf("root=%d parent=%d children=%v",
		f.Root, f.Parent, f.Children)
}

// BuildFamily orients the links of a connected component into a tree rooted
// at the connector with the largest ID. Every connector of the component must
// call it with the links it owns. It runs once, while connecting; messages of
// later kinds that arrive early are set aside for the first round.
func BuildFamily(
	ctx context.Context,
	id predicate.ConnectorID,
	m *link.Messenger,
) (Family, error) {
	b := &familyBuilder{
		ctx:       ctx,
		m:         m,
		neighbors: m.Ports(),
		root:      id,
		parent:    -1,
	}

	if err := b.echo(); err != nil {
		return Family{}, err
	}

	children, err := b.collect()
	if err != nil {
		return Family{}, err
	}

	m.UndelayAll()

	return Family{Root: b.root, Parent: b.parent, Children: children}, nil
}

type familyBuilder struct {
	ctx       context.Context
	m         *link.Messenger
	neighbors []int

	root     predicate.ConnectorID
	parent   int
	awaiting map[int]bool
}

// echo floods the largest ID seen. A connector adopts the neighbor that first
// told it about a larger ID as its parent and answers once all its other
// neighbors agree on that ID. The wave ends at the connector whose own ID
// wins, which then announces it.
func (b *familyBuilder) echo() error {
	if err := b.flood(-1); err != nil {
		return err
	}

	for len(b.awaiting) > 0 || b.parent >= 0 {
		r, err := b.recv()
		if err != nil {
			return err
		}

		switch r.Msg.Kind {
		case link.KindLeaderAnnounce:
			b.root = r.Msg.Connector
			b.parent = r.Port

			return nil
		case link.KindLeaderEcho:
			if err := b.onEcho(r.Port, r.Msg.Connector); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s while building the tree",
				ErrProtocolViolation, r.Msg.Kind)
		}
	}

	return nil
}

func (b *familyBuilder) onEcho(from int, root predicate.ConnectorID) error {
	switch {
	case root < b.root:
		return nil
	case root == b.root:
		delete(b.awaiting, from)
		return b.answer()
	default:
		b.root = root
		b.parent = from

		return b.flood(from)
	}
}

func (b *familyBuilder) flood(except int) error {
	b.awaiting = make(map[int]bool)

	for _, p := range b.neighbors {
		if p == except {
			continue
		}

		if err := b.m.Send(p, link.NewLeaderEcho(b.root)); err != nil {
			return err
		}

		b.awaiting[p] = true
	}

	return b.answer()
}

func (b *familyBuilder) answer() error {
	if len(b.awaiting) > 0 || b.parent < 0 {
		return nil
	}

	return b.m.Send(b.parent, link.NewLeaderEcho(b.root))
}

// collect tells every neighbor the root, or that it is the parent, and learns
// which neighbors chose this connector as their parent.
func (b *familyBuilder) collect() ([]int, error) {
	waiting := make(map[int]bool)

	for _, p := range b.neighbors {
		msg := link.NewLeaderAnnounce(b.root)
		if p == b.parent {
			msg = link.NewYouAreMyParent()
		} else {
			waiting[p] = true
		}

		if err := b.m.Send(p, msg); err != nil {
			return nil, err
		}
	}

	children := []int{}

	for len(waiting) > 0 {
		r, err := b.recv()
		if err != nil {
			return nil, err
		}

		switch r.Msg.Kind {
		case link.KindLeaderEcho:
			continue
		case link.KindLeaderAnnounce:
			if r.Msg.Connector != b.root {
				return nil, fmt.Errorf("%w: port %d announced root %d, not %d",
					ErrTopology, r.Port, r.Msg.Connector, b.root)
			}
		case link.KindYouAreMyParent:
			children = append(children, r.Port)
		default:
			return nil, fmt.Errorf("%w: %s while building the tree",
				ErrProtocolViolation, r.Msg.Kind)
		}

		delete(waiting, r.Port)
	}

	sort.Ints(children)

	return children, nil
}

func (b *familyBuilder) recv() (link.Received, error) {
	for {
		r, err := b.m.Recv(b.ctx)
		if err != nil {
			return r, err
		}

		if r.Err != nil {
			return r, fmt.Errorf("port %d: %w", r.Port, r.Err)
		}

		if !r.Msg.Kind.IsSetup() {
			b.m.Delay(r)
			continue
		}

		return r, nil
	}
}
