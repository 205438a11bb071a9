package round

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
)

// Builder can build coordinators.
type Builder struct {
	id        predicate.ConnectorID
	ports     *port.Table
	messenger *link.Messenger
	family    Family
	tieBreak  TieBreak
	grace     time.Duration
	logger    *logrus.Entry
}

// MakeBuilder returns a builder with default parameters. The default
// coordinator is the root of a tree of its own.
func MakeBuilder() Builder {
	return Builder{
		family:   Family{Parent: -1},
		tieBreak: FirstDiscovered,
		grace:    10 * time.Second,
	}
}

// WithID sets the ID of the connector.
func (b Builder) WithID(id predicate.ConnectorID) Builder {
	b.id = id
	return b
}

// WithPorts sets the connected port table.
func (b Builder) WithPorts(ports *port.Table) Builder {
	b.ports = ports
	return b
}

// WithMessenger sets the messenger that owns the links.
func (b Builder) WithMessenger(m *link.Messenger) Builder {
	b.messenger = m
	return b
}

// WithFamily sets the place of the connector in the sink tree.
func (b Builder) WithFamily(f Family) Builder {
	b.family = f
	return b
}

// WithTieBreak sets how the root picks among several solutions.
func (b Builder) WithTieBreak(t TieBreak) Builder {
	b.tieBreak = t
	return b
}

// WithDecisionGrace sets how long a connector waits for the verdict after
// its own deadline passed.
func (b Builder) WithDecisionGrace(d time.Duration) Builder {
	b.grace = d
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *logrus.Entry) Builder {
	b.logger = l
	return b
}

// Build creates a coordinator.
func (b Builder) Build(name string) *Coordinator {
	if b.ports == nil {
		panic("coordinator needs a port table")
	}

	m := b.messenger
	if m == nil {
		m = link.NewMessenger(map[int]link.Link{})
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Coordinator{
		name:      name,
		id:        b.id,
		ports:     b.ports,
		messenger: m,
		family:    b.family,
		tieBreak:  b.tieBreak,
		grace:     b.grace,
		log:       logger.WithField("coordinator", name),
	}
}
