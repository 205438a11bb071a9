package connector

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/rendezvous/datarecording"
	"github.com/sarchlab/rendezvous/hooking"
	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/predicate"
	"github.com/sarchlab/rendezvous/recovery"
	"github.com/sarchlab/rendezvous/round"
)

// Builder can build connectors.
type Builder struct {
	id         predicate.ConnectorID
	hasID      bool
	transport  link.Transport
	logger     *logrus.Logger
	tieBreak   round.TieBreak
	grace      time.Duration
	traceCap   int
	historyCap int
	backoffMin time.Duration
	backoffMax time.Duration
	recorder   datarecording.DataRecorder
}

// MakeBuilder returns a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		tieBreak:   round.FirstDiscovered,
		grace:      10 * time.Second,
		traceCap:   1024,
		historyCap: 64,
		backoffMin: 10 * time.Millisecond,
		backoffMax: 500 * time.Millisecond,
	}
}

// WithID fixes the ID of the connector. The connector with the largest ID in
// a connected group coordinates the rounds. By default the ID is random.
func (b Builder) WithID(id predicate.ConnectorID) Builder {
	b.id = id
	b.hasID = true

	return b
}

// WithTransport sets how network ports reach their peers. The default is
// TCP.
func (b Builder) WithTransport(t link.Transport) Builder {
	b.transport = t
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l *logrus.Logger) Builder {
	b.logger = l
	return b
}

// WithTieBreak sets how a round picks among several matches.
func (b Builder) WithTieBreak(t round.TieBreak) Builder {
	b.tieBreak = t
	return b
}

// WithDecisionGrace sets how long Sync waits for a verdict after its timeout
// expired.
func (b Builder) WithDecisionGrace(d time.Duration) Builder {
	b.grace = d
	return b
}

// WithTraceCapacity sets how many lines the diagnostic log keeps.
func (b Builder) WithTraceCapacity(n int) Builder {
	b.traceCap = n
	return b
}

// WithHistoryCapacity sets how many round outcomes are remembered.
func (b Builder) WithHistoryCapacity(n int) Builder {
	b.historyCap = n
	return b
}

// WithConnectBackoff sets the delays between dial attempts of active ports.
func (b Builder) WithConnectBackoff(min, max time.Duration) Builder {
	b.backoffMin = min
	b.backoffMax = max

	return b
}

// WithRecorder mirrors rounds and messages into a data recorder.
func (b Builder) WithRecorder(r datarecording.DataRecorder) Builder {
	b.recorder = r
	return b
}

// Build creates a connector. An empty name is replaced by one derived from
// the ID.
func (b Builder) Build(name string) *Connector {
	b.parametersMustBeValid()

	id := b.id
	if !b.hasID {
		id = predicate.ConnectorID(uuid.New().ID())
	}

	if name == "" {
		name = fmt.Sprintf("connector-%d", id)
	}

	transport := b.transport
	if transport == nil {
		transport = link.NewTCPTransport()
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Connector{
		name:       name,
		id:         id,
		transport:  transport,
		log:        logger.WithField("connector", name),
		tieBreak:   b.tieBreak,
		grace:      b.grace,
		backoffMin: b.backoffMin,
		backoffMax: b.backoffMax,
		trace:      hooking.NewTraceHook(b.traceCap),
		recovery:   recovery.NewLog(b.historyCap),
	}

	c.AcceptHook(c.trace)
	c.AcceptHook(hooking.NewLogHook(c.log))

	if b.recorder != nil {
		c.AcceptHook(datarecording.NewRoundRecorder(b.recorder, name))
	}

	return c
}

func (b Builder) parametersMustBeValid() {
	if b.traceCap <= 0 {
		panic("trace capacity must be positive")
	}

	if b.historyCap < 0 {
		panic("history capacity must not be negative")
	}

	if b.backoffMin <= 0 || b.backoffMax < b.backoffMin {
		panic("invalid connect backoff")
	}

	if b.grace < 0 {
		panic("decision grace must not be negative")
	}
}
