// Package connector is the public face of a rendezvous peer: configure its
// ports, bind them, connect, stage batches and synchronize rounds.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/hooking"
	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
	"github.com/sarchlab/rendezvous/protocol"
	"github.com/sarchlab/rendezvous/recovery"
	"github.com/sarchlab/rendezvous/round"
)

// State is the life-cycle stage of a connector.
type State int

// States.
const (
	Created State = iota
	Configured
	Connected
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Configured:
		return "configured"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time view of a connector.
type Status struct {
	Name       string
	ID         predicate.ConnectorID
	State      State
	Entry      string
	Ports      int
	Batches    int
	Round      uint64
	RoundState string
	Root       predicate.ConnectorID
	Parent     int
	Children   []int
	Broken     string
}

// A Connector is one peer of a rendezvous. Staging and Sync must come from one
// logical caller; Status, History, DumpDiagnosticLog and LastError may be
// called from anywhere.
type Connector struct {
	hooking.HookableBase

	name       string
	id         predicate.ConnectorID
	transport  link.Transport
	log        *logrus.Entry
	tieBreak   round.TieBreak
	grace      time.Duration
	backoffMin time.Duration
	backoffMax time.Duration
	trace      *hooking.TraceHook
	recovery   *recovery.Log

	lock    sync.Mutex
	state   State
	iface   *protocol.Interface
	ports   *port.Table
	batches *batch.Set
	coord   *round.Coordinator

	inFlight atomic.Bool

	errLock sync.Mutex
	lastErr error
}

// Name returns the name of the connector.
func (c *Connector) Name() string {
	return c.name
}

// ID returns the ID of the connector.
func (c *Connector) ID() predicate.ConnectorID {
	return c.id
}

// Coordinator returns the round coordinator, or nil before Connect.
func (c *Connector) Coordinator() *round.Coordinator {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.coord
}

// Configure resolves the entry point of the description into the
// connector's ports.
func (c *Connector) Configure(desc protocol.Description, entry string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.state != Created {
		return c.fail(&ConfigError{Err: ErrAlreadyConfigured})
	}

	iface, err := desc.Interface(entry)
	if err != nil {
		return c.fail(&ConfigError{Err: err})
	}

	c.iface = iface
	c.ports = port.NewTable(iface.Ports)
	c.batches = batch.NewSet(c.ports)
	c.batches.SetConstraint(iface.Allows)
	c.state = Configured

	c.log.WithFields(logrus.Fields{
		"entry": iface.Name,
		"ports": len(iface.Ports),
	}).Debug("configured")

	return nil
}

// Ports returns the number of ports.
func (c *Connector) Ports() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.ports == nil {
		return 0
	}

	return c.ports.Len()
}

// BindNative makes port p a local port operated by the caller.
func (c *Connector) BindNative(p int, direction port.Polarity) error {
	return c.bind(p, func() error { return c.ports.BindNative(p, direction) })
}

// BindActive makes port p dial the peer at address.
func (c *Connector) BindActive(p int, address string) error {
	return c.bind(p, func() error { return c.ports.BindActive(p, address) })
}

// BindPassive makes port p accept a peer at address.
func (c *Connector) BindPassive(p int, address string) error {
	return c.bind(p, func() error { return c.ports.BindPassive(p, address) })
}

func (c *Connector) bind(p int, do func() error) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.ports == nil {
		return c.fail(&BindError{Port: p, Err: ErrNotConfigured})
	}

	if c.state != Configured {
		return c.fail(&BindError{Port: p, Err: ErrInvalidState})
	}

	if err := do(); err != nil {
		return c.fail(&BindError{Port: p, Err: err})
	}

	return nil
}

// Put stages sending payload on port p in the current batch.
func (c *Connector) Put(p int, payload []byte) error {
	return c.stage(p, func() error { return c.batches.Put(p, payload) })
}

// Get stages receiving on port p in the current batch.
func (c *Connector) Get(p int) error {
	return c.stage(p, func() error { return c.batches.Get(p) })
}

// NextBatch freezes the current batch as one alternative and starts a new
// empty one. It returns the index of the frozen batch.
func (c *Connector) NextBatch() (int, error) {
	index := -1

	err := c.stage(-1, func() error {
		index = c.batches.NextBatch()
		return nil
	})

	return index, err
}

// ClearBatches drops every staged batch.
func (c *Connector) ClearBatches() error {
	return c.stage(-1, func() error {
		c.batches.Clear()
		return nil
	})
}

// Staged returns copies of the staged batches, the current one last. It
// returns nil while a round is in progress.
func (c *Connector) Staged() []batch.Batch {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.batches == nil || c.inFlight.Load() {
		return nil
	}

	return c.batches.Batches()
}

func (c *Connector) stage(p int, do func() error) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.batches == nil {
		return c.fail(&StageError{Port: p, Err: ErrNotConfigured})
	}

	if c.inFlight.Load() {
		return c.fail(&StageError{Port: p, Err: ErrRoundInProgress})
	}

	if err := do(); err != nil {
		return c.fail(&StageError{Port: p, Err: err})
	}

	return nil
}

// Sync runs one round with the staged batches. On success it returns the
// index of the winning batch, and the payloads received by that batch can be
// taken with TakeReceived. Otherwise the error is ErrNoMatch or
// ErrRolledBack, after which the staged batches and receive slots are as they
// were before the call, or a *FatalError, after which the connector is
// unusable. A Sync that overlaps a running one fails with ErrRoundInProgress
// and CodeRoundInProgress, and leaves the running round alone.
func (c *Connector) Sync(timeout time.Duration) (int, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return CodeRoundInProgress, c.fail(ErrRoundInProgress)
	}
	defer c.inFlight.Store(false)

	c.lock.Lock()

	switch c.state {
	case Connected:
	case Failed:
		err := c.brokenLocked()
		c.lock.Unlock()

		return CodeFatal, c.fail(newFatalError(err))
	default:
		c.lock.Unlock()
		return CodeFatal, c.fail(ErrNotConnected)
	}

	coord := c.coord

	if err := c.recovery.Snapshot(coord.Status().Round, c.batches, c.ports); err != nil {
		c.lock.Unlock()
		return CodeFatal, c.fail(err)
	}

	batches := c.batches.Drain()
	c.ports.ClearSlots()
	c.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res := coord.Run(ctx, batches)

	return c.settle(res, len(batches))
}

func (c *Connector) settle(res round.Result, offered int) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry := recovery.HistoryEntry{
		Round:    res.Round,
		Outcome:  res.Outcome.String(),
		Batch:    res.Batch,
		Offered:  offered,
		Duration: res.Duration,
	}

	if res.Err != nil {
		entry.Err = res.Err.Error()
	}

	c.recovery.Record(entry)

	if res.Outcome == round.Committed {
		for p, payload := range res.Received {
			c.ports.Deliver(p, payload)
		}

		if err := c.recovery.Discard(); err != nil {
			c.log.WithField("round", res.Round).WithError(err).
				Warn("no snapshot to discard after commit")
		}

		return res.Batch, nil
	}

	if err := c.recovery.Restore(c.batches, c.ports); err != nil {
		panic(err)
	}

	switch res.Outcome {
	case round.NoMatch:
		return CodeNoMatch, c.fail(res.Err)
	case round.RolledBack:
		c.log.WithField("round", res.Round).WithError(res.Err).
			Warn("round rolled back")

		return CodeRolledBack, c.fail(res.Err)
	default:
		c.state = Failed
		return CodeFatal, c.fail(newFatalError(res.Err))
	}
}

func (c *Connector) brokenLocked() error {
	if c.coord != nil {
		if err := c.coord.Broken(); err != nil {
			return err
		}
	}

	return ErrConnectorFailed
}

// TakeReceived removes and returns the payload that port p received in the
// last committed round.
func (c *Connector) TakeReceived(p int) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.ports == nil {
		return nil, c.fail(&ReadError{Port: p, Err: ErrNotConfigured})
	}

	if c.inFlight.Load() {
		return nil, c.fail(&ReadError{Port: p, Err: ErrRoundInProgress})
	}

	payload, err := c.ports.Take(p)
	if err != nil {
		return nil, c.fail(&ReadError{Port: p, Err: err})
	}

	return payload, nil
}

// DumpDiagnosticLog writes the retained round events to w.
func (c *Connector) DumpDiagnosticLog(w io.Writer) error {
	return c.trace.Dump(w)
}

// Trace returns the diagnostic log hook.
func (c *Connector) Trace() *hooking.TraceHook {
	return c.trace
}

// History returns the outcomes of the most recent rounds, oldest first.
func (c *Connector) History() []recovery.HistoryEntry {
	return c.recovery.History()
}

// LastError returns the detail of the most recent failed call.
func (c *Connector) LastError() (string, bool) {
	c.errLock.Lock()
	defer c.errLock.Unlock()

	if c.lastErr == nil {
		return "", false
	}

	return c.lastErr.Error(), true
}

// ClearError forgets the last error. It reports whether there was one.
func (c *Connector) ClearError() bool {
	c.errLock.Lock()
	defer c.errLock.Unlock()

	had := c.lastErr != nil
	c.lastErr = nil

	return had
}

func (c *Connector) fail(err error) error {
	c.errLock.Lock()
	defer c.errLock.Unlock()

	c.lastErr = err

	return err
}

// Status reports the state of the connector.
func (c *Connector) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := Status{
		Name:   c.name,
		ID:     c.id,
		State:  c.state,
		Parent: -1,
	}

	if c.iface != nil {
		s.Entry = c.iface.Name
		s.Ports = c.ports.Len()
	}

	if c.batches != nil && !c.inFlight.Load() {
		s.Batches = c.batches.Len()
	}

	if c.coord != nil {
		rs := c.coord.Status()
		s.Round = rs.Round
		s.RoundState = rs.State.String()
		s.Root = rs.Family.Root
		s.Parent = rs.Family.Parent
		s.Children = append([]int(nil), rs.Family.Children...)
		s.Broken = rs.Broken
	}

	return s
}

// Close releases the links. A round in progress ends no later than its
// timeout.
func (c *Connector) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.state == Closed {
		return nil
	}

	c.state = Closed

	if c.coord != nil {
		return c.coord.Close()
	}

	return nil
}

// forward passes the coordinator's hook events on to the connector's hooks.
type forward struct {
	c *Connector
}

func (f forward) Func(ctx hooking.HookCtx) {
	f.c.InvokeHook(ctx)
}

func isTimeout(err error) bool {
	return errors.Is(err, link.ErrLinkTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
