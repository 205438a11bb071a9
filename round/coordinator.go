// Package round runs the synchronization rounds of one connector: it offers
// the connector's batches to its peers, combines partial solutions up the
// sink tree and applies the decision that comes back down.
package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/hooking"
	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
)

// Hook positions of a coordinator.
var (
	// HookPosRoundStart is invoked with a RoundStarted item.
	HookPosRoundStart = &hooking.HookPos{Name: "Round Start"}
	// HookPosRoundEnd is invoked with the Result of the round.
	HookPosRoundEnd = &hooking.HookPos{Name: "Round End"}
	// HookPosMsgSend is invoked with a message and the port it leaves on.
	HookPosMsgSend = &hooking.HookPos{Name: "Msg Send"}
	// HookPosMsgRecv is invoked with a message and the port it arrived on.
	HookPosMsgRecv = &hooking.HookPos{Name: "Msg Recv"}
	// HookPosSolution is invoked with each new Solution before a non-root
	// reports it to its parent, and before the root commits to it.
	HookPosSolution = &hooking.HookPos{Name: "Solution"}
	// HookPosDecision is invoked with the link.Decision a connector applies.
	HookPosDecision = &hooking.HookPos{Name: "Decision"}
	// HookPosLinkLost is invoked with the error and the port of a lost link.
	HookPosLinkLost = &hooking.HookPos{Name: "Link Lost"}
)

// RoundStarted is the item of HookPosRoundStart.
type RoundStarted struct {
	Round   uint64
	Batches int
}

func (r RoundStarted) String() string {
	return fmt.Sprintf("round %d with %d batches", r.Round, r.Batches)
}

// Status is a point-in-time view of a coordinator.
type Status struct {
	State  State
	Round  uint64
	Family Family
	Broken string
}

// A Coordinator drives the rounds of one connector over the links it owns.
// Run must not be called concurrently.
type Coordinator struct {
	hooking.HookableBase

	name      string
	id        predicate.ConnectorID
	ports     *port.Table
	messenger *link.Messenger
	family    Family
	tieBreak  TieBreak
	grace     time.Duration
	log       *logrus.Entry

	lock   sync.Mutex
	state  State
	round  uint64
	broken error

	r *roundState
}

type roundState struct {
	index      uint64
	batches    []batch.Batch
	branches   *branches
	storage    *solutionStorage
	exhausted  map[int]bool
	reported   bool
	elaborated bool
	rollback   bool
	lost       map[int]bool
}

// Name returns the name of the coordinator.
func (c *Coordinator) Name() string {
	return c.name
}

// ID returns the ID of the connector.
func (c *Coordinator) ID() predicate.ConnectorID {
	return c.id
}

// Family returns the place of the connector in the sink tree.
func (c *Coordinator) Family() Family {
	return c.family
}

// Link returns the link behind port p, or nil for native ports.
func (c *Coordinator) Link(p int) link.Link {
	return c.messenger.Link(p)
}

// Status reports the state of the coordinator. It is safe to call while a
// round runs.
func (c *Coordinator) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := Status{State: c.state, Round: c.round, Family: c.family}
	if c.broken != nil {
		s.Broken = c.broken.Error()
	}

	return s
}

// Broken returns the error that stops the coordinator from running rounds.
func (c *Coordinator) Broken() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.broken
}

func (c *Coordinator) degrade(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.broken == nil {
		c.broken = err
	}
}

func (c *Coordinator) setState(s State) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.state = s
}

// Close stops the reader goroutines and closes every link.
func (c *Coordinator) Close() error {
	return c.messenger.Close()
}

// Run negotiates one round. The batches are the connector's alternatives in
// submission order. Run returns when the round has an outcome; the deadline
// of ctx bounds the search for a match but not the wait for a verdict that
// was already requested, which is bounded by the decision grace period.
func (c *Coordinator) Run(ctx context.Context, batches []batch.Batch) Result {
	start := time.Now()

	c.lock.Lock()
	index := c.round
	broken := c.broken
	c.lock.Unlock()

	if broken != nil {
		return Result{Round: index, Outcome: Fatal, Batch: -1, Err: broken}
	}

	c.r = &roundState{
		index:     index,
		batches:   batches,
		branches:  newBranches(batches, c.ports),
		storage:   newSolutionStorage(c.family.Children),
		exhausted: make(map[int]bool),
		lost:      make(map[int]bool),
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosRoundStart,
		Item:   RoundStarted{Round: index, Batches: len(batches)},
	})

	res := c.negotiate(ctx)
	res.Round = index
	res.Duration = time.Since(start)

	c.finish(res)

	return res
}

func (c *Coordinator) negotiate(ctx context.Context) Result {
	c.setState(Proposing)
	c.messenger.UndelayAll()

	if res, done := c.propose(); done {
		return res
	}

	c.setState(Matching)

	if res, done := c.progress(); done {
		return res
	}

	return c.match(ctx)
}

func (c *Coordinator) finish(res Result) {
	c.lock.Lock()
	c.round++

	if res.Outcome == Fatal && c.broken == nil {
		c.broken = res.Err
	}

	if c.broken != nil {
		c.state = Failed
	} else {
		c.state = Idle
	}
	c.lock.Unlock()

	entry := c.log.WithFields(logrus.Fields{
		"round":    res.Round,
		"outcome":  res.Outcome.String(),
		"duration": res.Duration,
	})

	switch res.Outcome {
	case Committed:
		entry.WithField("batch", res.Batch).Debug("round committed")
	case Fatal:
		entry.WithError(res.Err).Error("round failed")
	default:
		entry.WithError(res.Err).Debug("round ended without commit")
	}

	c.InvokeHook(hooking.HookCtx{Domain: c, Pos: HookPosRoundEnd, Item: res})
}

// propose sends the payload of every put op of every viable batch, under the
// batch's predicate, and then closes the proposals on every outgoing link.
func (c *Coordinator) propose() (Result, bool) {
	viable := c.r.branches.Viable()

	for _, b := range viable {
		for _, op := range c.r.batches[b.Batch].Ops {
			if op.Polarity != port.Put || !c.isNetwork(op.Port) {
				continue
			}

			msg := link.NewSendPayload(c.r.index, b.Pred, op.Payload)
			if err := c.send(op.Port, msg); err != nil {
				if res, done := c.lose(op.Port, err); done {
					return res, true
				}
			}
		}
	}

	for _, p := range c.ports.NetworkPorts() {
		if pol, _ := c.ports.Polarity(p); pol != port.Put {
			continue
		}

		if err := c.send(p, link.NewProposalsDone(c.r.index)); err != nil {
			if res, done := c.lose(p, err); done {
				return res, true
			}
		}
	}

	for _, b := range viable {
		if b.State == Tentative {
			c.r.storage.submit(nativeSubtree, Solution{
				Pred: b.Pred,
				Rank: []int{b.Batch},
			})
		}
	}

	return Result{}, false
}

func (c *Coordinator) match(ctx context.Context) Result {
	wait := ctx

	var cancel context.CancelFunc

	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	for {
		r, err := c.messenger.Recv(wait)
		if err != nil {
			if cancel != nil {
				res, _ := c.abort(fmt.Errorf("%w: no decision within %s",
					link.ErrLinkTimeout, c.grace))

				return res
			}

			if res, done := c.timeout(); done {
				return res
			}

			wait, cancel = context.WithTimeout(context.Background(), c.grace)

			continue
		}

		if res, done := c.handle(r); done {
			return res
		}
	}
}

// timeout gives up on finding a match. The root decides; everyone else asks
// the root to decide and waits for the verdict.
func (c *Coordinator) timeout() (Result, bool) {
	c.log.WithField("round", c.r.index).Debug("round timed out")

	if c.family.IsRoot() {
		return c.conclude(link.Decision{RolledBack: c.tentative()})
	}

	return c.report(c.tentative())
}

// tentative reports whether ending the round now discards a partial match:
// one that a child reported, or that this connector reported to its parent.
func (c *Coordinator) tentative() bool {
	if c.r.rollback || c.r.storage.reported() {
		return true
	}

	return c.r.elaborated
}

func (c *Coordinator) handle(r link.Received) (Result, bool) {
	if r.Err != nil {
		if errors.Is(r.Err, link.ErrProtocolDeviation) {
			return c.abort(fmt.Errorf("%w: port %d: %v",
				ErrProtocolViolation, r.Port, r.Err))
		}

		return c.lose(r.Port, r.Err)
	}

	msg := r.Msg

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosMsgRecv,
		Item:   msg,
		Detail: r.Port,
	})

	if msg.Kind.IsSetup() {
		if msg.Kind == link.KindLeaderEcho {
			return Result{}, false
		}

		return c.violation("%s on port %d after connecting", msg.Kind, r.Port)
	}

	switch {
	case msg.Round < c.r.index:
		return Result{}, false
	case msg.Round > c.r.index:
		c.messenger.Delay(r)
		return Result{}, false
	}

	switch msg.Kind {
	case link.KindSendPayload:
		return c.onPayload(r.Port, msg)
	case link.KindProposalsDone:
		if !c.r.branches.expects(r.Port) {
			return c.violation("unexpected ProposalsDone on port %d", r.Port)
		}

		c.r.branches.done(r.Port)

		return c.progress()
	case link.KindElaborate:
		if !c.family.IsChild(r.Port) || c.r.exhausted[r.Port] {
			return c.violation("unexpected Elaborate on port %d", r.Port)
		}

		c.r.storage.submit(r.Port, Solution{Pred: msg.Predicate, Rank: msg.Rank})

		return c.progress()
	case link.KindExhausted:
		if !c.family.IsChild(r.Port) {
			return c.violation("unexpected Exhausted on port %d", r.Port)
		}

		c.r.exhausted[r.Port] = true

		return c.progress()
	case link.KindFailure:
		if !c.family.IsChild(r.Port) {
			return c.violation("unexpected Failure on port %d", r.Port)
		}

		c.r.rollback = c.r.rollback || msg.Rollback

		if c.family.IsRoot() {
			return c.conclude(link.Decision{RolledBack: c.tentative()})
		}

		return c.report(c.tentative())
	case link.KindAnnounce:
		if r.Port != c.family.Parent || msg.Decision == nil {
			return c.violation("unexpected Announce on port %d", r.Port)
		}

		return c.conclude(*msg.Decision)
	}

	return c.violation("unknown message kind %s", msg.Kind)
}

func (c *Coordinator) onPayload(p int, msg *link.Msg) (Result, bool) {
	if !c.r.branches.expects(p) {
		return c.violation("unexpected payload on port %d", p)
	}

	if err := msg.VerifyDigest(); err != nil {
		res, _ := c.abort(err)
		return res, true
	}

	pt, _ := c.ports.Port(p)
	if firing, ok := msg.Predicate.Query(pt.Channel); !ok || !firing {
		return c.violation("payload on port %d assumes channel %s is silent",
			p, pt.Channel)
	}

	for _, b := range c.r.branches.receive(p, msg.Predicate, msg.Payload) {
		c.r.storage.submit(nativeSubtree, Solution{
			Pred: b.Pred,
			Rank: []int{b.Batch},
		})
	}

	return c.progress()
}

// final reports whether the subtree cannot produce any more solutions.
func (c *Coordinator) final() bool {
	if !c.r.branches.final() {
		return false
	}

	for _, child := range c.family.Children {
		if !c.r.exhausted[child] {
			return false
		}
	}

	return true
}

// progress pushes newly found solutions toward the root, or lets the root
// decide on them. Nothing moves before every awaited ProposalsDone arrived:
// until then a lower batch may still complete, and solutions must leave the
// connector lowest rank first.
func (c *Coordinator) progress() (Result, bool) {
	if !c.r.branches.final() {
		return Result{}, false
	}

	fresh := c.r.storage.drain()

	if !c.family.IsRoot() {
		for _, sol := range fresh {
			c.invokeSolution(sol)

			msg := link.NewElaborate(c.r.index, sol.Pred, sol.Rank)
			if err := c.send(c.family.Parent, msg); err != nil {
				return c.lose(c.family.Parent, err)
			}

			c.r.elaborated = true
		}

		if !c.r.reported && c.final() {
			c.r.reported = true

			err := c.send(c.family.Parent, link.NewExhausted(c.r.index))
			if err != nil {
				return c.lose(c.family.Parent, err)
			}
		}

		return Result{}, false
	}

	switch c.tieBreak {
	case FirstDiscovered:
		if len(fresh) > 0 {
			c.invokeSolution(fresh[0])
			return c.conclude(link.Decision{Success: true, Predicate: fresh[0].Pred})
		}
	case LowestRank:
		if best, ok := c.r.storage.best(); ok && c.final() {
			c.invokeSolution(best)
			return c.conclude(link.Decision{Success: true, Predicate: best.Pred})
		}
	}

	if c.final() {
		return c.conclude(link.Decision{})
	}

	return Result{}, false
}

func (c *Coordinator) invokeSolution(sol Solution) {
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosSolution,
		Item:   sol,
		Detail: c.family.Parent,
	})
}

// conclude applies a decision and passes it on to the children.
func (c *Coordinator) conclude(d link.Decision) (Result, bool) {
	c.InvokeHook(hooking.HookCtx{Domain: c, Pos: HookPosDecision, Item: d})

	if !d.Success {
		c.setState(RollingBack)
		c.announce(d)
		c.r.branches.settle(nil)

		if d.RolledBack {
			return Result{Outcome: RolledBack, Batch: -1, Err: ErrRolledBack}, true
		}

		return Result{Outcome: NoMatch, Batch: -1, Err: ErrNoMatch}, true
	}

	winner := c.r.branches.choose(d.Predicate)
	if winner == nil {
		return c.violation("decision %s selects none of the batches",
			d.Predicate)
	}

	c.setState(Committing)
	c.announce(d)
	c.r.branches.settle(winner)

	return Result{
		Outcome:  Committed,
		Batch:    winner.Batch,
		Received: winner.Received(),
		Decision: d.Predicate,
	}, true
}

// announce sends the decision to every child. A child that cannot be reached
// any more leaves the connector degraded, but the decision stands.
func (c *Coordinator) announce(d link.Decision) {
	for _, child := range c.family.Children {
		if err := c.send(child, link.NewAnnounce(c.r.index, d)); err != nil {
			c.log.WithError(err).WithField("port", child).
				Warn("cannot announce the decision")
			c.degrade(fmt.Errorf("%w: port %d: %v", link.ErrLinkClosed, child, err))
		}
	}
}

// report asks the parent to end the round without a match.
func (c *Coordinator) report(rollback bool) (Result, bool) {
	err := c.send(c.family.Parent, link.NewFailure(c.r.index, rollback))
	if err != nil {
		return c.lose(c.family.Parent, err)
	}

	return Result{}, false
}

// lose handles a link that failed during the round. The connector stays
// degraded afterwards. The round itself rolls back everywhere: without the
// parent the connector cannot learn the verdict, so it rolls back on its own
// and tells its children; otherwise the root is asked to roll back.
func (c *Coordinator) lose(p int, err error) (Result, bool) {
	if c.r.lost[p] {
		return Result{}, false
	}

	c.r.lost[p] = true
	c.r.rollback = true

	c.degrade(fmt.Errorf("%w: port %d: %v", link.ErrLinkClosed, p, err))
	c.log.WithError(err).WithField("port", p).Warn("link lost")
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosLinkLost,
		Item:   err,
		Detail: p,
	})

	switch {
	case c.family.IsRoot():
		return c.conclude(link.Decision{RolledBack: true})
	case p == c.family.Parent:
		c.setState(RollingBack)
		c.announce(link.Decision{RolledBack: true})
		c.r.branches.settle(nil)

		return Result{
			Outcome: RolledBack,
			Batch:   -1,
			Err:     fmt.Errorf("%w: lost the link to the parent", ErrRolledBack),
		}, true
	default:
		return c.report(true)
	}
}

func (c *Coordinator) violation(format string, args ...interface{}) (Result, bool) {
	return c.abort(fmt.Errorf("%w: %s", ErrProtocolViolation,
		fmt.Sprintf(format, args...)))
}

// abort ends the round on an error that the protocol cannot recover from.
// Neighbors are told on a best-effort basis.
func (c *Coordinator) abort(err error) (Result, bool) {
	c.setState(Aborting)
	c.degrade(err)

	c.announce(link.Decision{RolledBack: true})

	if !c.family.IsRoot() {
		_ = c.send(c.family.Parent, link.NewFailure(c.r.index, true))
	}

	c.r.branches.settle(nil)

	return Result{Outcome: Fatal, Batch: -1, Err: err}, true
}

// send sends msg on port p unless the link of p was already lost this round.
func (c *Coordinator) send(p int, msg *link.Msg) error {
	if c.r.lost[p] {
		return nil
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosMsgSend,
		Item:   msg,
		Detail: p,
	})

	return c.messenger.Send(p, msg)
}

func (c *Coordinator) isNetwork(p int) bool {
	pt, err := c.ports.Port(p)
	return err == nil && pt.Binding.Kind.IsNetwork()
}
