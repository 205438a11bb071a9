package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
	"github.com/sarchlab/rendezvous/round"
)

// Connect establishes every network port within timeout and orients the
// connected group for rounds. It succeeds entirely or not at all; a failed
// connector cannot be connected again.
func (c *Connector) Connect(timeout time.Duration) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch c.state {
	case Created:
		return c.fail(&ConnectError{Err: ErrNotConfigured})
	case Configured:
	case Connected:
		return c.fail(&ConnectError{Err: ErrAlreadyConnected})
	default:
		return c.fail(&ConnectError{Err: ErrConnectorFailed})
	}

	if unbound := c.ports.Unbound(); len(unbound) > 0 {
		return c.fail(&ConnectError{
			Err: fmt.Errorf("%w: %v", ErrPortNotBound, unbound),
		})
	}

	err := c.connect(timeout)
	if err != nil {
		c.state = Failed

		if isTimeout(err) {
			err = fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}

		c.log.WithError(err).Warn("connect failed")

		return c.fail(&ConnectError{Err: err})
	}

	c.state = Connected

	status := c.coord.Status()
	c.log.WithFields(logrus.Fields{
		"root":     status.Family.Root,
		"parent":   status.Family.Parent,
		"children": status.Family.Children,
	}).Info("connected")

	return nil
}

func (c *Connector) connect(timeout time.Duration) error {
	if err := c.assignChannels(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	links, err := c.establish(ctx)
	if err != nil {
		return err
	}

	m := link.NewMessenger(links)

	family, err := round.BuildFamily(ctx, c.id, m)
	if err != nil {
		_ = m.Close()
		return err
	}

	c.ports.Seal()

	c.coord = round.MakeBuilder().
		WithID(c.id).
		WithPorts(c.ports).
		WithMessenger(m).
		WithFamily(family).
		WithTieBreak(c.tieBreak).
		WithDecisionGrace(c.grace).
		WithLogger(c.log).
		Build(c.name)
	c.coord.AcceptHook(forward{c: c})

	return nil
}

// assignChannels names the channels this connector owns: one per passive
// port and one per native pair, numbered in port order. Active ports learn
// their channel from the peer.
func (c *Connector) assignChannels() error {
	var next uint32

	for i := 0; i < c.ports.Len(); i++ {
		p, _ := c.ports.Port(i)
		peer, paired := c.iface.PeerOf(i)

		switch p.Binding.Kind {
		case port.Passive, port.Active:
			if paired {
				return fmt.Errorf("%w: network port %d belongs to a local channel",
					ErrTopology, i)
			}

			if p.Binding.Kind == port.Active {
				continue
			}
		case port.Native:
			if !paired {
				return fmt.Errorf("%w: native port %d has no local peer",
					ErrTopology, i)
			}

			peerPort, _ := c.ports.Port(peer)
			if peerPort.Binding.Kind != port.Native {
				return fmt.Errorf("%w: port %d is paired with network port %d",
					ErrTopology, i, peer)
			}

			if p.Polarity != port.Put {
				continue
			}

			c.ports.SetPeer(i, peer)
			c.ports.SetChannel(peer, predicate.ChannelID{Connector: c.id, Index: next})
		}

		c.ports.SetChannel(i, predicate.ChannelID{Connector: c.id, Index: next})
		next++
	}

	return nil
}

type established struct {
	link    link.Link
	channel predicate.ChannelID
}

// establish brings up the links of all network ports in parallel.
func (c *Connector) establish(ctx context.Context) (map[int]link.Link, error) {
	netPorts := c.ports.NetworkPorts()
	results := make([]established, len(netPorts))

	g, gctx := errgroup.WithContext(ctx)

	for i, index := range netPorts {
		i := i
		p, _ := c.ports.Port(index)

		g.Go(func() error {
			var (
				r   established
				err error
			)

			if p.Binding.Kind == port.Passive {
				r, err = c.accept(gctx, p)
			} else {
				r, err = c.dial(gctx, p)
			}

			results[i] = r

			if err != nil {
				return fmt.Errorf("port %d: %w", p.Index, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, r := range results {
			if r.link != nil {
				_ = r.link.Close()
			}
		}

		return nil, err
	}

	links := make(map[int]link.Link, len(netPorts))

	for i, index := range netPorts {
		links[index] = results[i].link
		c.ports.SetChannel(index, results[i].channel)
	}

	return links, nil
}

// accept waits for the peer of a passive port and tells it the channel.
func (c *Connector) accept(ctx context.Context, p port.Port) (established, error) {
	l, err := c.transport.Listen(p.Binding.Address)
	if err != nil {
		return established{}, err
	}
	defer l.Close()

	conn, err := l.Accept(ctx)
	if err != nil {
		return established{}, err
	}

	setup := link.NewChannelSetup(p.Channel, p.Polarity, c.id)
	if err := conn.Send(setup); err != nil {
		_ = conn.Close()
		return established{}, err
	}

	c.log.WithFields(logrus.Fields{
		"port":    p.Index,
		"channel": p.Channel.String(),
	}).Debug("accepted peer")

	return established{link: conn, channel: p.Channel}, nil
}

// dial reaches the peer of an active port, retrying until ctx is done, and
// learns the channel from it.
func (c *Connector) dial(ctx context.Context, p port.Port) (established, error) {
	backoff := c.backoffMin

	for {
		conn, err := c.transport.Dial(ctx, p.Binding.Address)
		if err == nil {
			return c.handshake(ctx, p, conn)
		}

		select {
		case <-ctx.Done():
			return established{}, fmt.Errorf("%w: %s: %v",
				ErrConnectTimeout, p.Binding.Address, err)
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.backoffMax {
			backoff = c.backoffMax
		}
	}
}

func (c *Connector) handshake(
	ctx context.Context,
	p port.Port,
	conn link.Link,
) (established, error) {
	msg, err := link.RecvContext(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return established{}, err
	}

	if msg.Kind != link.KindChannelSetup {
		_ = conn.Close()

		return established{}, fmt.Errorf("%w: expected ChannelSetup, got %s",
			ErrProtocolViolation, msg.Kind)
	}

	if msg.Polarity == p.Polarity {
		_ = conn.Close()

		return established{}, fmt.Errorf("%w: polarity matched: both ends are %s",
			ErrTopology, p.Polarity)
	}

	c.log.WithFields(logrus.Fields{
		"port":    p.Index,
		"channel": msg.Channel.String(),
	}).Debug("dialed peer")

	return established{link: conn, channel: msg.Channel}, nil
}
