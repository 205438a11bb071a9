// Package link carries round-negotiation messages between connectors.
//
// A Link is a reliable, order-preserving, bidirectional channel to one peer.
// Links come from a Transport: MemoryTransport for connectors living in one
// process and TCPTransport for everything else. A Messenger fans the links of
// a connector into one receive loop.
package link

import (
	"context"
	"errors"
	"fmt"
)

// Errors surfaced by links.
var (
	ErrLinkClosed        = errors.New("link closed")
	ErrLinkTimeout       = errors.New("link timeout")
	ErrUnreachable       = errors.New("address unreachable")
	ErrBindFailed        = errors.New("bind failed")
	ErrPayloadIntegrity  = errors.New("payload integrity check failed")
	ErrProtocolDeviation = errors.New("peer deviated from the protocol")
)

// Link is one end of a channel to a peer connector.
type Link interface {
	// Name identifies the link in logs.
	Name() string

	// Send delivers the message to the peer, or fails with ErrLinkClosed.
	Send(msg *Msg) error

	// Recv blocks until a message arrives or the link closes.
	Recv() (*Msg, error)

	// Close closes both directions. Messages already received by the peer
	// are still delivered before the peer sees ErrLinkClosed.
	Close() error
}

// Listener accepts inbound links at an address.
type Listener interface {
	Accept(ctx context.Context) (Link, error)
	Addr() string
	Close() error
}

// Transport creates links.
type Transport interface {
	Listen(address string) (Listener, error)
	Dial(ctx context.Context, address string) (Link, error)
}

// RecvContext waits for one message, closing the link if ctx expires first.
func RecvContext(ctx context.Context, l Link) (*Msg, error) {
	type result struct {
		msg *Msg
		err error
	}

	done := make(chan result, 1)

	go func() {
		msg, err := l.Recv()
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		_ = l.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrLinkTimeout, l.Name(), ctx.Err())
	}
}
