package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// TCPTransport creates links over TCP connections.
type TCPTransport struct {
	Codec Codec
}

// NewTCPTransport creates a transport using the JSON codec.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{Codec: NewJSONCodec()}
}

// Listen binds a TCP address.
func (t *TCPTransport) Listen(address string) (Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBindFailed, address, err)
	}

	return &tcpListener{listener: l, codec: t.Codec}, nil
}

// Dial connects to a TCP address.
func (t *TCPTransport) Dial(ctx context.Context, address string) (Link, error) {
	dialer := &net.Dialer{}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLinkTimeout, address, err)
		}

		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, address, err)
	}

	return newTCPLink(conn, t.Codec), nil
}

type tcpListener struct {
	listener net.Listener
	codec    Codec
}

func (l *tcpListener) Accept(ctx context.Context) (Link, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	done := make(chan result, 1)

	go func() {
		conn, err := l.listener.Accept()
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: accept on %s: %v",
				ErrLinkClosed, l.Addr(), r.err)
		}

		return newTCPLink(r.conn, l.codec), nil
	case <-ctx.Done():
		_ = l.listener.Close()
		return nil, fmt.Errorf("%w: accept on %s: %v",
			ErrLinkTimeout, l.Addr(), ctx.Err())
	}
}

func (l *tcpListener) Addr() string {
	return l.listener.Addr().String()
}

func (l *tcpListener) Close() error {
	err := l.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

type tcpLink struct {
	name    string
	conn    net.Conn
	encoder Encoder
	decoder Decoder

	sendLock sync.Mutex
	once     sync.Once
}

func newTCPLink(conn net.Conn, codec Codec) *tcpLink {
	return &tcpLink{
		name: fmt.Sprintf("tcp:%s->%s",
			conn.LocalAddr(), conn.RemoteAddr()),
		conn:    conn,
		encoder: codec.NewEncoder(conn),
		decoder: codec.NewDecoder(conn),
	}
}

func (l *tcpLink) Name() string {
	return l.name
}

func (l *tcpLink) Send(msg *Msg) error {
	l.sendLock.Lock()
	defer l.sendLock.Unlock()

	err := l.encoder.Encode(msg)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", l.name, ErrLinkClosed, err)
	}

	return nil
}

func (l *tcpLink) Recv() (*Msg, error) {
	msg, err := l.decoder.Decode()
	if err == nil {
		return msg, nil
	}

	switch {
	case errors.Is(err, ErrMalformedFrame):
		return nil, fmt.Errorf("%s: %w", l.name, err)
	case errors.Is(err, io.EOF):
		return nil, fmt.Errorf("%s: %w", l.name, ErrLinkClosed)
	default:
		return nil, fmt.Errorf("%s: %w: %v", l.name, ErrLinkClosed, err)
	}
}

func (l *tcpLink) Close() error {
	var err error

	l.once.Do(func() {
		err = l.conn.Close()
	})

	return err
}
