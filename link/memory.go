package link

import (
	"context"
	"fmt"
	"sync"
)

// queue is an unbounded FIFO with a single consumer.
type queue struct {
	lock   sync.Mutex
	items  []*Msg
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(m *Msg) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return ErrLinkClosed
	}

	q.items = append(q.items, m)
	q.signal()

	return nil
}

func (q *queue) close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	q.closed = true
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (*Msg, error) {
	for {
		q.lock.Lock()

		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.lock.Unlock()

			return m, nil
		}

		if q.closed {
			q.lock.Unlock()
			return nil, ErrLinkClosed
		}

		q.lock.Unlock()

		<-q.notify
	}
}

// memoryLink connects two connectors in the same process. Messages are
// cloned on send so the two sides never share memory.
type memoryLink struct {
	name string
	in   *queue
	out  *queue
	once sync.Once
}

// NewMemoryPair creates two connected in-process links.
func NewMemoryPair(nameA, nameB string) (Link, Link) {
	ab := newQueue()
	ba := newQueue()

	a := &memoryLink{name: nameA + "->" + nameB, in: ba, out: ab}
	b := &memoryLink{name: nameB + "->" + nameA, in: ab, out: ba}

	return a, b
}

func (l *memoryLink) Name() string {
	return l.name
}

func (l *memoryLink) Send(msg *Msg) error {
	err := l.out.push(msg.Clone())
	if err != nil {
		return fmt.Errorf("%s: %w", l.name, err)
	}

	return nil
}

func (l *memoryLink) Recv() (*Msg, error) {
	m, err := l.in.pop()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}

	return m, nil
}

func (l *memoryLink) Close() error {
	l.once.Do(func() {
		l.out.close()
		l.in.close()
	})

	return nil
}

// MemoryTransport hands out memory links between listeners and dialers that
// share the transport.
type MemoryTransport struct {
	lock      sync.Mutex
	listeners map[string]*memoryListener
}

// NewMemoryTransport creates an empty in-process network.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		listeners: make(map[string]*memoryListener),
	}
}

type memoryListener struct {
	transport *MemoryTransport
	addr      string
	pending   chan Link
	done      chan struct{}
	once      sync.Once
}

// Listen registers the address.
func (t *MemoryTransport) Listen(address string) (Listener, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, taken := t.listeners[address]; taken {
		return nil, fmt.Errorf("%w: %s in use", ErrBindFailed, address)
	}

	l := &memoryListener{
		transport: t,
		addr:      address,
		pending:   make(chan Link, 16),
		done:      make(chan struct{}),
	}
	t.listeners[address] = l

	return l, nil
}

// Dial connects to a listening address.
func (t *MemoryTransport) Dial(ctx context.Context, address string) (Link, error) {
	t.lock.Lock()
	l, ok := t.listeners[address]
	t.lock.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, address)
	}

	client, server := NewMemoryPair("dial:"+address, "accept:"+address)

	select {
	case l.pending <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, address)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLinkTimeout, address, ctx.Err())
	}
}

func (l *memoryListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.pending:
		return link, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: listener %s", ErrLinkClosed, l.addr)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrLinkTimeout, l.addr, ctx.Err())
	}
}

func (l *memoryListener) Addr() string {
	return l.addr
}

func (l *memoryListener) Close() error {
	l.once.Do(func() {
		close(l.done)

		l.transport.lock.Lock()
		delete(l.transport.listeners, l.addr)
		l.transport.lock.Unlock()
	})

	return nil
}
