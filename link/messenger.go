package link

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Received is a message, or a link failure, observed on a port.
type Received struct {
	Port int
	Msg  *Msg
	Err  error
}

// Messenger owns the links of one connector, keyed by port index. One reader
// goroutine per link feeds a shared inbox; only the owner of the Messenger
// consumes it.
type Messenger struct {
	links map[int]Link
	ports []int
	inbox chan Received

	undelayed []Received
	delayed   []Received

	deadLock sync.Mutex
	dead     map[int]error

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMessenger starts reading from every link.
func NewMessenger(links map[int]Link) *Messenger {
	m := &Messenger{
		links:   links,
		inbox:   make(chan Received, 64),
		dead:    make(map[int]error),
		closing: make(chan struct{}),
	}

	for p := range links {
		m.ports = append(m.ports, p)
	}

	sort.Ints(m.ports)

	for _, p := range m.ports {
		m.wg.Add(1)

		go m.read(p, links[p])
	}

	return m
}

func (m *Messenger) read(p int, l Link) {
	defer m.wg.Done()

	for {
		msg, err := l.Recv()

		select {
		case m.inbox <- Received{Port: p, Msg: msg, Err: err}:
		case <-m.closing:
			return
		}

		if err != nil {
			return
		}
	}
}

// Ports returns the ports that have links, in ascending order.
func (m *Messenger) Ports() []int {
	return append([]int(nil), m.ports...)
}

// Link returns the link of port p, or nil.
func (m *Messenger) Link(p int) Link {
	return m.links[p]
}

// Dead returns the error that killed the link of port p, if any.
func (m *Messenger) Dead(p int) error {
	m.deadLock.Lock()
	defer m.deadLock.Unlock()

	return m.dead[p]
}

func (m *Messenger) markDead(p int, err error) {
	m.deadLock.Lock()
	defer m.deadLock.Unlock()

	if _, already := m.dead[p]; !already {
		m.dead[p] = err
	}
}

// Send sends msg on the link of port p. A failed send marks the link dead.
func (m *Messenger) Send(p int, msg *Msg) error {
	if err := m.Dead(p); err != nil {
		return err
	}

	l, ok := m.links[p]
	if !ok {
		panic(fmt.Sprintf("no link on port %d", p))
	}

	err := l.Send(msg)
	if err != nil {
		m.markDead(p, err)
		return err
	}

	return nil
}

// Recv returns the next delivery. Deliveries that were delayed and then
// released come first. It fails with ErrLinkTimeout once ctx is done.
func (m *Messenger) Recv(ctx context.Context) (Received, error) {
	if len(m.undelayed) > 0 {
		r := m.undelayed[0]
		m.undelayed = m.undelayed[1:]

		return r, nil
	}

	select {
	case r := <-m.inbox:
		if r.Err != nil {
			m.markDead(r.Port, r.Err)
		}

		return r, nil
	case <-ctx.Done():
		return Received{}, fmt.Errorf("%w: %v", ErrLinkTimeout, ctx.Err())
	}
}

// Delay sets a delivery aside until UndelayAll is called.
func (m *Messenger) Delay(r Received) {
	m.delayed = append(m.delayed, r)
}

// UndelayAll makes every delayed delivery available to Recv again, in the
// order they were delayed.
func (m *Messenger) UndelayAll() {
	m.undelayed = append(m.undelayed, m.delayed...)
	m.delayed = nil
}

// Close closes every link and waits for the readers to stop.
func (m *Messenger) Close() error {
	var firstErr error

	m.closeOnce.Do(func() {
		close(m.closing)

		for _, p := range m.ports {
			err := m.links[p].Close()
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}

		m.wg.Wait()
	})

	return firstErr
}
