package round

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/hooking"
	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
)

type peer struct {
	id    predicate.ConnectorID
	table *port.Table
	links map[int]link.Link
}

func newPeer(id uint32, polarities ...port.Polarity) *peer {
	return &peer{
		id:    predicate.ConnectorID(id),
		table: port.NewTable(polarities),
		links: make(map[int]link.Link),
	}
}

// wire connects port pa of a, which dials, with port pb of b, which listens
// and owns the channel.
func wire(a *peer, pa int, b *peer, pb int) {
	addr := fmt.Sprintf("%d.%d", b.id, pb)
	c := predicate.ChannelID{Connector: b.id, Index: uint32(pb)}

	Expect(a.table.BindActive(pa, addr)).To(Succeed())
	Expect(b.table.BindPassive(pb, addr)).To(Succeed())
	a.table.SetChannel(pa, c)
	b.table.SetChannel(pb, c)

	la, lb := link.NewMemoryPair(
		fmt.Sprintf("%d", a.id), fmt.Sprintf("%d", b.id))
	a.links[pa] = la
	b.links[pb] = lb
}

func start(tieBreak TieBreak, peers ...*peer) []*Coordinator {
	coords := make([]*Coordinator, len(peers))

	var wg sync.WaitGroup

	for i, p := range peers {
		wg.Add(1)

		go func(i int, p *peer) {
			defer GinkgoRecover()
			defer wg.Done()

			m := link.NewMessenger(p.links)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			f, err := BuildFamily(ctx, p.id, m)
			Expect(err).NotTo(HaveOccurred())

			p.table.Seal()

			coords[i] = MakeBuilder().
				WithID(p.id).
				WithPorts(p.table).
				WithMessenger(m).
				WithFamily(f).
				WithTieBreak(tieBreak).
				WithDecisionGrace(time.Second).
				Build(fmt.Sprintf("C%d", p.id))
		}(i, p)
	}

	wg.Wait()

	return coords
}

func runAll(
	coords []*Coordinator,
	timeout time.Duration,
	batches ...[]batch.Batch,
) []Result {
	results := make([]Result, len(coords))

	var wg sync.WaitGroup

	for i, c := range coords {
		wg.Add(1)

		go func(i int, c *Coordinator) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			results[i] = c.Run(ctx, batches[i])
		}(i, c)
	}

	wg.Wait()

	return results
}

func closeAll(coords []*Coordinator) {
	for _, c := range coords {
		if c != nil {
			Expect(c.Close()).To(Succeed())
		}
	}
}

func put(p int, payload string) batch.Op {
	return batch.Op{Port: p, Polarity: port.Put, Payload: []byte(payload)}
}

func get(p int) batch.Op {
	return batch.Op{Port: p, Polarity: port.Get}
}

// scripted builds a coordinator whose only neighbor is driven by the test
// through the returned link.
func scripted(
	pol port.Polarity,
	f Family,
	tieBreak TieBreak,
) (*Coordinator, link.Link) {
	table := port.NewTable([]port.Polarity{pol})
	Expect(table.BindPassive(0, "x")).To(Succeed())
	table.SetChannel(0, predicate.ChannelID{Connector: 8})
	table.Seal()

	raw, mine := link.NewMemoryPair("raw", "coord")

	coord := MakeBuilder().
		WithID(8).
		WithPorts(table).
		WithMessenger(link.NewMessenger(map[int]link.Link{0: mine})).
		WithFamily(f).
		WithTieBreak(tieBreak).
		WithDecisionGrace(time.Second).
		Build("C8")

	return coord, raw
}

// recvUntil reads from l until a message of the given kind shows up.
func recvUntil(l link.Link, kind link.Kind) *link.Msg {
	for {
		m, err := l.Recv()
		Expect(err).NotTo(HaveOccurred())

		if m.Kind == kind {
			return m
		}
	}
}

func batches(bs ...[]batch.Op) []batch.Batch {
	out := make([]batch.Batch, 0, len(bs))
	for _, ops := range bs {
		out = append(out, batch.Batch{Ops: ops})
	}

	return out
}

var _ = Describe("BuildFamily", func() {
	It("should root the tree at the largest ID", func() {
		a := newPeer(5, port.Put)
		b := newPeer(9, port.Get, port.Put)
		c := newPeer(2, port.Get)
		wire(a, 0, b, 0)
		wire(b, 1, c, 0)

		coords := start(FirstDiscovered, a, b, c)
		defer closeAll(coords)

		for _, co := range coords {
			Expect(co.Family().Root).To(Equal(predicate.ConnectorID(9)))
		}

		Expect(coords[1].Family().IsRoot()).To(BeTrue())
		Expect(coords[1].Family().Children).To(Equal([]int{0, 1}))
		Expect(coords[0].Family().Parent).To(Equal(0))
		Expect(coords[2].Family().Parent).To(Equal(0))
		Expect(coords[0].Family().Children).To(BeEmpty())
	})

	It("should make a lone connector its own root", func() {
		coords := start(FirstDiscovered, newPeer(3))
		defer closeAll(coords)

		Expect(coords[0].Family().IsRoot()).To(BeTrue())
		Expect(coords[0].Family().Root).To(Equal(predicate.ConnectorID(3)))
	})
})

var _ = Describe("Coordinator", func() {
	Context("with two peers", func() {
		var coords []*Coordinator

		BeforeEach(func() {
			a := newPeer(1, port.Put)
			b := newPeer(2, port.Get)
			wire(a, 0, b, 0)

			coords = start(FirstDiscovered, a, b)
		})

		AfterEach(func() {
			closeAll(coords)
		})

		It("should move a payload", func() {
			results := runAll(coords, time.Second,
				batches([]batch.Op{put(0, "hi")}),
				batches([]batch.Op{get(0)}),
			)

			Expect(results[0].Outcome).To(Equal(Committed))
			Expect(results[0].Batch).To(Equal(0))
			Expect(results[1].Outcome).To(Equal(Committed))
			Expect(results[1].Received).To(Equal(map[int][]byte{0: []byte("hi")}))
			Expect(results[0].Decision.Equal(results[1].Decision)).To(BeTrue())
		})

		It("should pick the alternative both sides can agree on", func() {
			results := runAll(coords, time.Second,
				batches([]batch.Op{put(0, "hi")}, nil),
				batches(nil),
			)

			Expect(results[0].Outcome).To(Equal(Committed))
			Expect(results[0].Batch).To(Equal(1))
			Expect(results[1].Batch).To(Equal(0))
			Expect(results[1].Received).To(BeEmpty())
		})

		It("should report no match when nothing fits", func() {
			results := runAll(coords, time.Second,
				batches([]batch.Op{put(0, "hi")}),
				batches(nil),
			)

			for _, r := range results {
				Expect(r.Outcome).To(Equal(NoMatch))
				Expect(r.Err).To(MatchError(ErrNoMatch))
				Expect(r.Batch).To(Equal(-1))
			}
		})

		It("should run rounds back to back", func() {
			for i := 0; i < 5; i++ {
				payload := fmt.Sprintf("msg-%d", i)
				results := runAll(coords, time.Second,
					batches([]batch.Op{put(0, payload)}),
					batches([]batch.Op{get(0)}),
				)

				Expect(results[1].Round).To(Equal(uint64(i)))
				Expect(results[1].Received[0]).To(Equal([]byte(payload)))
			}

			Expect(coords[0].Status().Round).To(Equal(uint64(5)))
			Expect(coords[0].Status().State).To(Equal(Idle))
		})

		It("should time out at the root when the peer never syncs", func() {
			ctx, cancel := context.WithTimeout(context.Background(),
				50*time.Millisecond)
			defer cancel()

			res := coords[1].Run(ctx, batches([]batch.Op{get(0)}))

			Expect(res.Outcome).To(Equal(NoMatch))
		})

		It("should fail once the grace period after a timeout runs out", func() {
			ctx, cancel := context.WithTimeout(context.Background(),
				50*time.Millisecond)
			defer cancel()

			res := coords[0].Run(ctx, batches([]batch.Op{put(0, "x")}))

			Expect(res.Outcome).To(Equal(Fatal))
			Expect(res.Err).To(MatchError(link.ErrLinkTimeout))
			Expect(coords[0].Status().State).To(Equal(Failed))
		})
	})

	It("should decide for three connectors", func() {
		a := newPeer(1, port.Put, port.Put)
		b := newPeer(2, port.Get, port.Put)
		c := newPeer(3, port.Get, port.Get)
		wire(a, 0, b, 0)
		wire(a, 1, c, 0)
		wire(b, 1, c, 1)

		coords := start(LowestRank, a, b, c)
		defer closeAll(coords)

		results := runAll(coords, 2*time.Second,
			batches(
				[]batch.Op{put(0, "to-b")},
				[]batch.Op{put(1, "to-c")},
			),
			batches(
				[]batch.Op{get(0), put(1, "relay")},
				nil,
			),
			batches(
				[]batch.Op{get(0)},
				[]batch.Op{get(0), get(1)},
				[]batch.Op{get(1)},
			),
		)

		Expect(results[0].Batch).To(Equal(1))
		Expect(results[1].Batch).To(Equal(1))
		Expect(results[2].Batch).To(Equal(0))
		Expect(results[2].Received).To(Equal(map[int][]byte{0: []byte("to-c")}))
	})

	It("should roll everyone back when a link breaks mid-round", func() {
		a := newPeer(1, port.Put)
		c := newPeer(2, port.Put)
		b := newPeer(3, port.Get, port.Get)
		wire(a, 0, b, 0)
		wire(c, 0, b, 1)

		coords := start(FirstDiscovered, a, c, b)
		defer closeAll(coords)

		var once sync.Once

		coords[0].AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos != HookPosSolution {
				return
			}

			once.Do(func() {
				Expect(coords[0].Link(0).Close()).To(Succeed())
			})
		}))

		results := runAll(coords, 2*time.Second,
			batches([]batch.Op{put(0, "a")}),
			batches([]batch.Op{put(0, "c")}),
			batches([]batch.Op{get(0), get(1)}),
		)

		for _, r := range results {
			Expect(r.Outcome).To(Equal(RolledBack))
			Expect(r.Err).To(MatchError(ErrRolledBack))
		}

		By("refusing further rounds on the broken connectors")
		res := coords[0].Run(context.Background(), nil)
		Expect(res.Outcome).To(Equal(Fatal))
		Expect(res.Err).To(MatchError(link.ErrLinkClosed))
	})

	It("should match a native channel on its own", func() {
		p := newPeer(4, port.Put, port.Get)
		Expect(p.table.BindNative(0, port.Put)).To(Succeed())
		Expect(p.table.BindNative(1, port.Get)).To(Succeed())
		p.table.SetChannel(0, predicate.ChannelID{Connector: 4})
		p.table.SetChannel(1, predicate.ChannelID{Connector: 4})
		p.table.SetPeer(0, 1)

		coords := start(FirstDiscovered, p)
		defer closeAll(coords)

		res := coords[0].Run(context.Background(), batches(
			[]batch.Op{put(0, "loop")},
			[]batch.Op{put(0, "loop"), get(1)},
		))

		Expect(res.Outcome).To(Equal(Committed))
		Expect(res.Batch).To(Equal(1))
		Expect(res.Received).To(Equal(map[int][]byte{1: []byte("loop")}))
	})

	DescribeTable("should settle on the lowest batch whichever side is root",
		func(putter, getter uint32) {
			a := newPeer(putter, port.Put)
			b := newPeer(getter, port.Get)
			wire(a, 0, b, 0)

			coords := start(FirstDiscovered, a, b)
			defer closeAll(coords)

			for i := 0; i < 10; i++ {
				results := runAll(coords, time.Second,
					batches([]batch.Op{put(0, "x")}, nil),
					batches([]batch.Op{get(0)}, nil),
				)

				Expect(results[0].Outcome).To(Equal(Committed))
				Expect(results[0].Batch).To(Equal(0))
				Expect(results[1].Outcome).To(Equal(Committed))
				Expect(results[1].Batch).To(Equal(0))
				Expect(results[1].Received).
					To(Equal(map[int][]byte{0: []byte("x")}))
			}
		},
		Entry("with the getter as root", uint32(1), uint32(2)),
		Entry("with the putter as root", uint32(2), uint32(1)),
	)

	Context("choosing between two solutions", func() {
		var a, b *peer

		BeforeEach(func() {
			a = newPeer(1, port.Put)
			b = newPeer(2, port.Get)
			wire(a, 0, b, 0)
		})

		run := func(tieBreak TieBreak) []Result {
			coords := start(tieBreak, a, b)
			defer closeAll(coords)

			return runAll(coords, time.Second,
				batches(nil, []batch.Op{put(0, "x")}),
				batches([]batch.Op{get(0)}, nil),
			)
		}

		It("should take the first solution the child reports", func() {
			results := run(FirstDiscovered)

			Expect(results[0].Batch).To(Equal(0))
			Expect(results[1].Batch).To(Equal(1))
			Expect(results[1].Received).To(BeEmpty())
		})

		It("should take the lowest ranked solution", func() {
			results := run(LowestRank)

			Expect(results[0].Batch).To(Equal(1))
			Expect(results[1].Batch).To(Equal(0))
			Expect(results[1].Received).
				To(Equal(map[int][]byte{0: []byte("x")}))
		})
	})

	Context("timing out with a partial match", func() {
		It("should roll back at the root", func() {
			coord, raw := scripted(port.Put,
				Family{Root: 8, Parent: -1, Children: []int{0}}, LowestRank)
			defer func() { Expect(coord.Close()).To(Succeed()) }()

			pred := predicate.New(predicate.Assignment{
				Channel: predicate.ChannelID{Connector: 8},
				Firing:  true,
			})
			Expect(raw.Send(link.NewElaborate(0, pred, []int{0}))).
				To(Succeed())

			ctx, cancel := context.WithTimeout(context.Background(),
				50*time.Millisecond)
			defer cancel()

			res := coord.Run(ctx, batches([]batch.Op{put(0, "x")}))

			Expect(res.Outcome).To(Equal(RolledBack))
			Expect(res.Err).To(MatchError(ErrRolledBack))

			announce := recvUntil(raw, link.KindAnnounce)
			Expect(announce.Decision.Success).To(BeFalse())
			Expect(announce.Decision.RolledBack).To(BeTrue())
		})

		It("should ask the root to roll back", func() {
			coord, raw := scripted(port.Put,
				Family{Root: 9, Parent: 0}, FirstDiscovered)
			defer func() { Expect(coord.Close()).To(Succeed()) }()

			go func() {
				defer GinkgoRecover()

				recvUntil(raw, link.KindElaborate)
				failure := recvUntil(raw, link.KindFailure)
				Expect(failure.Rollback).To(BeTrue())

				Expect(raw.Send(link.NewAnnounce(0,
					link.Decision{RolledBack: true}))).To(Succeed())
			}()

			ctx, cancel := context.WithTimeout(context.Background(),
				50*time.Millisecond)
			defer cancel()

			res := coord.Run(ctx, batches([]batch.Op{put(0, "x")}))

			Expect(res.Outcome).To(Equal(RolledBack))
			Expect(res.Err).To(MatchError(ErrRolledBack))
			Expect(coord.Status().State).To(Equal(Idle))
		})
	})

	It("should abort on a frame it cannot decode", func() {
		l, err := link.NewTCPTransport().Listen("127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		conn, err := net.Dial("tcp", l.Addr())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		mine, err := l.Accept(context.Background())
		Expect(err).NotTo(HaveOccurred())

		table := port.NewTable([]port.Polarity{port.Get})
		Expect(table.BindPassive(0, l.Addr())).To(Succeed())
		table.SetChannel(0, predicate.ChannelID{Connector: 8})
		table.Seal()

		coord := MakeBuilder().
			WithID(8).
			WithPorts(table).
			WithMessenger(link.NewMessenger(map[int]link.Link{0: mine})).
			Build("C8")
		defer func() { Expect(coord.Close()).To(Succeed()) }()

		_, err = conn.Write([]byte("{\"kind\": [garbage\n"))
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		res := coord.Run(ctx, batches([]batch.Op{get(0)}))

		Expect(res.Outcome).To(Equal(Fatal))
		Expect(res.Err).To(MatchError(ErrProtocolViolation))
		Expect(res.Err).NotTo(MatchError(ErrRolledBack))
		Expect(coord.Status().State).To(Equal(Failed))
	})

	Context("facing a misbehaving peer", func() {
		var (
			coord *Coordinator
			raw   link.Link
		)

		BeforeEach(func() {
			coord, raw = scripted(port.Get,
				Family{Root: 8, Parent: -1}, FirstDiscovered)
		})

		AfterEach(func() {
			Expect(coord.Close()).To(Succeed())
		})

		It("should abort on a corrupted payload", func() {
			msg := link.NewSendPayload(0, predicate.New(predicate.Assignment{
				Channel: predicate.ChannelID{Connector: 8},
				Firing:  true,
			}), []byte("x"))
			msg.Digest++
			Expect(raw.Send(msg)).To(Succeed())

			res := coord.Run(context.Background(), batches([]batch.Op{get(0)}))

			Expect(res.Outcome).To(Equal(Fatal))
			Expect(res.Err).To(MatchError(link.ErrPayloadIntegrity))

			res = coord.Run(context.Background(), batches([]batch.Op{get(0)}))
			Expect(res.Outcome).To(Equal(Fatal))
		})

		It("should abort on a message it cannot expect", func() {
			Expect(raw.Send(link.NewElaborate(0, predicate.Predicate{}, nil))).
				To(Succeed())

			res := coord.Run(context.Background(), batches([]batch.Op{get(0)}))

			Expect(res.Outcome).To(Equal(Fatal))
			Expect(res.Err).To(MatchError(ErrProtocolViolation))
		})

		It("should set early messages aside for their round", func() {
			pred := predicate.New(predicate.Assignment{
				Channel: predicate.ChannelID{Connector: 8},
				Firing:  true,
			})
			Expect(raw.Send(link.NewSendPayload(1, pred, []byte("later")))).
				To(Succeed())
			Expect(raw.Send(link.NewProposalsDone(1))).To(Succeed())
			Expect(raw.Send(link.NewSendPayload(0, pred, []byte("now")))).
				To(Succeed())
			Expect(raw.Send(link.NewProposalsDone(0))).To(Succeed())

			res := coord.Run(context.Background(), batches([]batch.Op{get(0)}))
			Expect(res.Received[0]).To(Equal([]byte("now")))

			res = coord.Run(context.Background(), batches([]batch.Op{get(0)}))
			Expect(res.Received[0]).To(Equal([]byte("later")))
		})
	})
})
