package round

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
)

func ch(c, i uint32) predicate.ChannelID {
	return predicate.ChannelID{Connector: predicate.ConnectorID(c), Index: i}
}

func assign(c predicate.ChannelID, firing bool) predicate.Assignment {
	return predicate.Assignment{Channel: c, Firing: firing}
}

var _ = Describe("Branches", func() {
	var table *port.Table

	BeforeEach(func() {
		// 0: put to a peer, 1: get from a peer, 2 and 3: a native pair.
		table = port.NewTable(
			[]port.Polarity{port.Put, port.Get, port.Put, port.Get})
		Expect(table.BindActive(0, "a")).To(Succeed())
		Expect(table.BindPassive(1, "b")).To(Succeed())
		Expect(table.BindNative(2, port.Put)).To(Succeed())
		Expect(table.BindNative(3, port.Get)).To(Succeed())
		table.SetChannel(0, ch(7, 0))
		table.SetChannel(1, ch(1, 0))
		table.SetChannel(2, ch(1, 1))
		table.SetChannel(3, ch(1, 1))
		table.SetPeer(2, 3)
	})

	It("should assign every channel of the connector", func() {
		bs := newBranches([]batch.Batch{
			{Ops: []batch.Op{{Port: 0, Polarity: port.Put, Payload: []byte("x")}}},
		}, table)

		b := bs.all[0]
		Expect(b.State).To(Equal(Tentative))
		Expect(b.Pred.Equal(predicate.New(
			assign(ch(1, 0), false),
			assign(ch(1, 1), false),
			assign(ch(7, 0), true),
		))).To(BeTrue())
	})

	It("should reject a batch using one end of a native channel", func() {
		bs := newBranches([]batch.Batch{
			{Ops: []batch.Op{{Port: 2, Polarity: port.Put, Payload: []byte("x")}}},
			{Ops: []batch.Op{
				{Port: 2, Polarity: port.Put, Payload: []byte("x")},
				{Port: 3, Polarity: port.Get},
			}},
		}, table)

		Expect(bs.all[0].State).To(Equal(Rejected))
		Expect(bs.all[1].State).To(Equal(Tentative))
		Expect(bs.all[1].Received()).To(Equal(map[int][]byte{3: []byte("x")}))
	})

	It("should reject a batch that repeats an earlier one", func() {
		bs := newBranches([]batch.Batch{
			{Ops: []batch.Op{{Port: 0, Polarity: port.Put, Payload: []byte("x")}}},
			{Ops: []batch.Op{{Port: 0, Polarity: port.Put, Payload: []byte("y")}}},
		}, table)

		Expect(bs.Viable()).To(HaveLen(1))
		Expect(bs.Viable()[0].Batch).To(Equal(0))
	})

	It("should fork waiting branches on payloads", func() {
		bs := newBranches([]batch.Batch{
			{Ops: []batch.Op{{Port: 1, Polarity: port.Get}}},
			{},
		}, table)

		Expect(bs.expects(1)).To(BeTrue())
		Expect(bs.all[0].State).To(Equal(Waiting))

		offer := predicate.New(assign(ch(1, 0), true), assign(ch(9, 0), true))
		completed := bs.receive(1, offer, []byte("hi"))

		Expect(completed).To(HaveLen(1))
		Expect(completed[0].Batch).To(Equal(0))
		Expect(completed[0].Received()).To(Equal(map[int][]byte{1: []byte("hi")}))

		_, assigned := completed[0].Pred.Query(ch(9, 0))
		Expect(assigned).To(BeTrue())

		By("ignoring the same offer twice")
		Expect(bs.receive(1, offer, []byte("hi"))).To(BeEmpty())

		By("choosing the branch the decision agrees with")
		decision := completed[0].Pred
		Expect(bs.choose(decision)).To(BeIdenticalTo(completed[0]))

		bs.done(1)
		Expect(bs.final()).To(BeTrue())
	})

	It("should not fork on contradicting offers", func() {
		bs := newBranches([]batch.Batch{
			{Ops: []batch.Op{{Port: 1, Polarity: port.Get}}},
		}, table)

		offer := predicate.New(assign(ch(1, 0), true), assign(ch(7, 0), true))
		Expect(bs.receive(1, offer, []byte("hi"))).To(BeEmpty())
	})
})

var _ = Describe("Solution storage", func() {
	It("should combine solutions of every subtree", func() {
		s := newSolutionStorage([]int{4, 6})

		s.submit(nativeSubtree, Solution{
			Pred: predicate.New(assign(ch(1, 0), true)),
			Rank: []int{0},
		})
		s.submit(4, Solution{
			Pred: predicate.New(assign(ch(1, 0), true), assign(ch(2, 0), false)),
			Rank: []int{1},
		})
		Expect(s.drain()).To(BeEmpty())

		s.submit(6, Solution{
			Pred: predicate.New(assign(ch(2, 0), true)),
			Rank: []int{0},
		})
		Expect(s.drain()).To(BeEmpty())

		s.submit(6, Solution{
			Pred: predicate.New(assign(ch(2, 0), false)),
			Rank: []int{3},
		})

		fresh := s.drain()
		Expect(fresh).To(HaveLen(1))
		Expect(fresh[0].Rank).To(Equal([]int{0, 1, 3}))
		Expect(s.count()).To(Equal(1))
	})

	It("should order solutions by rank", func() {
		s := newSolutionStorage(nil)

		s.submit(nativeSubtree, Solution{
			Pred: predicate.New(assign(ch(1, 0), false)),
			Rank: []int{2},
		})
		s.submit(nativeSubtree, Solution{
			Pred: predicate.New(assign(ch(1, 0), true)),
			Rank: []int{1},
		})

		fresh := s.drain()
		Expect(fresh[0].Rank).To(Equal([]int{1}))
		Expect(fresh[1].Rank).To(Equal([]int{2}))

		best, ok := s.best()
		Expect(ok).To(BeTrue())
		Expect(best.Rank).To(Equal([]int{1}))
	})

	It("should panic on a solution from a stranger", func() {
		s := newSolutionStorage([]int{1})

		Expect(func() { s.submit(3, Solution{}) }).To(Panic())
	})
})
