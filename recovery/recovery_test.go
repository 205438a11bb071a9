package recovery

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/port"
)

var _ = Describe("Log", func() {
	var (
		table *port.Table
		set   *batch.Set
		log   *Log
	)

	BeforeEach(func() {
		table = port.NewTable([]port.Polarity{port.Put, port.Get})
		set = batch.NewSet(table)
		log = NewLog(2)

		Expect(set.Put(0, []byte("hi"))).To(Succeed())
		set.NextBatch()
		Expect(set.Get(1)).To(Succeed())
		table.Deliver(1, []byte("old"))
	})

	It("should restore the exact pre-round state", func() {
		beforeBatches := set.Export()
		beforeSlots := table.ExportSlots()

		Expect(log.Snapshot(4, set, table)).To(Succeed())

		set.Drain()
		table.ClearSlots()
		table.Deliver(1, []byte("new"))

		Expect(log.Restore(set, table)).To(Succeed())

		Expect(set.Export()).To(Equal(beforeBatches))
		Expect(table.ExportSlots()).To(Equal(beforeSlots))

		_, pending := log.Pending()
		Expect(pending).To(BeFalse())
	})

	It("should refuse a second snapshot", func() {
		Expect(log.Snapshot(0, set, table)).To(Succeed())
		Expect(log.Snapshot(1, set, table)).To(MatchError(ErrSnapshotPending))

		s, ok := log.Pending()
		Expect(ok).To(BeTrue())
		Expect(s.Round).To(Equal(uint64(0)))
		Expect(s.Batches).To(HaveLen(2))
	})

	It("should keep the snapshot isolated from later staging", func() {
		Expect(log.Snapshot(0, set, table)).To(Succeed())
		Expect(set.Put(0, []byte("extra"))).To(Succeed())

		Expect(log.Restore(set, table)).To(Succeed())
		Expect(set.Batches()[1].Ports()).To(Equal([]int{1}))
	})

	It("should discard", func() {
		Expect(log.Discard()).To(MatchError(ErrNoSnapshot))
		Expect(log.Snapshot(0, set, table)).To(Succeed())
		Expect(log.Discard()).To(Succeed())
		Expect(log.Restore(set, table)).To(MatchError(ErrNoSnapshot))
		Expect(log.Since()).To(BeZero())
	})

	It("should bound the history", func() {
		log.Record(HistoryEntry{Round: 0, Outcome: "committed"})
		log.Record(HistoryEntry{Round: 1, Outcome: "no match", Batch: -1})
		log.Record(HistoryEntry{Round: 2, Outcome: "rolled back", Batch: -1})

		h := log.History()
		Expect(h).To(HaveLen(2))
		Expect(h[0].Round).To(Equal(uint64(1)))

		last, ok := log.Last()
		Expect(ok).To(BeTrue())
		Expect(last.Outcome).To(Equal("rolled back"))
	})

	It("should keep no history with zero capacity", func() {
		l := NewLog(0)
		l.Record(HistoryEntry{})

		_, ok := l.Last()
		Expect(ok).To(BeFalse())
	})
})
