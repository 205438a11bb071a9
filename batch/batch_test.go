package batch

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rendezvous/port"
)

var _ = Describe("Set", func() {
	var (
		table *port.Table
		set   *Set
	)

	BeforeEach(func() {
		table = port.NewTable([]port.Polarity{port.Put, port.Get, port.Put})
		set = NewSet(table)
	})

	It("should start with one empty batch", func() {
		Expect(set.Len()).To(Equal(1))
		Expect(set.Batches()).To(Equal([]Batch{{}}))
	})

	It("should stage operations in order", func() {
		Expect(set.Put(0, []byte("hi"))).To(Succeed())
		Expect(set.Get(1)).To(Succeed())

		b := set.Batches()[0]
		Expect(b.Ports()).To(Equal([]int{0, 1}))

		op, ok := b.Op(0)
		Expect(ok).To(BeTrue())
		Expect(op.Payload).To(Equal([]byte("hi")))
		Expect(b.String()).To(Equal("[put(0,2B) get(1)]"))
	})

	It("should reject the wrong direction", func() {
		Expect(set.Get(0)).To(MatchError(ErrWrongDirection))
		Expect(set.Put(1, nil)).To(MatchError(port.ErrWrongDirection))
	})

	It("should reject reusing a port in one batch", func() {
		Expect(set.Put(0, []byte("a"))).To(Succeed())
		Expect(set.Put(0, []byte("b"))).To(MatchError(ErrPortAlreadyUsedInBatch))
	})

	It("should not affect other batches on a staging error", func() {
		Expect(set.Put(0, []byte("a"))).To(Succeed())
		Expect(set.NextBatch()).To(Equal(0))
		Expect(set.Put(0, []byte("b"))).To(Succeed())
		Expect(set.Put(0, []byte("c"))).To(HaveOccurred())

		bs := set.Batches()
		Expect(bs).To(HaveLen(2))
		Expect(bs[0].Ops[0].Payload).To(Equal([]byte("a")))
		Expect(bs[1].Ops).To(HaveLen(1))
	})

	It("should reject out of range ports", func() {
		Expect(set.Get(7)).To(MatchError(port.ErrIndexOutOfBounds))
	})

	It("should enforce the constraint", func() {
		set.SetConstraint(func(ports []int) error {
			if len(ports) > 1 {
				return errors.New("one at a time")
			}

			return nil
		})

		Expect(set.Put(0, nil)).To(Succeed())
		Expect(set.Put(2, nil)).To(MatchError(ErrIllegalBatch))
	})

	It("should copy payloads on staging", func() {
		payload := []byte("abc")
		Expect(set.Put(0, payload)).To(Succeed())

		payload[0] = 'x'

		Expect(set.Batches()[0].Ops[0].Payload).To(Equal([]byte("abc")))
	})

	It("should drain and import", func() {
		Expect(set.Put(0, []byte("a"))).To(Succeed())
		set.NextBatch()
		Expect(set.Get(1)).To(Succeed())

		before := set.Export()
		drained := set.Drain()

		Expect(drained).To(Equal(before))
		Expect(set.Len()).To(Equal(1))

		set.Import(before)
		Expect(set.Batches()).To(Equal(before))

		Expect(set.Put(2, nil)).To(Succeed())
		Expect(set.Batches()[1].Ports()).To(Equal([]int{1, 2}))
	})

	It("should clear", func() {
		Expect(set.Put(0, nil)).To(Succeed())
		set.NextBatch()
		set.Clear()

		Expect(set.Batches()).To(Equal([]Batch{{}}))
	})
})
