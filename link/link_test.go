package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
)

func samplePred() predicate.Predicate {
	return predicate.New(
		predicate.Assignment{
			Channel: predicate.ChannelID{Connector: 1, Index: 0},
			Firing:  true,
		},
		predicate.Assignment{
			Channel: predicate.ChannelID{Connector: 2, Index: 4},
			Firing:  false,
		},
	)
}

var _ = Describe("Msg", func() {
	It("should verify the payload digest", func() {
		m := NewSendPayload(3, samplePred(), []byte("hi"))

		Expect(m.VerifyDigest()).To(Succeed())

		m.Payload[0] = 'H'
		Expect(m.VerifyDigest()).To(MatchError(ErrPayloadIntegrity))
	})

	It("should clone deeply", func() {
		m := NewSendPayload(1, samplePred(), []byte("abc"))
		m.Decision = &Decision{Success: true}

		c := m.Clone()
		c.Payload[0] = 'z'
		c.Decision.Success = false

		Expect(m.Payload).To(Equal([]byte("abc")))
		Expect(m.Decision.Success).To(BeTrue())
	})

	It("should describe itself", func() {
		m := NewFailure(7, true)

		Expect(m.String()).To(HavePrefix("Failure#7"))
		Expect(m.String()).To(ContainSubstring("rollback=true"))
		Expect(KindLeaderEcho.IsSetup()).To(BeTrue())
		Expect(KindAnnounce.IsSetup()).To(BeFalse())
	})
})

var _ = Describe("JSONCodec", func() {
	It("should round trip messages on a stream", func() {
		buf := new(bytes.Buffer)
		codec := NewJSONCodec()
		enc := codec.NewEncoder(buf)

		Expect(enc.Encode(NewSendPayload(2, samplePred(), []byte("<x>")))).
			To(Succeed())
		Expect(enc.Encode(NewAnnounce(2, Decision{
			Success:   true,
			Predicate: samplePred(),
		}))).To(Succeed())

		dec := codec.NewDecoder(buf)

		first, err := dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Kind).To(Equal(KindSendPayload))
		Expect(first.Payload).To(Equal([]byte("<x>")))
		Expect(first.Predicate.Equal(samplePred())).To(BeTrue())
		Expect(first.VerifyDigest()).To(Succeed())

		second, err := dec.Decode()
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Decision.Success).To(BeTrue())
	})

	It("should reject unknown fields", func() {
		dec := NewJSONCodec().NewDecoder(strings.NewReader(`{"bogus":1}`))

		_, err := dec.Decode()
		Expect(err).To(MatchError(ErrMalformedFrame))
		Expect(err).To(MatchError(ErrProtocolDeviation))
	})

	It("should pass the end of the stream through", func() {
		dec := NewJSONCodec().NewDecoder(strings.NewReader(""))

		_, err := dec.Decode()
		Expect(err).To(MatchError(io.EOF))
		Expect(errors.Is(err, ErrMalformedFrame)).To(BeFalse())
	})
})

var _ = Describe("Memory link", func() {
	It("should deliver in order", func() {
		a, b := NewMemoryPair("a", "b")

		for i := uint64(0); i < 5; i++ {
			Expect(a.Send(NewProposalsDone(i))).To(Succeed())
		}

		for i := uint64(0); i < 5; i++ {
			m, err := b.Recv()
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Round).To(Equal(i))
		}
	})

	It("should not share memory between the ends", func() {
		a, b := NewMemoryPair("a", "b")
		sent := NewSendPayload(0, samplePred(), []byte("x"))

		Expect(a.Send(sent)).To(Succeed())
		sent.Payload[0] = 'y'

		got, _ := b.Recv()
		Expect(got.Payload).To(Equal([]byte("x")))
	})

	It("should drain before reporting closed", func() {
		a, b := NewMemoryPair("a", "b")

		Expect(a.Send(NewExhausted(0))).To(Succeed())
		Expect(a.Close()).To(Succeed())

		_, err := b.Recv()
		Expect(err).NotTo(HaveOccurred())

		_, err = b.Recv()
		Expect(err).To(MatchError(ErrLinkClosed))

		Expect(b.Send(NewExhausted(0))).To(MatchError(ErrLinkClosed))
	})

	It("should time out RecvContext and close the link", func() {
		a, b := NewMemoryPair("a", "b")
		ctx, cancel := context.WithTimeout(context.Background(),
			10*time.Millisecond)
		defer cancel()

		_, err := RecvContext(ctx, a)
		Expect(err).To(MatchError(ErrLinkTimeout))

		Expect(b.Send(NewExhausted(0))).To(MatchError(ErrLinkClosed))
	})
})

var _ = Describe("MemoryTransport", func() {
	var transport *MemoryTransport

	BeforeEach(func() {
		transport = NewMemoryTransport()
	})

	It("should connect a dialer with a listener", func() {
		l, err := transport.Listen("p0")
		Expect(err).NotTo(HaveOccurred())

		client, err := transport.Dial(context.Background(), "p0")
		Expect(err).NotTo(HaveOccurred())

		server, err := l.Accept(context.Background())
		Expect(err).NotTo(HaveOccurred())

		Expect(client.Send(NewYouAreMyParent())).To(Succeed())
		m, err := server.Recv()
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Kind).To(Equal(KindYouAreMyParent))
	})

	It("should refuse unknown and duplicated addresses", func() {
		_, err := transport.Dial(context.Background(), "nowhere")
		Expect(err).To(MatchError(ErrUnreachable))

		_, err = transport.Listen("p0")
		Expect(err).NotTo(HaveOccurred())
		_, err = transport.Listen("p0")
		Expect(err).To(MatchError(ErrBindFailed))
	})

	It("should free the address on close", func() {
		l, _ := transport.Listen("p0")
		Expect(l.Close()).To(Succeed())

		_, err := transport.Listen("p0")
		Expect(err).NotTo(HaveOccurred())
	})

	It("should time out accepting", func() {
		l, _ := transport.Listen("p0")
		ctx, cancel := context.WithTimeout(context.Background(),
			10*time.Millisecond)
		defer cancel()

		_, err := l.Accept(ctx)
		Expect(err).To(MatchError(ErrLinkTimeout))
	})
})

var _ = Describe("TCPTransport", func() {
	It("should exchange messages over loopback", func() {
		transport := NewTCPTransport()

		l, err := transport.Listen("127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		accepted := make(chan Link, 1)
		go func() {
			defer GinkgoRecover()

			server, err := l.Accept(context.Background())
			Expect(err).NotTo(HaveOccurred())
			accepted <- server
		}()

		client, err := transport.Dial(context.Background(), l.Addr())
		Expect(err).NotTo(HaveOccurred())

		var server Link
		Eventually(accepted).Should(Receive(&server))

		setup := NewChannelSetup(
			predicate.ChannelID{Connector: 9, Index: 1}, port.Get, 9)
		Expect(server.Send(setup)).To(Succeed())

		m, err := client.Recv()
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Kind).To(Equal(KindChannelSetup))
		Expect(m.Polarity).To(Equal(port.Get))
		Expect(m.Channel.Index).To(Equal(uint32(1)))

		Expect(client.Close()).To(Succeed())

		_, err = server.Recv()
		Expect(err).To(MatchError(ErrLinkClosed))
	})

	It("should report a garbage frame as a protocol deviation", func() {
		l, err := NewTCPTransport().Listen("127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer l.Close()

		conn, err := net.Dial("tcp", l.Addr())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		server, err := l.Accept(context.Background())
		Expect(err).NotTo(HaveOccurred())
		defer server.Close()

		_, err = conn.Write([]byte("}{ not a message\n"))
		Expect(err).NotTo(HaveOccurred())

		_, err = server.Recv()
		Expect(err).To(MatchError(ErrMalformedFrame))
		Expect(errors.Is(err, ErrLinkClosed)).To(BeFalse())
	})

	It("should fail to bind a bad address", func() {
		_, err := NewTCPTransport().Listen("256.0.0.1:99999")
		Expect(err).To(MatchError(ErrBindFailed))
	})
})

var _ = Describe("Messenger", func() {
	It("should fan in messages from several links", func() {
		a0, b0 := NewMemoryPair("a0", "b0")
		a1, b1 := NewMemoryPair("a1", "b1")
		m := NewMessenger(map[int]Link{0: b0, 3: b1})
		defer m.Close()

		Expect(m.Ports()).To(Equal([]int{0, 3}))

		Expect(a0.Send(NewExhausted(1))).To(Succeed())
		Expect(a1.Send(NewExhausted(2))).To(Succeed())

		seen := map[int]uint64{}
		for i := 0; i < 2; i++ {
			r, err := m.Recv(context.Background())
			Expect(err).NotTo(HaveOccurred())
			seen[r.Port] = r.Msg.Round
		}

		Expect(seen).To(Equal(map[int]uint64{0: 1, 3: 2}))
	})

	It("should return delayed messages after undelay", func() {
		a, b := NewMemoryPair("a", "b")
		m := NewMessenger(map[int]Link{0: b})
		defer m.Close()

		Expect(a.Send(NewExhausted(5))).To(Succeed())
		Expect(a.Send(NewExhausted(6))).To(Succeed())

		r, _ := m.Recv(context.Background())
		m.Delay(r)
		r, _ = m.Recv(context.Background())
		m.Delay(r)
		m.UndelayAll()

		r, _ = m.Recv(context.Background())
		Expect(r.Msg.Round).To(Equal(uint64(5)))
		r, _ = m.Recv(context.Background())
		Expect(r.Msg.Round).To(Equal(uint64(6)))
	})

	It("should time out", func() {
		_, b := NewMemoryPair("a", "b")
		m := NewMessenger(map[int]Link{0: b})
		defer m.Close()

		ctx, cancel := context.WithTimeout(context.Background(),
			10*time.Millisecond)
		defer cancel()

		_, err := m.Recv(ctx)
		Expect(err).To(MatchError(ErrLinkTimeout))
	})

	It("should mark a closed link dead", func() {
		a, b := NewMemoryPair("a", "b")
		m := NewMessenger(map[int]Link{0: b})
		defer m.Close()

		Expect(a.Close()).To(Succeed())

		r, err := m.Recv(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Err).To(MatchError(ErrLinkClosed))
		Expect(m.Dead(0)).To(MatchError(ErrLinkClosed))
		Expect(m.Send(0, NewExhausted(0))).To(MatchError(ErrLinkClosed))
	})

	Context("with a mocked link", func() {
		var (
			mockCtrl *gomock.Controller
			l        *MockLink
			block    chan struct{}
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			l = NewMockLink(mockCtrl)
			block = make(chan struct{})

			l.EXPECT().Recv().DoAndReturn(func() (*Msg, error) {
				<-block
				return nil, ErrLinkClosed
			}).AnyTimes()
			l.EXPECT().Close().DoAndReturn(func() error {
				close(block)
				return nil
			})
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should mark the link dead when a send fails", func() {
			m := NewMessenger(map[int]Link{2: l})
			sendErr := errors.New("broken pipe")

			l.EXPECT().Send(gomock.Any()).Return(sendErr)

			Expect(m.Send(2, NewExhausted(0))).To(MatchError(sendErr))
			Expect(m.Dead(2)).To(MatchError(sendErr))
			Expect(m.Send(2, NewExhausted(0))).To(MatchError(sendErr))

			Expect(m.Close()).To(Succeed())
		})

		It("should pass successful sends through", func() {
			m := NewMessenger(map[int]Link{2: l})
			msg := NewExhausted(4)

			l.EXPECT().Send(msg).Return(nil)

			Expect(m.Send(2, msg)).To(Succeed())
			Expect(m.Dead(2)).To(BeNil())
			Expect(m.Link(2)).To(BeIdenticalTo(l))

			Expect(m.Close()).To(Succeed())
		})
	})
})
