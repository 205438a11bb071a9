package link

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/sarchlab/rendezvous/idgen"
	"github.com/sarchlab/rendezvous/port"
	"github.com/sarchlab/rendezvous/predicate"
)

// Kind tells what a message is for.
type Kind int

// Message kinds. The first four are only exchanged while connecting.
const (
	KindChannelSetup Kind = iota + 1
	KindLeaderEcho
	KindLeaderAnnounce
	KindYouAreMyParent
	KindSendPayload
	KindProposalsDone
	KindElaborate
	KindExhausted
	KindFailure
	KindAnnounce
)

var kindNames = map[Kind]string{
	KindChannelSetup:   "ChannelSetup",
	KindLeaderEcho:     "LeaderEcho",
	KindLeaderAnnounce: "LeaderAnnounce",
	KindYouAreMyParent: "YouAreMyParent",
	KindSendPayload:    "SendPayload",
	KindProposalsDone:  "ProposalsDone",
	KindElaborate:      "Elaborate",
	KindExhausted:      "Exhausted",
	KindFailure:        "Failure",
	KindAnnounce:       "Announce",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsSetup reports whether the kind belongs to the connect phase.
func (k Kind) IsSetup() bool {
	return k >= KindChannelSetup && k <= KindYouAreMyParent
}

// Decision is the verdict of a round, announced from the root of the tree
// down to every connector.
type Decision struct {
	Success    bool                `json:"success"`
	Predicate  predicate.Predicate `json:"pred"`
	RolledBack bool                `json:"rolled_back,omitempty"`
}

func (d Decision) String() string {
	switch {
	case d.Success:
		return "success " + d.Predicate.String()
	case d.RolledBack:
		return "failure (rolled back)"
	default:
		return "failure (no match)"
	}
}

// Msg is the envelope of everything sent over a link. Only the fields that
// matter for the kind are set.
type Msg struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Round uint64 `json:"round"`

	Channel   predicate.ChannelID   `json:"channel"`
	Polarity  port.Polarity         `json:"polarity"`
	Connector predicate.ConnectorID `json:"connector"`

	Predicate predicate.Predicate `json:"pred"`
	Rank      []int               `json:"rank,omitempty"`
	Payload   []byte              `json:"payload,omitempty"`
	Digest    uint64              `json:"digest,omitempty"`
	Rollback  bool                `json:"rollback,omitempty"`
	Decision  *Decision           `json:"decision,omitempty"`
}

func newMsg(kind Kind, round uint64) *Msg {
	return &Msg{
		ID:    idgen.Get().Generate(),
		Kind:  kind,
		Round: round,
	}
}

// NewChannelSetup creates the first message a passive port sends.
func NewChannelSetup(
	ch predicate.ChannelID,
	polarity port.Polarity,
	from predicate.ConnectorID,
) *Msg {
	m := newMsg(KindChannelSetup, 0)
	m.Channel = ch
	m.Polarity = polarity
	m.Connector = from

	return m
}

// NewLeaderEcho proposes the largest connector ID seen so far as the root.
func NewLeaderEcho(root predicate.ConnectorID) *Msg {
	m := newMsg(KindLeaderEcho, 0)
	m.Connector = root

	return m
}

// NewLeaderAnnounce tells a neighbor the final root.
func NewLeaderAnnounce(root predicate.ConnectorID) *Msg {
	m := newMsg(KindLeaderAnnounce, 0)
	m.Connector = root

	return m
}

// NewYouAreMyParent tells a neighbor that it is the sender's parent.
func NewYouAreMyParent() *Msg {
	return newMsg(KindYouAreMyParent, 0)
}

// NewSendPayload offers a payload under the assumptions of pred.
func NewSendPayload(
	round uint64,
	pred predicate.Predicate,
	payload []byte,
) *Msg {
	m := newMsg(KindSendPayload, round)
	m.Predicate = pred
	m.Payload = append([]byte{}, payload...)
	m.Digest = xxhash.Sum64(m.Payload)

	return m
}

// NewProposalsDone marks that no more payloads follow in this round.
func NewProposalsDone(round uint64) *Msg {
	return newMsg(KindProposalsDone, round)
}

// NewElaborate reports a solution of the sender's subtree to its parent.
func NewElaborate(round uint64, pred predicate.Predicate, rank []int) *Msg {
	m := newMsg(KindElaborate, round)
	m.Predicate = pred
	m.Rank = append([]int(nil), rank...)

	return m
}

// NewExhausted tells the parent that the subtree has no more solutions.
func NewExhausted(round uint64) *Msg {
	return newMsg(KindExhausted, round)
}

// NewFailure reports a failed subtree to its parent. Rollback is set when the
// failure invalidates the round rather than merely ending it without a
// match.
func NewFailure(round uint64, rollback bool) *Msg {
	m := newMsg(KindFailure, round)
	m.Rollback = rollback

	return m
}

// NewAnnounce carries the decision down the tree.
func NewAnnounce(round uint64, d Decision) *Msg {
	m := newMsg(KindAnnounce, round)
	m.Decision = &d

	return m
}

// VerifyDigest checks that the payload was not altered in transit.
func (m *Msg) VerifyDigest() error {
	if xxhash.Sum64(m.Payload) != m.Digest {
		return fmt.Errorf("%w: message %s", ErrPayloadIntegrity, m.ID)
	}

	return nil
}

// Clone deep-copies the message.
func (m *Msg) Clone() *Msg {
	c := *m

	if m.Rank != nil {
		c.Rank = append([]int(nil), m.Rank...)
	}

	if m.Payload != nil {
		c.Payload = append([]byte{}, m.Payload...)
	}

	if m.Decision != nil {
		d := *m.Decision
		c.Decision = &d
	}

	return &c
}

func (m *Msg) String() string {
	head := fmt.Sprintf("%s#%d id=%s", m.Kind, m.Round, m.ID)

	switch m.Kind {
	case KindChannelSetup:
		return fmt.Sprintf("%s ch=%s %s from=%d",
			head, m.Channel, m.Polarity, m.Connector)
	case KindLeaderEcho, KindLeaderAnnounce:
		return fmt.Sprintf("%s root=%d", head, m.Connector)
	case KindSendPayload:
		return fmt.Sprintf("%s %s %dB", head, m.Predicate, len(m.Payload))
	case KindElaborate:
		return fmt.Sprintf("%s %s rank=%v", head, m.Predicate, m.Rank)
	case KindFailure:
		return fmt.Sprintf("%s rollback=%t", head, m.Rollback)
	case KindAnnounce:
		if m.Decision != nil {
			return head + " " + m.Decision.String()
		}
	}

	return head
}
