package round

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sarchlab/rendezvous/predicate"
)

// Errors describing how a round ended, or why it could not run.
var (
	ErrNoMatch           = errors.New("no match")
	ErrRolledBack        = errors.New("round rolled back")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTopology          = errors.New("topology error")
)

// Outcome classifies the end of a round.
type Outcome int

// Outcomes.
const (
	// Committed rounds have a winning batch.
	Committed Outcome = iota
	// NoMatch rounds ended without a consistent choice. Nothing changed.
	NoMatch
	// RolledBack rounds found a tentative match that was invalidated before
	// commit. Nothing changed.
	RolledBack
	// Fatal rounds hit a protocol violation or lost the connector's links.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case NoMatch:
		return "no match"
	case RolledBack:
		return "rolled back"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is what a round reports to the connector.
type Result struct {
	Round    uint64
	Outcome  Outcome
	Batch    int
	Received map[int][]byte
	Decision predicate.Predicate
	Err      error
	Duration time.Duration
}

func (r Result) String() string {
	if r.Outcome == Committed {
		return fmt.Sprintf("round %d committed batch %d", r.Round, r.Batch)
	}

	return fmt.Sprintf("round %d %s: %v", r.Round, r.Outcome, r.Err)
}

// TieBreak selects the solution the root commits to when more than one is
// available.
type TieBreak int

// Tie-break policies.
const (
	// FirstDiscovered commits to the first solution the root learns of.
	// Connectors hold their solutions back until every payload they wait
	// for has arrived and then pass them on lowest rank first.
	FirstDiscovered TieBreak = iota
	// LowestRank waits until no more solutions can appear and commits to
	// the one with the lexicographically smallest batch indices.
	LowestRank
)

func (t TieBreak) String() string {
	switch t {
	case FirstDiscovered:
		return "first-discovered"
	case LowestRank:
		return "lowest-rank"
	default:
		return fmt.Sprintf("tiebreak(%d)", int(t))
	}
}

// ParseTieBreak accepts the names printed by String.
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first-discovered", "first":
		return FirstDiscovered, nil
	case "lowest-rank", "lowest":
		return LowestRank, nil
	default:
		return 0, fmt.Errorf("unknown tie-break policy %q", s)
	}
}

// State is the phase the coordinator is in.
type State int

// States.
const (
	Idle State = iota
	Proposing
	Matching
	Committing
	RollingBack
	Aborting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Proposing:
		return "proposing"
	case Matching:
		return "matching"
	case Committing:
		return "committing"
	case RollingBack:
		return "rolling back"
	case Aborting:
		return "aborting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
