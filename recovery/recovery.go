// Package recovery snapshots a connector's staged batches and receive slots
// before a round so that a failed round leaves no trace.
package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sarchlab/rendezvous/batch"
	"github.com/sarchlab/rendezvous/port"
)

// Errors returned by the log.
var (
	ErrSnapshotPending = errors.New("a snapshot is already pending")
	ErrNoSnapshot      = errors.New("no snapshot to restore")
)

// Snapshot is the pre-round state of a connector.
type Snapshot struct {
	Round   uint64
	Taken   time.Time
	Batches []batch.Batch
	Slots   map[int][]byte
}

// HistoryEntry summarizes one finished round.
type HistoryEntry struct {
	Round    uint64        `json:"round"`
	Outcome  string        `json:"outcome"`
	Batch    int           `json:"batch"`
	Offered  int           `json:"offered"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// Log keeps at most one pending snapshot plus a bounded history of round
// outcomes.
type Log struct {
	lock       sync.Mutex
	pending    *Snapshot
	history    []HistoryEntry
	historyCap int
	now        func() time.Time
}

// NewLog creates a log remembering up to historyCap entries.
func NewLog(historyCap int) *Log {
	if historyCap < 0 {
		panic("history capacity must not be negative")
	}

	return &Log{
		historyCap: historyCap,
		now:        time.Now,
	}
}

// Snapshot captures the batches and slots before round begins.
func (l *Log) Snapshot(round uint64, set *batch.Set, ports *port.Table) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.pending != nil {
		return fmt.Errorf("%w: round %d", ErrSnapshotPending, l.pending.Round)
	}

	l.pending = &Snapshot{
		Round:   round,
		Taken:   l.now(),
		Batches: set.Export(),
		Slots:   ports.ExportSlots(),
	}

	return nil
}

// Restore puts the batches and slots back the way they were and drops the
// snapshot.
func (l *Log) Restore(set *batch.Set, ports *port.Table) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.pending == nil {
		return ErrNoSnapshot
	}

	set.Import(l.pending.Batches)
	ports.ImportSlots(l.pending.Slots)
	l.pending = nil

	return nil
}

// Discard drops the snapshot after a commit.
func (l *Log) Discard() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.pending == nil {
		return ErrNoSnapshot
	}

	l.pending = nil

	return nil
}

// Pending returns the pending snapshot, if any.
func (l *Log) Pending() (Snapshot, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.pending == nil {
		return Snapshot{}, false
	}

	return *l.pending, true
}

// Since returns how long ago the pending snapshot was taken.
func (l *Log) Since() time.Duration {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.pending == nil {
		return 0
	}

	return l.now().Sub(l.pending.Taken)
}

// Record appends an entry, evicting the oldest when the history is full.
func (l *Log) Record(e HistoryEntry) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.historyCap == 0 {
		return
	}

	if len(l.history) == l.historyCap {
		copy(l.history, l.history[1:])
		l.history = l.history[:len(l.history)-1]
	}

	l.history = append(l.history, e)
}

// History returns the recorded entries, oldest first.
func (l *Log) History() []HistoryEntry {
	l.lock.Lock()
	defer l.lock.Unlock()

	return append([]HistoryEntry(nil), l.history...)
}

// Last returns the most recent entry.
func (l *Log) Last() (HistoryEntry, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if len(l.history) == 0 {
		return HistoryEntry{}, false
	}

	return l.history[len(l.history)-1], true
}
