package datarecording

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sarchlab/rendezvous/hooking"
	"github.com/sarchlab/rendezvous/link"
	"github.com/sarchlab/rendezvous/round"
)

// Table names written by RoundRecorder.
const (
	RoundTable   = "rounds"
	MessageTable = "messages"
	EventTable   = "events"
	ExecTable    = "exec_info"
)

// endTimeLayout sorts in time order as text.
const endTimeLayout = "2006-01-02T15:04:05.000000000"

// RoundRow is one finished round of one connector.
type RoundRow struct {
	Connector string
	Round     uint64
	Outcome   string
	Batch     int
	Received  int
	Decision  string
	Duration  float64
	Error     string
	EndTime   string
}

// MessageRow is one message sent or received by a connector.
type MessageRow struct {
	Connector string
	Round     uint64
	Direction string
	Port      int
	Kind      string
	MsgID     string
	Content   string
}

// EventRow is any other notable moment of a round, such as a solution found
// or a link lost.
type EventRow struct {
	Connector string
	Round     uint64
	Pos       string
	What      string
}

// ExecRow describes the process that made the recording.
type ExecRow struct {
	Property string
	Value    string
}

// A RoundRecorder is a hook that mirrors a connector's rounds into a
// DataRecorder.
type RoundRecorder struct {
	recorder  DataRecorder
	connector string
	round     uint64
}

// NewRoundRecorder creates a RoundRecorder for the connector with the given
// name, creating the tables it writes if needed.
func NewRoundRecorder(recorder DataRecorder, connector string) *RoundRecorder {
	recorder.CreateTable(RoundTable, RoundRow{})
	recorder.CreateTable(MessageTable, MessageRow{})
	recorder.CreateTable(EventTable, EventRow{})

	return &RoundRecorder{
		recorder:  recorder,
		connector: connector,
	}
}

// Func records the event.
func (r *RoundRecorder) Func(ctx hooking.HookCtx) {
	switch ctx.Pos {
	case round.HookPosRoundStart:
		started := ctx.Item.(round.RoundStarted)
		r.round = started.Round
		r.event(ctx)
	case round.HookPosRoundEnd:
		r.roundEnd(ctx.Item.(round.Result))
	case round.HookPosMsgSend:
		r.message("send", ctx)
	case round.HookPosMsgRecv:
		r.message("recv", ctx)
	default:
		r.event(ctx)
	}
}

func (r *RoundRecorder) roundEnd(res round.Result) {
	row := RoundRow{
		Connector: r.connector,
		Round:     res.Round,
		Outcome:   res.Outcome.String(),
		Batch:     res.Batch,
		Received:  len(res.Received),
		Decision:  res.Decision.String(),
		Duration:  res.Duration.Seconds(),
		EndTime:   time.Now().Format(endTimeLayout),
	}

	if res.Err != nil {
		row.Error = res.Err.Error()
	}

	r.recorder.InsertData(RoundTable, row)
}

func (r *RoundRecorder) message(direction string, ctx hooking.HookCtx) {
	msg := ctx.Item.(*link.Msg)
	p, _ := ctx.Detail.(int)

	r.recorder.InsertData(MessageTable, MessageRow{
		Connector: r.connector,
		Round:     msg.Round,
		Direction: direction,
		Port:      p,
		Kind:      msg.Kind.String(),
		MsgID:     msg.ID,
		Content:   msg.String(),
	})
}

func (r *RoundRecorder) event(ctx hooking.HookCtx) {
	pos := "?"
	if ctx.Pos != nil {
		pos = ctx.Pos.Name
	}

	r.recorder.InsertData(EventTable, EventRow{
		Connector: r.connector,
		Round:     r.round,
		Pos:       pos,
		What:      hooking.Format(ctx),
	})
}

// RecordExecution writes the command line, working directory and start time
// of the current process.
func RecordExecution(recorder DataRecorder) {
	recorder.CreateTable(ExecTable, ExecRow{})

	rows := []ExecRow{
		{"Start Time", time.Now().Format("2006-01-02 15:04:05.000000000")},
		{"Command", strings.Join(os.Args, " ")},
	}

	if wd, err := os.Getwd(); err == nil {
		rows = append(rows, ExecRow{"Working Directory", wd})
	}

	if ex, err := os.Executable(); err == nil {
		rows = append(rows, ExecRow{"Executable", filepath.Base(ex)})
	}

	for _, row := range rows {
		recorder.InsertData(ExecTable, row)
	}
}

// MapTables maps every table RoundRecorder and RecordExecution write.
func MapTables(reader DataReader) {
	reader.MapTable(RoundTable, RoundRow{})
	reader.MapTable(MessageTable, MessageRow{})
	reader.MapTable(EventTable, EventRow{})
	reader.MapTable(ExecTable, ExecRow{})
}

// Rounds reads the recorded rounds of a connector, or of every connector when
// the name is empty, in the order they finished. A positive last keeps only
// the most recent rounds.
func Rounds(
	ctx context.Context,
	reader DataReader,
	connector string,
	last int,
) ([]RoundRow, error) {
	sel := Selection{OrderBy: "EndTime, Connector", Last: last}
	if connector != "" {
		sel.Where = "Connector = ?"
		sel.Args = []any{connector}
	}

	results, _, err := reader.Query(ctx, RoundTable, sel)
	if err != nil {
		return nil, err
	}

	rows := make([]RoundRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, *res.(*RoundRow))
	}

	return rows, nil
}

// Messages reads the recorded messages of one round of a connector.
func Messages(
	ctx context.Context,
	reader DataReader,
	connector string,
	roundIndex uint64,
) ([]MessageRow, error) {
	results, _, err := reader.Query(ctx, MessageTable, Selection{
		Where: "Connector = ? AND Round = ?",
		Args:  []any{connector, roundIndex},
	})
	if err != nil {
		return nil, err
	}

	rows := make([]MessageRow, 0, len(results))
	for _, res := range results {
		rows = append(rows, *res.(*MessageRow))
	}

	return rows, nil
}
