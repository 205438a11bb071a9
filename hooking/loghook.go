package hooking

import (
	"github.com/sirupsen/logrus"
)

// A LogHook forwards hook events to a logrus logger.
type LogHook struct {
	Entry *logrus.Entry
	Level logrus.Level
}

// NewLogHook creates a LogHook that logs at trace level.
func NewLogHook(entry *logrus.Entry) *LogHook {
	return &LogHook{
		Entry: entry,
		Level: logrus.TraceLevel,
	}
}

// Func logs the event.
func (h *LogHook) Func(ctx HookCtx) {
	if !h.Entry.Logger.IsLevelEnabled(h.Level) {
		return
	}

	pos := "?"
	if ctx.Pos != nil {
		pos = ctx.Pos.Name
	}

	e := h.Entry.WithField("pos", pos)
	if ctx.Detail != nil {
		e = e.WithField("detail", ctx.Detail)
	}

	e.Logf(h.Level, "%v", ctx.Item)
}
