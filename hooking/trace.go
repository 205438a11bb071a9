package hooking

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TraceHook keeps the most recent hook events as formatted lines. It is the
// backing store of a connector's diagnostic log.
type TraceHook struct {
	lock     sync.Mutex
	capacity int
	lines    []string
	head     int
	dropped  uint64
	now      func() time.Time
}

// NewTraceHook creates a TraceHook that keeps at most capacity lines.
func NewTraceHook(capacity int) *TraceHook {
	if capacity <= 0 {
		panic("trace capacity must be positive")
	}

	return &TraceHook{
		capacity: capacity,
		now:      time.Now,
	}
}

// Func records the event.
func (h *TraceHook) Func(ctx HookCtx) {
	h.Push(Format(ctx))
}

// Push appends a line, evicting the oldest one when the trace is full.
func (h *TraceHook) Push(line string) {
	h.lock.Lock()
	defer h.lock.Unlock()

	stamped := h.now().Format("15:04:05.000000") + " " + line

	if len(h.lines) < h.capacity {
		h.lines = append(h.lines, stamped)
		return
	}

	h.lines[h.head] = stamped
	h.head = (h.head + 1) % h.capacity
	h.dropped++
}

// Lines returns the retained lines, oldest first.
func (h *TraceHook) Lines() []string {
	h.lock.Lock()
	defer h.lock.Unlock()

	out := make([]string, 0, len(h.lines))
	out = append(out, h.lines[h.head:]...)
	out = append(out, h.lines[:h.head]...)

	return out
}

// Size returns the number of retained lines.
func (h *TraceHook) Size() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return len(h.lines)
}

// Capacity returns the maximum number of retained lines.
func (h *TraceHook) Capacity() int {
	return h.capacity
}

// Dump writes the retained lines to w.
func (h *TraceHook) Dump(w io.Writer) error {
	h.lock.Lock()
	dropped := h.dropped
	h.lock.Unlock()

	if dropped > 0 {
		_, err := fmt.Fprintf(w, "... %d earlier lines dropped\n", dropped)
		if err != nil {
			return err
		}
	}

	for _, l := range h.Lines() {
		_, err := fmt.Fprintln(w, l)
		if err != nil {
			return err
		}
	}

	return nil
}

// Clear drops all the retained lines.
func (h *TraceHook) Clear() {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.lines = nil
	h.head = 0
	h.dropped = 0
}

// Format renders a hook context as a single line.
func Format(ctx HookCtx) string {
	name := "?"
	if ctx.Pos != nil {
		name = ctx.Pos.Name
	}

	if ctx.Detail == nil {
		return fmt.Sprintf("[%s] %v", name, ctx.Item)
	}

	return fmt.Sprintf("[%s] %v (%v)", name, ctx.Item, ctx.Detail)
}
