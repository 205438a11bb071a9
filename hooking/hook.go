// Package hooking lets observers attach to the interesting points of a
// connector's life without changing its behavior.
package hooking

// HookPos names a point at which hooks run.
type HookPos struct {
	Name string
}

// HookCtx describes one hook invocation. Item is what the position is about
// (a message, a round result) and Detail carries extra data such as the port
// a message crossed.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable is anything hooks can be attached to.
type Hookable interface {
	AcceptHook(hook Hook)
	NumHooks() int
	Hooks() []Hook
}

// Hook observes a Hookable.
type Hook interface {
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function into a Hook.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f HookFunc) Func(ctx HookCtx) {
	f(ctx)
}

// HookableBase keeps the hooks of an embedding type and runs them.
type HookableBase struct {
	hooks []Hook
}

// NumHooks returns how many hooks are attached.
func (h *HookableBase) NumHooks() int {
	return len(h.hooks)
}

// Hooks returns the attached hooks in attachment order.
func (h *HookableBase) Hooks() []Hook {
	return h.hooks
}

// AcceptHook attaches a hook. Attaching the same hook value twice panics;
// HookFunc values are not comparable and are always accepted.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.hookMustBeNew(hook)
	h.hooks = append(h.hooks, hook)
}

func (h *HookableBase) hookMustBeNew(hook Hook) {
	if _, isFunc := hook.(HookFunc); isFunc {
		return
	}

	for _, attached := range h.hooks {
		if attached == hook {
			panic("hook attached twice")
		}
	}
}

// InvokeHook runs every attached hook in attachment order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hooks {
		hook.Func(ctx)
	}
}
