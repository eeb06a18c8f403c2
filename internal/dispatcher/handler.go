package dispatcher

import (
	"context"
	"slices"

	"github.com/danmuck/stanza/internal/protocol/schema"
)

// HandlerFunc processes one inbound instance and returns the stanzas to
// send. Returning schema.Break stops the handler loop without a reply.
// Returning a *stanza.Error produces an error reply with that content.
type HandlerFunc func(ctx context.Context, in *schema.Instance) ([]*schema.Instance, error)

// Handler binds a schema to the functions serving it. Funcs is keyed by the
// envelope's effective type ("get", "set", "chat", "available", ...); Any is
// the fallback. A handler with neither for a type is skipped.
type Handler struct {
	Schema *schema.Schema
	Host   any
	Funcs  map[string]HandlerFunc
	Any    HandlerFunc
}

func (h *Handler) lookup(typ string) HandlerFunc {
	if fn, ok := h.Funcs[typ]; ok && fn != nil {
		return fn
	}
	return h.Any
}

// HookFunc transforms an outbound instance. Returning nil keeps the stanza
// unchanged; returning schema.Empty suppresses it.
type HookFunc func(ctx context.Context, out *schema.Instance) (*schema.Instance, error)

type Hook struct {
	Schema *schema.Schema
	Host   any
	Funcs  map[string]HookFunc
	Any    HookFunc
}

func (h *Hook) lookup(typ string) HookFunc {
	if fn, ok := h.Funcs[typ]; ok && fn != nil {
		return fn
	}
	return h.Any
}

// HookSend names the outbound hook list.
const HookSend = "send"

// RegisterHandler appends h to the match-priority list. It reports false if
// h is already registered.
func (d *Dispatcher) RegisterHandler(h *Handler) bool {
	if h == nil || h.Schema == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Contains(d.handlers, h) {
		return false
	}
	d.handlers = append(d.handlers, h)
	return true
}

func (d *Dispatcher) UnregisterHandler(h *Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.Index(d.handlers, h)
	if i < 0 {
		return false
	}
	d.handlers = slices.Delete(d.handlers, i, i+1)
	return true
}

// Handlers returns the registered handlers in priority order.
func (d *Dispatcher) Handlers() []*Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.handlers)
}

func (d *Dispatcher) RegisterHook(name string, h *Hook) bool {
	if h == nil || h.Schema == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Contains(d.hooks[name], h) {
		return false
	}
	d.hooks[name] = append(d.hooks[name], h)
	return true
}

func (d *Dispatcher) UnregisterHook(name string, h *Hook) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.hooks[name]
	i := slices.Index(list, h)
	if i < 0 {
		return false
	}
	d.hooks[name] = slices.Delete(list, i, i+1)
	return true
}

func (d *Dispatcher) Hooks(name string) []*Hook {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.hooks[name])
}
