// Package dispatcher routes inbound elements to registered handlers,
// correlates replies with outstanding requests and runs outbound hooks.
//
// Ownership boundary:
// - handler, hook and pending-request registries
// - inbound classification, correlation and outcome synthesis
// - outbound hook pipeline and transmission
//
// Element typing lives in protocol/schema; wire transport lives in transport.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	logs "github.com/danmuck/stanza/internal/logging"
	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/jid"
	"github.com/danmuck/stanza/internal/protocol/schema"
	"github.com/danmuck/stanza/internal/protocol/stanza"
	"github.com/danmuck/stanza/internal/transport"
)

var (
	ErrClosed      = errors.New("dispatcher: closed")
	ErrDuplicateID = errors.New("dispatcher: duplicate pending request id")
	ErrNoFuture    = errors.New("dispatcher: stanza is not an outstanding request")
	ErrNoSender    = errors.New("dispatcher: sender is required")
)

// Metrics receives dispatcher events. observability.DispatcherMetrics is the
// prometheus implementation.
type Metrics interface {
	Inbound(kind string)
	Outbound(kind string)
	Synthesized(condition string)
	HandlerFailure(schema string)
	HandlerDuration(schema string, d time.Duration)
	Pending(n int)
}

type nopMetrics struct{}

func (nopMetrics) Inbound(string)                        {}
func (nopMetrics) Outbound(string)                       {}
func (nopMetrics) Synthesized(string)                    {}
func (nopMetrics) HandlerFailure(string)                 {}
func (nopMetrics) HandlerDuration(string, time.Duration) {}
func (nopMetrics) Pending(int)                           {}

type Config struct {
	// Self is the address of the entity this dispatcher serves.
	Self jid.JID
	// NewID fills in missing ids of outbound requests.
	NewID func() string
	// RequestTimeout bounds Request when ctx has no deadline. Zero means no
	// bound.
	RequestTimeout time.Duration
	// OnFault receives internal handler failures that were downgraded to
	// internal-server-error replies.
	OnFault func(error)
	Metrics Metrics
}

func DefaultConfig() Config {
	return Config{
		NewID:          uuid.NewString,
		RequestTimeout: 30 * time.Second,
	}
}

type Dispatcher struct {
	cfg    Config
	sender transport.Sender

	mu       sync.RWMutex
	handlers []*Handler
	hooks    map[string][]*Hook
	closed   bool

	pending *pendingTable
}

func New(cfg Config, sender transport.Sender) (*Dispatcher, error) {
	if sender == nil {
		return nil, ErrNoSender
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	logs.Infof("dispatcher.New self=%q", cfg.Self.String())
	return &Dispatcher{
		cfg:     cfg,
		sender:  sender,
		hooks:   make(map[string][]*Hook),
		pending: newPendingTable(),
	}, nil
}

// Self implements schema.Env.
func (d *Dispatcher) Self() jid.JID {
	return d.cfg.Self
}

// Dispatch processes one inbound element: reply correlation, then the
// handler loop, then outcome synthesis. It returns transmission errors.
func (d *Dispatcher) Dispatch(ctx context.Context, raw *element.Element) error {
	if raw == nil {
		return element.ErrNilElement
	}
	el := raw.Clone()
	env, kind, err := d.classify(el)
	if err != nil {
		logs.Warnf("dispatcher.Dispatcher.Dispatch drop name=%s err=%v", el.Name, err)
		return nil
	}
	d.cfg.Metrics.Inbound(kind)
	typ := env.Text("type")
	id := env.Text("id")
	logs.Debugf("dispatcher.Dispatcher.Dispatch kind=%s type=%s id=%q", kind, typ, id)

	if (typ == stanza.TypeResult || typ == stanza.TypeError) && id != "" {
		if entry, ok := d.pending.take(id); ok {
			d.cfg.Metrics.Pending(d.pending.len())
			d.resolve(entry, el, typ)
			return nil
		}
	}

	results, badRequest := d.runHandlers(ctx, el, env)
	if len(results) > 0 {
		_, err := d.Send(ctx, results...)
		return err
	}
	if typ == stanza.TypeResult || typ == stanza.TypeError {
		logs.Debugf("dispatcher.Dispatcher.Dispatch drop unhandled reply id=%q", id)
		return nil
	}

	var cond stanza.Condition
	switch to := env.JID("to"); {
	case !to.IsZero() && !to.Equal(d.cfg.Self):
		cond = stanza.ServiceUnavailable
	case badRequest:
		cond = stanza.BadRequest
	case kind == kindIq:
		cond = stanza.FeatureNotImplemented
	default:
		return nil
	}
	return d.reply(ctx, env, stanza.NewError(cond, ""))
}

const (
	kindIq       = "iq"
	kindMessage  = "message"
	kindPresence = "presence"
	kindOther    = "stanza"
)

// classify parses the envelope as iq, message or presence and falls back to
// the generic stanza so the envelope attributes are always available.
func (d *Dispatcher) classify(el *element.Element) (*schema.Instance, string, error) {
	for _, c := range []struct {
		s    *schema.Schema
		kind string
	}{
		{stanza.Iq, kindIq},
		{stanza.Message, kindMessage},
		{stanza.Presence, kindPresence},
	} {
		if inst, err := c.s.Parse(el, schema.WithEnv(d)); err == nil {
			return inst, c.kind, nil
		}
	}
	inst, err := stanza.Stanza.Parse(el, schema.WithEnv(d))
	if err != nil {
		return nil, "", err
	}
	kind := kindOther
	if el.Name == kindIq {
		kind = kindIq
	}
	return inst, kind, nil
}

func (d *Dispatcher) resolve(entry *pendingEntry, el *element.Element, typ string) {
	f := entry.future
	if typ == stanza.TypeResult {
		if entry.result == nil {
			inst, err := stanza.Iq.Parse(el, schema.WithEnv(d))
			if err != nil {
				f.Fail(err)
				return
			}
			f.Resolve(inst)
			return
		}
		inst, err := entry.result.Parse(el, schema.WithEnv(d))
		if err != nil {
			logs.Warnf("dispatcher.Dispatcher.resolve id=%q result parse err=%v", entry.id, err)
			f.Fail(err)
			return
		}
		f.Resolve(inst)
		return
	}

	es := entry.errSchema
	if es == nil {
		es = stanza.ErrorStanza
	}
	inst, err := es.Parse(el, schema.WithEnv(d))
	if err != nil {
		logs.Warnf("dispatcher.Dispatcher.resolve id=%q error parse err=%v", entry.id, err)
		f.Fail(err)
		return
	}
	payload := inst.Nested("error")
	if payload == nil {
		payload = findErrorPayload(inst)
	}
	f.Fail(stanza.FromPayload(payload))
}

// findErrorPayload locates the error element of custom error schemas that do
// not declare an "error" field.
func findErrorPayload(inst *schema.Instance) *schema.Instance {
	for _, child := range inst.Top().Element().Elements() {
		if stanza.ErrorPayload.Matches(child) {
			if p, err := stanza.ErrorPayload.Parse(child); err == nil {
				return p
			}
		}
	}
	return nil
}

// runHandlers tries handlers in registration order. It stops after the first
// invoked handler that produced output or failed.
func (d *Dispatcher) runHandlers(ctx context.Context, el *element.Element, env *schema.Instance) ([]*schema.Instance, bool) {
	badRequest := false
	for _, h := range d.Handlers() {
		in, err := h.Schema.Parse(el, schema.WithHost(h.Host), schema.WithEnv(d))
		if err == nil {
			err = in.Top().Validate()
		}
		if err != nil {
			if !schema.IsMismatch(err) {
				logs.Debugf("dispatcher.Dispatcher.runHandlers schema=%s parse err=%v", h.Schema.Name(), err)
				badRequest = true
			}
			continue
		}
		fn := h.lookup(in.Top().Text("type"))
		if fn == nil {
			continue
		}

		out, err := d.invoke(ctx, h, fn, in)
		if err != nil {
			reply, rerr := d.errorReply(env, err)
			if rerr != nil {
				logs.Errf("dispatcher.Dispatcher.runHandlers build error reply err=%v", rerr)
				return nil, badRequest
			}
			return []*schema.Instance{reply}, badRequest
		}
		if len(out) > 0 {
			return out, badRequest
		}
	}
	return nil, badRequest
}

// invoke runs fn, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, h *Handler, fn HandlerFunc, in *schema.Instance) (out []*schema.Instance, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher: handler %s panic: %v\n%s", h.Schema.Name(), r, debug.Stack())
		}
		d.cfg.Metrics.HandlerDuration(h.Schema.Name(), time.Since(start))
		if err != nil {
			d.cfg.Metrics.HandlerFailure(h.Schema.Name())
		}
	}()
	out, err = fn(ctx, in)
	return out, err
}

// errorReply turns a handler failure into the error reply for env. Anything
// that is not a *stanza.Error is reported to OnFault and hidden from the
// peer behind internal-server-error.
func (d *Dispatcher) errorReply(env *schema.Instance, err error) (*schema.Instance, error) {
	var se *stanza.Error
	if !errors.As(err, &se) {
		logs.Errf("dispatcher.Dispatcher handler fault err=%v", err)
		if d.cfg.OnFault != nil {
			d.cfg.OnFault(err)
		}
		se = stanza.NewError(stanza.InternalServerError, "")
	}
	d.cfg.Metrics.Synthesized(string(se.Condition))
	return stanza.MakeError(env, se)
}

func (d *Dispatcher) reply(ctx context.Context, env *schema.Instance, se *stanza.Error) error {
	d.cfg.Metrics.Synthesized(string(se.Condition))
	reply, err := stanza.MakeError(env, se)
	if err != nil {
		return err
	}
	logs.Debugf("dispatcher.Dispatcher.reply condition=%s id=%q", se.Condition, env.Text("id"))
	_, err = d.Send(ctx, reply)
	return err
}

// Send runs send hooks on each stanza, registers get/set iqs carrying a
// future as pending, and transmits. Sentinels are skipped. It returns the
// future of the last registered request.
func (d *Dispatcher) Send(ctx context.Context, stanzas ...*schema.Instance) (*schema.Future, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	var last *schema.Future
	var errs []error
	for _, st := range stanzas {
		if st == nil || st.IsSentinel() {
			continue
		}
		out, err := d.applyHooks(ctx, st)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if out == nil {
			logs.Debugf("dispatcher.Dispatcher.Send suppressed by hook")
			continue
		}
		f, err := d.transmit(ctx, out.Top())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f != nil {
			last = f
		}
	}
	return last, errors.Join(errs...)
}

func (d *Dispatcher) transmit(ctx context.Context, top *schema.Instance) (*schema.Future, error) {
	var (
		f  *schema.Future
		id string
	)
	if stanza.IsRequest(top) && top.Future() != nil {
		id = top.Text("id")
		if id == "" {
			id = d.cfg.NewID()
			top.Element().SetAttr("id", id)
		}
		f = top.Future()
		to, _ := top.Element().Attr("to")
		entry := &pendingEntry{
			id:        id,
			to:        to,
			future:    f,
			result:    top.ResultSchema(),
			errSchema: top.ErrorSchema(),
			sentAt:    time.Now(),
		}
		if !d.pending.add(entry) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		f.OnCancel(func() {
			if d.pending.remove(id, f) {
				d.cfg.Metrics.Pending(d.pending.len())
				logs.Debugf("dispatcher.Dispatcher canceled id=%q", id)
			}
		})
		d.cfg.Metrics.Pending(d.pending.len())
	}

	if err := d.sender.Send(ctx, top.Element()); err != nil {
		if f != nil {
			if d.pending.remove(id, f) {
				d.cfg.Metrics.Pending(d.pending.len())
			}
			f.Fail(err)
		}
		logs.Errf("dispatcher.Dispatcher.Send name=%s err=%v", top.Element().Name, err)
		return nil, err
	}
	d.cfg.Metrics.Outbound(top.Element().Name)
	return f, nil
}

// applyHooks returns the stanza to transmit, or nil when a hook suppressed
// it.
func (d *Dispatcher) applyHooks(ctx context.Context, st *schema.Instance) (*schema.Instance, error) {
	cur := st
	for _, h := range d.Hooks(HookSend) {
		in, err := h.Schema.Parse(cur.Top().Element(), schema.WithHost(h.Host), schema.WithEnv(d))
		if err == nil {
			err = in.Top().Validate()
		}
		if err != nil {
			continue
		}
		fn := h.lookup(in.Top().Text("type"))
		if fn == nil {
			continue
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: send hook %s: %w", h.Schema.Name(), err)
		}
		if out == nil {
			continue
		}
		if out.IsSentinel() {
			return nil, nil
		}
		carryFuture(cur.Top(), out.Top())
		cur = out
	}
	return cur, nil
}

// carryFuture keeps the caller's future when a hook rebuilds a request with
// the same id.
func carryFuture(from, to *schema.Instance) {
	if from == to || from.Future() == nil || to.Future() != nil {
		return
	}
	if stanza.IsRequest(to) && to.Text("id") == from.Text("id") {
		to.SetFuture(from.Future())
		if to.ResultSchema() == nil {
			to.SetResultSchema(from.ResultSchema())
		}
		if to.ErrorSchema() == nil {
			to.SetErrorSchema(from.ErrorSchema())
		}
	}
}

// Request sends iq and waits for the correlated reply. When ctx ends first
// the request is canceled and its pending entry removed.
func (d *Dispatcher) Request(ctx context.Context, iq *schema.Instance) (*schema.Instance, error) {
	if _, ok := ctx.Deadline(); !ok && d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}
	f, err := d.Send(ctx, iq)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrNoFuture
	}
	Yield(ctx)
	res, err := f.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		f.Cancel()
		return nil, err
	}
	return res, err
}

// Pending returns a snapshot of outstanding requests ordered by id.
func (d *Dispatcher) Pending() []PendingRequest {
	return d.pending.list()
}

func (d *Dispatcher) PendingCount() int {
	return d.pending.len()
}

// Serve reads elements from r until it fails or ctx ends. Elements start
// in arrival order: the next element is read only after the current
// dispatch finishes or suspends (see Yield), so a handler waiting on a
// nested request never blocks correlation of its reply. Serve waits for
// in-flight dispatches before returning; io.EOF is a clean end.
func (d *Dispatcher) Serve(ctx context.Context, r transport.Receiver) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	logs.Infof("dispatcher.Dispatcher.Serve start self=%q", d.cfg.Self.String())
	for {
		el, err := r.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				logs.Infof("dispatcher.Dispatcher.Serve stop err=%v", err)
				return nil
			}
			logs.Errf("dispatcher.Dispatcher.Serve recv err=%v", err)
			return err
		}
		t := &turn{ch: make(chan struct{})}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer t.release()
			if err := d.Dispatch(context.WithValue(ctx, turnKey{}, t), el); err != nil {
				logs.Warnf("dispatcher.Dispatcher.Serve dispatch err=%v", err)
			}
		}()
		select {
		case <-t.ch:
		case <-ctx.Done():
		}
	}
}

type turnKey struct{}

// turn is held by the dispatch Serve is currently waiting on.
type turn struct {
	once sync.Once
	ch   chan struct{}
}

func (t *turn) release() { t.once.Do(func() { close(t.ch) }) }

// Yield lets Serve start the next inbound element while the caller blocks.
// Request yields before waiting for its reply; handlers that block on
// anything else should call it first. Outside Serve it does nothing.
func Yield(ctx context.Context) {
	if t, ok := ctx.Value(turnKey{}).(*turn); ok {
		t.release()
	}
}

// Close fails every outstanding request with ErrClosed. Later sends fail.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	entries := d.pending.drain()
	for _, e := range entries {
		e.future.Fail(ErrClosed)
	}
	d.cfg.Metrics.Pending(0)
	logs.Infof("dispatcher.Dispatcher.Close failed_pending=%d", len(entries))
	return nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}
