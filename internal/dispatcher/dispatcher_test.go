package dispatcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/jid"
	"github.com/danmuck/stanza/internal/protocol/schema"
	"github.com/danmuck/stanza/internal/protocol/stanza"
	"github.com/danmuck/stanza/internal/testutil/testlog"
)

var (
	testQuery = schema.Define(schema.Spec{
		Name:      "test.dispatcher.query",
		Namespace: schema.NS("urn:test"),
		Extends:   stanza.Query,
	})

	strictQuery = schema.Define(schema.Spec{
		Name:      "test.dispatcher.strict",
		Namespace: schema.NS("urn:strict"),
		Extends:   stanza.Query,
		Fields: []*schema.Field{
			schema.Attr("name", "name", schema.String),
		},
	})
)

const selfAddr = "svc.example.org"

type recorder struct {
	mu   sync.Mutex
	sent []*element.Element
	err  error
}

func (r *recorder) Send(_ context.Context, el *element.Element) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, el.Clone())
	return nil
}

func (r *recorder) all() []*element.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*element.Element, len(r.sent))
	copy(out, r.sent)
	return out
}

type countingMetrics struct {
	nopMetrics
	mu          sync.Mutex
	synthesized map[string]int
}

func (m *countingMetrics) Synthesized(cond string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synthesized[cond]++
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.Self = jid.MustParse(selfAddr)
	d, err := New(cfg, rec)
	require.NoError(t, err)
	return d, rec
}

func mustElement(t *testing.T, raw string) *element.Element {
	t.Helper()
	el, err := element.Unmarshal([]byte(raw))
	require.NoError(t, err)
	return el
}

func resultHandler(in *schema.Instance) ([]*schema.Instance, error) {
	res, err := stanza.MakeResult(in)
	if err != nil {
		return nil, err
	}
	return []*schema.Instance{res}, nil
}

func conditionOf(t *testing.T, el *element.Element) stanza.Condition {
	t.Helper()
	inst, err := stanza.ErrorStanza.Parse(el)
	require.NoError(t, err, "not an error stanza: %s", el)
	return stanza.FromPayload(inst.Nested("error")).Condition
}

func TestDispatchQueryGetProducesResult(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	d.RegisterHandler(&Handler{
		Schema: testQuery,
		Funcs: map[string]HandlerFunc{
			"get": func(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
				return resultHandler(in)
			},
		},
	})

	err := d.Dispatch(context.Background(), mustElement(t,
		`<iq type='get' id='42' from='a@example.org/r' to='svc.example.org'><query xmlns='urn:test'/></iq>`))
	require.NoError(t, err)

	sent := rec.all()
	require.Len(t, sent, 1)
	out := sent[0]
	assert.Equal(t, "iq", out.Name)
	typ, _ := out.Attr("type")
	id, _ := out.Attr("id")
	to, _ := out.Attr("to")
	from, _ := out.Attr("from")
	assert.Equal(t, "result", typ)
	assert.Equal(t, "42", id)
	assert.Equal(t, "a@example.org/r", to)
	assert.Equal(t, selfAddr, from)
}

func TestDispatchUnhandledIqIsFeatureNotImplemented(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	d.RegisterHandler(&Handler{Schema: testQuery, Any: func(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
		return resultHandler(in)
	}})

	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<iq type='get' id='7' from='a@example.org' to='svc.example.org'><query xmlns='urn:other'/></iq>`)))

	sent := rec.all()
	require.Len(t, sent, 1)
	typ, _ := sent[0].Attr("type")
	assert.Equal(t, "error", typ)
	assert.Equal(t, stanza.FeatureNotImplemented, conditionOf(t, sent[0]))
}

func TestDispatchNotAddressedToSelfIsServiceUnavailable(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<iq type='get' id='8' from='a@example.org' to='elsewhere.example.org'><query xmlns='urn:test'/></iq>`)))
	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, stanza.ServiceUnavailable, conditionOf(t, sent[0]))
}

func TestDispatchParseErrorIsBadRequest(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	metrics := &countingMetrics{synthesized: make(map[string]int)}
	d.cfg.Metrics = metrics
	d.RegisterHandler(&Handler{Schema: strictQuery, Any: func(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
		t.Fatalf("handler must not run on invalid input")
		return nil, nil
	}})

	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<iq type='set' id='9' from='a@example.org'><query xmlns='urn:strict'/></iq>`)))
	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, stanza.BadRequest, conditionOf(t, sent[0]))
	assert.Equal(t, 1, metrics.synthesized[string(stanza.BadRequest)])
}

func TestHandlerPriority(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	var second atomic.Bool
	first := &Handler{Schema: testQuery, Any: func(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
		return resultHandler(in)
	}}
	later := &Handler{Schema: testQuery, Any: func(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
		second.Store(true)
		return resultHandler(in)
	}}
	require.True(t, d.RegisterHandler(first))
	require.False(t, d.RegisterHandler(first), "registration is idempotent")
	require.True(t, d.RegisterHandler(later))

	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<iq type='get' id='1' from='a@example.org'><query xmlns='urn:test'/></iq>`)))
	assert.False(t, second.Load(), "second handler must not be invoked")
	assert.Len(t, rec.all(), 1)

	require.True(t, d.UnregisterHandler(first))
	require.False(t, d.UnregisterHandler(first))
	assert.Equal(t, []*Handler{later}, d.Handlers())
}

func TestHandlerFailures(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name  string
		fn    HandlerFunc
		want  stanza.Condition
		fault bool
	}{
		{
			name: "structured",
			fn: func(context.Context, *schema.Instance) ([]*schema.Instance, error) {
				return nil, stanza.NewError(stanza.NotAllowed, "no")
			},
			want: stanza.NotAllowed,
		},
		{
			name: "plain",
			fn: func(context.Context, *schema.Instance) ([]*schema.Instance, error) {
				return nil, errors.New("db down")
			},
			want:  stanza.InternalServerError,
			fault: true,
		},
		{
			name: "panic",
			fn: func(context.Context, *schema.Instance) ([]*schema.Instance, error) {
				panic("boom")
			},
			want:  stanza.InternalServerError,
			fault: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, rec := newTestDispatcher(t)
			var faults atomic.Int32
			d.cfg.OnFault = func(error) { faults.Add(1) }
			d.RegisterHandler(&Handler{Schema: testQuery, Any: tc.fn})

			require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
				`<iq type='get' id='e1' from='a@example.org'><query xmlns='urn:test'/></iq>`)))
			sent := rec.all()
			require.Len(t, sent, 1)
			assert.Equal(t, tc.want, conditionOf(t, sent[0]))
			assert.Equal(t, tc.fault, faults.Load() == 1)
			id, _ := sent[0].Attr("id")
			assert.Equal(t, "e1", id)
		})
	}
}

func TestBreakStopsWithoutReply(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	d.RegisterHandler(&Handler{Schema: testQuery, Any: func(context.Context, *schema.Instance) ([]*schema.Instance, error) {
		return []*schema.Instance{schema.Break}, nil
	}})
	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<iq type='get' id='b' from='a@example.org'><query xmlns='urn:test'/></iq>`)))
	assert.Empty(t, rec.all())
}

func TestUnhandledReplyIsDropped(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<iq type='error' id='zz' from='a@example.org'><error type='cancel'><gone xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`)))
	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<message from='a@example.org'><body>hi</body></message>`)))
	assert.Empty(t, rec.all())
}

func TestCorrelationExactness(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	ctx := context.Background()

	iq, err := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org", "id": "req-1"})
	require.NoError(t, err)
	f, err := d.Send(ctx, iq)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Equal(t, 1, d.PendingCount())
	require.Len(t, rec.all(), 1)

	// a reply with another id falls through to the handler loop
	require.NoError(t, d.Dispatch(ctx, mustElement(t, `<iq type='result' id='req-2' from='peer.example.org'/>`)))
	_, _, done := f.Result()
	assert.False(t, done)
	assert.Equal(t, 1, d.PendingCount())

	require.NoError(t, d.Dispatch(ctx, mustElement(t, `<iq type='result' id='req-1' from='peer.example.org'/>`)))
	res, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.Text("id"))
	assert.Equal(t, 0, d.PendingCount())

	// the entry is gone: a duplicate reply is just an unhandled result
	require.NoError(t, d.Dispatch(ctx, mustElement(t, `<iq type='result' id='req-1' from='peer.example.org'/>`)))
	again, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, res, again)
	assert.Len(t, rec.all(), 1)
}

func TestErrorReplyFailsFuture(t *testing.T) {
	testlog.Start(t)
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	iq, err := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org", "id": "e-1"})
	require.NoError(t, err)
	f, err := d.Send(ctx, iq)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, mustElement(t,
		`<iq type='error' id='e-1' from='peer.example.org'><error type='cancel'><item-not-found xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/><text xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'>missing</text></error></iq>`)))
	_, err = f.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, stanza.ErrItemNotFound)
	var se *stanza.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "missing", se.Text)
}

func TestResultSchemaParseFailure(t *testing.T) {
	testlog.Start(t)
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	iq, err := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org", "id": "r-1"})
	require.NoError(t, err)
	iq.SetResultSchema(strictQuery)
	f, err := d.Send(ctx, iq)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, mustElement(t,
		`<iq type='result' id='r-1' from='peer.example.org'><query xmlns='urn:strict'/></iq>`)))
	_, err = f.Wait(ctx)
	assert.True(t, schema.IsParseError(err), "got %v", err)
}

func TestCancelRemovesPendingEntry(t *testing.T) {
	testlog.Start(t)
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	iq, err := stanza.NewIq(stanza.TypeSet, schema.Values{"to": "peer.example.org", "id": "c-1"})
	require.NoError(t, err)
	f, err := d.Send(ctx, iq)
	require.NoError(t, err)
	require.Equal(t, 1, d.PendingCount())

	require.True(t, f.Cancel())
	assert.Equal(t, 0, d.PendingCount())
	require.NoError(t, d.Dispatch(ctx, mustElement(t, `<iq type='result' id='c-1' from='peer.example.org'/>`)))
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, schema.ErrCanceled)
}

func TestRequestTimeoutCancels(t *testing.T) {
	testlog.Start(t)
	d, _ := newTestDispatcher(t)
	iq, err := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Request(ctx, iq)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, d.PendingCount())
}

func TestDuplicatePendingID(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	ctx := context.Background()
	a, _ := stanza.NewIq(stanza.TypeGet, schema.Values{"id": "dup"})
	b, _ := stanza.NewIq(stanza.TypeGet, schema.Values{"id": "dup"})
	_, err := d.Send(ctx, a)
	require.NoError(t, err)
	_, err = d.Send(ctx, b)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, []string{"dup"}, []string{d.Pending()[0].ID})
}

func TestSendFailureFailsFuture(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	rec.err = errors.New("wire cut")
	iq, _ := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org"})
	_, err := d.Send(context.Background(), iq)
	require.Error(t, err)
	assert.Equal(t, 0, d.PendingCount())
	_, err = iq.Future().Wait(context.Background())
	assert.ErrorContains(t, err, "wire cut")
}

func TestSendFailureWithChangedIDReleasesEntry(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	rec.mu.Lock()
	rec.err = errors.New("wire cut")
	rec.mu.Unlock()
	iq, err := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org"})
	require.NoError(t, err)
	require.NoError(t, iq.Set("id", "custom"))

	_, err = d.Send(context.Background(), iq)
	require.Error(t, err)
	assert.Equal(t, 0, d.PendingCount())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = iq.Future().Wait(ctx)
	assert.ErrorContains(t, err, "wire cut")

	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	retry, err := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org", "id": "custom"})
	require.NoError(t, err)
	_, err = d.Send(context.Background(), retry)
	require.NoError(t, err)
	assert.Equal(t, 1, d.PendingCount())
}

func TestDispatchEmptyRequiredAttributeIsBadRequest(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	d.RegisterHandler(&Handler{Schema: strictQuery, Any: func(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
		t.Fatalf("handler must not run with an empty required attribute")
		return nil, nil
	}})

	require.NoError(t, d.Dispatch(context.Background(), mustElement(t,
		`<iq type='get' id='10' from='a@example.org'><query xmlns='urn:strict' name=''/></iq>`)))
	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, stanza.BadRequest, conditionOf(t, sent[0]))
}

func TestSendHooks(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	hook := &Hook{Schema: stanza.Message, Any: func(_ context.Context, out *schema.Instance) (*schema.Instance, error) {
		if out.Text("body") == "secret" {
			return schema.Empty, nil
		}
		if err := out.Set("body", "rewritten"); err != nil {
			return nil, err
		}
		return out, nil
	}}
	require.True(t, d.RegisterHook(HookSend, hook))
	require.False(t, d.RegisterHook(HookSend, hook))
	require.Len(t, d.Hooks(HookSend), 1)

	secret := schema.MustNew(stanza.Message, schema.Values{"to": "b@example.org", "body": "secret"})
	plain := schema.MustNew(stanza.Message, schema.Values{"to": "b@example.org", "body": "hello"})
	presence := schema.MustNew(stanza.Presence, schema.Values{"to": "b@example.org"})
	_, err := d.Send(context.Background(), secret, plain, presence, schema.Empty)
	require.NoError(t, err)

	sent := rec.all()
	require.Len(t, sent, 2, "only the suppressed stanza is dropped")
	msg, err := stanza.Message.Parse(sent[0])
	require.NoError(t, err)
	assert.Equal(t, "rewritten", msg.Text("body"))
	assert.Equal(t, "presence", sent[1].Name)

	require.True(t, d.UnregisterHook(HookSend, hook))
	assert.Empty(t, d.Hooks(HookSend))
}

func TestCloseFailsPending(t *testing.T) {
	testlog.Start(t)
	d, _ := newTestDispatcher(t)
	iq, _ := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org"})
	f, err := d.Send(context.Background(), iq)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.Send(context.Background(), iq)
	assert.ErrorIs(t, err, ErrClosed)
}

type chanReceiver chan *element.Element

func (c chanReceiver) Recv(ctx context.Context) (*element.Element, error) {
	select {
	case el, ok := <-c:
		if !ok {
			return nil, io.EOF
		}
		return el, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestServeNestedRequest(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	d.RegisterHandler(&Handler{Schema: testQuery, Funcs: map[string]HandlerFunc{
		"get": func(ctx context.Context, in *schema.Instance) ([]*schema.Instance, error) {
			nested, err := stanza.NewIq(stanza.TypeGet, schema.Values{"to": "peer.example.org", "id": "nested"})
			if err != nil {
				return nil, err
			}
			if _, err := d.Request(ctx, nested); err != nil {
				return nil, err
			}
			return resultHandler(in)
		},
	}})

	in := make(chanReceiver, 4)
	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), in) }()

	in <- mustElement(t, `<iq type='get' id='outer' from='a@example.org'><query xmlns='urn:test'/></iq>`)
	require.Eventually(t, func() bool { return d.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	in <- mustElement(t, `<iq type='result' id='nested' from='peer.example.org'/>`)
	close(in)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
	sent := rec.all()
	require.Len(t, sent, 2)
	id, _ := sent[1].Attr("id")
	typ, _ := sent[1].Attr("type")
	assert.Equal(t, "outer", id)
	assert.Equal(t, "result", typ)
}

func TestServeStartsElementsInOrder(t *testing.T) {
	testlog.Start(t)
	d, rec := newTestDispatcher(t)
	var mu sync.Mutex
	var trace []string
	mark := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		trace = append(trace, s)
	}
	d.RegisterHandler(&Handler{Schema: testQuery, Funcs: map[string]HandlerFunc{
		"get": func(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
			id := in.Top().Text("id")
			mark("start:" + id)
			if id == "first" {
				time.Sleep(30 * time.Millisecond)
			}
			mark("end:" + id)
			return resultHandler(in)
		},
	}})

	in := make(chanReceiver, 2)
	in <- mustElement(t, `<iq type='get' id='first' from='a@example.org'><query xmlns='urn:test'/></iq>`)
	in <- mustElement(t, `<iq type='get' id='second' from='a@example.org'><query xmlns='urn:test'/></iq>`)
	close(in)
	require.NoError(t, d.Serve(context.Background(), in))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start:first", "end:first", "start:second", "end:second"}, trace)
	assert.Len(t, rec.all(), 2)
}
