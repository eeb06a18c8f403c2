// Package stanza defines the envelope schemas (iq, message, presence), the
// query payload base and the stanza error model on top of the schema package.
package stanza

import (
	"github.com/google/uuid"

	"github.com/danmuck/stanza/internal/protocol/jid"
	"github.com/danmuck/stanza/internal/protocol/schema"
)

const (
	NSClient    = "jabber:client"
	NSServer    = "jabber:server"
	NSComponent = "jabber:component:accept"
	NSStanzas   = "urn:ietf:params:xml:ns:xmpp-stanzas"
	NSDelay     = "urn:xmpp:delay"
)

// Iq types.
const (
	TypeGet    = "get"
	TypeSet    = "set"
	TypeResult = "result"
	TypeError  = "error"
)

// NewID generates stanza ids.
var NewID = uuid.NewString

var (
	Stanza = schema.Define(schema.Spec{
		Name:      "stanza",
		Namespace: schema.AnyOf(NSClient, NSServer, NSComponent, ""),
		Fields: []*schema.Field{
			schema.Attr("to", "to", schema.JID, schema.Optional()),
			schema.Attr("from", "from", schema.JID, schema.Optional()),
			schema.Attr("type", "type", schema.String, schema.Optional()),
			schema.Attr("id", "id", schema.String, schema.Optional()),
			schema.Attr("lang", "xml:lang", schema.String, schema.Optional()),
		},
	})

	ErrorPayload = schema.Define(schema.Spec{
		Name: "stanza.error",
		Tag:  "error",
		Fields: []*schema.Field{
			schema.Attr("type", "type", schema.String),
			schema.ChildTag("condition", NSStanzas, schema.Excluding("text")),
			schema.Node("text", "text", schema.String, schema.Optional(), schema.InSpace(NSStanzas)),
			schema.Attr("code", "code", schema.Int, schema.Optional()),
		},
		Cleaners: map[string]schema.CleanFunc{
			"type": oneOf("error type", TypeCancel, TypeContinue, TypeModify, TypeAuth, TypeWait),
		},
	})

	ErrorStanza = schema.Define(schema.Spec{
		Name:    "stanza.error-envelope",
		Extends: Stanza,
		Fields: []*schema.Field{
			schema.Elem("error", ErrorPayload),
		},
	})

	Iq = schema.Define(schema.Spec{
		Name:    "iq",
		Tag:     "iq",
		Extends: Stanza,
		Fields: []*schema.Field{
			schema.Attr("type", "type", schema.String),
			schema.Attr("id", "id", schema.String),
		},
		Cleaners: map[string]schema.CleanFunc{
			"type": oneOf("iq type", TypeGet, TypeSet, TypeResult, TypeError),
		},
		Error: ErrorStanza,
	})

	// MyIq matches only iqs addressed to the entity in the instance env.
	MyIq = schema.Define(schema.Spec{
		Name:    "iq.self",
		Extends: Iq,
		Cleaners: map[string]schema.CleanFunc{
			"to": addressedToSelf,
		},
	})

	Delay = schema.Define(schema.Spec{
		Name:      "delay",
		Tag:       "delay",
		Namespace: schema.NS(NSDelay),
		Fields: []*schema.Field{
			schema.Attr("stamp", "stamp", schema.Time),
			schema.Attr("from", "from", schema.JID, schema.Optional()),
		},
	})

	Message = schema.Define(schema.Spec{
		Name:    "message",
		Tag:     "message",
		Extends: Stanza,
		Fields: []*schema.Field{
			schema.Node("body", "body", schema.String, schema.Optional()),
			schema.Node("subject", "subject", schema.String, schema.Optional()),
			schema.Node("thread", "thread", schema.String, schema.Optional()),
			schema.Elem("delay", Delay, schema.Optional()),
		},
		Cleaners: map[string]schema.CleanFunc{
			"type": fallbackTo("normal", "normal", "chat", "groupchat", "headline", "error"),
		},
		Error: ErrorStanza,
	})

	Presence = schema.Define(schema.Spec{
		Name:    "presence",
		Tag:     "presence",
		Extends: Stanza,
		Fields: []*schema.Field{
			schema.Node("show", "show", schema.String, schema.Optional()),
			schema.Node("status", "status", schema.String, schema.Optional()),
			schema.Node("priority", "priority", schema.Int, schema.Optional()),
			schema.Elem("delay", Delay, schema.Optional()),
		},
		Cleaners: map[string]schema.CleanFunc{
			"type": fallbackTo("available",
				"subscribe", "subscribed", "unsubscribe", "unsubscribed",
				"available", "unavailable", "probe", "error"),
		},
		Error: ErrorStanza,
	})

	// Query is the base of iq payloads. Derived schemas set Tag/Namespace
	// or inherit tag "query".
	Query = schema.Define(schema.Spec{
		Name:     "query",
		Tag:      "query",
		Envelope: Iq,
		Fields: []*schema.Field{
			schema.Attr("node", "node", schema.String, schema.Optional()),
		},
	})
)

func oneOf(what string, allowed ...string) schema.CleanFunc {
	return func(inst *schema.Instance, v any) (any, error) {
		s, _ := v.(string)
		for _, a := range allowed {
			if s == a {
				return s, nil
			}
		}
		return nil, &schema.ParseError{Schema: inst.Schema().Name(), Field: "type", Reason: "wrong " + what + " " + s}
	}
}

func fallbackTo(def string, allowed ...string) schema.CleanFunc {
	return func(_ *schema.Instance, v any) (any, error) {
		s, _ := v.(string)
		for _, a := range allowed {
			if s == a {
				return s, nil
			}
		}
		return def, nil
	}
}

// addressedToSelf rejects iqs whose to differs from the env's own address.
// A missing to means the peer addressed us implicitly.
func addressedToSelf(inst *schema.Instance, v any) (any, error) {
	to, ok := v.(jid.JID)
	if !ok {
		return v, nil
	}
	env := inst.Env()
	if env == nil || !to.Equal(env.Self()) {
		return nil, schema.ErrWrongElement
	}
	return v, nil
}

// NewIq builds an iq. A missing id is generated; get and set iqs carry a
// future that the dispatcher resolves with the reply.
func NewIq(typ string, values schema.Values, opts ...schema.Option) (*schema.Instance, error) {
	vals := schema.Values{"type": typ}
	for k, v := range values {
		vals[k] = v
	}
	if id, _ := vals["id"].(string); id == "" {
		vals["id"] = NewID()
	}
	inst, err := schema.New(Iq, vals, opts...)
	if err != nil {
		return nil, err
	}
	if IsRequest(inst) {
		inst.SetFuture(schema.NewFuture(inst.Text("id")))
	}
	return inst, nil
}

// NewRequest wraps payload in a get or set iq to the given address and
// returns the iq. The reply schema resolves through the payload link.
func NewRequest(typ string, to jid.JID, payload *schema.Instance) (*schema.Instance, error) {
	iq, err := NewIq(typ, schema.Values{"to": to})
	if err != nil {
		return nil, err
	}
	iq.Link(payload, false)
	return iq, nil
}

// IsRequest reports whether inst is an iq of type get or set.
func IsRequest(inst *schema.Instance) bool {
	if inst == nil || inst.IsSentinel() || inst.Element().Name != "iq" {
		return false
	}
	typ, _ := inst.Element().Attr("type")
	return typ == TypeGet || typ == TypeSet
}

// IsReply reports whether inst is a result or error envelope.
func IsReply(inst *schema.Instance) bool {
	if inst == nil || inst.IsSentinel() {
		return false
	}
	typ, _ := inst.Element().Attr("type")
	return typ == TypeResult || typ == TypeError
}

// MakeResult builds the empty result for iq: addresses swapped, same id.
func MakeResult(iq *schema.Instance) (*schema.Instance, error) {
	top := iq.Top()
	res, err := schema.New(Iq, schema.Values{
		"to":   addr(top, "from"),
		"from": addr(top, "to"),
		"id":   top.Text("id"),
		"type": TypeResult,
	})
	if err != nil {
		return nil, err
	}
	res.Element().Space = top.Element().Space
	return res, nil
}

// MakeError builds the error reply to in's envelope: addresses swapped,
// same id and tag, type error, the original children followed by the error
// element.
func MakeError(in *schema.Instance, e *Error) (*schema.Instance, error) {
	top := in.Top()
	payload, err := e.Payload()
	if err != nil {
		return nil, err
	}
	res, err := schema.New(ErrorStanza, schema.Values{
		"to":    addr(top, "from"),
		"from":  addr(top, "to"),
		"id":    top.Text("id"),
		"type":  TypeError,
		"error": payload,
	}, schema.WithTag(top.Element().Name))
	if err != nil {
		return nil, err
	}
	el := res.Element()
	el.Space = top.Element().Space
	el.Children = append(top.Element().Clone().Children, el.Children...)
	return res, nil
}

// addr reads an address attribute straight from the element so that
// cleaners (MyIq) do not interfere with reply construction.
func addr(inst *schema.Instance, attr string) any {
	raw, ok := inst.Element().Attr(attr)
	if !ok || raw == "" {
		return nil
	}
	j, err := jid.Parse(raw)
	if err != nil {
		return nil
	}
	return j
}
