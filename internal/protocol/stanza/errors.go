package stanza

import (
	"fmt"

	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/schema"
)

// Condition is a defined stanza error condition.
type Condition string

const (
	BadRequest            Condition = "bad-request"
	Conflict              Condition = "conflict"
	FeatureNotImplemented Condition = "feature-not-implemented"
	Forbidden             Condition = "forbidden"
	Gone                  Condition = "gone"
	InternalServerError   Condition = "internal-server-error"
	ItemNotFound          Condition = "item-not-found"
	JIDMalformed          Condition = "jid-malformed"
	NotAcceptable         Condition = "not-acceptable"
	NotAllowed            Condition = "not-allowed"
	NotAuthorized         Condition = "not-authorized"
	PaymentRequired       Condition = "payment-required"
	RecipientUnavailable  Condition = "recipient-unavailable"
	Redirect              Condition = "redirect"
	RegistrationRequired  Condition = "registration-required"
	RemoteServerNotFound  Condition = "remote-server-not-found"
	RemoteServerTimeout   Condition = "remote-server-timeout"
	ResourceConstraint    Condition = "resource-constraint"
	ServiceUnavailable    Condition = "service-unavailable"
	SubscriptionRequired  Condition = "subscription-required"
	UndefinedCondition    Condition = "undefined-condition"
	UnexpectedRequest     Condition = "unexpected-request"
)

// Error types.
const (
	TypeCancel   = "cancel"
	TypeContinue = "continue"
	TypeModify   = "modify"
	TypeAuth     = "auth"
	TypeWait     = "wait"
)

type conditionInfo struct {
	typ  string
	code int
}

var conditions = map[Condition]conditionInfo{
	BadRequest:            {TypeModify, 400},
	Conflict:              {TypeCancel, 409},
	FeatureNotImplemented: {TypeCancel, 501},
	Forbidden:             {TypeAuth, 403},
	Gone:                  {TypeModify, 302},
	InternalServerError:   {TypeWait, 500},
	ItemNotFound:          {TypeCancel, 404},
	JIDMalformed:          {TypeModify, 400},
	NotAcceptable:         {TypeModify, 406},
	NotAllowed:            {TypeCancel, 405},
	NotAuthorized:         {TypeAuth, 401},
	PaymentRequired:       {TypeAuth, 402},
	RecipientUnavailable:  {TypeWait, 404},
	Redirect:              {TypeModify, 302},
	RegistrationRequired:  {TypeAuth, 407},
	RemoteServerNotFound:  {TypeCancel, 404},
	RemoteServerTimeout:   {TypeWait, 504},
	ResourceConstraint:    {TypeWait, 500},
	ServiceUnavailable:    {TypeCancel, 503},
	SubscriptionRequired:  {TypeAuth, 407},
	UndefinedCondition:    {TypeCancel, 500},
	UnexpectedRequest:     {TypeWait, 400},
}

func (c Condition) Valid() bool {
	_, ok := conditions[c]
	return ok
}

// DefaultType is the error type used when none is given.
func (c Condition) DefaultType() string {
	if info, ok := conditions[c]; ok {
		return info.typ
	}
	return TypeCancel
}

// Code is the legacy numeric error code.
func (c Condition) Code() int {
	if info, ok := conditions[c]; ok {
		return info.code
	}
	return 500
}

// Error is a stanza-level error. It is both a Go error returned by handlers
// and requests, and the content of an error reply.
type Error struct {
	Condition Condition
	Type      string
	Text      string
	// App is an optional application-specific condition element.
	App *element.Element
}

var (
	ErrBadRequest            = &Error{Condition: BadRequest, Type: TypeModify}
	ErrConflict              = &Error{Condition: Conflict, Type: TypeCancel}
	ErrFeatureNotImplemented = &Error{Condition: FeatureNotImplemented, Type: TypeCancel}
	ErrForbidden             = &Error{Condition: Forbidden, Type: TypeAuth}
	ErrItemNotFound          = &Error{Condition: ItemNotFound, Type: TypeCancel}
	ErrInternalServerError   = &Error{Condition: InternalServerError, Type: TypeWait}
	ErrNotAllowed            = &Error{Condition: NotAllowed, Type: TypeCancel}
	ErrNotAuthorized         = &Error{Condition: NotAuthorized, Type: TypeAuth}
	ErrRemoteServerTimeout   = &Error{Condition: RemoteServerTimeout, Type: TypeWait}
	ErrServiceUnavailable    = &Error{Condition: ServiceUnavailable, Type: TypeCancel}
	ErrUndefinedCondition    = &Error{Condition: UndefinedCondition, Type: TypeCancel}
)

// NewError builds an error with the condition's default type.
func NewError(cond Condition, text string) *Error {
	return &Error{Condition: cond, Type: cond.DefaultType(), Text: text}
}

// FromCondition maps a condition name to a typed error. Unknown names map
// to undefined-condition.
func FromCondition(cond, text string) *Error {
	c := Condition(cond)
	if !c.Valid() {
		c = UndefinedCondition
	}
	return NewError(c, text)
}

func (e *Error) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("stanza: %s (%s)", e.Condition, e.Type)
	}
	return fmt.Sprintf("stanza: %s (%s): %s", e.Condition, e.Type, e.Text)
}

// Is matches any *Error with the same condition.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Condition == e.Condition
}

// Payload renders e as an error element instance.
func (e *Error) Payload() (*schema.Instance, error) {
	typ := e.Type
	if typ == "" {
		typ = e.Condition.DefaultType()
	}
	inst, err := schema.New(ErrorPayload, schema.Values{
		"type":      typ,
		"condition": string(e.Condition),
		"text":      e.Text,
		"code":      e.Condition.Code(),
	})
	if err != nil {
		return nil, err
	}
	if e.App != nil {
		inst.Element().AddChild(e.App.Clone())
	}
	return inst, nil
}

// FromPayload reads an error element instance back into an *Error.
func FromPayload(inst *schema.Instance) *Error {
	if inst == nil || inst.IsSentinel() {
		return NewError(UndefinedCondition, "")
	}
	e := FromCondition(inst.Text("condition"), inst.Text("text"))
	if typ := inst.Text("type"); typ != "" {
		e.Type = typ
	}
	for _, child := range inst.Element().Elements() {
		if child.Space != NSStanzas {
			e.App = child.Clone()
			break
		}
	}
	return e
}
