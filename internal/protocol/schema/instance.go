package schema

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/jid"
)

// Values maps field names to native values for New.
type Values map[string]any

type sentinelKind uint8

const (
	notSentinel sentinelKind = iota
	sentinelBreak
	sentinelEmpty
)

// Instance is an element bound to a schema. Field values are resolved from
// the element on every read and written straight back on every Set, so the
// element is always the source of truth.
type Instance struct {
	schema *Schema
	el     *element.Element
	tag    string

	parent *Instance
	links  []*Instance
	host   any
	env    Env
	future *Future

	result    *Schema
	errSchema *Schema

	sentinel sentinelKind
}

var (
	// Break returned by a handler stops the handler loop without a reply.
	Break = &Instance{sentinel: sentinelBreak}
	// Empty returned by a send hook suppresses transmission of that stanza.
	Empty = &Instance{sentinel: sentinelEmpty}
)

// WithTag names the element created by New for schemas without a fixed tag.
func WithTag(tag string) Option {
	return func(i *Instance) { i.tag = tag }
}

// New builds a fresh element for s and assigns values. Fields not present in
// values get their default, if any. With WithParent the new element replaces
// any same-named child of the parent and is linked to it.
func New(s *Schema, values Values, opts ...Option) (*Instance, error) {
	inst := &Instance{schema: s}
	for _, opt := range opts {
		opt(inst)
	}
	tag := inst.tag
	if tag == "" {
		tag = s.tag
	}
	if tag == "" {
		return nil, parseErr(s, nil, "schema has no tag; use WithTag")
	}
	inst.el = element.New(s.ns.Default(), tag)

	for name := range values {
		if _, ok := s.index[name]; !ok {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, s.name, name)
		}
	}
	for _, f := range s.fields {
		v, ok := values[f.Name]
		if !ok && f.Default == nil {
			continue
		}
		if err := inst.Set(f.Name, v); err != nil {
			return nil, err
		}
	}
	if p := inst.parent; p != nil {
		inst.parent = nil
		p.Link(inst, false)
	}
	return inst, nil
}

// MustNew is New for static construction in tests and package vars.
func MustNew(s *Schema, values Values, opts ...Option) *Instance {
	inst, err := New(s, values, opts...)
	if err != nil {
		panic(err)
	}
	return inst
}

func (i *Instance) IsSentinel() bool { return i != nil && i.sentinel != notSentinel }

func (i *Instance) Schema() *Schema           { return i.schema }
func (i *Instance) Element() *element.Element { return i.el }
func (i *Instance) Parent() *Instance         { return i.parent }
func (i *Instance) Host() any                 { return i.host }
func (i *Instance) Env() Env                  { return i.env }
func (i *Instance) Future() *Future           { return i.future }
func (i *Instance) SetFuture(f *Future)       { i.future = f }
func (i *Instance) SetEnv(env Env)            { i.env = env }
func (i *Instance) SetHost(host any)          { i.host = host }

// Links returns the linked child instances in link order.
func (i *Instance) Links() []*Instance {
	return slices.Clone(i.links)
}

// Top returns the outermost ancestor (the envelope for payload instances).
func (i *Instance) Top() *Instance {
	cur := i
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// Get resolves a field: the wire value, else the default, then the field's
// cleaner.
func (i *Instance) Get(name string) (any, error) {
	if i.IsSentinel() {
		return nil, ErrSentinel
	}
	f, ok := i.schema.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, i.schema.name, name)
	}
	return i.resolve(f, false)
}

func (i *Instance) resolve(f *Field, strict bool) (any, error) {
	v, err := f.read(i)
	if err != nil {
		return nil, err
	}
	if isEmpty(v) {
		if strict && f.Required {
			return nil, parseErr(i.schema, f, "required %s %q missing", f.Kind, f.keyName())
		}
		if f.Default != nil {
			v = f.Default
		}
	}
	if clean := i.schema.cleaners[f.Name]; clean != nil {
		v, err = clean(i, v)
		if err != nil && !errors.Is(err, ErrWrongElement) && !IsParseError(err) {
			pe := parseErr(i.schema, f, "%v", err)
			pe.Err = err
			return nil, pe
		}
		return v, err
	}
	return v, nil
}

func (f *Field) keyName() string {
	if f.Kind == KindChildTag {
		return f.Space
	}
	return f.Key
}

// Set replaces a field's content. A nil value writes the default or clears
// the field; required child nodes without a default reject nil.
func (i *Instance) Set(name string, v any) error {
	if i.IsSentinel() {
		return ErrSentinel
	}
	f, ok := i.schema.index[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownField, i.schema.name, name)
	}
	if f.Kind == KindChildNode && f.Required && isNil(v) && f.Default == nil {
		return parseErr(i.schema, f, "required node %q not specified", f.Key)
	}
	return f.write(i, v)
}

// Add appends values to a listed field. Unique fields skip values already
// present. It reports whether anything changed.
func (i *Instance) Add(name string, values ...any) (bool, error) {
	f, current, err := i.listField(name)
	if err != nil {
		return false, err
	}
	changed := false
	for _, v := range values {
		if isNil(v) {
			continue
		}
		if f.Unique && slices.ContainsFunc(current, func(c any) bool { return valuesEqual(c, v) }) {
			continue
		}
		if err := f.appendValue(i, v); err != nil {
			return changed, err
		}
		current = append(current, v)
		changed = true
	}
	return changed, nil
}

// Remove deletes every entry equal to one of values from a listed field and
// reports whether anything changed.
func (i *Instance) Remove(name string, values ...any) (bool, error) {
	f, current, err := i.listField(name)
	if err != nil {
		return false, err
	}
	kept := current[:0:0]
	for _, c := range current {
		if !slices.ContainsFunc(values, func(v any) bool { return valuesEqual(c, v) }) {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(current) {
		return false, nil
	}
	if err := f.write(i, kept); err != nil {
		return false, err
	}
	return true, nil
}

func (i *Instance) listField(name string) (*Field, []any, error) {
	if i.IsSentinel() {
		return nil, nil, ErrSentinel
	}
	f, ok := i.schema.index[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, i.schema.name, name)
	}
	if !f.Listed {
		return nil, nil, fmt.Errorf("%w: %s.%s", ErrNotListed, i.schema.name, name)
	}
	raw, err := f.read(i)
	if err != nil {
		return nil, nil, err
	}
	current, _ := raw.([]any)
	return f, current, nil
}

// Link embeds child's element into i and records child as a link. Unless
// keep is set, existing children with the same tag and namespace are
// replaced.
func (i *Instance) Link(child *Instance, keep bool) *Instance {
	if !keep {
		i.el.RemoveChildren(child.el.Space, child.el.Name)
		i.dropStaleLinks()
	}
	i.el.AddChild(child.el)
	child.parent = i
	if child.env == nil {
		child.env = i.env
	}
	if child.host == nil {
		child.host = i.host
	}
	i.links = append(i.links, child)
	return child
}

func (i *Instance) dropStaleLinks() {
	i.links = slices.DeleteFunc(i.links, func(l *Instance) bool {
		return !slices.ContainsFunc(i.el.Children, func(n element.Node) bool {
			el, ok := n.(*element.Element)
			return ok && el == l.el
		})
	})
}

// Validate resolves every field strictly, runs cross-field validators and
// validates linked children. Call it on Top() to check a whole stanza.
func (i *Instance) Validate() error {
	if i.IsSentinel() {
		return nil
	}
	if err := i.checkFields(); err != nil {
		return err
	}
	for _, l := range i.links {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) checkFields() error {
	for _, f := range i.schema.fields {
		if _, err := i.resolve(f, true); err != nil {
			return err
		}
	}
	for _, validate := range i.schema.validators {
		if err := validate(i); err != nil {
			return err
		}
	}
	return nil
}

// ResultSchema resolves the reply schema: explicit override, then the first
// link that has one, then the schema default.
func (i *Instance) ResultSchema() *Schema {
	if i.result != nil {
		return i.result
	}
	for _, l := range i.links {
		if r := l.ResultSchema(); r != nil {
			return r
		}
	}
	return i.schema.result
}

// ErrorSchema resolves like ResultSchema.
func (i *Instance) ErrorSchema() *Schema {
	if i.errSchema != nil {
		return i.errSchema
	}
	for _, l := range i.links {
		if r := l.ErrorSchema(); r != nil {
			return r
		}
	}
	return i.schema.errSchema
}

func (i *Instance) SetResultSchema(s *Schema) { i.result = s }
func (i *Instance) SetErrorSchema(s *Schema)  { i.errSchema = s }

// Equal compares tag, namespace and the union of both schemas' fields by
// native value. It is symmetric.
func (i *Instance) Equal(other *Instance) bool {
	if i == other {
		return true
	}
	if i == nil || other == nil || i.IsSentinel() || other.IsSentinel() {
		return false
	}
	if i.el.Space != other.el.Space || i.el.Name != other.el.Name {
		return false
	}
	fields := slices.Clone(i.schema.fields)
	for _, f := range other.schema.fields {
		if _, ok := i.schema.index[f.Name]; !ok {
			fields = append(fields, f)
		}
	}
	for _, f := range fields {
		a, errA := i.resolveAs(f)
		b, errB := other.resolveAs(f)
		if errA != nil || errB != nil {
			return false
		}
		if !valuesEqual(a, b) {
			return false
		}
	}
	return true
}

// resolveAs reads f from i even when i's schema does not declare it.
func (i *Instance) resolveAs(f *Field) (any, error) {
	if own, ok := i.schema.index[f.Name]; ok {
		return i.resolve(own, false)
	}
	tmp := &Instance{schema: i.schema, el: i.el, env: i.env, host: i.host}
	v, err := f.read(tmp)
	if err != nil {
		return nil, err
	}
	if isEmpty(v) && f.Default != nil {
		v = f.Default
	}
	return v, nil
}

func valuesEqual(a, b any) bool {
	if _, ok := b.(jid.JID); ok {
		if _, same := a.(jid.JID); !same {
			a, b = b, a
		}
	}
	switch x := a.(type) {
	case *Instance:
		y, ok := b.(*Instance)
		return ok && x.Equal(y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k := range x {
			if !valuesEqual(x[k], y[k]) {
				return false
			}
		}
		return true
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case jid.JID:
		switch y := b.(type) {
		case jid.JID:
			return x.Equal(y)
		case string:
			return x.String() == y
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// Typed getters return the zero value when the field is absent, unknown or
// fails to resolve. Use Get to see the error.

func (i *Instance) Text(name string) string {
	v, _ := i.Get(name)
	s, _ := v.(string)
	return s
}

func (i *Instance) Bool(name string) bool {
	v, _ := i.Get(name)
	b, _ := v.(bool)
	return b
}

func (i *Instance) Int(name string) (int, bool) {
	v, _ := i.Get(name)
	n, ok := v.(int)
	return n, ok
}

func (i *Instance) Float(name string) (float64, bool) {
	v, _ := i.Get(name)
	f, ok := v.(float64)
	return f, ok
}

func (i *Instance) JID(name string) jid.JID {
	v, _ := i.Get(name)
	j, _ := v.(jid.JID)
	return j
}

func (i *Instance) Time(name string) (time.Time, bool) {
	v, _ := i.Get(name)
	t, ok := v.(time.Time)
	return t, ok
}

func (i *Instance) Bytes(name string) []byte {
	v, _ := i.Get(name)
	b, _ := v.([]byte)
	return b
}

func (i *Instance) Nested(name string) *Instance {
	v, _ := i.Get(name)
	n, _ := v.(*Instance)
	return n
}

func (i *Instance) List(name string) []any {
	v, _ := i.Get(name)
	l, _ := v.([]any)
	return l
}

func (i *Instance) Texts(name string) []string {
	list := i.List(name)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (i *Instance) String() string {
	switch {
	case i == nil:
		return "<nil>"
	case i.sentinel == sentinelBreak:
		return "<break>"
	case i.sentinel == sentinelEmpty:
		return "<empty>"
	}
	return i.el.String()
}
