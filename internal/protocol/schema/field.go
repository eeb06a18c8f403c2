package schema

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/jid"
)

// Kind selects how a field maps onto the element tree.
type Kind uint8

const (
	// KindAttribute reads an XML attribute.
	KindAttribute Kind = iota + 1
	// KindChildNode reads the text content of child elements with a given tag.
	KindChildNode
	// KindChildElement reads child elements described by a nested schema.
	KindChildElement
	// KindFlag is true when a child element with a given tag exists.
	KindFlag
	// KindChildTag yields the tag name of the first child element in a namespace.
	KindChildTag
)

func (k Kind) String() string {
	switch k {
	case KindAttribute:
		return "attribute"
	case KindChildNode:
		return "node"
	case KindChildElement:
		return "element"
	case KindFlag:
		return "flag"
	case KindChildTag:
		return "tag"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Field declares one named, typed value of a schema.
//
// Fields are required unless Optional is passed. Listed fields resolve to
// []any; Unique listed fields reject duplicate additions.
type Field struct {
	Name     string
	Kind     Kind
	Key      string
	Space    string
	Required bool
	Listed   bool
	Unique   bool
	Default  any
	Codec    Codec
	Nested   *Schema
	Exclude  []string
}

type FieldOption func(*Field)

func Optional() FieldOption {
	return func(f *Field) { f.Required = false }
}

func Listed() FieldOption {
	return func(f *Field) { f.Listed = true }
}

// Unique implies Listed.
func Unique() FieldOption {
	return func(f *Field) {
		f.Listed = true
		f.Unique = true
	}
}

func Default(v any) FieldOption {
	return func(f *Field) { f.Default = v }
}

// InSpace restricts child matching to one namespace.
func InSpace(uri string) FieldOption {
	return func(f *Field) { f.Space = uri }
}

// Excluding skips the named tags when resolving a KindChildTag field.
func Excluding(tags ...string) FieldOption {
	return func(f *Field) { f.Exclude = append(f.Exclude, tags...) }
}

func newField(name string, kind Kind, key string, opts []FieldOption) *Field {
	f := &Field{Name: name, Kind: kind, Key: key, Required: true}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Attr declares an attribute field stored under attr.
func Attr(name, attr string, c Codec, opts ...FieldOption) *Field {
	f := newField(name, KindAttribute, attr, opts)
	f.Codec = c
	return f
}

// Node declares a field held in the text of child elements tagged tag.
func Node(name, tag string, c Codec, opts ...FieldOption) *Field {
	f := newField(name, KindChildNode, tag, opts)
	f.Codec = c
	return f
}

// Elem declares a field of nested schema instances.
func Elem(name string, nested *Schema, opts ...FieldOption) *Field {
	f := newField(name, KindChildElement, nested.Tag(), opts)
	f.Nested = nested
	return f
}

// Flag declares a boolean presence-of-child field. Flags are never required.
func Flag(name, tag string, opts ...FieldOption) *Field {
	f := newField(name, KindFlag, tag, opts)
	f.Required = false
	return f
}

// ChildTag declares a field resolving to the tag of the first child element
// in space.
func ChildTag(name, space string, opts ...FieldOption) *Field {
	f := newField(name, KindChildTag, "", opts)
	f.Space = space
	return f
}

func (f *Field) matchesChild(el *element.Element) bool {
	switch f.Kind {
	case KindChildNode, KindFlag:
		return el.Name == f.Key && (f.Space == "" || el.Space == f.Space)
	case KindChildElement:
		return f.Nested.Matches(el)
	case KindChildTag:
		return el.Space == f.Space && !slices.Contains(f.Exclude, el.Name)
	default:
		return false
	}
}

func (f *Field) children(el *element.Element) []*element.Element {
	var out []*element.Element
	for _, c := range el.Elements() {
		if f.matchesChild(c) {
			out = append(out, c)
		}
	}
	return out
}

// read resolves the raw value of f from owner's element. Absent values come
// back nil; listed fields always come back as a non-nil []any.
func (f *Field) read(owner *Instance) (any, error) {
	el := owner.el
	s := owner.schema
	switch f.Kind {
	case KindAttribute:
		raw, ok := el.Attr(f.Key)
		if !ok {
			return nil, nil
		}
		v, err := f.Codec.Decode(raw)
		if err != nil {
			return nil, parseErr(s, f, "%v", err)
		}
		return v, nil

	case KindFlag:
		return len(f.children(el)) > 0, nil

	case KindChildTag:
		matches := f.children(el)
		if len(matches) == 0 {
			return nil, nil
		}
		return matches[0].Name, nil

	case KindChildNode:
		matches := f.children(el)
		if f.Listed {
			out := make([]any, 0, len(matches))
			for _, c := range matches {
				v, err := f.Codec.Decode(c.Text())
				if err != nil {
					return nil, parseErr(s, f, "%v", err)
				}
				if v != nil {
					out = append(out, v)
				}
			}
			return out, nil
		}
		if len(matches) > 1 {
			return nil, parseErr(s, f, "%d matches for non-list field", len(matches))
		}
		if len(matches) == 0 {
			return nil, nil
		}
		v, err := f.Codec.Decode(matches[0].Text())
		if err != nil {
			return nil, parseErr(s, f, "%v", err)
		}
		return v, nil

	case KindChildElement:
		matches := f.children(el)
		if f.Listed {
			out := make([]any, 0, len(matches))
			for _, c := range matches {
				child, err := f.Nested.bind(c, owner)
				if err != nil {
					return nil, err
				}
				out = append(out, child)
			}
			return out, nil
		}
		if len(matches) > 1 {
			return nil, parseErr(s, f, "%d matches for non-list field", len(matches))
		}
		if len(matches) == 0 {
			return nil, nil
		}
		return f.Nested.bind(matches[0], owner)
	}
	return nil, parseErr(s, f, "unsupported field kind %s", f.Kind)
}

// write replaces the content backing f with v. A nil v writes the default.
func (f *Field) write(owner *Instance, v any) error {
	el := owner.el
	s := owner.schema
	if isNil(v) {
		v = f.Default
	}

	switch f.Kind {
	case KindAttribute:
		if isNil(v) {
			el.RemoveAttr(f.Key)
			return nil
		}
		raw, ok, err := f.Codec.Encode(v)
		if err != nil {
			return parseErr(s, f, "%v", err)
		}
		if ok {
			el.SetAttr(f.Key, raw)
		} else {
			el.RemoveAttr(f.Key)
		}
		return nil

	case KindFlag:
		el.RemoveChildrenFunc(f.matchesChild)
		if on, _ := v.(bool); on {
			el.AddChild(element.New(f.Space, f.Key))
		}
		return nil

	case KindChildTag:
		el.RemoveChildrenFunc(f.matchesChild)
		tag, _ := v.(string)
		if tag != "" {
			el.AddChild(element.New(f.Space, tag))
		}
		return nil

	case KindChildNode, KindChildElement:
		values, err := f.valuesOf(s, v)
		if err != nil {
			return err
		}
		staged := make([]func(), 0, len(values))
		for _, item := range values {
			commit, err := f.stage(owner, item)
			if err != nil {
				return err
			}
			if commit != nil {
				staged = append(staged, commit)
			}
		}
		el.RemoveChildrenFunc(f.matchesChild)
		owner.dropStaleLinks()
		for _, commit := range staged {
			commit()
		}
		return nil
	}
	return parseErr(s, f, "unsupported field kind %s", f.Kind)
}

// appendValue adds one entry of a node or element field without touching
// existing entries.
func (f *Field) appendValue(owner *Instance, item any) error {
	commit, err := f.stage(owner, item)
	if err != nil {
		return err
	}
	if commit != nil {
		commit()
	}
	return nil
}

// stage encodes one entry and returns the mutation that writes it. The
// element is untouched until the returned func runs; a nil func means the
// entry writes nothing.
func (f *Field) stage(owner *Instance, item any) (func(), error) {
	if isNil(item) {
		return nil, nil
	}
	switch f.Kind {
	case KindChildNode:
		raw, ok, err := f.Codec.Encode(item)
		if err != nil {
			return nil, parseErr(owner.schema, f, "%v", err)
		}
		if !ok {
			return nil, nil
		}
		return func() { owner.el.AddChild(element.New(f.Space, f.Key)).SetText(raw) }, nil
	case KindChildElement:
		child, err := f.nestedInstance(owner, item)
		if err != nil {
			return nil, err
		}
		return func() { owner.Link(child, true) }, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotListed, f.Name)
}

func (f *Field) nestedInstance(owner *Instance, item any) (*Instance, error) {
	switch x := item.(type) {
	case *Instance:
		if x.IsSentinel() || !f.Nested.Matches(x.el) {
			return nil, parseErr(owner.schema, f, "value does not match %s", f.Nested.name)
		}
		return x, nil
	case Values:
		return New(f.Nested, x)
	default:
		return nil, parseErr(owner.schema, f, "unsupported value %T", item)
	}
}

// valuesOf normalizes v into the list of entries to write.
func (f *Field) valuesOf(s *Schema, v any) ([]any, error) {
	if isNil(v) {
		return nil, nil
	}
	if !f.Listed {
		return []any{v}, nil
	}
	list, ok := toList(v)
	if !ok {
		return nil, parseErr(s, f, "listed field needs a slice, got %T", v)
	}
	return list, nil
}

func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	// []byte is a scalar for the base64 codec
	if _, ok := v.([]byte); ok {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// isEmpty reports whether v counts as absent for the required check.
func isEmpty(v any) bool {
	if isNil(v) {
		return true
	}
	switch x := v.(type) {
	case string:
		return x == ""
	case []byte:
		return len(x) == 0
	case []any:
		return len(x) == 0
	case jid.JID:
		return x.IsZero()
	case time.Time:
		return x.IsZero()
	}
	return false
}
