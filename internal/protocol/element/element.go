// Package element owns the generic XML element tree and its stream codec.
//
// Ownership boundary:
// - element/attribute/text tree primitives
// - stanza-level XML encode/decode
//
// Typed interpretation of elements lives in the schema package.
package element

import "strings"

// Node is one child of an Element: either Text or *Element.
type Node interface {
	node()
}

// Text is character data inside an element.
type Text string

func (Text) node() {}

// Attr is one attribute. Names are unique within an element; the xml
// namespace attributes use the "xml:" prefix (for example "xml:lang").
type Attr struct {
	Name  string
	Value string
}

// Element is a generic XML element. Children order is significant.
type Element struct {
	Space    string
	Name     string
	Attrs    []Attr
	Children []Node
}

func (*Element) node() {}

func New(space, name string) *Element {
	return &Element{Space: space, Name: name}
}

// Attr returns the value of the named attribute.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr replaces or appends the named attribute.
func (e *Element) SetAttr(name, value string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
}

func (e *Element) RemoveAttr(name string) bool {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Element) AddChild(child *Element) *Element {
	e.Children = append(e.Children, child)
	return child
}

func (e *Element) AddText(text string) {
	e.Children = append(e.Children, Text(text))
}

// SetText drops every child and stores text as the only content.
func (e *Element) SetText(text string) {
	e.Children = []Node{Text(text)}
}

// Elements returns child elements in document order.
func (e *Element) Elements() []*Element {
	out := make([]*Element, 0, len(e.Children))
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			out = append(out, el)
		}
	}
	return out
}

func (e *Element) FirstElement() *Element {
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			return el
		}
	}
	return nil
}

// Text concatenates the direct text children of e.
func (e *Element) Text() string {
	var b strings.Builder
	for _, c := range e.Children {
		if t, ok := c.(Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// RemoveChildren drops child elements named name; an empty space matches
// any namespace. Text children are kept.
func (e *Element) RemoveChildren(space, name string) int {
	return e.RemoveChildrenFunc(func(el *Element) bool {
		return el.Name == name && (space == "" || el.Space == space)
	})
}

// RemoveChildrenFunc drops every child element for which drop returns true.
func (e *Element) RemoveChildrenFunc(drop func(*Element) bool) int {
	kept := e.Children[:0]
	removed := 0
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok && drop(el) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(e.Children); i++ {
		e.Children[i] = nil
	}
	e.Children = kept
	return removed
}

// RemoveChild drops the given child by identity.
func (e *Element) RemoveChild(child *Element) bool {
	for i, c := range e.Children {
		if el, ok := c.(*Element); ok && el == child {
			e.Children = append(e.Children[:i], e.Children[i+1:]...)
			return true
		}
	}
	return false
}

func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	out := &Element{Space: e.Space, Name: e.Name}
	if len(e.Attrs) > 0 {
		out.Attrs = append([]Attr(nil), e.Attrs...)
	}
	if len(e.Children) > 0 {
		out.Children = make([]Node, 0, len(e.Children))
		for _, c := range e.Children {
			switch v := c.(type) {
			case Text:
				out.Children = append(out.Children, v)
			case *Element:
				out.Children = append(out.Children, v.Clone())
			}
		}
	}
	return out
}

// Equal compares name, namespace, attributes (order-insensitive) and children.
func (e *Element) Equal(other *Element) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Space != other.Space || e.Name != other.Name {
		return false
	}
	if len(e.Attrs) != len(other.Attrs) {
		return false
	}
	for _, a := range e.Attrs {
		v, ok := other.Attr(a.Name)
		if !ok || v != a.Value {
			return false
		}
	}
	if len(e.Children) != len(other.Children) {
		return false
	}
	for i := range e.Children {
		switch v := e.Children[i].(type) {
		case Text:
			t, ok := other.Children[i].(Text)
			if !ok || t != v {
				return false
			}
		case *Element:
			o, ok := other.Children[i].(*Element)
			if !ok || !v.Equal(o) {
				return false
			}
		}
	}
	return true
}

func (e *Element) String() string {
	if e == nil {
		return "<nil>"
	}
	b, err := Marshal(e)
	if err != nil {
		return "<" + e.Name + " !" + err.Error() + ">"
	}
	return string(b)
}
