package element

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
)

// Decoder reads successive top-level stanzas from an XML stream.
type Decoder struct {
	d *xml.Decoder
}

// NewDecoder creates a Decoder reading from r. Pass a *bufio.Reader when r
// is a network connection.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{d: xml.NewDecoder(r)}
}

// Next reads the next complete stanza.
//
//   - (el, nil): a complete stanza, or the stream-open sentinel (IsStreamOpen)
//   - (nil, io.EOF): </stream:stream> or end of input
//   - (nil, err): malformed XML
//
// The stream element itself is never pushed, so every stanza is returned as
// a root with its namespace resolved against the stream's default.
func (sd *Decoder) Next() (*Element, error) {
	var stack []*Element
	for {
		tok, err := sd.d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) && len(stack) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := startToElement(t)
			if len(stack) == 0 && IsStreamOpen(el) {
				return el, nil
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) == 0 {
				if t.Name.Space == NSStream && t.Name.Local == "stream" {
					return nil, io.EOF
				}
				return nil, ErrUnexpectedClose
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return top, nil
			}
			stack[len(stack)-1].AddChild(top)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].AddText(string(t))
			}
		}
	}
}

// IsStreamOpen reports whether el is the <stream:stream> opening sentinel.
func IsStreamOpen(el *Element) bool {
	return el != nil && el.Space == NSStream && el.Name == "stream"
}

// Unmarshal parses a single element from b.
func Unmarshal(b []byte) (*Element, error) {
	el, err := NewDecoder(bytes.NewReader(b)).Next()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoElement
	}
	if err != nil {
		return nil, err
	}
	return el, nil
}

func startToElement(t xml.StartElement) *Element {
	el := &Element{Space: t.Name.Space, Name: t.Name.Local}
	for _, a := range t.Attr {
		// namespace declarations surface as Name.Space on elements
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		name := a.Name.Local
		if a.Name.Space == xmlURL || a.Name.Space == "xml" {
			name = xmlPrefix + name
		}
		el.SetAttr(name, a.Value)
	}
	return el
}
