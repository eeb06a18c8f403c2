package element

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

const (
	xmlURL    = "http://www.w3.org/XML/1998/namespace"
	xmlPrefix = "xml:"

	NSStream = "http://etherx.jabber.org/streams"
)

// Marshal serializes el as a standalone XML fragment.
func Marshal(el *Element) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, el); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes el to w.
func Encode(w io.Writer, el *Element) error {
	if el == nil {
		return ErrNilElement
	}
	enc := xml.NewEncoder(w)
	if err := writeElement(enc, el); err != nil {
		return err
	}
	return enc.Flush()
}

func writeElement(enc *xml.Encoder, el *Element) error {
	if el.Name == "" {
		return ErrEmptyName
	}
	start := xml.StartElement{Name: xml.Name{Space: el.Space, Local: el.Name}}
	for _, a := range el.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: attrName(a.Name), Value: a.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, c := range el.Children {
		switch v := c.(type) {
		case Text:
			if err := enc.EncodeToken(xml.CharData(v)); err != nil {
				return err
			}
		case *Element:
			if err := writeElement(enc, v); err != nil {
				return err
			}
		}
	}
	return enc.EncodeToken(start.End())
}

func attrName(name string) xml.Name {
	if local, ok := strings.CutPrefix(name, xmlPrefix); ok {
		return xml.Name{Space: xmlURL, Local: local}
	}
	return xml.Name{Local: name}
}

// StreamHeader renders the opening tag of an XML stream. The tag is left
// open; the stream is closed with StreamFooter.
func StreamHeader(defaultNS, to, from, id string) string {
	var b strings.Builder
	b.WriteString("<?xml version='1.0'?>")
	fmt.Fprintf(&b, "<stream:stream xmlns='%s' xmlns:stream='%s' version='1.0'", escapeAttr(defaultNS), NSStream)
	if to != "" {
		fmt.Fprintf(&b, " to='%s'", escapeAttr(to))
	}
	if from != "" {
		fmt.Fprintf(&b, " from='%s'", escapeAttr(from))
	}
	if id != "" {
		fmt.Fprintf(&b, " id='%s'", escapeAttr(id))
	}
	b.WriteString(">")
	return b.String()
}

const StreamFooter = "</stream:stream>"

func escapeAttr(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return strings.ReplaceAll(buf.String(), "'", "&#39;")
}
