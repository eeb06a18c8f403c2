package jid

import (
	"errors"
	"testing"
)

func TestParseParts(t *testing.T) {
	cases := []struct {
		in   string
		want JID
	}{
		{"example.org", JID{Domain: "example.org"}},
		{"john@Example.ORG", JID{Local: "john", Domain: "example.org"}},
		{"john@example.org/home/desk", JID{Local: "john", Domain: "example.org", Resource: "home/desk"}},
		{"example.org/res@x", JID{Domain: "example.org", Resource: "res@x"}},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q)=%+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{"", "@example.org", "john@", "example.org/", "a@b@c"} {
		if _, err := Parse(in); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Parse(%q) err=%v want ErrMalformed", in, err)
		}
	}
}

func TestBareAndString(t *testing.T) {
	j := MustParse("john@example.org/home")
	if j.IsBare() {
		t.Fatalf("full jid reported bare")
	}
	if got := j.Bare().String(); got != "john@example.org" {
		t.Fatalf("bare=%q", got)
	}
	if got := j.String(); got != "john@example.org/home" {
		t.Fatalf("string=%q", got)
	}
	if !j.Bare().WithResource("home").Equal(j) {
		t.Fatalf("WithResource should restore the full jid")
	}
	if !(JID{}).IsZero() || (JID{}).String() != "" {
		t.Fatalf("zero jid should be empty")
	}
}

func TestParseReturnsCopies(t *testing.T) {
	a := MustParse("john@example.org/home")
	a.Resource = "changed"
	b := MustParse("john@example.org/home")
	if b.Resource != "home" {
		t.Fatalf("cached value mutated: %+v", b)
	}
}
