package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/jid"
	"github.com/danmuck/stanza/internal/testutil/testlog"
)

const testNS = "urn:test:schema"

var (
	itemSchema = Define(Spec{
		Name:      "test.item",
		Tag:       "item",
		Namespace: NS(testNS),
		Fields: []*Field{
			Attr("jid", "jid", JID),
			Attr("name", "name", String, Optional()),
		},
	})

	baseSchema = Define(Spec{
		Name:      "test.base",
		Tag:       "query",
		Namespace: NS(testNS),
		Fields: []*Field{
			Attr("node", "node", String, Optional()),
			Node("title", "title", String, Optional()),
		},
	})

	rosterSchema = Define(Spec{
		Name:    "test.roster",
		Extends: baseSchema,
		Fields: []*Field{
			Attr("ver", "ver", String),
			Node("title", "title", String, Optional(), Default("untitled")),
			Node("priority", "priority", Int, Optional()),
			Node("stamp", "stamp", Time, Optional()),
			Node("avatar", "avatar", Base64, Optional()),
			Node("group", "group", String, Unique()),
			Flag("pinned", "pinned"),
			Elem("items", itemSchema, Listed(), Optional()),
		},
	})

	strictSchema = Define(Spec{
		Name:      "test.strict",
		Tag:       "strict",
		Namespace: NS(testNS),
		Fields: []*Field{
			Attr("id", "id", String),
			Attr("owner", "owner", JID),
			Node("label", "label", String),
		},
	})

	conditionSchema = Define(Spec{
		Name: "test.condition",
		Tag:  "error",
		Fields: []*Field{
			ChildTag("condition", testNS, Excluding("text")),
			Node("text", "text", String, Optional(), InSpace(testNS)),
		},
	})
)

func TestDefineMergesBaseFieldsOnce(t *testing.T) {
	testlog.Start(t)
	names := make([]string, 0)
	for _, f := range rosterSchema.Fields() {
		names = append(names, f.Name)
	}
	want := []string{"node", "title", "ver", "priority", "stamp", "avatar", "group", "pinned", "items"}
	if len(names) != len(want) {
		t.Fatalf("fields=%v want=%v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("fields=%v want=%v", names, want)
		}
	}
	title, _ := rosterSchema.Field("title")
	if title.Default != "untitled" {
		t.Fatalf("derived field should win, got default=%v", title.Default)
	}
	if rosterSchema.Tag() != "query" || !rosterSchema.Extends(baseSchema) {
		t.Fatalf("tag and base should be inherited")
	}
	if got, ok := Lookup("test.roster"); !ok || got != rosterSchema {
		t.Fatalf("registry lookup failed")
	}
}

func TestRoundTrip(t *testing.T) {
	testlog.Start(t)
	stamp := time.Date(2024, 3, 1, 10, 20, 30, 123456000, time.FixedZone("", -5*3600-30*60))
	in := MustNew(rosterSchema, Values{
		"ver":      "v1",
		"priority": 5,
		"stamp":    stamp,
		"avatar":   []byte{0xde, 0xad, 0xbe, 0xef},
		"group":    []string{"friends", "work"},
		"pinned":   true,
		"items": []any{
			Values{"jid": "alice@example.org", "name": "Alice"},
			Values{"jid": jid.MustParse("bob@example.org/home")},
		},
	})

	raw, err := element.Marshal(in.Element())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	el, err := element.Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := rosterSchema.Parse(el)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	if !in.Equal(out) {
		t.Fatalf("round trip mismatch:\n in=%s\nout=%s", in, out)
	}
	if n, ok := out.Int("priority"); !ok || n != 5 {
		t.Fatalf("priority=%d ok=%v", n, ok)
	}
	if got, _ := out.Time("stamp"); !got.Equal(stamp) {
		t.Fatalf("stamp=%v want=%v", got, stamp)
	}
	if out.Text("title") != "untitled" {
		t.Fatalf("absent optional should yield default, got %q", out.Text("title"))
	}
	items := out.List("items")
	if len(items) != 2 || items[1].(*Instance).JID("jid").Resource != "home" {
		t.Fatalf("unexpected items: %v", items)
	}
	if items[0].(*Instance).Parent() != out {
		t.Fatalf("nested instance should point at its owner")
	}
}

func TestRequiredOmissionIsParseError(t *testing.T) {
	testlog.Start(t)
	el := element.New(testNS, "query")
	el.AddChild(element.New(testNS, "group")).SetText("friends")
	_, err := rosterSchema.Parse(el)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Field != "ver" {
		t.Fatalf("expected parse error on ver, got %v", err)
	}
	if IsMismatch(err) {
		t.Fatalf("required omission must not be a mismatch")
	}
}

func TestMismatchIsNotParseError(t *testing.T) {
	testlog.Start(t)
	cases := []*element.Element{
		element.New(testNS, "other"),
		element.New("urn:elsewhere", "query"),
		nil,
	}
	for _, el := range cases {
		_, err := rosterSchema.Parse(el)
		if !IsMismatch(err) || IsParseError(err) {
			t.Fatalf("expected mismatch for %v, got %v", el, err)
		}
	}
}

func TestNonListFieldWithManyChildren(t *testing.T) {
	testlog.Start(t)
	el := element.New(testNS, "query")
	el.SetAttr("ver", "1")
	el.AddChild(element.New(testNS, "group")).SetText("a")
	el.AddChild(element.New(testNS, "title")).SetText("one")
	el.AddChild(element.New(testNS, "title")).SetText("two")
	if _, err := rosterSchema.Parse(el); !IsParseError(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestUniqueAddRemove(t *testing.T) {
	testlog.Start(t)
	inst := MustNew(rosterSchema, Values{"ver": "1", "group": []string{"a"}})

	changed, err := inst.Add("group", "a", "b", "b")
	if err != nil || !changed {
		t.Fatalf("add changed=%v err=%v", changed, err)
	}
	if got := inst.Texts("group"); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("groups=%v", got)
	}
	if changed, _ := inst.Add("group", "a"); changed {
		t.Fatalf("adding a present value should be a no-op")
	}
	if changed, _ := inst.Remove("group", "a"); !changed {
		t.Fatalf("remove should report change")
	}
	if changed, _ := inst.Remove("group", "a"); changed {
		t.Fatalf("second remove should be a no-op")
	}
	if got := inst.Texts("group"); len(got) != 1 || got[0] != "b" {
		t.Fatalf("groups=%v", got)
	}
	if _, err := inst.Add("ver", "x"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
}

func TestLenientConversions(t *testing.T) {
	testlog.Start(t)
	el := element.New(testNS, "query")
	el.SetAttr("ver", "1")
	el.AddChild(element.New(testNS, "group")).SetText("a")
	el.AddChild(element.New(testNS, "priority")).SetText("high")
	el.AddChild(element.New(testNS, "stamp")).SetText("2024-02-30T10:00:00Z")
	inst, err := rosterSchema.Parse(el)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := inst.Int("priority"); ok {
		t.Fatalf("unparsable int should be absent")
	}
	if _, ok := inst.Time("stamp"); ok {
		t.Fatalf("invalid date should be absent")
	}
	if inst.Bool("pinned") {
		t.Fatalf("absent flag should be false")
	}
}

func TestBase64DecodeError(t *testing.T) {
	testlog.Start(t)
	el := element.New(testNS, "query")
	el.SetAttr("ver", "1")
	el.AddChild(element.New(testNS, "group")).SetText("a")
	el.AddChild(element.New(testNS, "avatar")).SetText("!!not base64!!")
	if _, err := rosterSchema.Parse(el); !IsParseError(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestChildTagSkipsExcluded(t *testing.T) {
	testlog.Start(t)
	el := element.New("", "error")
	el.AddChild(element.New(testNS, "text")).SetText("boom")
	el.AddChild(element.New(testNS, "item-not-found"))
	inst, err := conditionSchema.Parse(el)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if inst.Text("condition") != "item-not-found" || inst.Text("text") != "boom" {
		t.Fatalf("condition=%q text=%q", inst.Text("condition"), inst.Text("text"))
	}
	if err := inst.Set("condition", "gone"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if inst.Text("condition") != "gone" || inst.Text("text") != "boom" {
		t.Fatalf("set should replace only the condition, got %s", inst)
	}
}

func TestTimestampFormats(t *testing.T) {
	testlog.Start(t)
	cases := map[string]bool{
		"2024-03-01T10:20:30Z":        true,
		"2024-03-01T10:20:30.5+02:00": true,
		"2024-03-01T10:20:30":         true,
		"-0044-03-15T12:00:00Z":       true,
		"2024-13-01T10:20:30Z":        false,
		"2024-03-01 10:20:30":         false,
		"yesterday":                   false,
	}
	for raw, ok := range cases {
		_, got := ParseTimestamp(raw)
		if got != ok {
			t.Fatalf("ParseTimestamp(%q) ok=%v want=%v", raw, got, ok)
		}
	}
	ts, _ := ParseTimestamp("2024-03-01T10:20:30-05:30")
	if _, off := ts.Zone(); off != -(5*3600 + 30*60) {
		t.Fatalf("offset=%d", off)
	}
	if got := FormatTimestamp(ts); got != "2024-03-01T10:20:30-05:30" {
		t.Fatalf("format=%q", got)
	}
}

func TestFutureResolvesOnce(t *testing.T) {
	testlog.Start(t)
	f := NewFuture("1")
	canceled := false
	f.OnCancel(func() { canceled = true })
	reply := MustNew(itemSchema, Values{"jid": "a@b"})
	if !f.Resolve(reply) || f.Fail(errors.New("late")) {
		t.Fatalf("only the first completion should win")
	}
	if f.Cancel() || canceled {
		t.Fatalf("cancel after resolution should be a no-op")
	}
	got, err := f.Wait(context.Background())
	if err != nil || got != reply {
		t.Fatalf("wait got=%v err=%v", got, err)
	}

	pending := NewFuture("2")
	pending.OnCancel(func() { canceled = true })
	if !pending.Cancel() || !canceled {
		t.Fatalf("cancel should run the hook")
	}
	if _, err := pending.Wait(context.Background()); !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestSentinels(t *testing.T) {
	testlog.Start(t)
	if !Break.IsSentinel() || !Empty.IsSentinel() || Break.Equal(Empty) {
		t.Fatalf("sentinels should be distinct")
	}
	if _, err := Break.Get("x"); !errors.Is(err, ErrSentinel) {
		t.Fatalf("expected ErrSentinel, got %v", err)
	}
}

func TestRequiredEmptyValueIsParseError(t *testing.T) {
	testlog.Start(t)
	cases := map[string]func(el *element.Element){
		"empty attribute": func(el *element.Element) {
			el.SetAttr("id", "")
			el.AddChild(element.New(testNS, "label")).SetText("x")
		},
		"empty node": func(el *element.Element) {
			el.SetAttr("id", "q1")
			el.AddChild(element.New(testNS, "label"))
		},
		"empty jid": func(el *element.Element) {
			el.SetAttr("id", "q1")
			el.SetAttr("owner", "")
			el.AddChild(element.New(testNS, "label")).SetText("x")
		},
	}
	for name, fill := range cases {
		el := element.New(testNS, "strict")
		fill(el)
		_, err := strictSchema.Parse(el)
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%s: expected parse error, got %v", name, err)
		}
	}

	ok := element.New(testNS, "strict")
	ok.SetAttr("id", "q1")
	ok.SetAttr("owner", "alice@example.org")
	ok.AddChild(element.New(testNS, "label")).SetText("x")
	if _, err := strictSchema.Parse(ok); err != nil {
		t.Fatalf("complete element rejected: %v", err)
	}
}

func TestRejectedSetKeepsPreviousValue(t *testing.T) {
	testlog.Start(t)
	item := MustNew(itemSchema, Values{"jid": "alice@example.org"})
	if err := item.Set("jid", "a@@b"); !IsParseError(err) {
		t.Fatalf("expected parse error, got %v", err)
	}
	if got := item.JID("jid"); got.String() != "alice@example.org" {
		t.Fatalf("jid=%q after rejected set", got)
	}
	if err := item.Validate(); err != nil {
		t.Fatalf("item invalid after rejected set: %v", err)
	}

	roster := MustNew(rosterSchema, Values{"ver": "1", "group": []string{"friends"}, "priority": 3})
	if err := roster.Set("avatar", 42); err == nil {
		t.Fatalf("expected encode error for avatar")
	}
	if err := roster.Set("items", []any{Values{"jid": "bob@example.org"}, Values{"jid": "x@@y"}}); err == nil {
		t.Fatalf("expected error for malformed nested jid")
	}
	if err := roster.Set("items", []any{Values{"jid": "bob@example.org"}}); err != nil {
		t.Fatalf("set items: %v", err)
	}
	if err := roster.Set("items", []any{Values{"jid": "carol@example.org"}, 7}); err == nil {
		t.Fatalf("expected error for unsupported item value")
	}
	items := roster.List("items")
	if len(items) != 1 || items[0].(*Instance).JID("jid").String() != "bob@example.org" {
		t.Fatalf("items changed by rejected set: %v", items)
	}
}

func TestEqualDetectsNestedDifference(t *testing.T) {
	testlog.Start(t)
	build := func(name string) *Instance {
		return MustNew(rosterSchema, Values{
			"ver":   "v1",
			"group": []string{"friends"},
			"items": []any{
				Values{"jid": "alice@example.org", "name": "Alice"},
				Values{"jid": "bob@example.org", "name": name},
			},
		})
	}
	a, b := build("Bob"), build("Robert")
	if a.Equal(b) || b.Equal(a) {
		t.Fatalf("instances differing in a nested attribute compared equal")
	}
	if !a.Equal(build("Bob")) {
		t.Fatalf("identical instances compared unequal")
	}
}

func TestEqualIsSymmetricAcrossSchemas(t *testing.T) {
	testlog.Start(t)
	narrow, err := baseSchema.Parse(func() *element.Element {
		el := element.New(testNS, "query")
		el.SetAttr("node", "n")
		el.SetAttr("ver", "v1")
		el.AddChild(element.New(testNS, "group")).SetText("friends")
		return el
	}())
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}
	wide := MustNew(rosterSchema, Values{"node": "n", "ver": "v2", "group": []string{"friends"}})
	if narrow.Equal(wide) != wide.Equal(narrow) {
		t.Fatalf("Equal is not symmetric: %v vs %v", narrow.Equal(wide), wide.Equal(narrow))
	}
	if narrow.Equal(wide) {
		t.Fatalf("ver differs, instances must not compare equal")
	}
}
