package schema

import "slices"

// Namespace describes which element namespaces a schema accepts.
//
// The zero value is "unset": a schema that extends another inherits the
// base's namespace, and a root schema with an unset namespace accepts any.
type Namespace struct {
	set      bool
	any      bool
	accepted []string
}

// NS accepts exactly one namespace.
func NS(uri string) Namespace {
	return Namespace{set: true, accepted: []string{uri}}
}

// AnyOf accepts each listed namespace. An empty string accepts elements
// without a namespace.
func AnyOf(uris ...string) Namespace {
	return Namespace{set: true, accepted: slices.Clone(uris)}
}

// AnyNamespace accepts every namespace.
func AnyNamespace() Namespace {
	return Namespace{set: true, any: true}
}

func (n Namespace) IsSet() bool {
	return n.set
}

func (n Namespace) Matches(uri string) bool {
	if !n.set || n.any {
		return true
	}
	return slices.Contains(n.accepted, uri)
}

// Default returns the namespace stamped on newly constructed elements: the
// single accepted namespace, or "" when the set is ambiguous.
func (n Namespace) Default() string {
	if n.set && !n.any && len(n.accepted) == 1 {
		return n.accepted[0]
	}
	return ""
}

// Accepted lists the namespaces; nil means any.
func (n Namespace) Accepted() []string {
	if !n.set || n.any {
		return nil
	}
	return slices.Clone(n.accepted)
}
