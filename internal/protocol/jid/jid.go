// Package jid implements structured XMPP addresses of the form
// [local@]domain[/resource].
package jid

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrMalformed = errors.New("jid: malformed address")

// JID is an address with a required domain part and optional local and
// resource parts. The zero value is the empty address.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// New builds a JID from parts without re-validating them.
func New(local, domain, resource string) JID {
	return JID{Local: local, Domain: strings.ToLower(domain), Resource: resource}
}

// Parse splits s into its parts.
func Parse(s string) (JID, error) {
	if j, ok := cache.get(s); ok {
		return j, nil
	}
	j, err := parse(s)
	if err != nil {
		return JID{}, err
	}
	cache.put(s, j)
	return j, nil
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

func parse(s string) (JID, error) {
	var j JID
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		j.Resource = rest[i+1:]
		rest = rest[:i]
		if j.Resource == "" {
			return JID{}, fmt.Errorf("%w: empty resource in %q", ErrMalformed, s)
		}
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		j.Local = rest[:i]
		rest = rest[i+1:]
		if j.Local == "" {
			return JID{}, fmt.Errorf("%w: empty local part in %q", ErrMalformed, s)
		}
		if strings.ContainsRune(rest, '@') {
			return JID{}, fmt.Errorf("%w: extra '@' in %q", ErrMalformed, s)
		}
	}
	if rest == "" {
		return JID{}, fmt.Errorf("%w: empty domain in %q", ErrMalformed, s)
	}
	j.Domain = strings.ToLower(rest)
	return j, nil
}

func (j JID) String() string {
	if j.Domain == "" {
		return ""
	}
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}

// Bare returns j without its resource.
func (j JID) Bare() JID {
	j.Resource = ""
	return j
}

func (j JID) IsBare() bool {
	return j.Resource == ""
}

func (j JID) IsZero() bool {
	return j == JID{}
}

func (j JID) Equal(other JID) bool {
	return j == other
}

func (j JID) WithResource(resource string) JID {
	j.Resource = resource
	return j
}

const cacheLimit = 1024

// internCache keeps recent string->JID conversions. It is cleared wholesale
// once it reaches cacheLimit entries.
type internCache struct {
	mu    sync.RWMutex
	items map[string]JID
}

var cache = &internCache{items: make(map[string]JID)}

func (c *internCache) get(s string) (JID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.items[s]
	return j, ok
}

func (c *internCache) put(s string, j JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= cacheLimit {
		c.items = make(map[string]JID)
	}
	c.items[s] = j
}
