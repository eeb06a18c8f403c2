package dispatcher

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/stanza/internal/protocol/schema"
)

// PendingRequest is a snapshot of one outstanding request.
type PendingRequest struct {
	ID     string
	To     string
	SentAt time.Time
}

type pendingEntry struct {
	id        string
	to        string
	future    *schema.Future
	result    *schema.Schema
	errSchema *schema.Schema
	sentAt    time.Time
}

// pendingTable stores outstanding requests by stanza id. Each entry is
// removed exactly once: by a correlated reply, cancellation or drain.
type pendingTable struct {
	mu    sync.RWMutex
	items map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{items: make(map[string]*pendingEntry)}
}

func (p *pendingTable) add(e *pendingEntry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.items[e.id]; exists {
		return false
	}
	p.items[e.id] = e
	return true
}

// take removes and returns the entry for id.
func (p *pendingTable) take(id string) (*pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[id]
	if ok {
		delete(p.items, id)
	}
	return e, ok
}

// remove drops id only if it still belongs to f.
func (p *pendingTable) remove(id string, f *schema.Future) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[id]
	if !ok || e.future != f {
		return false
	}
	delete(p.items, id)
	return true
}

func (p *pendingTable) has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.items[id]
	return ok
}

func (p *pendingTable) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

func (p *pendingTable) list() []PendingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, e := range p.items {
		out = append(out, PendingRequest{ID: e.id, To: e.to, SentAt: e.sentAt})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (p *pendingTable) drain() []*pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*pendingEntry, 0, len(p.items))
	for id, e := range p.items {
		out = append(out, e)
		delete(p.items, id)
	}
	return out
}
