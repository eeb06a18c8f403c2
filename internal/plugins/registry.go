package plugins

import (
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/stanza/internal/dispatcher"
	logs "github.com/danmuck/stanza/internal/logging"
)

type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
	active  bool
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register adds p. Names are unique.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := p.Name()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("plugins: %q already registered", name)
	}
	r.plugins[name] = p
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := slices.Clone(r.order)
	slices.Sort(out)
	return out
}

// InitAll installs every plugin on d in registration order.
func (r *Registry) InitAll(d *dispatcher.Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range r.order {
		r.plugins[name].Init(d)
		logs.Debugf("plugins.Registry.InitAll plugin=%s", name)
	}
	r.active = true
}

// CloseAll closes plugins in reverse registration order.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	for i := len(r.order) - 1; i >= 0; i-- {
		r.plugins[r.order[i]].Close()
	}
	r.active = false
}
