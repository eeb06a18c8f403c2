package schema

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	logs "github.com/danmuck/stanza/internal/logging"
	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/jid"
)

// CleanFunc post-processes a resolved field value. Returning ErrWrongElement
// turns the parse into a mismatch; any other error is a parse error.
type CleanFunc func(inst *Instance, v any) (any, error)

// ValidateFunc checks cross-field constraints after every field resolved.
type ValidateFunc func(inst *Instance) error

// Env is the entity an instance is being processed for.
type Env interface {
	Self() jid.JID
}

// Spec is the definition input for Define. Unset Tag, Namespace, Envelope,
// Result and Error inherit from Extends.
type Spec struct {
	Name      string
	Tag       string
	Namespace Namespace
	Extends   *Schema
	// Envelope makes this a payload schema: parsing matches Envelope against
	// the outer element and this schema against its first child element.
	Envelope *Schema
	Fields   []*Field
	Cleaners map[string]CleanFunc
	Validate ValidateFunc
	// Result and Error are the default schemas of replies to instances.
	Result *Schema
	Error  *Schema
}

// Schema is an immutable element type. The field table (base fields then
// own fields, own winning by name) is merged once in Define.
type Schema struct {
	name       string
	tag        string
	ns         Namespace
	base       *Schema
	envelope   *Schema
	fields     []*Field
	index      map[string]*Field
	cleaners   map[string]CleanFunc
	validators []ValidateFunc
	result     *Schema
	errSchema  *Schema
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Schema)
)

// Define builds and registers a schema. It panics on an invalid definition
// or a duplicate name, like regexp.MustCompile: schemas are package-level
// declarations.
func Define(spec Spec) *Schema {
	if spec.Name == "" {
		panic("schema: Define requires a name")
	}
	s := &Schema{
		name:     spec.Name,
		tag:      spec.Tag,
		ns:       spec.Namespace,
		base:     spec.Extends,
		envelope: spec.Envelope,
		result:   spec.Result,
		index:    make(map[string]*Field),
		cleaners: make(map[string]CleanFunc),
	}
	if b := spec.Extends; b != nil {
		if s.tag == "" {
			s.tag = b.tag
		}
		if !s.ns.IsSet() {
			s.ns = b.ns
		}
		if s.envelope == nil {
			s.envelope = b.envelope
		}
		if s.result == nil {
			s.result = b.result
		}
		s.errSchema = b.errSchema
		s.fields = slices.Clone(b.fields)
		maps.Copy(s.cleaners, b.cleaners)
		s.validators = slices.Clone(b.validators)
	}
	if spec.Error != nil {
		s.errSchema = spec.Error
	}

	seen := make(map[string]bool, len(spec.Fields))
	for _, f := range spec.Fields {
		if f == nil || f.Name == "" {
			panic(fmt.Sprintf("schema: %s: field without a name", spec.Name))
		}
		if seen[f.Name] {
			panic(fmt.Sprintf("schema: %s: duplicate field %q", spec.Name, f.Name))
		}
		seen[f.Name] = true
		if f.Kind == KindChildElement && f.Nested == nil {
			panic(fmt.Sprintf("schema: %s: element field %q without nested schema", spec.Name, f.Name))
		}
		if (f.Kind == KindAttribute || f.Kind == KindChildNode) && f.Codec == nil {
			panic(fmt.Sprintf("schema: %s: field %q without codec", spec.Name, f.Name))
		}
		if i := slices.IndexFunc(s.fields, func(x *Field) bool { return x.Name == f.Name }); i >= 0 {
			s.fields[i] = f
		} else {
			s.fields = append(s.fields, f)
		}
	}
	for _, f := range s.fields {
		s.index[f.Name] = f
	}
	maps.Copy(s.cleaners, spec.Cleaners)
	if spec.Validate != nil {
		s.validators = append(s.validators, spec.Validate)
	}

	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[s.name]; exists {
		panic(fmt.Sprintf("schema: duplicate schema name %q", s.name))
	}
	registry[s.name] = s
	logs.Debugf("schema.Define name=%s tag=%s fields=%d", s.name, s.tag, len(s.fields))
	return s
}

// Lookup returns a registered schema by name.
func Lookup(name string) (*Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	return s, ok
}

// Registered lists registered schema names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Schema) Name() string          { return s.name }
func (s *Schema) Tag() string           { return s.tag }
func (s *Schema) Namespace() Namespace  { return s.ns }
func (s *Schema) Base() *Schema         { return s.base }
func (s *Schema) Envelope() *Schema     { return s.envelope }
func (s *Schema) ResultSchema() *Schema { return s.result }
func (s *Schema) ErrorSchema() *Schema  { return s.errSchema }

// Fields returns the merged field table in declaration order.
func (s *Schema) Fields() []*Field {
	return slices.Clone(s.fields)
}

func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.index[name]
	return f, ok
}

// Extends reports whether s is other or derives from it.
func (s *Schema) Extends(other *Schema) bool {
	for cur := s; cur != nil; cur = cur.base {
		if cur == other {
			return true
		}
	}
	return false
}

// Top returns the outermost schema: the envelope chain root.
func (s *Schema) Top() *Schema {
	cur := s
	for cur.envelope != nil {
		cur = cur.envelope
	}
	return cur
}

// Matches reports whether el has the schema's tag (if any) and an accepted
// namespace. It checks only the element itself, not its envelope.
func (s *Schema) Matches(el *element.Element) bool {
	if el == nil {
		return false
	}
	if s.tag != "" && el.Name != s.tag {
		return false
	}
	return s.ns.Matches(el.Space)
}

// Option configures Parse and New.
type Option func(*Instance)

// WithHost attaches the owning service object.
func WithHost(host any) Option {
	return func(i *Instance) { i.host = host }
}

// WithEnv attaches the entity the instance is processed for.
func WithEnv(env Env) Option {
	return func(i *Instance) { i.env = env }
}

// WithParent sets the enclosing instance without modifying any element.
func WithParent(parent *Instance) Option {
	return func(i *Instance) { i.parent = parent }
}

// Parse binds el to the schema.
//
// It returns ErrWrongElement when el (or its envelope) does not match, and a
// *ParseError when it matches but a field cannot be resolved. For payload
// schemas el is the envelope and the returned instance is its first child,
// linked to the parsed envelope.
func (s *Schema) Parse(el *element.Element, opts ...Option) (*Instance, error) {
	if s.envelope == nil {
		inst, err := s.bindWith(el, opts)
		if err != nil {
			return nil, err
		}
		if err := inst.checkFields(); err != nil {
			return nil, err
		}
		return inst, nil
	}

	env, err := s.envelope.Parse(el, opts...)
	if err != nil {
		return nil, err
	}
	child := env.el.FirstElement()
	if child == nil {
		return nil, ErrWrongElement
	}
	inst, err := s.bindWith(child, opts)
	if err != nil {
		return nil, err
	}
	inst.parent = env
	env.links = append(env.links, inst)
	if err := inst.checkFields(); err != nil {
		return nil, err
	}
	return inst, nil
}

// bind is used for nested element fields: the child inherits the owner's
// host and env.
func (s *Schema) bind(el *element.Element, owner *Instance) (*Instance, error) {
	inst, err := s.bindWith(el, []Option{WithParent(owner), WithHost(owner.host), WithEnv(owner.env)})
	if err != nil {
		return nil, err
	}
	if err := inst.checkFields(); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Schema) bindWith(el *element.Element, opts []Option) (*Instance, error) {
	if !s.Matches(el) {
		return nil, ErrWrongElement
	}
	inst := &Instance{schema: s, el: el}
	for _, opt := range opts {
		opt(inst)
	}
	return inst, nil
}

func (s *Schema) String() string {
	return s.name
}

// IsMismatch reports whether err means "try the next candidate".
func IsMismatch(err error) bool {
	return errors.Is(err, ErrWrongElement)
}
