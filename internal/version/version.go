// Package version answers and issues jabber:iq:version queries.
package version

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/Masterminds/semver/v3"

	"github.com/danmuck/stanza/internal/dispatcher"
	logs "github.com/danmuck/stanza/internal/logging"
	"github.com/danmuck/stanza/internal/protocol/jid"
	"github.com/danmuck/stanza/internal/protocol/schema"
	"github.com/danmuck/stanza/internal/protocol/stanza"
)

const NS = "jabber:iq:version"

var (
	ErrInvalidVersion = errors.New("version: invalid semantic version")
	ErrNotAttached    = errors.New("version: service not attached to a dispatcher")
)

var (
	// Query is the version payload in either direction.
	Query = schema.Define(schema.Spec{
		Name:      "version.query",
		Namespace: schema.NS(NS),
		Extends:   stanza.Query,
		Fields: []*schema.Field{
			schema.Node("name", "name", schema.String, schema.Optional()),
			schema.Node("version", "version", schema.String, schema.Optional()),
			schema.Node("os", "os", schema.String, schema.Optional()),
		},
	})

	// served only matches queries addressed to this node.
	served = schema.Define(schema.Spec{
		Name:     "version.served",
		Extends:  Query,
		Envelope: stanza.MyIq,
	})
)

// Info is the software description carried in a version reply.
type Info struct {
	Name    string
	Version string
	OS      string
}

// Semver parses Version.
func (i Info) Semver() (*semver.Version, error) {
	v, err := semver.NewVersion(i.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, i.Version, err)
	}
	return v, nil
}

// Satisfies reports whether Version meets a constraint such as ">= 1.2, < 2".
func (i Info) Satisfies(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	v, err := i.Semver()
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

func infoFrom(q *schema.Instance) Info {
	return Info{
		Name:    q.Text("name"),
		Version: q.Text("version"),
		OS:      q.Text("os"),
	}
}

type Service struct {
	info    Info
	d       *dispatcher.Dispatcher
	handler *dispatcher.Handler
}

// NewService validates info. An empty OS is filled from the runtime.
func NewService(info Info) (*Service, error) {
	if _, err := info.Semver(); err != nil {
		return nil, err
	}
	if info.OS == "" {
		info.OS = runtime.GOOS + "/" + runtime.GOARCH
	}
	return &Service{info: info}, nil
}

func (s *Service) Name() string {
	return "version"
}

func (s *Service) Info() Info {
	return s.info
}

// Init registers the query handler on d.
func (s *Service) Init(d *dispatcher.Dispatcher) {
	s.d = d
	s.handler = &dispatcher.Handler{
		Schema: served,
		Host:   s,
		Funcs: map[string]dispatcher.HandlerFunc{
			stanza.TypeGet: s.handleGet,
			stanza.TypeSet: s.handleSet,
		},
	}
	d.RegisterHandler(s.handler)
	logs.Infof("version.Service.Init name=%s version=%s", s.info.Name, s.info.Version)
}

// Close unregisters the handler.
func (s *Service) Close() {
	if s.d != nil && s.handler != nil {
		s.d.UnregisterHandler(s.handler)
	}
}

func (s *Service) handleGet(_ context.Context, in *schema.Instance) ([]*schema.Instance, error) {
	res, err := stanza.MakeResult(in)
	if err != nil {
		return nil, err
	}
	q, err := schema.New(Query, schema.Values{
		"name":    s.info.Name,
		"version": s.info.Version,
		"os":      s.info.OS,
	})
	if err != nil {
		return nil, err
	}
	res.Link(q, false)
	return []*schema.Instance{res}, nil
}

func (s *Service) handleSet(context.Context, *schema.Instance) ([]*schema.Instance, error) {
	return nil, stanza.NewError(stanza.BadRequest, "version is read-only")
}

// Get asks to for its software version.
func (s *Service) Get(ctx context.Context, to jid.JID) (Info, error) {
	if s.d == nil {
		return Info{}, ErrNotAttached
	}
	q, err := schema.New(Query, nil)
	if err != nil {
		return Info{}, err
	}
	iq, err := stanza.NewRequest(stanza.TypeGet, to, q)
	if err != nil {
		return Info{}, err
	}
	iq.SetResultSchema(Query)
	res, err := s.d.Request(ctx, iq)
	if err != nil {
		return Info{}, err
	}
	logs.Debugf("version.Service.Get to=%s id=%s", to, res.Top().Text("id"))
	return infoFrom(res), nil
}
