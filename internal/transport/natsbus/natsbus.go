// Package natsbus carries elements between nodes over NATS subjects. Each
// node listens on the subject derived from its bare address and publishes
// by the recipient's bare address.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	logs "github.com/danmuck/stanza/internal/logging"
	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/protocol/jid"
	"github.com/danmuck/stanza/internal/transport"
)

var (
	ErrNoRoute  = errors.New("natsbus: no route for recipient")
	ErrNoConn   = errors.New("natsbus: nil connection")
	ErrSelfless = errors.New("natsbus: self address required")
)

type Config struct {
	URL    string
	Name   string
	Prefix string
	// Self is the address this bus receives for.
	Self jid.JID
	// Fallback receives stanzas with no "to" address. Empty drops them
	// with ErrNoRoute.
	Fallback jid.JID

	Timeout       time.Duration
	ReconnectWait time.Duration
	MaxReconnects int
	Buffer        int
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "stanzad",
		Prefix:        "stanza",
		Timeout:       10 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: 60,
		Buffer:        256,
	}
}

// Bus is a transport.Transport over one NATS subscription.
type Bus struct {
	cfg   Config
	nc    *nats.Conn
	owned bool
	sub   *nats.Subscription
	msgs  chan *nats.Msg

	closed    chan struct{}
	closeOnce sync.Once
}

var _ transport.Transport = (*Bus)(nil)

// Connect dials the NATS server and subscribes for cfg.Self.
func Connect(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logs.Warnf("natsbus.Connect disconnected err=%v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logs.Infof("natsbus.Connect reconnected url=%s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logs.Debugf("natsbus.Connect closed name=%s", cfg.Name)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect %s: %w", cfg.URL, err)
	}
	b, err := Attach(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.owned = true
	logs.Infof("natsbus.Connect url=%s subject=%s", nc.ConnectedUrl(), b.Subject(cfg.Self))
	return b, nil
}

// Attach subscribes for cfg.Self on an existing connection. The caller keeps
// ownership of nc.
func Attach(nc *nats.Conn, cfg Config) (*Bus, error) {
	if nc == nil {
		return nil, ErrNoConn
	}
	if cfg.Self.IsZero() {
		return nil, ErrSelfless
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "stanza"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	b := &Bus{
		cfg:    cfg,
		nc:     nc,
		msgs:   make(chan *nats.Msg, cfg.Buffer),
		closed: make(chan struct{}),
	}
	sub, err := nc.ChanSubscribe(b.Subject(cfg.Self), b.msgs)
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe: %w", err)
	}
	// the server must know the interest before peers publish to it
	if err := nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("natsbus: flush: %w", err)
	}
	b.sub = sub
	return b, nil
}

// Subject maps an address to the subject its node listens on.
func (b *Bus) Subject(addr jid.JID) string {
	return b.cfg.Prefix + "." + subjectSafe(addr.Bare().String())
}

func subjectSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

func (b *Bus) route(el *element.Element) (string, error) {
	raw, _ := el.Attr("to")
	if raw == "" {
		if b.cfg.Fallback.IsZero() {
			return "", ErrNoRoute
		}
		return b.Subject(b.cfg.Fallback), nil
	}
	to, err := jid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoRoute, err)
	}
	return b.Subject(to), nil
}

func (b *Bus) Send(ctx context.Context, el *element.Element) error {
	select {
	case <-b.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	subject, err := b.route(el)
	if err != nil {
		return err
	}
	data, err := element.Marshal(el)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", subject, err)
	}
	logs.Debugf("natsbus.Bus.Send subject=%s name=%s bytes=%d", subject, el.Name, len(data))
	return nil
}

// Recv returns the next element published to this node. Malformed payloads
// are logged and skipped.
func (b *Bus) Recv(ctx context.Context) (*element.Element, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closed:
			return nil, io.EOF
		case msg := <-b.msgs:
			el, err := element.Unmarshal(msg.Data)
			if err != nil {
				logs.Warnf("natsbus.Bus.Recv subject=%s malformed err=%v", msg.Subject, err)
				continue
			}
			return el, nil
		}
	}
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.sub.Unsubscribe()
		if b.owned {
			b.nc.Close()
		}
	})
	return err
}
