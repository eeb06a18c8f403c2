package main

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/danmuck/stanza/internal/config"
	"github.com/danmuck/stanza/internal/dispatcher"
	logs "github.com/danmuck/stanza/internal/logging"
	"github.com/danmuck/stanza/internal/observability"
	"github.com/danmuck/stanza/internal/plugins"
	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/server"
	"github.com/danmuck/stanza/internal/transport"
	"github.com/danmuck/stanza/internal/transport/natsbus"
	"github.com/danmuck/stanza/internal/transport/stream"
	"github.com/danmuck/stanza/internal/version"
)

// peerSender forwards to whichever transport is currently attached.
type peerSender struct {
	mu  sync.RWMutex
	cur transport.Sender
}

func (p *peerSender) attach(s transport.Sender) {
	p.mu.Lock()
	p.cur = s
	p.mu.Unlock()
}

func (p *peerSender) Send(ctx context.Context, el *element.Element) error {
	p.mu.RLock()
	cur := p.cur
	p.mu.RUnlock()
	if cur == nil {
		return transport.ErrClosed
	}
	return cur.Send(ctx, el)
}

func run(ctx context.Context, cfg config.Config) error {
	observability.RegisterMetrics()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dcfg := cfg.Dispatcher()
	dcfg.Metrics = observability.NewDispatcherMetrics(cfg.JID)
	dcfg.OnFault = func(err error) {
		logs.Errf("stanzad handler fault err=%v", err)
	}
	sender := &peerSender{}
	d, err := dispatcher.New(dcfg, sender)
	if err != nil {
		return err
	}
	defer d.Close()

	svc, err := version.NewService(cfg.Software())
	if err != nil {
		return err
	}
	registry := plugins.NewRegistry()
	if err := registry.Register(svc); err != nil {
		return err
	}
	registry.InitAll(d)
	defer registry.CloseAll()

	admin := server.NewAdmin(cfg.Admin(registry.Names()), d, observability.AccessLogger(nil, cfg.JID, false))
	adminErr := make(chan error, 1)
	go func() { adminErr <- admin.Serve(ctx) }()

	var serveErr error
	switch cfg.Transport.Kind {
	case config.TransportNATS:
		serveErr = serveBus(ctx, cfg, d, sender)
	default:
		if cfg.Transport.Listen {
			serveErr = serveListener(ctx, cfg, d, sender)
		} else {
			serveErr = serveDial(ctx, cfg, d, sender)
		}
	}

	cancel()
	if err := <-adminErr; err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func serveBus(ctx context.Context, cfg config.Config, d *dispatcher.Dispatcher, sender *peerSender) error {
	bus, err := natsbus.Connect(cfg.Bus())
	if err != nil {
		return err
	}
	defer bus.Close()
	sender.attach(bus)
	return d.Serve(ctx, bus)
}

func serveDial(ctx context.Context, cfg config.Config, d *dispatcher.Dispatcher, sender *peerSender) error {
	conn, err := stream.Dial(ctx, cfg.Transport.Addr, cfg.Stream())
	if err != nil {
		return err
	}
	defer conn.Close()
	sender.attach(conn)
	logs.Infof("stanzad connected addr=%s", conn.RemoteAddr())
	return d.Serve(ctx, conn)
}

// serveListener serves one peer at a time; a new peer replaces the sender
// once the previous stream ends.
func serveListener(ctx context.Context, cfg config.Config, d *dispatcher.Dispatcher, sender *peerSender) error {
	ln, err := stream.Listen(cfg.Transport.Addr, cfg.Stream())
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logs.Warnf("stanzad accept err=%v", err)
			continue
		}
		logs.Infof("stanzad peer attached remote=%s", conn.RemoteAddr())
		sender.attach(conn)
		err = d.Serve(ctx, conn)
		sender.attach(nil)
		conn.Close()
		if err != nil {
			logs.Warnf("stanzad peer detached remote=%s err=%v", conn.RemoteAddr(), err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
