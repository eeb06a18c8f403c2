package config

import (
	"github.com/danmuck/stanza/internal/dispatcher"
	"github.com/danmuck/stanza/internal/protocol/jid"
	"github.com/danmuck/stanza/internal/server"
	"github.com/danmuck/stanza/internal/transport/natsbus"
	"github.com/danmuck/stanza/internal/transport/stream"
	"github.com/danmuck/stanza/internal/version"
)

// Self is the validated node address.
func (c Config) Self() jid.JID {
	return jid.MustParse(c.JID)
}

func (c Config) Dispatcher() dispatcher.Config {
	out := dispatcher.DefaultConfig()
	out.Self = c.Self()
	out.RequestTimeout = c.RequestTimeout
	return out
}

func (c Config) Stream() stream.Config {
	out := stream.DefaultConfig()
	out.Namespace = c.Transport.Namespace
	out.From = c.JID
	out.MaxConnectAttempts = c.Transport.MaxConnectAttempts
	out.SecurityMode = stream.SecurityMode(c.Transport.SecurityMode)
	out.TLS = stream.TLSConfig(c.Transport.TLS)
	return out
}

func (c Config) Bus() natsbus.Config {
	out := natsbus.DefaultConfig()
	out.URL = c.NATS.URL
	out.Name = c.SoftwareName
	out.Self = c.Self()
	if c.NATS.Prefix != "" {
		out.Prefix = c.NATS.Prefix
	}
	if c.NATS.Fallback != "" {
		out.Fallback = jid.MustParse(c.NATS.Fallback)
	}
	return out
}

func (c Config) Admin(plugins []string) server.Config {
	return server.Config{
		ID:          c.JID,
		Addr:        c.AdminAddr,
		Version:     c.Version,
		CORSOrigins: c.CORSOrigins,
		Token:       c.AdminToken,
		Plugins:     plugins,
	}
}

func (c Config) Software() version.Info {
	return version.Info{Name: c.SoftwareName, Version: c.Version}
}
