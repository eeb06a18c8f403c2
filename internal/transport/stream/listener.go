package stream

import (
	"crypto/tls"
	"net"

	logs "github.com/danmuck/stanza/internal/logging"
)

// Listener accepts inbound streams.
type Listener struct {
	ln  net.Listener
	cfg Config
}

func Listen(addr string, cfg Config) (*Listener, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.serverTLS()
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	logs.Infof("stream.Listen addr=%s tls=%t mutual=%t", ln.Addr(), cfg.TLS.Enabled, cfg.TLS.Mutual)
	return &Listener{ln: ln, cfg: cfg}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next connection and opens a stream on it.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return Open(conn, l.cfg)
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
