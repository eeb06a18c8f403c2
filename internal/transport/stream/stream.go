// Package stream carries elements over a long-lived XML stream on a net.Conn,
// optionally wrapped in TLS.
package stream

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	logs "github.com/danmuck/stanza/internal/logging"
	"github.com/danmuck/stanza/internal/protocol/element"
	"github.com/danmuck/stanza/internal/transport"
)

var ErrMaxAttempts = errors.New("stream: max connect attempts reached")

// Conn is one end of an open stream. Sends are serialized; Recv is fed by a
// single reader goroutine.
type Conn struct {
	conn net.Conn
	cfg  Config

	wmu sync.Mutex

	in        chan *element.Element
	done      chan struct{}
	readErr   error
	closed    chan struct{}
	closeOnce sync.Once

	hmu    sync.RWMutex
	header *element.Element
}

var _ transport.Transport = (*Conn)(nil)

// Open starts a stream over an established connection and writes the local
// stream header.
func Open(conn net.Conn, cfg Config) (*Conn, error) {
	c := &Conn{
		conn:   conn,
		cfg:    cfg,
		in:     make(chan *element.Element),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	// the reader starts first so synchronous pipes never deadlock on headers
	go c.readLoop()

	header := element.StreamHeader(cfg.Namespace, cfg.To, cfg.From, "")
	if err := c.write(context.Background(), func(w io.Writer) error {
		_, err := io.WriteString(w, header)
		return err
	}); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("stream: write header: %w", err)
	}
	logs.Debugf("stream.Open remote=%s ns=%s", conn.RemoteAddr(), cfg.Namespace)
	return c, nil
}

// Dial connects to addr, retrying with backoff up to MaxConnectAttempts.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	attempts := cfg.MaxConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := dialOnce(ctx, addr, cfg)
		if err == nil {
			return Open(conn, cfg)
		}
		lastErr = err
		logs.Warnf("stream.Dial addr=%s attempt=%d/%d err=%v", addr, attempt, attempts, err)
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(NextBackoffDelay(cfg.Backoff, attempt, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrMaxAttempts, addr, lastErr)
}

func dialOnce(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return conn, nil
	}
	host, _, _ := net.SplitHostPort(addr)
	tlsCfg, err := cfg.clientTLS(host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	tc := tls.Client(conn, tlsCfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream: tls handshake: %w", err)
	}
	return tc, nil
}

// Header returns the peer's stream header once it has arrived.
func (c *Conn) Header() (*element.Element, bool) {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.header, c.header != nil
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) Send(ctx context.Context, el *element.Element) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	return c.write(ctx, func(w io.Writer) error {
		return element.Encode(w, el)
	})
}

func (c *Conn) write(ctx context.Context, fn func(io.Writer) error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && c.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(c.cfg.WriteTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return fn(c.conn)
}

// Recv returns the next inbound element. The stream-open sentinel is never
// returned; io.EOF reports the peer's stream footer or a closed connection.
func (c *Conn) Recv(ctx context.Context) (*element.Element, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	case el := <-c.in:
		return el, nil
	case <-c.done:
		return nil, c.readErr
	}
}

func (c *Conn) readLoop() {
	dec := element.NewDecoder(bufio.NewReader(c.conn))
	for {
		el, err := dec.Next()
		if err == nil && element.IsStreamOpen(el) {
			c.hmu.Lock()
			c.header = el
			c.hmu.Unlock()
			continue
		}
		if err != nil {
			if isClosedErr(err) {
				err = io.EOF
			}
			logs.Debugf("stream.readLoop remote=%s end err=%v", c.conn.RemoteAddr(), err)
			c.readErr = err
			close(c.done)
			return
		}
		select {
		case c.in <- el:
		case <-c.closed:
			return
		}
	}
}

// Close writes the stream footer and closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = c.write(ctx, func(w io.Writer) error {
			_, err := io.WriteString(w, element.StreamFooter)
			return err
		})
		cancel()
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
