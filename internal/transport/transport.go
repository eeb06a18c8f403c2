// Package transport defines the element transport contract the dispatcher
// consumes. Implementations live in subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/danmuck/stanza/internal/protocol/element"
)

var ErrClosed = errors.New("transport: closed")

// Sender transmits one top-level element.
type Sender interface {
	Send(ctx context.Context, el *element.Element) error
}

// Receiver yields inbound top-level elements. Recv returns io.EOF when the
// peer ends the stream.
type Receiver interface {
	Recv(ctx context.Context) (*element.Element, error)
}

type Transport interface {
	Sender
	Receiver
	Close() error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, el *element.Element) error

func (f SenderFunc) Send(ctx context.Context, el *element.Element) error {
	return f(ctx, el)
}
