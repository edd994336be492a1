// Package transport provides the point-to-point channel capability the
// messenger core consumes: open a channel to a peer's transient address,
// or accept inbound channels on our own. A channel delivers discrete
// frames in order; negotiation details stay inside the implementation.
package transport

import "context"

// Channel is one live bidirectional link to a remote peer. Frames sent
// on a channel arrive at the remote side in order. Recv is closed when
// the channel tears down, whichever side initiated it.
type Channel interface {
	Send(payload []byte) error
	Recv() <-chan []byte
	Close() error
	RemoteAddr() string
}

// Listener accepts inbound channels on the transient address assigned
// at listen time.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Addr() string
	Close() error
}

// Transport opens outbound channels and listens for inbound ones.
type Transport interface {
	Open(ctx context.Context, addr string) (Channel, error)
	Listen(addr string) (Listener, error)
}
