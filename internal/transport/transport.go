// Package transport abstracts an unreliable datagram transport into
// channel-typed, peer-lifecycle-aware I/O. The concrete implementation
// (QUICTransport) is one possible binding; callers only depend on the
// interfaces in this file.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Channel selects the delivery discipline for a Send call.
type Channel int

const (
	// ReliableOrdered preserves both delivery and send order per
	// connection. Used for handshake and lobby state.
	ReliableOrdered Channel = iota
	// ReliableSequenced guarantees delivery but only the latest of any
	// out-of-order burst is kept meaningful by the caller. Used for
	// gameplay state.
	ReliableSequenced
	// Unreliable is fire-and-forget. Used for telemetry.
	Unreliable
)

func (c Channel) String() string {
	switch c {
	case ReliableOrdered:
		return "ReliableOrdered"
	case ReliableSequenced:
		return "ReliableSequenced"
	case Unreliable:
		return "Unreliable"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Connection is an opaque peer handle with a stable identity for the
// lifetime of the peer. It is owned by the Transport and only
// referenced by higher layers (sessions, dispatcher context).
type Connection interface {
	// Id is unique for the lifetime of this peer connection.
	Id() string
	// RemoteEndpoint is a printable address, for logs and discovery.
	RemoteEndpoint() string
	// Send writes payload over the given channel. Sending on a closed
	// connection is a no-op, not an error.
	Send(payload []byte, channel Channel) error
	// Disconnect gracefully closes the connection. reason is optional
	// UTF-8 context passed to the peer where the underlying transport
	// supports it.
	Disconnect(reason string)
}

// Options configures Start.
type Options struct {
	Port    int
	Address string
	IsServer bool
	// EnableNatPunchThrough is carried in the options only: neither the
	// transports nor the runtimes read it, and no punch-resolved
	// endpoint is used in place of Address.
	EnableNatPunchThrough bool
}

// Errors returned by Start.
var (
	ErrAlreadyRunning = errors.New("transport: already running")
	ErrBindFailure    = errors.New("transport: bind failure")
)

// Handlers is the set of event callbacks a Transport invokes while
// Poll is draining network events. All callbacks run on the polling
// goroutine and must return promptly.
type Handlers struct {
	OnPeerConnected    func(Connection)
	OnPeerDisconnected func(conn Connection, reason string)
	OnPayloadReceived  func(conn Connection, payload []byte, channel Channel)
	OnUnconnectedMessage func(remoteEndpoint string, payload []byte)
	OnLatencyUpdate    func(conn Connection, rttMs float64)
}

// Transport is the channel-typed datagram I/O abstraction described in
// spec.md §4.1.
type Transport interface {
	// Start binds the underlying socket. Server mode listens; client
	// mode initiates one outbound peer connection to Address:Port.
	Start(ctx context.Context, opts Options, handlers Handlers) error
	// Poll processes pending network events, draining all available
	// within timeout. timeout == 0 means drain-then-return.
	Poll(timeout time.Duration)
	// Shutdown gracefully disconnects all peers and releases
	// resources. Idempotent.
	Shutdown(reason string)
	// IsRunning reports whether Start has succeeded and Shutdown has
	// not yet been called.
	IsRunning() bool
}
