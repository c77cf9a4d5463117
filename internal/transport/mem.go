package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryTransportPair returns two linked Transport instances — a
// "server" side and a "client" side — that exchange payloads through
// in-process channels instead of real sockets. Using an interface here
// lets the runtime tests (clientrt, serverrt) inject a mock transport
// instead of binding real UDP ports.
func NewMemoryTransportPair() (server, client *MemoryTransport) {
	server = &MemoryTransport{isServer: true}
	client = &MemoryTransport{isServer: false}
	server.peer = client
	client.peer = server
	return server, client
}

// MemoryTransport implements Transport as a single loopback peer link.
// It supports exactly one connection, since the clientrt/serverrt
// tests only ever need a single client talking to a single server.
type MemoryTransport struct {
	mu       sync.Mutex
	isServer bool
	running  bool
	handlers Handlers
	peer     *MemoryTransport
	conn     *memConnection
	events   chan event
	cancel   context.CancelFunc
}

var _ Transport = (*MemoryTransport)(nil)

func (m *MemoryTransport) Start(ctx context.Context, opts Options, handlers Handlers) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.handlers = handlers
	m.events = make(chan event, 256)
	_, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	if !m.isServer {
		id := uuid.NewString()
		local := &memConnection{id: id, remote: "memory-client", owner: m}
		peerConn := &memConnection{id: id, remote: "memory-server", owner: m.peer}
		local.peer = peerConn
		peerConn.peer = local

		m.mu.Lock()
		m.conn = local
		m.mu.Unlock()

		m.peer.mu.Lock()
		m.peer.conn = peerConn
		peerEvents := m.peer.events
		m.peer.mu.Unlock()

		m.events <- event{kind: eventPeerConnected, conn: local}
		if peerEvents != nil {
			peerEvents <- event{kind: eventPeerConnected, conn: peerConn}
		}
	}
	return nil
}

func (m *MemoryTransport) Poll(timeout time.Duration) {
	m.mu.Lock()
	events := m.events
	handlers := m.handlers
	m.mu.Unlock()
	if events == nil {
		return
	}

	if timeout <= 0 {
		for {
			select {
			case ev := <-events:
				dispatchMem(handlers, ev)
			default:
				return
			}
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-events:
			dispatchMem(handlers, ev)
		case <-deadline.C:
			return
		}
	}
}

func dispatchMem(h Handlers, ev event) {
	switch ev.kind {
	case eventPeerConnected:
		if h.OnPeerConnected != nil {
			h.OnPeerConnected(ev.conn)
		}
	case eventPeerDisconnected:
		if h.OnPeerDisconnected != nil {
			h.OnPeerDisconnected(ev.conn, ev.reason)
		}
	case eventPayloadReceived:
		if h.OnPayloadReceived != nil {
			h.OnPayloadReceived(ev.conn, ev.payload, ev.channel)
		}
	case eventUnconnectedMessage:
		if h.OnUnconnectedMessage != nil {
			h.OnUnconnectedMessage(ev.remote, ev.payload)
		}
	case eventLatencyUpdate:
		if h.OnLatencyUpdate != nil {
			h.OnLatencyUpdate(ev.conn, ev.rttMs)
		}
	}
}

func (m *MemoryTransport) Shutdown(reason string) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	conn := m.conn
	cancel := m.cancel
	m.mu.Unlock()
	if conn != nil {
		conn.Disconnect(reason)
	}
	if cancel != nil {
		cancel()
	}
}

func (m *MemoryTransport) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// memConnection is the Connection half of a loopback pair.
type memConnection struct {
	id     string
	remote string
	owner  *MemoryTransport
	peer   *memConnection
	mu     sync.Mutex
	closed bool
}

var _ Connection = (*memConnection)(nil)

func (c *memConnection) Id() string             { return c.id }
func (c *memConnection) RemoteEndpoint() string { return c.remote }

func (c *memConnection) Send(payload []byte, channel Channel) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	cp := make([]byte, len(payload))
	copy(cp, payload)

	c.peer.owner.mu.Lock()
	events := c.peer.owner.events
	c.peer.owner.mu.Unlock()
	if events == nil {
		return nil
	}
	events <- event{kind: eventPayloadReceived, conn: c.peer, payload: cp, channel: channel}
	return nil
}

func (c *memConnection) Disconnect(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.peer.mu.Lock()
	alreadyClosed := c.peer.closed
	c.peer.closed = true
	c.peer.mu.Unlock()
	if alreadyClosed {
		return
	}

	c.peer.owner.mu.Lock()
	events := c.peer.owner.events
	c.peer.owner.mu.Unlock()
	if events != nil {
		events <- event{kind: eventPeerDisconnected, conn: c.peer, reason: reason}
	}
}
