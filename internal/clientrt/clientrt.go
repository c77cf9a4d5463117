// Package clientrt wires a transport, packet dispatcher, and shared
// session context into the client-side runtime described in spec.md
// §4.9, generalizing the callback-setter + idempotency-guarded-connect
// pattern visible in the teacher's client/transport.go.
package clientrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"netplay/internal/dispatch"
	"netplay/internal/handshake"
	"netplay/internal/protocol"
	"netplay/internal/transport"
)

// Sentinel errors.
var (
	ErrAlreadyConnecting = errors.New("clientrt: connect already in progress")
	ErrNotConnected       = errors.New("clientrt: not connected")
)

// Runtime is the top-level client-side object a player process
// creates and drives.
type Runtime struct {
	log *slog.Logger

	mu          sync.Mutex
	connecting  bool
	connected   bool
	conn        transport.Connection
	transport   transport.Transport
	dispatcher  *dispatch.Dispatcher
	sessionCtx  *handshake.ClientSessionContext
	clientMach  *handshake.ClientMachine

	playerName    string
	password      string
	pollInterval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected       func()
	onDisconnected    func(reason string)
	onHandshakeResult func(accepted bool, reason string)
	connectResult     chan error
}

// New returns an unconfigured Runtime. A nil logger falls back to
// slog.Default().
func New(log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{log: log, pollInterval: 16 * time.Millisecond}
}

// RegisterTransport installs the transport implementation to connect
// through.
func (r *Runtime) RegisterTransport(tr transport.Transport) { r.transport = tr }

// RegisterPacketDispatcher installs the dispatcher used to route
// inbound packets. Callers register their own handlers on it
// (LobbyState, GameplayState, ...) before calling ConnectAsync.
func (r *Runtime) RegisterPacketDispatcher(d *dispatch.Dispatcher) { r.dispatcher = d }

// RegisterSessionContext installs the shared cell the handshake
// client machine records the active SessionId into.
func (r *Runtime) RegisterSessionContext(ctx *handshake.ClientSessionContext) { r.sessionCtx = ctx }

// SetCredentials configures the identity presented at handshake time.
func (r *Runtime) SetCredentials(playerName, password string) {
	r.playerName = playerName
	r.password = password
}

// OnConnected registers a callback fired once ConnectAsync resolves,
// i.e. once OnPeerConnected fires for the initiated peer.
func (r *Runtime) OnConnected(fn func()) { r.onConnected = fn }

// OnDisconnected registers a callback fired when the transport reports
// that the connection ended. A local DisconnectAsync does not fire it.
func (r *Runtime) OnDisconnected(fn func(reason string)) { r.onDisconnected = fn }

// OnHandshakeResult registers a callback fired once the post-connect
// handshake completes, reporting whether the server accepted this
// client and, if not, why. Handshake accept/reject is an application
// event distinct from ConnectAsync's promise, which only tracks the
// transport-level peer connection.
func (r *Runtime) OnHandshakeResult(fn func(accepted bool, reason string)) { r.onHandshakeResult = fn }

// ConnectAsync dials address:port and resolves once OnPeerConnected
// fires for the initiated peer, or rejects on cancellation, transport
// failure, or timeout. The post-connect handshake runs independently;
// its outcome is reported through OnHandshakeResult, not through this
// call. A call made while a connect is in progress or a connection is
// up fails with ErrAlreadyConnecting.
func (r *Runtime) ConnectAsync(ctx context.Context, address string, port int) error {
	r.mu.Lock()
	if r.connecting || r.connected || r.conn != nil {
		r.mu.Unlock()
		return ErrAlreadyConnecting
	}
	r.connecting = true
	r.connectResult = make(chan error, 1)
	r.mu.Unlock()

	r.clientMach = handshake.NewClientMachine(protocol.CurrentVersion, r.playerName, r.password, r.sessionCtx, r.log)
	r.registerHandshakeResponseHandler()

	bgCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	handlers := transport.Handlers{
		OnPeerConnected:    r.onPeerConnected,
		OnPeerDisconnected: r.onPeerDisconnected,
		OnPayloadReceived:  r.onPayloadReceived,
	}
	if err := r.transport.Start(ctx, transport.Options{Address: address, Port: port, IsServer: false}, handlers); err != nil {
		r.mu.Lock()
		r.connecting = false
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("clientrt: start transport: %w", err)
	}

	r.wg.Add(1)
	go r.pollLoop(bgCtx)

	select {
	case err := <-r.connectResult:
		return err
	case <-ctx.Done():
		r.DisconnectAsync("connect cancelled")
		return ctx.Err()
	}
}

func (r *Runtime) registerHandshakeResponseHandler() {
	dispatch.Register(r.dispatcher, protocol.HandshakeResponse, func(ctx dispatch.Context, payload protocol.HandshakeResponsePayload) error {
		ready, reason := r.clientMach.HandleResponse(payload)
		if ready {
			r.mu.Lock()
			r.connected = true
			r.mu.Unlock()
		}
		if r.onHandshakeResult != nil {
			r.onHandshakeResult(ready, reason)
		}
		return nil
	})
}

// onPeerConnected resolves ConnectAsync's promise (the transport-level
// peer is up) and kicks off the handshake independently; the
// handshake's own success or failure is reported later through
// onHandshakeResult.
func (r *Runtime) onPeerConnected(conn transport.Connection) {
	r.mu.Lock()
	r.conn = conn
	wasConnecting := r.connecting
	r.connecting = false
	r.mu.Unlock()

	send := func(req protocol.HandshakeRequestPayload) error {
		env := protocol.NewEnvelope(protocol.HandshakeRequest, req)
		data, err := protocol.Marshal(env)
		if err != nil {
			return err
		}
		return conn.Send(data, transport.ReliableOrdered)
	}
	onTimeout := func(err error) {
		if r.onHandshakeResult != nil {
			r.onHandshakeResult(false, err.Error())
		}
	}
	if err := r.clientMach.OnTransportConnected(send, onTimeout); err != nil {
		r.log.Warn("clientrt: failed to send handshake request", "err", err)
	}

	if wasConnecting && r.connectResult != nil {
		r.connectResult <- nil
		if r.onConnected != nil {
			r.onConnected()
		}
	}
}

func (r *Runtime) onPeerDisconnected(conn transport.Connection, reason string) {
	r.mu.Lock()
	wasConnecting := r.connecting
	r.connecting = false
	r.connected = false
	r.conn = nil
	r.mu.Unlock()

	if r.clientMach != nil {
		r.clientMach.OnDisconnected()
	}
	if wasConnecting && r.connectResult != nil {
		r.connectResult <- fmt.Errorf("clientrt: disconnected before connecting completed: %s", reason)
	}
	if r.onDisconnected != nil {
		r.onDisconnected(reason)
	}
}

func (r *Runtime) onPayloadReceived(conn transport.Connection, payload []byte, channel transport.Channel) {
	if err := r.dispatcher.Dispatch(dispatch.Context{Conn: conn, Channel: channel}, payload); err != nil {
		r.log.Warn("clientrt: dispatch error", "err", err)
	}
}

func (r *Runtime) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.transport.Poll(0)
		}
	}
}

// Send writes an envelope to the server over the given channel. It
// fails with ErrNotConnected if no connection is active.
func (r *Runtime) Send(data []byte, channel transport.Channel) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(data, channel)
}

// DisconnectAsync tears down the active connection, if any, clearing
// the session context.
func (r *Runtime) DisconnectAsync(reason string) {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	if r.transport != nil {
		r.transport.Shutdown(reason)
	}
	r.mu.Lock()
	r.connected = false
	r.connecting = false
	r.conn = nil
	r.mu.Unlock()
	if r.clientMach != nil {
		r.clientMach.OnDisconnected()
	}
}

// IsConnected reports whether a handshake has completed and the
// connection remains live.
func (r *Runtime) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}
