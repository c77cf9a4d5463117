// Package serverrt wires transport, dispatcher, session manager,
// lobby manager, and coordinator into the server-side runtime
// described in spec.md §4.9, generalizing the teacher's main.go wiring
// order (store -> room -> callbacks -> signal-driven shutdown) into a
// reusable type.
package serverrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"netplay/internal/dispatch"
	"netplay/internal/handshake"
	"netplay/internal/lobby"
	"netplay/internal/protocol"
	"netplay/internal/session"
	"netplay/internal/transport"
)

// ErrAlreadyRunning is returned by StartAsync if called twice, and by
// Configure once StartAsync has succeeded.
var ErrAlreadyRunning = errors.New("serverrt: already running")

// Options configures a Runtime. Configure rejects changes once the
// runtime is running.
type Options struct {
	Address               string
	Port                  int
	MaxPlayers            int
	MaxSessions           int
	Password              string
	CountdownHold         time.Duration
	PollInterval          time.Duration // default 16ms (~60Hz)
	EnableNatPunchThrough bool
	// HeartbeatTimeout disconnects a session that has produced no
	// traffic (including Heartbeat packets) for this long. Zero selects
	// DefaultHeartbeatTimeout (15s); a negative value disables idle
	// eviction.
	HeartbeatTimeout time.Duration
}

// DefaultHeartbeatTimeout is the idle window applied when
// Options.HeartbeatTimeout is left unset.
const DefaultHeartbeatTimeout = 15 * time.Second

// Runtime is the top-level server-side object a host process creates
// and drives.
type Runtime struct {
	log *slog.Logger

	mu      sync.Mutex
	running bool
	opts    Options

	transport  transport.Transport
	dispatcher *dispatch.Dispatcher
	sessions   *session.Manager
	lobbyMgr   *lobby.Manager
	coord      *lobby.Coordinator

	machines   map[string]*handshake.ServerMachine // by connection id
	machinesMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Runtime bound to tr (typically a *transport.QUICTransport).
// A nil logger falls back to slog.Default().
func New(tr transport.Transport, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		log:       log,
		transport: tr,
		machines:  make(map[string]*handshake.ServerMachine),
	}
}

// Configure sets the runtime's options. It fails once the runtime is
// running.
func (r *Runtime) Configure(opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 16 * time.Millisecond
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	r.opts = opts
	return nil
}

// StartAsync binds the transport in server mode and spawns the
// cooperative poll loop on a background goroutine.
func (r *Runtime) StartAsync(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	opts := r.opts
	r.mu.Unlock()

	r.sessions = session.NewManager(opts.MaxSessions)
	r.lobbyMgr = lobby.NewManager(lobby.Config{MaxPlayers: opts.MaxPlayers})
	r.coord = lobby.NewCoordinator(r.log, r.lobbyMgr, r.sessions, opts.CountdownHold)
	r.dispatcher = dispatch.New(r.log)
	r.registerHandlers()

	bgCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	handlers := transport.Handlers{
		OnPeerConnected:    r.onPeerConnected,
		OnPeerDisconnected: r.onPeerDisconnected,
		OnPayloadReceived:  r.onPayloadReceived,
	}
	if err := r.transport.Start(ctx, transport.Options{
		Address:               opts.Address,
		Port:                  opts.Port,
		IsServer:              true,
		EnableNatPunchThrough: opts.EnableNatPunchThrough,
	}, handlers); err != nil {
		cancel()
		return fmt.Errorf("serverrt: start transport: %w", err)
	}

	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pollLoop(bgCtx, opts.PollInterval)
	return nil
}

func (r *Runtime) registerHandlers() {
	dispatch.Register(r.dispatcher, protocol.HandshakeRequest, func(ctx dispatch.Context, payload protocol.HandshakeRequestPayload) error {
		r.handleHandshakeRequest(ctx, payload)
		return nil
	})
	dispatch.Register(r.dispatcher, protocol.LobbyReadyState, func(ctx dispatch.Context, payload protocol.LobbyReadyStatePayload) error {
		return r.handleReadyState(ctx, payload)
	})
	dispatch.Register(r.dispatcher, protocol.SongSelection, func(ctx dispatch.Context, payload protocol.SongSelectionCommandPayload) error {
		return r.handleSongSelection(ctx, payload)
	})
	dispatch.Register(r.dispatcher, protocol.Heartbeat, func(ctx dispatch.Context, payload protocol.HeartbeatPayload) error {
		return nil
	})
	dispatch.Register(r.dispatcher, protocol.GameplayEnd, func(ctx dispatch.Context, payload protocol.GameplayEndPayload) error {
		r.coord.GameplayEnded()
		return nil
	})
}

func (r *Runtime) onPeerConnected(conn transport.Connection) {
	r.machinesMu.Lock()
	r.machines[conn.Id()] = handshake.NewServerMachine(handshake.ServerConfig{
		ExpectedClientVersion: protocol.CurrentVersion,
		Password:              r.opts.Password,
		Sessions:              r.sessions,
		Log:                   r.log,
	}, conn, func() {
		conn.Disconnect("handshake timeout")
	})
	r.machinesMu.Unlock()
}

func (r *Runtime) onPeerDisconnected(conn transport.Connection, reason string) {
	r.machinesMu.Lock()
	delete(r.machines, conn.Id())
	r.machinesMu.Unlock()

	if rec, ok := r.sessions.TryRemoveByConnection(conn.Id()); ok {
		r.coord.PeerDisconnected(rec.SessionId)
	}
}

func (r *Runtime) onPayloadReceived(conn transport.Connection, payload []byte, channel transport.Channel) {
	r.sessions.Touch(conn.Id())
	if err := r.dispatcher.Dispatch(dispatch.Context{Conn: conn, Channel: channel}, payload); err != nil {
		r.log.Warn("serverrt: dispatch error", "conn", conn.Id(), "err", err)
	}
}

func (r *Runtime) handleHandshakeRequest(ctx dispatch.Context, payload protocol.HandshakeRequestPayload) {
	r.machinesMu.Lock()
	m, ok := r.machines[ctx.Conn.Id()]
	r.machinesMu.Unlock()
	if !ok {
		return
	}

	resp, rec, err := m.HandleHello(payload)
	if err != nil {
		r.log.Warn("serverrt: handshake error", "conn", ctx.Conn.Id(), "err", err)
		return
	}

	env := protocol.NewEnvelope(protocol.HandshakeResponse, resp)
	data, err := protocol.Marshal(env)
	if err != nil {
		r.log.Error("serverrt: marshal handshake response", "err", err)
		return
	}
	if err := ctx.Conn.Send(data, transport.ReliableOrdered); err != nil {
		r.log.Warn("serverrt: send handshake response", "err", err)
	}

	if !resp.Accepted {
		ctx.Conn.Disconnect(resp.Reason)
		return
	}

	m.MarkLobbyParticipant()
	r.coord.HandshakeAccepted(rec.SessionId, rec.PlayerName)
}

func (r *Runtime) handleReadyState(ctx dispatch.Context, payload protocol.LobbyReadyStatePayload) error {
	owning, ok := r.sessions.TryGetByConnection(ctx.Conn.Id())
	if !ok || owning.SessionId != payload.SessionId {
		return nil // silently dropped, per spec.md §4.8
	}
	if _, err := r.lobbyMgr.TrySetReady(payload.SessionId, payload.IsReady); err != nil {
		return nil
	}
	r.coord.BroadcastIfChanged()
	return nil
}

func (r *Runtime) handleSongSelection(ctx dispatch.Context, payload protocol.SongSelectionCommandPayload) error {
	owning, ok := r.sessions.TryGetByConnection(ctx.Conn.Id())
	if !ok || owning.SessionId != payload.SessionId {
		return nil
	}
	snap := r.lobbyMgr.BuildSnapshot()
	isHost := false
	for _, p := range snap.Players {
		if p.PlayerId == payload.SessionId && p.Role == protocol.RoleHost {
			isHost = true
		}
	}
	if !isHost {
		return nil // silently dropped
	}

	state := lobby.SongSelectionState{SongId: payload.State.SongId, Assignments: payload.State.Assignments}
	if _, err := r.lobbyMgr.TryApplySongSelection(state); err != nil {
		return nil
	}
	r.coord.BroadcastIfChanged()
	return nil
}

func (r *Runtime) pollLoop(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.transport.Poll(0)
			r.coord.Tick()
			r.evictIdleSessions()
		}
	}
}

// evictIdleSessions disconnects sessions that have produced no traffic
// within the configured heartbeat timeout, per SPEC_FULL.md §7.
func (r *Runtime) evictIdleSessions() {
	for _, rec := range r.sessions.EvictIdle(r.opts.HeartbeatTimeout) {
		r.coord.PeerDisconnected(rec.SessionId)
		rec.Conn.Disconnect("heartbeat timeout")
	}
}

// StopAsync signals the poll loop to exit, awaits it, and shuts down
// the transport with the given reason.
func (r *Runtime) StopAsync(reason string) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.transport.Shutdown(reason)
}

// IsRunning reports whether the runtime has been started and not yet
// stopped.
func (r *Runtime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
