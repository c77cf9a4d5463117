package lobby

import (
	"log/slog"
	"sync"
	"time"

	"netplay/internal/protocol"
	"netplay/internal/session"
	"netplay/internal/transport"
)

// DefaultCountdownHold is the default hold duration before a
// ReadyToPlay lobby enters Countdown. spec.md §9's Open Question is
// decided in DESIGN.md: default 0s (immediate).
const DefaultCountdownHold = 0 * time.Second

const countdownStartSeconds = 5

// Coordinator subscribes to handshake-accepted and peer-disconnected
// events plus the lobby manager's mutations, and broadcasts
// LobbyState snapshots only when they change, per spec.md §4.7. It
// also owns the ReadyToPlay -> Countdown -> GameplayStart transition.
type Coordinator struct {
	log          *slog.Logger
	lobby        *Manager
	sessions     *session.Manager
	countdownHold time.Duration

	mu            sync.Mutex
	lastSnapshot  *Snapshot
	readySince    *time.Time
	countdownSecs int
	inCountdown   bool
	lastTickAt    time.Time
	inGame        bool

	onGameplayStart func()
}

// NewCoordinator returns a Coordinator. A nil logger falls back to
// slog.Default(). countdownHold <= 0 means immediate (no hold).
func NewCoordinator(log *slog.Logger, lobbyMgr *Manager, sessions *session.Manager, countdownHold time.Duration) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{log: log, lobby: lobbyMgr, sessions: sessions, countdownHold: countdownHold}
}

// OnGameplayStart sets a callback fired when the countdown reaches
// zero.
func (c *Coordinator) OnGameplayStart(fn func()) { c.onGameplayStart = fn }

// HandshakeAccepted is invoked after a session successfully
// completes the handshake; it adds the player to the lobby and
// broadcasts if the resulting snapshot changed.
func (c *Coordinator) HandshakeAccepted(sessionId, displayName string) {
	if _, err := c.lobby.TryAddPlayer(sessionId, displayName, protocol.RoleMember); err != nil {
		c.log.Warn("coordinator: failed to add player", "session", sessionId, "err", err)
		return
	}
	c.BroadcastIfChanged()
}

// PeerDisconnected removes sessionId from the lobby and broadcasts if
// changed.
func (c *Coordinator) PeerDisconnected(sessionId string) {
	if err := c.lobby.TryRemovePlayer(sessionId); err != nil {
		c.log.Debug("coordinator: remove on disconnect", "session", sessionId, "err", err)
		return
	}
	c.BroadcastIfChanged()
}

// BroadcastIfChanged builds a fresh snapshot and, if it differs from
// the last broadcast one, serializes and sends it reliably-ordered to
// every session's connection. It also drives the countdown state
// machine.
func (c *Coordinator) BroadcastIfChanged() {
	snap := c.lobby.BuildSnapshot()
	baseStatus := snap.Status

	c.mu.Lock()
	snap.Status = c.statusOverrideLocked(snap.Status)
	changed := c.lastSnapshot == nil || !c.lastSnapshot.Equal(snap)
	if changed {
		cp := snap
		c.lastSnapshot = &cp
	}
	c.mu.Unlock()

	c.advanceCountdown(baseStatus)

	if !changed {
		return
	}
	c.broadcast(snap)
}

// statusOverrideLocked reports the status to broadcast in place of the
// lobby manager's membership/selection-derived baseStatus while a
// countdown or gameplay session is in flight. spec.md §3: "Countdown/
// InGame are driven by gameplay packets" rather than by membership or
// selection state. Callers must hold c.mu.
func (c *Coordinator) statusOverrideLocked(baseStatus protocol.LobbyStatus) protocol.LobbyStatus {
	if c.inGame {
		return protocol.StatusInGame
	}
	if c.inCountdown {
		return protocol.StatusCountdown
	}
	return baseStatus
}

func (c *Coordinator) broadcast(snap Snapshot) {
	env := protocol.NewEnvelope(protocol.LobbyState, protocol.LobbyStatePayload{
		LobbyId:   snap.LobbyId,
		Players:   snap.Players,
		Status:    snap.Status,
		Selection: snap.Selection,
	})
	data, err := protocol.Marshal(env)
	if err != nil {
		c.log.Error("coordinator: marshal lobby state", "err", err)
		return
	}

	for _, rec := range c.sessions.Snapshot() {
		if err := rec.Conn.Send(data, transport.ReliableOrdered); err != nil {
			c.log.Warn("coordinator: broadcast send failed", "session", rec.SessionId, "err", err)
		}
	}
}

// advanceCountdown starts the hold timer when status first reaches
// ReadyToPlay, cancels on any un-ready, and owns the five-to-zero tick.
// Callers must invoke this after every status-affecting mutation; the
// timer ticks are driven externally via Tick (the runtime's poll
// loop), matching the single-threaded-with-respect-to-poll contract.
func (c *Coordinator) advanceCountdown(status protocol.LobbyStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if status != protocol.StatusReadyToPlay {
		c.readySince = nil
		if c.inCountdown {
			c.inCountdown = false
			c.countdownSecs = 0
		}
		return
	}
	if c.readySince == nil && !c.inCountdown && !c.inGame {
		now := time.Now()
		c.readySince = &now
	}
}

// Tick is driven from the runtime's poll loop (tens of times a
// second), but a countdown second must only elapse once real wall-clock
// time has passed: it gates its own decrement on lastTickAt rather than
// firing once per call, so a 60Hz poll loop still produces a 5-to-0
// countdown over roughly five real seconds, per spec.md §4.7.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	if !c.inCountdown {
		if c.readySince == nil || time.Since(*c.readySince) < c.countdownHold {
			c.mu.Unlock()
			return
		}
		c.inCountdown = true
		c.countdownSecs = countdownStartSeconds
		c.lastTickAt = time.Now()
		secs := c.countdownSecs
		c.mu.Unlock()
		c.BroadcastIfChanged()
		c.sendCountdown(secs)
		return
	}

	if time.Since(c.lastTickAt) < time.Second {
		c.mu.Unlock()
		return
	}
	c.lastTickAt = c.lastTickAt.Add(time.Second)
	c.countdownSecs--
	secs := c.countdownSecs
	done := secs < 0
	c.mu.Unlock()

	if done {
		c.mu.Lock()
		c.inCountdown = false
		c.readySince = nil
		c.inGame = true
		c.mu.Unlock()
		if c.onGameplayStart != nil {
			c.onGameplayStart()
		}
		c.BroadcastIfChanged()
		c.sendGameplayStart()
		return
	}

	c.sendCountdown(secs)
}

// GameplayEnded clears the InGame status override once a GameplayEnd
// packet arrives, returning the broadcast Status to whatever the lobby
// manager's membership/selection state derives and broadcasting the
// change.
func (c *Coordinator) GameplayEnded() {
	c.mu.Lock()
	wasInGame := c.inGame
	c.inGame = false
	c.mu.Unlock()
	if wasInGame {
		c.BroadcastIfChanged()
	}
}

func (c *Coordinator) sendCountdown(secondsRemaining int) {
	env := protocol.NewEnvelope(protocol.GameplayCountdown, protocol.GameplayCountdownPayload{SecondsRemaining: secondsRemaining})
	data, err := protocol.Marshal(env)
	if err != nil {
		c.log.Error("coordinator: marshal countdown", "err", err)
		return
	}
	for _, rec := range c.sessions.Snapshot() {
		_ = rec.Conn.Send(data, transport.ReliableOrdered)
	}
}

func (c *Coordinator) sendGameplayStart() {
	env := protocol.NewEnvelope(protocol.GameplayStart, protocol.GameplayStartPayload{StartAtUnixMs: time.Now().UnixMilli()})
	data, err := protocol.Marshal(env)
	if err != nil {
		c.log.Error("coordinator: marshal gameplay start", "err", err)
		return
	}
	for _, rec := range c.sessions.Snapshot() {
		_ = rec.Conn.Send(data, transport.ReliableOrdered)
	}
}
