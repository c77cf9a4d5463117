package lobby

import (
	"testing"
	"time"

	"netplay/internal/protocol"
	"netplay/internal/session"
	"netplay/internal/transport"
)

func TestCoordinatorBroadcastsOnHandshakeAccepted(t *testing.T) {
	sessions := session.NewManager(0)
	lobbyMgr := NewManager(Config{})
	coord := NewCoordinator(nil, lobbyMgr, sessions, DefaultCountdownHold)

	conn := newRecordingConn("conn-1")
	rec, err := sessions.TryCreateSession(conn, "Alice")
	if err != nil {
		t.Fatalf("TryCreateSession: %v", err)
	}

	coord.HandshakeAccepted(rec.SessionId, rec.PlayerName)

	if len(conn.sent) != 1 {
		t.Fatalf("sent = %d envelopes, want 1", len(conn.sent))
	}
	raw, err := protocol.ParseRaw(conn.sent[0])
	if err != nil {
		t.Fatalf("ParseRaw: %v", err)
	}
	if raw.Type != protocol.LobbyState {
		t.Fatalf("Type = %v, want LobbyState", raw.Type)
	}
}

func TestCoordinatorSkipsRedundantBroadcast(t *testing.T) {
	sessions := session.NewManager(0)
	lobbyMgr := NewManager(Config{})
	coord := NewCoordinator(nil, lobbyMgr, sessions, DefaultCountdownHold)

	conn := newRecordingConn("conn-1")
	rec, err := sessions.TryCreateSession(conn, "Alice")
	if err != nil {
		t.Fatalf("TryCreateSession: %v", err)
	}
	coord.HandshakeAccepted(rec.SessionId, rec.PlayerName)
	firstCount := len(conn.sent)

	coord.BroadcastIfChanged()
	if len(conn.sent) != firstCount {
		t.Fatalf("expected no additional broadcast for unchanged snapshot, sent = %d", len(conn.sent))
	}
}

func TestCoordinatorCountdownReachesGameplayStart(t *testing.T) {
	sessions := session.NewManager(0)
	lobbyMgr := NewManager(Config{})
	coord := NewCoordinator(nil, lobbyMgr, sessions, 0)

	conn := newRecordingConn("conn-1")
	rec, err := sessions.TryCreateSession(conn, "Alice")
	if err != nil {
		t.Fatalf("TryCreateSession: %v", err)
	}
	coord.HandshakeAccepted(rec.SessionId, rec.PlayerName)

	if _, err := lobbyMgr.TryApplySongSelection(SongSelectionState{SongId: "song-1"}); err != nil {
		t.Fatalf("TryApplySongSelection: %v", err)
	}
	coord.BroadcastIfChanged()
	if _, err := lobbyMgr.TrySetReady(rec.SessionId, true); err != nil {
		t.Fatalf("TrySetReady: %v", err)
	}
	coord.BroadcastIfChanged()

	gameplayStarted := false
	coord.OnGameplayStart(func() { gameplayStarted = true })

	for i := 0; i < countdownStartSeconds+2; i++ {
		if i > 0 {
			// Tick only decrements once a real second has elapsed;
			// back-date lastTickAt so the loop doesn't have to sleep.
			coord.mu.Lock()
			coord.lastTickAt = coord.lastTickAt.Add(-2 * time.Second)
			coord.mu.Unlock()
		}
		coord.Tick()
	}

	if !gameplayStarted {
		t.Fatal("expected gameplay start to fire after countdown ticks")
	}

	sawCountdown := false
	sawStart := false
	for _, data := range conn.sent {
		raw, err := protocol.ParseRaw(data)
		if err != nil {
			continue
		}
		if raw.Type == protocol.GameplayCountdown {
			sawCountdown = true
		}
		if raw.Type == protocol.GameplayStart {
			sawStart = true
		}
	}
	if !sawCountdown {
		t.Fatal("expected at least one GameplayCountdown envelope")
	}
	if !sawStart {
		t.Fatal("expected a GameplayStart envelope")
	}
}

func TestCoordinatorUnreadyCancelsCountdown(t *testing.T) {
	sessions := session.NewManager(0)
	lobbyMgr := NewManager(Config{})
	coord := NewCoordinator(nil, lobbyMgr, sessions, 0)

	conn := newRecordingConn("conn-1")
	rec, err := sessions.TryCreateSession(conn, "Alice")
	if err != nil {
		t.Fatalf("TryCreateSession: %v", err)
	}
	coord.HandshakeAccepted(rec.SessionId, rec.PlayerName)
	if _, err := lobbyMgr.TryApplySongSelection(SongSelectionState{SongId: "song-1"}); err != nil {
		t.Fatalf("TryApplySongSelection: %v", err)
	}
	if _, err := lobbyMgr.TrySetReady(rec.SessionId, true); err != nil {
		t.Fatalf("TrySetReady: %v", err)
	}
	coord.BroadcastIfChanged()
	coord.Tick()

	if _, err := lobbyMgr.TrySetReady(rec.SessionId, false); err != nil {
		t.Fatalf("TrySetReady false: %v", err)
	}
	coord.BroadcastIfChanged()

	coord.mu.Lock()
	inCountdown := coord.inCountdown
	readySince := coord.readySince
	coord.mu.Unlock()
	if inCountdown || readySince != nil {
		t.Fatal("expected un-readying to cancel the pending countdown")
	}
}

func TestBroadcastStatusReflectsCountdownAndInGame(t *testing.T) {
	sessions := session.NewManager(0)
	lobbyMgr := NewManager(Config{})
	coord := NewCoordinator(nil, lobbyMgr, sessions, 0)

	conn := newRecordingConn("conn-1")
	rec, err := sessions.TryCreateSession(conn, "Alice")
	if err != nil {
		t.Fatalf("TryCreateSession: %v", err)
	}
	coord.HandshakeAccepted(rec.SessionId, rec.PlayerName)
	if _, err := lobbyMgr.TryApplySongSelection(SongSelectionState{SongId: "song-1"}); err != nil {
		t.Fatalf("TryApplySongSelection: %v", err)
	}
	if _, err := lobbyMgr.TrySetReady(rec.SessionId, true); err != nil {
		t.Fatalf("TrySetReady: %v", err)
	}
	coord.BroadcastIfChanged()

	coord.Tick() // enters Countdown

	lastStatus := func() protocol.LobbyStatus {
		var status protocol.LobbyStatus
		for i := len(conn.sent) - 1; i >= 0; i-- {
			raw, err := protocol.ParseRaw(conn.sent[i])
			if err != nil || raw.Type != protocol.LobbyState {
				continue
			}
			env, err := protocol.BindPayload[protocol.LobbyStatePayload](raw)
			if err != nil {
				t.Fatalf("BindPayload: %v", err)
			}
			status = env.Payload.Status
			break
		}
		return status
	}

	if got := lastStatus(); got != protocol.StatusCountdown {
		t.Fatalf("status after entering countdown = %v, want Countdown", got)
	}

	for i := 0; i < countdownStartSeconds+1; i++ {
		coord.mu.Lock()
		coord.lastTickAt = coord.lastTickAt.Add(-2 * time.Second)
		coord.mu.Unlock()
		coord.Tick()
	}

	if got := lastStatus(); got != protocol.StatusInGame {
		t.Fatalf("status after countdown completes = %v, want InGame", got)
	}

	coord.GameplayEnded()
	if got := lastStatus(); got != protocol.StatusSelectingSong && got != protocol.StatusReadyToPlay {
		t.Fatalf("status after GameplayEnded = %v, want the membership-derived status restored", got)
	}
}

// recordingConn is a transport.Connection test double that captures
// every payload handed to Send.
type recordingConn struct {
	id   string
	sent [][]byte
}

func newRecordingConn(id string) *recordingConn { return &recordingConn{id: id} }

func (c *recordingConn) Id() string             { return c.id }
func (c *recordingConn) RemoteEndpoint() string { return "recording:0" }
func (c *recordingConn) Send(payload []byte, channel transport.Channel) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.sent = append(c.sent, cp)
	return nil
}
func (c *recordingConn) Disconnect(reason string) {}
