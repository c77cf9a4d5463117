// Package session tracks the mapping between an accepted transport
// connection and the lobby participant it belongs to, generalizing
// the teacher's clients-map-plus-mutex room membership table from a
// numeric slot id to a uuid SessionId.
package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"netplay/internal/transport"
)

// MaxDisplayNameLength and MinDisplayNameLength bound the accepted
// PlayerName length after trimming, per spec.md §4.5.
const (
	MinDisplayNameLength = 1
	MaxDisplayNameLength = 24
)

// Sentinel errors returned by Manager methods.
var (
	ErrCapacityReached   = errors.New("session: capacity reached")
	ErrInvalidPlayerName = errors.New("session: invalid player name")
	ErrDuplicateConnection = errors.New("session: connection already has a session")
	ErrNotFound          = errors.New("session: not found")
)

// Record is one accepted participant: the SessionId is freshly minted
// per accepted connection and is not reused across reconnects (see
// DESIGN.md), while ConnectionId tracks the live transport connection
// backing it.
type Record struct {
	SessionId    string
	ConnectionId string
	PlayerName   string
	Conn         transport.Connection

	// LastSeen is bumped by Touch whenever the connection produces any
	// traffic, including Heartbeat packets. The server runtime uses it
	// to evict sessions that have gone silent (added feature, see
	// SPEC_FULL.md §7 "Per-session idle/heartbeat timeout").
	LastSeen time.Time
}

// Manager is the authoritative table of active sessions for one
// lobby/server instance. All methods are safe for concurrent use.
type Manager struct {
	maxSessions int

	mu             sync.RWMutex
	bySessionId    map[string]*Record
	byConnectionId map[string]*Record
}

// NewManager returns a Manager that accepts up to maxSessions
// concurrent participants. maxSessions <= 0 means unbounded.
func NewManager(maxSessions int) *Manager {
	return &Manager{
		maxSessions:    maxSessions,
		bySessionId:    make(map[string]*Record),
		byConnectionId: make(map[string]*Record),
	}
}

// NormalizePlayerName trims surrounding whitespace and validates
// length. It does not mutate case, matching spec.md §4.5's
// byte-for-byte display requirement.
func NormalizePlayerName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < MinDisplayNameLength || len(trimmed) > MaxDisplayNameLength {
		return "", fmt.Errorf("%w: length %d outside [%d,%d]", ErrInvalidPlayerName, len(trimmed), MinDisplayNameLength, MaxDisplayNameLength)
	}
	return trimmed, nil
}

// TryCreateSession allocates a new session bound to conn. It fails if
// the manager is at capacity, the name is invalid, or conn already has
// a session.
func (m *Manager) TryCreateSession(conn transport.Connection, playerName string) (*Record, error) {
	name, err := NormalizePlayerName(playerName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byConnectionId[conn.Id()]; exists {
		return nil, ErrDuplicateConnection
	}
	if m.maxSessions > 0 && len(m.bySessionId) >= m.maxSessions {
		return nil, ErrCapacityReached
	}

	rec := &Record{
		SessionId:    uuid.NewString(),
		ConnectionId: conn.Id(),
		PlayerName:   name,
		Conn:         conn,
		LastSeen:     time.Now(),
	}
	m.bySessionId[rec.SessionId] = rec
	m.byConnectionId[rec.ConnectionId] = rec
	return rec, nil
}

// TryRemoveSession deletes the session, if present, and reports
// whether one was removed.
func (m *Manager) TryRemoveSession(sessionId string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.bySessionId[sessionId]
	if !ok {
		return nil, false
	}
	delete(m.bySessionId, sessionId)
	delete(m.byConnectionId, rec.ConnectionId)
	return rec, true
}

// TryRemoveByConnection removes whichever session owns connectionId.
func (m *Manager) TryRemoveByConnection(connectionId string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byConnectionId[connectionId]
	if !ok {
		return nil, false
	}
	delete(m.bySessionId, rec.SessionId)
	delete(m.byConnectionId, connectionId)
	return rec, true
}

// TryGetBySessionId looks up a session by its id.
func (m *Manager) TryGetBySessionId(sessionId string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.bySessionId[sessionId]
	return rec, ok
}

// TryGetByConnection looks up the session owning a connection.
func (m *Manager) TryGetByConnection(connectionId string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byConnectionId[connectionId]
	return rec, ok
}

// Count reports the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySessionId)
}

// AtCapacity reports whether the manager currently has no room for
// another session. Always false when maxSessions is unbounded (<= 0).
func (m *Manager) AtCapacity() bool {
	if m.maxSessions <= 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySessionId) >= m.maxSessions
}

// Touch bumps the LastSeen time for whichever session owns
// connectionId. A no-op if the connection has no session (e.g. still
// mid-handshake).
func (m *Manager) Touch(connectionId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byConnectionId[connectionId]; ok {
		rec.LastSeen = time.Now()
	}
}

// EvictIdle removes and returns every session whose LastSeen is older
// than timeout. timeout <= 0 disables eviction (returns nil).
func (m *Manager) EvictIdle(timeout time.Duration) []*Record {
	if timeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-timeout)

	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*Record
	for id, rec := range m.bySessionId {
		if rec.LastSeen.Before(cutoff) {
			expired = append(expired, rec)
			delete(m.bySessionId, id)
			delete(m.byConnectionId, rec.ConnectionId)
		}
	}
	return expired
}

// Snapshot returns a copy of all active records, safe to range over
// without holding the Manager's lock. Mirrors the snapshot-under-lock
// pattern used for lobby broadcast fan-out.
func (m *Manager) Snapshot() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.bySessionId))
	for _, rec := range m.bySessionId {
		out = append(out, rec)
	}
	return out
}
