// Package lobby owns membership, readiness, and song-selection state
// for one lobby, and coordinates broadcasting snapshots and countdown
// ticks to its members. It generalizes the teacher's Room type (host
// ownership transfer, snapshot-then-broadcast fan-out) to the
// rhythm-game domain described in spec.md §4.6-§4.7.
package lobby

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"netplay/internal/protocol"
)

// Sentinel errors returned by Manager methods.
var (
	ErrLobbyFull            = errors.New("lobby: full")
	ErrSessionUnknown       = errors.New("lobby: session unknown")
	ErrAlreadyMember        = errors.New("lobby: already a member")
	ErrPlayerUnknown        = errors.New("lobby: player unknown")
	ErrSpectatorCannotReady = errors.New("lobby: spectator cannot ready")
)

// Player is one lobby member's mutable state.
type Player struct {
	PlayerId    string
	DisplayName string
	Role        protocol.PlayerRole
	IsReady     bool
	joinOrder   int
}

// SongSelectionState mirrors protocol.SongSelectionPayload but keeps
// Assignments indexed for normalization.
type SongSelectionState struct {
	SongId      string
	Assignments []protocol.SongAssignment
	AllReady    bool
}

// Config bounds a Manager's membership.
type Config struct {
	MaxPlayers int
	LobbyId    string
}

// Manager owns one lobby's authoritative membership and selection
// state. All exported methods are safe for concurrent use.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	players   map[string]*Player
	joinOrder []string
	selection *SongSelectionState
	nextJoin  int
}

// NewManager returns an empty lobby manager. A blank LobbyId is
// replaced with a freshly minted uuid.
func NewManager(cfg Config) *Manager {
	if cfg.LobbyId == "" {
		cfg.LobbyId = uuid.NewString()
	}
	return &Manager{cfg: cfg, players: make(map[string]*Player)}
}

// TryAddPlayer admits sessionId as requestedRole, applying the
// first-player-is-Host and no-second-Host coercion rules of spec.md
// §4.6.
func (m *Manager) TryAddPlayer(sessionId, displayName string, requestedRole protocol.PlayerRole) (*Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.players[sessionId]; exists {
		return nil, ErrAlreadyMember
	}
	if m.cfg.MaxPlayers > 0 && len(m.players) >= m.cfg.MaxPlayers {
		return nil, ErrLobbyFull
	}

	role := requestedRole
	if len(m.players) == 0 {
		role = protocol.RoleHost
	} else if role == protocol.RoleHost {
		role = protocol.RoleMember
	}

	p := &Player{PlayerId: sessionId, DisplayName: displayName, Role: role, joinOrder: m.nextJoin}
	m.nextJoin++
	m.players[sessionId] = p
	m.joinOrder = append(m.joinOrder, sessionId)
	return p, nil
}

// TryRemovePlayer removes sessionId, promoting the earliest-joined
// remaining Member to Host if the Host left, and clearing Selection if
// no Members remain.
func (m *Manager) TryRemovePlayer(sessionId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.players[sessionId]
	if !exists {
		return ErrSessionUnknown
	}
	delete(m.players, sessionId)
	for i, id := range m.joinOrder {
		if id == sessionId {
			m.joinOrder = append(m.joinOrder[:i], m.joinOrder[i+1:]...)
			break
		}
	}

	if p.Role == protocol.RoleHost {
		m.promoteEarliestMemberLocked()
	}
	if !m.hasAnyMemberLocked() {
		m.selection = nil
	}
	return nil
}

func (m *Manager) promoteEarliestMemberLocked() {
	for _, id := range m.joinOrder {
		if candidate := m.players[id]; candidate.Role == protocol.RoleMember {
			candidate.Role = protocol.RoleHost
			return
		}
	}
}

func (m *Manager) hasAnyMemberLocked() bool {
	for _, p := range m.players {
		if p.Role != protocol.RoleSpectator {
			return true
		}
	}
	return false
}

// TrySetReady toggles sessionId's readiness. Spectators may never
// ready up.
func (m *Manager) TrySetReady(sessionId string, ready bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.players[sessionId]
	if !exists {
		return false, ErrPlayerUnknown
	}
	if p.Role == protocol.RoleSpectator {
		return false, ErrSpectatorCannotReady
	}
	if p.IsReady == ready {
		return false, nil
	}
	p.IsReady = ready
	return true, nil
}

// TryApplySongSelection normalizes and applies state, per the ordered
// rules of spec.md §4.6. Any new SongId clears readiness for all
// non-Spectator players. Dedup is keyed by PlayerId alone (not
// PlayerId+Instrument): spec.md §8's worked example only ever keeps
// one assignment per player, so a second assignment for an
// already-seen player is dropped even if it names a different
// instrument.
func (m *Manager) TryApplySongSelection(state SongSelectionState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	songId := strings.TrimSpace(state.SongId)
	if songId == "" {
		return false, errors.New("lobby: song selection requires a non-empty SongId")
	}

	seenKeys := make(map[string]bool)
	normalized := make([]protocol.SongAssignment, 0, len(state.Assignments))
	for _, a := range state.Assignments {
		instrument := strings.TrimSpace(a.Instrument)
		difficulty := strings.TrimSpace(a.Difficulty)
		if instrument == "" || difficulty == "" {
			continue
		}
		p, isMember := m.players[a.PlayerId]
		if !isMember || p.Role == protocol.RoleSpectator {
			continue
		}
		if seenKeys[a.PlayerId] {
			continue
		}
		seenKeys[a.PlayerId] = true
		normalized = append(normalized, protocol.SongAssignment{PlayerId: a.PlayerId, Instrument: instrument, Difficulty: difficulty})
	}

	changedSong := m.selection == nil || m.selection.SongId != songId
	m.selection = &SongSelectionState{SongId: songId, Assignments: normalized}
	if changedSong {
		for _, p := range m.players {
			if p.Role != protocol.RoleSpectator {
				p.IsReady = false
			}
		}
	}
	return true, nil
}

// Snapshot is the immutable, comparable lobby view broadcast to
// clients.
type Snapshot struct {
	LobbyId   string
	Players   []protocol.LobbyPlayerView
	Status    protocol.LobbyStatus
	Selection *protocol.SongSelectionPayload
}

// BuildSnapshot returns the current immutable view, with Status
// derived from the invariants of spec.md §3.
func (m *Manager) BuildSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	players := make([]protocol.LobbyPlayerView, 0, len(m.joinOrder))
	for _, id := range m.joinOrder {
		p := m.players[id]
		players = append(players, protocol.LobbyPlayerView{PlayerId: p.PlayerId, DisplayName: p.DisplayName, Role: p.Role, IsReady: p.IsReady})
	}

	var selectionPayload *protocol.SongSelectionPayload
	if m.selection != nil {
		selectionPayload = &protocol.SongSelectionPayload{
			SongId:      m.selection.SongId,
			Assignments: append([]protocol.SongAssignment(nil), m.selection.Assignments...),
			AllReady:    allNonSpectatorsReadyLocked(m.players),
		}
	}

	return Snapshot{
		LobbyId:   m.cfg.LobbyId,
		Players:   players,
		Status:    deriveStatusLocked(m.players, m.selection),
		Selection: selectionPayload,
	}
}

func allNonSpectatorsReadyLocked(players map[string]*Player) bool {
	any := false
	for _, p := range players {
		if p.Role == protocol.RoleSpectator {
			continue
		}
		any = true
		if !p.IsReady {
			return false
		}
	}
	return any
}

func deriveStatusLocked(players map[string]*Player, selection *SongSelectionState) protocol.LobbyStatus {
	if selection == nil {
		return protocol.StatusIdle
	}
	if allNonSpectatorsReadyLocked(players) {
		return protocol.StatusReadyToPlay
	}
	return protocol.StatusSelectingSong
}

// Equal reports whether two snapshots are structurally identical,
// used by the coordinator to skip redundant broadcasts.
func (s Snapshot) Equal(other Snapshot) bool {
	if s.LobbyId != other.LobbyId || s.Status != other.Status || len(s.Players) != len(other.Players) {
		return false
	}
	for i := range s.Players {
		if s.Players[i] != other.Players[i] {
			return false
		}
	}
	if (s.Selection == nil) != (other.Selection == nil) {
		return false
	}
	if s.Selection == nil {
		return true
	}
	if s.Selection.SongId != other.Selection.SongId || s.Selection.AllReady != other.Selection.AllReady {
		return false
	}
	if len(s.Selection.Assignments) != len(other.Selection.Assignments) {
		return false
	}
	for i := range s.Selection.Assignments {
		if s.Selection.Assignments[i] != other.Selection.Assignments[i] {
			return false
		}
	}
	return true
}
