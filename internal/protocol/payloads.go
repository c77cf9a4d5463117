package protocol

// HandshakeRequestPayload is sent by a client immediately after the
// transport connects.
type HandshakeRequestPayload struct {
	ClientVersion string `json:"clientVersion"`
	PlayerName    string `json:"playerName"`
	Password      string `json:"password,omitempty"`
}

// HandshakeResponsePayload is sent by the server in reply to a
// HandshakeRequest.
type HandshakeResponsePayload struct {
	Accepted  bool   `json:"accepted"`
	SessionId string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HeartbeatPayload carries nothing but a timestamp; either side may
// send it to keep a session's idle timer alive.
type HeartbeatPayload struct {
	SentAtUnixMs int64 `json:"sentAtUnixMs"`
}

// PlayerRole is the closed set of roles a LobbyPlayer can hold.
type PlayerRole string

const (
	RoleHost      PlayerRole = "Host"
	RoleMember    PlayerRole = "Member"
	RoleSpectator PlayerRole = "Spectator"
)

// LobbyStatus is derived, never stored raw. See spec.md §3.
type LobbyStatus string

const (
	StatusIdle          LobbyStatus = "Idle"
	StatusSelectingSong LobbyStatus = "SelectingSong"
	StatusReadyToPlay   LobbyStatus = "ReadyToPlay"
	StatusCountdown     LobbyStatus = "Countdown"
	StatusInGame        LobbyStatus = "InGame"
)

// LobbyPlayerView is the wire/snapshot projection of a lobby player.
type LobbyPlayerView struct {
	PlayerId    string     `json:"playerId"`
	DisplayName string     `json:"displayName"`
	Role        PlayerRole `json:"role"`
	IsReady     bool       `json:"isReady"`
}

// SongAssignment binds one player to an instrument/difficulty pair for
// the currently-selected song.
type SongAssignment struct {
	PlayerId   string `json:"playerId"`
	Instrument string `json:"instrument"`
	Difficulty string `json:"difficulty"`
}

// SongSelectionPayload is the wire shape of SongSelectionState.
type SongSelectionPayload struct {
	SongId      string           `json:"songId"`
	Assignments []SongAssignment `json:"assignments,omitempty"`
	AllReady    bool             `json:"allReady"`
}

// LobbyStatePayload is the wire shape of LobbyStateSnapshot.
type LobbyStatePayload struct {
	LobbyId  string                `json:"lobbyId"`
	Players  []LobbyPlayerView     `json:"players"`
	Status   LobbyStatus           `json:"status"`
	Selection *SongSelectionPayload `json:"selection,omitempty"`
}

// LobbyInvitePayload carries an out-of-band invite hint (lobby code or
// direct address) from a host to a would-be joiner.
type LobbyInvitePayload struct {
	LobbyId   string `json:"lobbyId"`
	LobbyCode string `json:"lobbyCode,omitempty"`
	HostName  string `json:"hostName"`
}

// LobbyReadyStatePayload is a client→server command toggling readiness.
type LobbyReadyStatePayload struct {
	SessionId string `json:"sessionId"`
	IsReady   bool   `json:"isReady"`
}

// SongSelectionCommandPayload is a client→server command applying a new
// song selection (only valid from the Host).
type SongSelectionCommandPayload struct {
	SessionId string               `json:"sessionId"`
	State     SongSelectionPayload `json:"state"`
}

// GameplayCountdownPayload ticks down once per second.
type GameplayCountdownPayload struct {
	SecondsRemaining int `json:"secondsRemaining"`
}

// GameplayStartPayload signals the authoritative start-of-song instant.
type GameplayStartPayload struct {
	StartAtUnixMs int64 `json:"startAtUnixMs"`
}

// GameplayStatePayload carries a per-frame gameplay snapshot. The
// payload is intentionally opaque (raw bytes) — scoring/song-library
// semantics are an external collaborator per spec.md §1.
type GameplayStatePayload struct {
	FrameSeq uint32 `json:"frameSeq"`
	Data     []byte `json:"data,omitempty"`
}

// GameplayTimeSyncPayload lets peers reconcile local song-position
// clocks.
type GameplayTimeSyncPayload struct {
	ServerTimeUnixMs int64   `json:"serverTimeUnixMs"`
	SongPositionMs   float64 `json:"songPositionMs"`
}

// GameplayPausePayload toggles the pause state of the active song.
type GameplayPausePayload struct {
	Paused     bool   `json:"paused"`
	ByPlayerId string `json:"byPlayerId,omitempty"`
}

// GameplayEndPayload signals the end of a song.
type GameplayEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ReplaySyncRequestPayload asks a peer (usually the Host) to replay
// missed gameplay-state frames starting after FromFrameSeq.
type ReplaySyncRequestPayload struct {
	FromFrameSeq uint32 `json:"fromFrameSeq"`
}

// ReplaySyncDataPayload carries one batch of replayed frames.
type ReplaySyncDataPayload struct {
	Frames []GameplayStatePayload `json:"frames"`
}

// ReplaySyncCompletePayload marks the end of a replay-sync exchange.
type ReplaySyncCompletePayload struct {
	LastFrameSeq uint32 `json:"lastFrameSeq"`
}
