// Package handshake implements the server- and client-side handshake
// state machines described in spec.md §4.5, generalizing the
// teacher's join-handshake ("AcceptStream, read first ControlMsg,
// validate, AddOrReplaceClient") into named states with explicit
// timeouts.
package handshake

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"netplay/internal/protocol"
	"netplay/internal/session"
	"netplay/internal/transport"
)

// ServerState is a connection's position in the server-side handshake
// state machine.
type ServerState int

const (
	AwaitingHello ServerState = iota
	Validating
	Accepted
	Rejected
	LobbyParticipant
)

// ClientState is the client-side handshake state machine's position.
type ClientState int

const (
	Disconnected ClientState = iota
	SendingHello
	AwaitingResponse
	Ready
)

// Timeouts from spec.md §4.5.
const (
	ServerHelloTimeout    = 5 * time.Second
	ClientResponseTimeout = 3 * time.Second
)

// Sentinel timeout errors for the two waiting states.
var (
	ErrAwaitingHelloTimeout = errors.New("handshake: timed out waiting for HandshakeRequest")
	ErrAwaitingResponseTimeout = errors.New("handshake: timed out waiting for HandshakeResponse")
)

// ServerConfig supplies the data the validation steps need.
type ServerConfig struct {
	ExpectedClientVersion string
	Password              string // empty means no password required
	Sessions              *session.Manager
	Log                   *slog.Logger
}

// AcceptedEvent is delivered to the lobby coordinator on a successful
// handshake.
type AcceptedEvent struct {
	Session *session.Record
}

// ServerMachine drives one connection's handshake on the server side.
type ServerMachine struct {
	cfg   ServerConfig
	state ServerState
	conn  transport.Connection
	timer *time.Timer
}

// NewServerMachine starts a machine in AwaitingHello and arms the
// hello timeout. onTimeout is invoked (once) if no HandshakeRequest
// arrives before ServerHelloTimeout; callers typically disconnect the
// connection from this callback.
func NewServerMachine(cfg ServerConfig, conn transport.Connection, onTimeout func()) *ServerMachine {
	m := &ServerMachine{cfg: cfg, state: AwaitingHello, conn: conn}
	m.timer = time.AfterFunc(ServerHelloTimeout, func() {
		if m.State() == AwaitingHello && onTimeout != nil {
			onTimeout()
		}
	})
	return m
}

// State reports the machine's current state.
func (m *ServerMachine) State() ServerState { return m.state }

// HandleHello validates a HandshakeRequest and returns the response to
// send plus, on success, the minted session record and an
// AcceptedEvent for the coordinator. The caller is responsible for
// serializing the response over ReliableOrdered and, on rejection,
// disconnecting the peer afterward.
func (m *ServerMachine) HandleHello(req protocol.HandshakeRequestPayload) (protocol.HandshakeResponsePayload, *session.Record, error) {
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.state != AwaitingHello {
		return rejectedResponse("Connection already registered."), nil, nil
	}
	m.state = Validating

	if req.ClientVersion != m.cfg.ExpectedClientVersion {
		m.state = Rejected
		return rejectedResponse(fmt.Sprintf("Protocol mismatch: expected %s", m.cfg.ExpectedClientVersion)), nil, nil
	}
	if _, err := session.NormalizePlayerName(req.PlayerName); err != nil {
		m.state = Rejected
		return rejectedResponse("Invalid player name."), nil, nil
	}
	if m.cfg.Sessions.AtCapacity() {
		m.state = Rejected
		return rejectedResponse("Server is full."), nil, nil
	}
	if m.cfg.Password != "" && !constantTimeEqual(m.cfg.Password, req.Password) {
		m.state = Rejected
		return rejectedResponse("Invalid password."), nil, nil
	}
	if _, exists := m.cfg.Sessions.TryGetByConnection(m.conn.Id()); exists {
		m.state = Rejected
		return rejectedResponse("Connection already registered."), nil, nil
	}

	rec, err := m.cfg.Sessions.TryCreateSession(m.conn, req.PlayerName)
	if err != nil {
		m.state = Rejected
		return rejectedResponse(capacityOrGenericReason(err)), nil, nil
	}

	m.state = Accepted
	return protocol.HandshakeResponsePayload{Accepted: true, SessionId: rec.SessionId}, rec, nil
}

// MarkLobbyParticipant transitions an Accepted machine into
// LobbyParticipant once the coordinator has processed the acceptance.
func (m *ServerMachine) MarkLobbyParticipant() {
	if m.state == Accepted {
		m.state = LobbyParticipant
	}
}

func capacityOrGenericReason(err error) string {
	if errors.Is(err, session.ErrCapacityReached) {
		return "Server is full."
	}
	if errors.Is(err, session.ErrDuplicateConnection) {
		return "Connection already registered."
	}
	return "Invalid player name."
}

func rejectedResponse(reason string) protocol.HandshakeResponsePayload {
	return protocol.HandshakeResponsePayload{Accepted: false, Reason: reason}
}

func constantTimeEqual(expected, got string) bool {
	if len(expected) != len(got) {
		// subtle.ConstantTimeCompare requires equal-length slices;
		// mismatched lengths are already not equal, and leaking length
		// here is no worse than the TCP/QUIC framing already leaking
		// message size.
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// ClientSessionContext is the shared cell the client runtime and lobby
// command senders consult to learn the active SessionId, per spec.md
// §4.8.
type ClientSessionContext struct {
	sessionId string
}

// SessionId returns the active session id, or "" if none.
func (c *ClientSessionContext) SessionId() string { return c.sessionId }

func (c *ClientSessionContext) set(id string)  { c.sessionId = id }
func (c *ClientSessionContext) clear()         { c.sessionId = "" }

// ClientMachine drives the client side of the handshake.
type ClientMachine struct {
	clientVersion string
	playerName    string
	password      string
	ctx           *ClientSessionContext
	log           *slog.Logger

	state ClientState
	timer *time.Timer
}

// NewClientMachine returns a machine in Disconnected state.
func NewClientMachine(clientVersion, playerName, password string, sessCtx *ClientSessionContext, log *slog.Logger) *ClientMachine {
	if log == nil {
		log = slog.Default()
	}
	return &ClientMachine{clientVersion: clientVersion, playerName: playerName, password: password, ctx: sessCtx, log: log, state: Disconnected}
}

// State reports the machine's current state.
func (m *ClientMachine) State() ClientState { return m.state }

// OnTransportConnected transitions Disconnected -> SendingHello, passes
// the HandshakeRequest to send, and on success moves to
// AwaitingResponse and arms the response timeout. It returns send's
// error, if any.
func (m *ClientMachine) OnTransportConnected(send func(protocol.HandshakeRequestPayload) error, onTimeout func(error)) error {
	m.state = SendingHello
	req := protocol.HandshakeRequestPayload{ClientVersion: m.clientVersion, PlayerName: m.playerName, Password: m.password}
	if err := send(req); err != nil {
		m.state = Disconnected
		return err
	}
	m.state = AwaitingResponse
	m.timer = time.AfterFunc(ClientResponseTimeout, func() {
		if m.state == AwaitingResponse {
			m.state = Disconnected
			if onTimeout != nil {
				onTimeout(ErrAwaitingResponseTimeout)
			}
		}
	})
	return nil
}

// HandleResponse applies a HandshakeResponse. On acceptance the
// session id is recorded into the shared context and the machine
// becomes Ready; on rejection the context is cleared and the reason
// returned for surfacing to the UI event stream.
func (m *ClientMachine) HandleResponse(resp protocol.HandshakeResponsePayload) (ready bool, reason string) {
	if m.timer != nil {
		m.timer.Stop()
	}
	if resp.Accepted {
		m.ctx.set(resp.SessionId)
		m.state = Ready
		return true, ""
	}
	m.ctx.clear()
	m.state = Disconnected
	return false, resp.Reason
}

// OnDisconnected resets the machine and clears any active session.
func (m *ClientMachine) OnDisconnected() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.ctx.clear()
	m.state = Disconnected
}
