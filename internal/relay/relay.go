// Package relay implements the relay fallback described in spec.md
// §4.10/§6: an HTTP allocation call followed by an opcode-framed UDP
// tunnel, wrapped as an ordinary transport.Connection. The opcode
// framing generalizes the teacher's big-endian datagram header
// stamping (client.go's DatagramHeader) to the relay's
// {opcode, sessionId, payload} shape.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"netplay/internal/transport"
)

// Opcode identifies a relay UDP frame's purpose.
type Opcode byte

const (
	OpHostRegister    Opcode = 1
	OpClientRegister  Opcode = 2
	OpData            Opcode = 3
	OpHeartbeat       Opcode = 4
	OpDisconnect      Opcode = 5
	OpAck             Opcode = 10
	OpPeerConnected   Opcode = 11
	OpPeerDisconnected Opcode = 12
)

// sessionIdLen is the fixed 16-byte relay session id length.
const sessionIdLen = 16

// HeartbeatInterval is how often a connected relay link sends opcode 4.
const HeartbeatInterval = 5 * time.Second

// AllocateRequest is POSTed to /api/relay/allocate.
type AllocateRequest struct {
	LobbyId string `json:"lobbyId"`
}

// AllocateResponse is returned by POST /api/relay/allocate.
type AllocateResponse struct {
	Success      bool   `json:"success"`
	SessionId    string `json:"sessionId"`
	RelayAddress string `json:"relayAddress"`
	RelayPort    int    `json:"relayPort"`
	Message      string `json:"message"`
}

// InfoResponse is returned by GET /api/relay/info.
type InfoResponse struct {
	Available bool   `json:"available"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	Message   string `json:"message"`
}

// Client performs the HTTP allocation call and dials the resulting
// relay UDP endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client pointed at the relay server's HTTP base.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}}
}

// Info queries relay-server availability.
func (c *Client) Info(ctx context.Context) (InfoResponse, error) {
	var out InfoResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/relay/info", nil)
	if err != nil {
		return out, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("relay: info: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("relay: decode info: %w", err)
	}
	return out, nil
}

// Allocate requests a relay session for lobbyId.
func (c *Client) Allocate(ctx context.Context, lobbyId string) (AllocateResponse, error) {
	var out AllocateResponse
	body, _ := json.Marshal(AllocateRequest{LobbyId: lobbyId})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/relay/allocate", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("relay: allocate: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("relay: decode allocate response: %w", err)
	}
	if !out.Success {
		return out, fmt.Errorf("relay: allocate failed: %s", out.Message)
	}
	return out, nil
}

// AllocateWithRetry retries Allocate with exponential backoff plus
// jitter, the same policy internal/punch.RequestWithRetry applies to
// punch requests, since a relay allocation can transiently fail while
// the relay server is under load.
func (c *Client) AllocateWithRetry(ctx context.Context, lobbyId string, attempts int, baseDelay time.Duration) (AllocateResponse, error) {
	var last AllocateResponse
	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := c.Allocate(ctx, lobbyId)
		if err == nil {
			return resp, nil
		}
		last, lastErr = resp, err

		if i == attempts-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<uint(i))
		jitter := time.Duration(rand.Int63n(int64(baseDelay) + 1))
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(delay + jitter):
		}
	}
	return last, fmt.Errorf("relay: allocate with retry: %w", lastErr)
}

// Deallocate releases a relay session.
func (c *Client) Deallocate(ctx context.Context, sessionId string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/api/relay/%s", c.baseURL, sessionId), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay: deallocate: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// parseSessionId converts sessionId's uuid text form into its 16
// raw bytes for framing.
func parseSessionId(sessionId string) ([sessionIdLen]byte, error) {
	var out [sessionIdLen]byte
	id, err := uuid.Parse(sessionId)
	if err != nil {
		return out, fmt.Errorf("relay: parse session id: %w", err)
	}
	copy(out[:], id[:])
	return out, nil
}

// Connection wraps a relay UDP socket as an ordinary
// transport.Connection, so higher layers never know the difference
// between a direct QUIC peer and a relayed one.
type Connection struct {
	conn      *net.UDPConn
	sessionId [sessionIdLen]byte
	isHost    bool

	closed atomic.Bool

	onPeerData         func(payload []byte)
	onPeerConnected    func()
	onPeerDisconnected func(reason string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Connection = (*Connection)(nil)

// Dial opens the UDP socket to the relay endpoint, sends the 17-byte
// registration frame (HostRegister or ClientRegister), and starts the
// heartbeat and read loops.
func Dial(relayAddress string, relayPort int, sessionId string, isHost bool) (*Connection, error) {
	sid, err := parseSessionId(sessionId)
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", relayAddress, relayPort))
	if err != nil {
		return nil, fmt.Errorf("relay: resolve %s:%d: %w", relayAddress, relayPort, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}

	rc := &Connection{conn: conn, sessionId: sid, isHost: isHost}

	op := OpClientRegister
	if isHost {
		op = OpHostRegister
	}
	frame := make([]byte, 1+sessionIdLen)
	frame[0] = byte(op)
	copy(frame[1:], sid[:])
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: send registration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	rc.wg.Add(2)
	go rc.heartbeatLoop(ctx)
	go rc.readLoop(ctx)
	return rc, nil
}

// OnPeerData registers the callback invoked for inbound Data frames.
func (rc *Connection) OnPeerData(fn func(payload []byte)) { rc.onPeerData = fn }

// OnPeerConnected registers the callback invoked for an opcode 11
// PeerConnected frame.
func (rc *Connection) OnPeerConnected(fn func()) { rc.onPeerConnected = fn }

// OnPeerDisconnected registers the callback invoked for an opcode 12
// PeerDisconnected frame, or for a local read failure.
func (rc *Connection) OnPeerDisconnected(fn func(reason string)) { rc.onPeerDisconnected = fn }

func (rc *Connection) heartbeatLoop(ctx context.Context) {
	defer rc.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := make([]byte, 1+sessionIdLen)
			frame[0] = byte(OpHeartbeat)
			copy(frame[1:], rc.sessionId[:])
			rc.conn.Write(frame)
		}
	}
}

func (rc *Connection) readLoop(ctx context.Context) {
	defer rc.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, err := rc.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if rc.onPeerDisconnected != nil {
				rc.onPeerDisconnected("relay read error: " + err.Error())
			}
			return
		}
		if n < 1 {
			continue
		}
		op := Opcode(buf[0])
		switch op {
		case OpAck:
			// status byte + optional message; no action required here.
		case OpPeerConnected:
			if rc.onPeerConnected != nil {
				rc.onPeerConnected()
			}
		case OpPeerDisconnected:
			if rc.onPeerDisconnected != nil {
				rc.onPeerDisconnected("peer disconnected via relay")
			}
		case OpData:
			if n < 1+sessionIdLen {
				continue
			}
			payload := make([]byte, n-1-sessionIdLen)
			copy(payload, buf[1+sessionIdLen:n])
			if rc.onPeerData != nil {
				rc.onPeerData(payload)
			}
		}
	}
}

// Id satisfies transport.Connection using the relay session id.
func (rc *Connection) Id() string { return uuidFromBytes(rc.sessionId).String() }

// RemoteEndpoint reports the relay server's address, since the actual
// peer address is opaque behind the relay.
func (rc *Connection) RemoteEndpoint() string { return rc.conn.RemoteAddr().String() }

// Send tunnels payload as an opcode-3 Data frame.
func (rc *Connection) Send(payload []byte, _ transport.Channel) error {
	if rc.closed.Load() {
		return nil
	}
	frame := make([]byte, 1+sessionIdLen+len(payload))
	frame[0] = byte(OpData)
	copy(frame[1:1+sessionIdLen], rc.sessionId[:])
	copy(frame[1+sessionIdLen:], payload)
	_, err := rc.conn.Write(frame)
	return err
}

// Disconnect sends an opcode-5 Disconnect frame and releases the
// socket. Idempotent.
func (rc *Connection) Disconnect(reason string) {
	if !rc.closed.CompareAndSwap(false, true) {
		return
	}
	frame := make([]byte, 1+sessionIdLen)
	frame[0] = byte(OpDisconnect)
	copy(frame[1:], rc.sessionId[:])
	rc.conn.Write(frame)

	if rc.cancel != nil {
		rc.cancel()
	}
	// Close before waiting: readLoop is blocked in a plain conn.Read,
	// which only a closed socket (not ctx cancellation) can unblock.
	rc.conn.Close()
	rc.wg.Wait()
}

func uuidFromBytes(b [sessionIdLen]byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], b[:])
	return id
}
