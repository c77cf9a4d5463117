// Package relaytest spins up a real Echo HTTP server standing in for
// the out-of-scope relay allocation service, plus a minimal UDP echo
// relay so relay.Connection can be exercised end to end.
package relaytest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"netplay/internal/relay"
)

// Server is an in-memory stand-in for the relay HTTP service plus a
// loopback UDP relay that just reflects Data frames back to whichever
// side did not send them, like a two-party switchboard.
type Server struct {
	echo *echo.Echo
	ts   *httptest.Server

	udp *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*pair
}

type pair struct {
	host   *net.UDPAddr
	client *net.UDPAddr
}

// New starts the HTTP stand-in and a UDP relay socket on an ephemeral
// port.
func New() *Server {
	s := &Server{sessions: make(map[string]*pair)}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		panic(err)
	}
	s.udp = conn
	go s.udpLoop()

	e := echo.New()
	e.HideBanner = true
	e.GET("/api/relay/info", s.info)
	e.POST("/api/relay/allocate", s.allocate)
	e.DELETE("/api/relay/:sessionId", s.deallocate)

	s.echo = e
	s.ts = httptest.NewServer(e)
	return s
}

// URL is the stand-in's HTTP base URL.
func (s *Server) URL() string { return s.ts.URL }

// UDPPort is the relay's UDP listening port.
func (s *Server) UDPPort() int { return s.udp.LocalAddr().(*net.UDPAddr).Port }

// Close releases both the HTTP and UDP listeners.
func (s *Server) Close() {
	s.ts.Close()
	s.udp.Close()
}

func (s *Server) info(c echo.Context) error {
	return c.JSON(http.StatusOK, relay.InfoResponse{Available: true, Address: "127.0.0.1", Port: s.UDPPort()})
}

func (s *Server) allocate(c echo.Context) error {
	var req relay.AllocateRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	sessionId := uuid.NewString()
	s.mu.Lock()
	s.sessions[sessionId] = &pair{}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, relay.AllocateResponse{
		Success:      true,
		SessionId:    sessionId,
		RelayAddress: "127.0.0.1",
		RelayPort:    s.UDPPort(),
	})
}

func (s *Server) deallocate(c echo.Context) error {
	s.mu.Lock()
	delete(s.sessions, c.Param("sessionId"))
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) udpLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < 1 {
			continue
		}
		op := relay.Opcode(buf[0])
		if n < 17 {
			if op == relay.OpHeartbeat || op == relay.OpDisconnect {
				continue
			}
			continue
		}
		var rawId [16]byte
		copy(rawId[:], buf[1:17])
		sessionId := uuid.UUID(rawId).String()

		s.mu.Lock()
		p, ok := s.sessions[sessionId]
		if !ok {
			p = &pair{}
			s.sessions[sessionId] = p
		}
		switch op {
		case relay.OpHostRegister:
			p.host = addr
		case relay.OpClientRegister:
			p.client = addr
			if p.host != nil {
				ackAndNotify(s.udp, p, sessionId)
			}
		case relay.OpData:
			dest := peerOf(p, addr)
			if dest != nil {
				s.udp.WriteToUDP(buf[:n], dest)
			}
		}
		s.mu.Unlock()
	}
}

func peerOf(p *pair, from *net.UDPAddr) *net.UDPAddr {
	if p.host != nil && p.host.String() == from.String() {
		return p.client
	}
	return p.host
}

func ackAndNotify(conn *net.UDPConn, p *pair, sessionId string) {
	id, _ := uuid.Parse(sessionId)
	connected := make([]byte, 17)
	connected[0] = byte(relay.OpPeerConnected)
	copy(connected[1:], id[:])
	conn.WriteToUDP(connected, p.host)
	conn.WriteToUDP(connected, p.client)
}
