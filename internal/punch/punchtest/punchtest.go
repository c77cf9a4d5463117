// Package punchtest spins up a real Echo HTTP server standing in for
// the out-of-scope NAT punch signaling service, grounded on the same
// pattern as directorytest.
package punchtest

import (
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/google/uuid"

	"netplay/internal/punch"
)

// Server is an in-memory stand-in for the punch HTTP service.
type Server struct {
	echo *echo.Echo
	ts   *httptest.Server

	mu        sync.Mutex
	registered map[string]punch.RegisterRequest
}

// New starts a listening stand-in server.
func New() *Server {
	s := &Server{registered: make(map[string]punch.RegisterRequest)}
	e := echo.New()
	e.HideBanner = true

	e.GET("/api/punch/info", s.info)
	e.POST("/api/punch/register", s.register)
	e.DELETE("/api/punch/register/:lobbyId", s.unregister)
	e.POST("/api/punch/request", s.request)

	s.echo = e
	s.ts = httptest.NewServer(e)
	return s
}

// URL is the stand-in's base URL.
func (s *Server) URL() string { return s.ts.URL }

// Close releases the listener.
func (s *Server) Close() { s.ts.Close() }

func (s *Server) info(c echo.Context) error {
	return c.JSON(http.StatusOK, punch.InfoResponse{Available: true, Address: "127.0.0.1", Port: 9000})
}

func (s *Server) register(c echo.Context) error {
	var req punch.RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	s.mu.Lock()
	s.registered[req.LobbyId] = req
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) unregister(c echo.Context) error {
	s.mu.Lock()
	delete(s.registered, c.Param("lobbyId"))
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) request(c echo.Context) error {
	var req punch.RequestRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	s.mu.Lock()
	_, ok := s.registered[req.LobbyId]
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusOK, punch.RequestResponse{Success: false, Message: "no host registered for lobby"})
	}
	return c.JSON(http.StatusOK, punch.RequestResponse{Success: true, PunchToken: uuid.NewString()})
}
