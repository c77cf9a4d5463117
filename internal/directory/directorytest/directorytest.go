// Package directorytest spins up a real Echo HTTP server standing in
// for the out-of-scope directory service, so internal/directory's
// client code can be exercised against real HTTP round-trips in
// tests. Grounded on the teacher's own pattern of booting a real Echo
// instance in-process for httpapi client tests.
package directorytest

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"netplay/internal/directory"
)

// Server is an in-memory stand-in for the directory HTTP service.
type Server struct {
	echo *echo.Echo
	ts   *httptest.Server

	mu      sync.Mutex
	lobbies map[string]directory.Entry
	codes   map[string]directory.Entry
}

// New starts a listening stand-in server.
func New() *Server {
	s := &Server{lobbies: make(map[string]directory.Entry), codes: make(map[string]directory.Entry)}
	e := echo.New()
	e.HideBanner = true

	e.POST("/lobbies", s.postLobby)
	e.GET("/lobbies", s.listLobbies)
	e.DELETE("/lobbies/:id", s.deleteLobby)
	e.POST("/api/lobbies/code", s.postCode)
	e.POST("/api/lobbies/code/register", s.registerCode)
	e.GET("/api/lobbies/code/:code", s.resolveCode)
	e.DELETE("/api/lobbies/code/:code", s.deleteCode)

	s.echo = e
	s.ts = httptest.NewServer(e)
	return s
}

// URL is the stand-in's base URL.
func (s *Server) URL() string { return s.ts.URL }

// Close releases the listener.
func (s *Server) Close() { s.ts.Close() }

func (s *Server) postLobby(c echo.Context) error {
	var req directory.AdvertisementRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	s.mu.Lock()
	s.lobbies[req.LobbyId] = directory.Entry{AdvertisementRequest: req, LastHeartbeatUtc: time.Now()}
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) listLobbies(c echo.Context) error {
	s.mu.Lock()
	out := make([]directory.Entry, 0, len(s.lobbies))
	for _, e := range s.lobbies {
		out = append(out, e)
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, out)
}

func (s *Server) deleteLobby(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	delete(s.lobbies, id)
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) postCode(c echo.Context) error {
	var req struct {
		LobbyId string `json:"lobbyId"`
	}
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	b := make([]byte, 3)
	rand.Read(b)
	code := strings.ToUpper(hex.EncodeToString(b))
	return c.JSON(http.StatusOK, directory.CodeResponse{Code: code, LobbyId: req.LobbyId})
}

func (s *Server) registerCode(c echo.Context) error {
	var req directory.RegisterCodeRequest
	if err := c.Bind(&req); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	s.mu.Lock()
	s.codes[req.Code] = directory.Entry{
		AdvertisementRequest: directory.AdvertisementRequest{LobbyId: req.LobbyId, Address: req.HostAddress, Port: req.HostPort},
		LastHeartbeatUtc:     time.Now(),
	}
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}

func (s *Server) resolveCode(c echo.Context) error {
	code := c.Param("code")
	s.mu.Lock()
	entry, ok := s.codes[code]
	s.mu.Unlock()
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) deleteCode(c echo.Context) error {
	code := c.Param("code")
	s.mu.Lock()
	delete(s.codes, code)
	s.mu.Unlock()
	return c.NoContent(http.StatusOK)
}
