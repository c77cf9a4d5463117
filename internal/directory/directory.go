// Package directory implements the HTTP-based lobby directory client
// side described in spec.md §4.10/§6: heartbeat advertisement, polling
// listing client, and lobby-code lookups. The request/response JSON
// shapes mirror the teacher's Echo route-handler bodies turned inside
// out into an HTTP client.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdvertisementRequest is POSTed to <base>/lobbies.
type AdvertisementRequest struct {
	LobbyId        string `json:"lobbyId"`
	LobbyName      string `json:"lobbyName"`
	HostName       string `json:"hostName"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
	CurrentPlayers int    `json:"currentPlayers"`
	MaxPlayers     int    `json:"maxPlayers"`
	HasPassword    bool   `json:"hasPassword"`
	Version        string `json:"version"`
}

// Entry is one row returned by GET <base>/lobbies.
type Entry struct {
	AdvertisementRequest
	LastHeartbeatUtc time.Time `json:"lastHeartbeatUtc"`
}

// Advertiser periodically POSTs the current lobby state to the
// directory and DELETEs it on Stop, swallowing transient HTTP errors
// per spec.md §7 (DirectoryError is logged and retried, never
// surfaced).
type Advertiser struct {
	baseURL  string
	client   *http.Client
	log      *slog.Logger
	interval time.Duration
	infoFn   func() AdvertisementRequest

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdvertiser returns an Advertiser that heartbeats at interval
// using infoFn to build each request body.
func NewAdvertiser(baseURL string, interval time.Duration, infoFn func() AdvertisementRequest, log *slog.Logger) *Advertiser {
	if log == nil {
		log = slog.Default()
	}
	return &Advertiser{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}, log: log, interval: interval, infoFn: infoFn}
}

// Start begins heartbeating on a background goroutine, which runs
// until ctx is cancelled or Stop is called.
func (a *Advertiser) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go a.loop(bgCtx)
}

func (a *Advertiser) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.heartbeatOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.heartbeatOnce(ctx)
		}
	}
}

func (a *Advertiser) heartbeatOnce(ctx context.Context) {
	req := a.infoFn()
	body, err := json.Marshal(req)
	if err != nil {
		a.log.Error("directory: marshal advertisement", "err", err)
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/lobbies", bytes.NewReader(body))
	if err != nil {
		a.log.Warn("directory: build heartbeat request", "err", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		a.log.Debug("directory: heartbeat transient error", "err", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

// Stop cancels the heartbeat loop and best-effort DELETEs the lobby.
func (a *Advertiser) Stop(lobbyId string) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/lobbies/%s", a.baseURL, lobbyId), nil)
	if err != nil {
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Debug("directory: delete-on-stop transient error", "err", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

// Client polls the directory listing and raises LobbiesChanged only
// when the filtered result is structurally unequal to the prior list.
type Client struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration
	log     *slog.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	last []Entry
}

// NewClient returns a Client that treats entries older than ttl as
// expired, rate-limiting poll attempts per the directory's transient
// backoff policy.
func NewClient(baseURL string, ttl time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}, ttl: ttl, log: log, limiter: rate.NewLimiter(rate.Every(time.Second), 1)}
}

// Poll fetches the current listing, filters stale entries, and
// returns the new list plus whether it changed from the previous
// poll. Transient HTTP errors are logged and swallowed, returning the
// previous list unchanged.
func (c *Client) Poll(ctx context.Context) ([]Entry, bool) {
	if err := c.limiter.Wait(ctx); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.last, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/lobbies", nil)
	if err != nil {
		return c.snapshotLocked()
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug("directory: poll transient error", "err", err)
		return c.snapshotLocked()
	}
	defer resp.Body.Close()

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		c.log.Debug("directory: decode listing", "err", err)
		return c.snapshotLocked()
	}

	now := time.Now()
	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if now.Sub(e.LastHeartbeatUtc) <= c.ttl {
			filtered = append(filtered, e)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	changed := !entriesEqual(c.last, filtered)
	c.last = filtered
	return filtered, changed
}

func (c *Client) snapshotLocked() ([]Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, false
}

func entriesEqual(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CodeClient wraps the lobby-code HTTP endpoints.
type CodeClient struct {
	baseURL string
	client  *http.Client
}

// NewCodeClient returns a CodeClient talking to baseURL.
func NewCodeClient(baseURL string) *CodeClient {
	return &CodeClient{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Second}}
}

// CodeResponse is returned by POST /api/lobbies/code.
type CodeResponse struct {
	Code    string `json:"code"`
	LobbyId string `json:"lobbyId"`
}

// RequestCode asks the directory to mint a new 6-char lobby code for
// lobbyId.
func (c *CodeClient) RequestCode(ctx context.Context, lobbyId string) (CodeResponse, error) {
	var out CodeResponse
	body, _ := json.Marshal(struct {
		LobbyId string `json:"lobbyId"`
	}{LobbyId: lobbyId})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/lobbies/code", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("directory: request code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("directory: request code: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("directory: decode code response: %w", err)
	}
	return out, nil
}

// RegisterCodeRequest is POSTed to /api/lobbies/code/register.
type RegisterCodeRequest struct {
	Code       string `json:"code"`
	LobbyId    string `json:"lobbyId"`
	HostAddress string `json:"hostAddress"`
	HostPort   int    `json:"hostPort"`
}

// RegisterCode binds a code to a host endpoint.
func (c *CodeClient) RegisterCode(ctx context.Context, req RegisterCodeRequest) error {
	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/lobbies/code/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("directory: register code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: register code: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ErrCodeNotFound is returned by ResolveCode for a 404 response.
var ErrCodeNotFound = errors.New("directory: code not found")

// ResolveCode looks up the lobby behind a 6-char code.
func (c *CodeClient) ResolveCode(ctx context.Context, code string) (Entry, error) {
	var out Entry
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/lobbies/code/%s", c.baseURL, code), nil)
	if err != nil {
		return out, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("directory: resolve code: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return out, ErrCodeNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("directory: resolve code: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("directory: decode resolved entry: %w", err)
	}
	return out, nil
}

// DeleteCode removes a registered code.
func (c *CodeClient) DeleteCode(ctx context.Context, code string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/api/lobbies/code/%s", c.baseURL, code), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory: delete code: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
