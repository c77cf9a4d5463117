package discovery

import (
	"reflect"
	"sync"
	"time"
)

// Advertiser answers LAN discovery requests on the host side. It
// subscribes to the transport's unconnected-message event (wired by
// the caller) and replies only to well-formed REQUEST datagrams.
type Advertiser struct {
	infoFn func() LobbyInfo
	send   func(remoteEndpoint string, payload []byte)
}

// NewAdvertiser returns an Advertiser that calls infoFn to build the
// response body on each request and send to deliver it back to the
// requester.
func NewAdvertiser(infoFn func() LobbyInfo, send func(remoteEndpoint string, payload []byte)) *Advertiser {
	return &Advertiser{infoFn: infoFn, send: send}
}

// OnUnconnectedMessage is wired as the transport's
// Handlers.OnUnconnectedMessage callback.
func (a *Advertiser) OnUnconnectedMessage(remoteEndpoint string, payload []byte) {
	msgType, _, err := ParseHeader(payload)
	if err != nil || msgType != MsgRequest {
		return
	}
	resp := BuildResponse(a.infoFn())
	a.send(remoteEndpoint, resp)
}

// Event is the kind of change DiscoveryManager reports for a lobby.
type Event int

const (
	Discovered Event = iota
	Updated
	Lost
)

// Sighting pairs a discovered lobby's info with the event kind and the
// endpoint it was seen from.
type Sighting struct {
	Event    Event
	Endpoint string
	Info     LobbyInfo
}

type entry struct {
	info     LobbyInfo
	endpoint string
	lastSeen time.Time
}

// Manager tracks lobbies seen via LAN discovery responses, emitting
// DISCOVERED/UPDATED/LOST events and evicting stale entries.
type Manager struct {
	ttl time.Duration

	mu      sync.Mutex
	byLobby map[string]*entry
}

// NewManager returns a Manager that evicts entries not refreshed
// within ttl.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{ttl: ttl, byLobby: make(map[string]*entry)}
}

// HandleResponse is wired as the transport's unconnected-message
// callback on the client side; it parses RESPONSE datagrams and
// returns a Sighting when the lobby is new or changed.
func (m *Manager) HandleResponse(remoteEndpoint string, payload []byte, now time.Time) (Sighting, bool) {
	msgType, body, err := ParseHeader(payload)
	if err != nil || msgType != MsgResponse {
		return Sighting{}, false
	}
	info, err := ParseResponse(body)
	if err != nil {
		return Sighting{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.byLobby[info.LobbyId]
	if !ok {
		m.byLobby[info.LobbyId] = &entry{info: info, endpoint: remoteEndpoint, lastSeen: now}
		return Sighting{Event: Discovered, Endpoint: remoteEndpoint, Info: info}, true
	}

	changed := !reflect.DeepEqual(existing.info, info) || existing.endpoint != remoteEndpoint
	existing.lastSeen = now
	if !changed {
		existing.info = info
		existing.endpoint = remoteEndpoint
		return Sighting{}, false
	}
	existing.info = info
	existing.endpoint = remoteEndpoint
	return Sighting{Event: Updated, Endpoint: remoteEndpoint, Info: info}, true
}

// EvictStale removes and returns Lost sightings for every lobby not
// refreshed within ttl as of now.
func (m *Manager) EvictStale(now time.Time) []Sighting {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lost []Sighting
	for id, e := range m.byLobby {
		if now.Sub(e.lastSeen) > m.ttl {
			lost = append(lost, Sighting{Event: Lost, Endpoint: e.endpoint, Info: e.info})
			delete(m.byLobby, id)
		}
	}
	return lost
}

// Snapshot returns all currently-tracked lobbies.
func (m *Manager) Snapshot() []LobbyInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LobbyInfo, 0, len(m.byLobby))
	for _, e := range m.byLobby {
		out = append(out, e.info)
	}
	return out
}
