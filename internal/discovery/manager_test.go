package discovery

import (
	"testing"
	"time"
)

func TestAdvertiserRepliesOnlyToRequests(t *testing.T) {
	var sentTo string
	var sentPayload []byte
	adv := NewAdvertiser(func() LobbyInfo {
		return LobbyInfo{LobbyId: "lobby-1", HostName: "Alice", MaxPlayers: 4}
	}, func(remote string, payload []byte) {
		sentTo = remote
		sentPayload = payload
	})

	adv.OnUnconnectedMessage("1.2.3.4:9", []byte("garbage"))
	if sentPayload != nil {
		t.Fatal("expected no reply to malformed payload")
	}

	adv.OnUnconnectedMessage("1.2.3.4:9", BuildRequest())
	if sentTo != "1.2.3.4:9" {
		t.Fatalf("sentTo = %q, want 1.2.3.4:9", sentTo)
	}
	msgType, body, err := ParseHeader(sentPayload)
	if err != nil || msgType != MsgResponse {
		t.Fatalf("expected a valid response datagram, err=%v type=%v", err, msgType)
	}
	info, err := ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if info.LobbyId != "lobby-1" {
		t.Fatalf("LobbyId = %q, want lobby-1", info.LobbyId)
	}
}

func TestManagerEmitsDiscoveredThenUpdated(t *testing.T) {
	m := NewManager(time.Minute)
	now := time.Unix(1000, 0)

	resp1 := BuildResponse(LobbyInfo{LobbyId: "l1", CurrentPlayers: 1, MaxPlayers: 4})
	sighting, changed := m.HandleResponse("10.0.0.1:7777", resp1, now)
	if !changed || sighting.Event != Discovered {
		t.Fatalf("expected Discovered event, got changed=%v event=%v", changed, sighting.Event)
	}

	resp2 := BuildResponse(LobbyInfo{LobbyId: "l1", CurrentPlayers: 2, MaxPlayers: 4})
	sighting, changed = m.HandleResponse("10.0.0.1:7777", resp2, now.Add(time.Second))
	if !changed || sighting.Event != Updated {
		t.Fatalf("expected Updated event, got changed=%v event=%v", changed, sighting.Event)
	}

	_, changed = m.HandleResponse("10.0.0.1:7777", resp2, now.Add(2*time.Second))
	if changed {
		t.Fatal("expected no event for an unchanged repeat response")
	}
}

func TestManagerEvictsStaleEntries(t *testing.T) {
	m := NewManager(10 * time.Second)
	now := time.Unix(2000, 0)

	resp := BuildResponse(LobbyInfo{LobbyId: "l1", MaxPlayers: 4})
	if _, changed := m.HandleResponse("10.0.0.1:7777", resp, now); !changed {
		t.Fatal("expected initial Discovered event")
	}

	lost := m.EvictStale(now.Add(5 * time.Second))
	if len(lost) != 0 {
		t.Fatalf("expected no eviction before TTL elapses, got %d", len(lost))
	}

	lost = m.EvictStale(now.Add(11 * time.Second))
	if len(lost) != 1 || lost[0].Event != Lost {
		t.Fatalf("expected one Lost sighting, got %+v", lost)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatal("expected the lobby to be gone from the snapshot after eviction")
	}
}
