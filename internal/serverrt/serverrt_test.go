package serverrt

import (
	"context"
	"sync"
	"testing"
	"time"

	"netplay/internal/clientrt"
	"netplay/internal/dispatch"
	"netplay/internal/handshake"
	"netplay/internal/protocol"
	"netplay/internal/transport"
)

func TestEndToEndHandshakeAndLobbyBroadcast(t *testing.T) {
	serverTr, clientTr := transport.NewMemoryTransportPair()

	server := New(serverTr, nil)
	if err := server.Configure(Options{MaxPlayers: 4, MaxSessions: 4, PollInterval: 5 * time.Millisecond}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := server.StartAsync(context.Background()); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	t.Cleanup(func() { server.StopAsync("test done") })

	client := clientrt.New(nil)
	client.RegisterTransport(clientTr)
	client.RegisterSessionContext(&handshake.ClientSessionContext{})
	d := dispatch.New(nil)

	var mu sync.Mutex
	var lastSnapshot protocol.LobbyStatePayload
	gotSnapshot := make(chan struct{}, 4)
	dispatch.Register(d, protocol.LobbyState, func(ctx dispatch.Context, payload protocol.LobbyStatePayload) error {
		mu.Lock()
		lastSnapshot = payload
		mu.Unlock()
		select {
		case gotSnapshot <- struct{}{}:
		default:
		}
		return nil
	})
	client.RegisterPacketDispatcher(d)
	client.SetCredentials("Alice", "")

	connectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.ConnectAsync(connectCtx, "127.0.0.1", 0); err != nil {
		t.Fatalf("ConnectAsync: %v", err)
	}

	select {
	case <-gotSnapshot:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a LobbyState snapshot after handshake")
	}
	if !client.IsConnected() {
		t.Fatal("expected client to report connected")
	}

	mu.Lock()
	snap := lastSnapshot
	mu.Unlock()
	if len(snap.Players) != 1 || snap.Players[0].DisplayName != "Alice" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Players[0].Role != protocol.RoleHost {
		t.Fatalf("expected first player promoted to Host, got %v", snap.Players[0].Role)
	}
}

func TestIdleSessionIsDisconnectedAfterHeartbeatTimeout(t *testing.T) {
	serverTr, clientTr := transport.NewMemoryTransportPair()

	server := New(serverTr, nil)
	if err := server.Configure(Options{
		MaxPlayers:       4,
		MaxSessions:      4,
		PollInterval:     5 * time.Millisecond,
		HeartbeatTimeout: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := server.StartAsync(context.Background()); err != nil {
		t.Fatalf("StartAsync: %v", err)
	}
	t.Cleanup(func() { server.StopAsync("test done") })

	client := clientrt.New(nil)
	client.RegisterTransport(clientTr)
	client.RegisterSessionContext(&handshake.ClientSessionContext{})
	d := dispatch.New(nil)
	client.RegisterPacketDispatcher(d)
	client.SetCredentials("Idle", "")

	disconnected := make(chan string, 1)
	client.OnDisconnected(func(reason string) {
		select {
		case disconnected <- reason:
		default:
		}
	})

	connectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.ConnectAsync(connectCtx, "127.0.0.1", 0); err != nil {
		t.Fatalf("ConnectAsync: %v", err)
	}

	select {
	case reason := <-disconnected:
		if reason != "heartbeat timeout" {
			t.Fatalf("reason = %q, want %q", reason, "heartbeat timeout")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the idle session to be disconnected")
	}
}
