package relay

import (
	"context"
	"testing"
	"time"

	"netplay/internal/relay/relaytest"
)

func TestAllocateAndTunnelDataBothWays(t *testing.T) {
	srv := relaytest.New()
	defer srv.Close()

	c := NewClient(srv.URL())
	ctx := context.Background()

	info, err := c.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if !info.Available {
		t.Fatal("expected the stand-in relay to report available")
	}

	hostAlloc, err := c.Allocate(ctx, "lobby-1")
	if err != nil {
		t.Fatalf("Allocate (host): %v", err)
	}

	host, err := Dial(hostAlloc.RelayAddress, hostAlloc.RelayPort, hostAlloc.SessionId, true)
	if err != nil {
		t.Fatalf("Dial (host): %v", err)
	}
	defer host.Disconnect("test done")

	client, err := Dial(hostAlloc.RelayAddress, hostAlloc.RelayPort, hostAlloc.SessionId, false)
	if err != nil {
		t.Fatalf("Dial (client): %v", err)
	}
	defer client.Disconnect("test done")

	hostConnected := make(chan struct{}, 1)
	host.OnPeerConnected(func() { hostConnected <- struct{}{} })
	clientConnected := make(chan struct{}, 1)
	client.OnPeerConnected(func() { clientConnected <- struct{}{} })

	select {
	case <-hostConnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected host to observe PeerConnected")
	}
	select {
	case <-clientConnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected client to observe PeerConnected")
	}

	received := make(chan []byte, 1)
	client.OnPeerData(func(payload []byte) { received <- payload })

	if err := host.Send([]byte("hello from host"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "hello from host" {
			t.Fatalf("payload = %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the client to receive the relayed payload")
	}
}

func TestDeallocateReleasesSession(t *testing.T) {
	srv := relaytest.New()
	defer srv.Close()

	c := NewClient(srv.URL())
	ctx := context.Background()

	alloc, err := c.Allocate(ctx, "lobby-2")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := c.Deallocate(ctx, alloc.SessionId); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
}

func TestAllocateWithRetrySucceedsImmediately(t *testing.T) {
	srv := relaytest.New()
	defer srv.Close()

	c := NewClient(srv.URL())
	resp, err := c.AllocateWithRetry(context.Background(), "lobby-3", 3, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("AllocateWithRetry: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestAllocateWithRetryFailsAfterServerClosed(t *testing.T) {
	srv := relaytest.New()
	c := NewClient(srv.URL())
	srv.Close()

	if _, err := c.AllocateWithRetry(context.Background(), "lobby-4", 2, 5*time.Millisecond); err == nil {
		t.Fatal("expected AllocateWithRetry to fail once the relay is unreachable")
	}
}

func TestParseSessionIdRejectsInvalidUUID(t *testing.T) {
	if _, err := parseSessionId("not-a-uuid"); err == nil {
		t.Fatal("expected an error for a malformed session id")
	}
}
