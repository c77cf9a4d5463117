package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryTransportConnectAndExchange(t *testing.T) {
	server, client := NewMemoryTransportPair()

	var serverGotConn Connection
	var mu sync.Mutex
	serverConnected := make(chan struct{}, 1)
	var received []byte
	var receivedChannel Channel

	serverHandlers := Handlers{
		OnPeerConnected: func(c Connection) {
			mu.Lock()
			serverGotConn = c
			mu.Unlock()
			serverConnected <- struct{}{}
		},
		OnPayloadReceived: func(c Connection, payload []byte, channel Channel) {
			mu.Lock()
			received = payload
			receivedChannel = channel
			mu.Unlock()
		},
	}
	clientHandlers := Handlers{}

	if err := server.Start(context.Background(), Options{IsServer: true}, serverHandlers); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	if err := client.Start(context.Background(), Options{IsServer: false}, clientHandlers); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	server.Poll(0)
	select {
	case <-serverConnected:
	default:
		t.Fatal("expected server OnPeerConnected to have fired")
	}

	mu.Lock()
	conn := serverGotConn
	mu.Unlock()
	if conn == nil {
		t.Fatal("server never observed a connection")
	}
	if conn.Id() == "" {
		t.Fatal("connection Id must not be empty")
	}

	clientConn := clientConnectionOf(t, client)
	if err := clientConn.Send([]byte("hello"), ReliableOrdered); err != nil {
		t.Fatalf("Send: %v", err)
	}
	server.Poll(0)

	mu.Lock()
	got := string(received)
	ch := receivedChannel
	mu.Unlock()
	if got != "hello" {
		t.Fatalf("received = %q, want %q", got, "hello")
	}
	if ch != ReliableOrdered {
		t.Fatalf("channel = %v, want %v", ch, ReliableOrdered)
	}
}

func TestMemoryTransportDisconnectNotifiesPeer(t *testing.T) {
	server, client := NewMemoryTransportPair()

	disconnected := make(chan string, 1)
	serverHandlers := Handlers{
		OnPeerDisconnected: func(c Connection, reason string) {
			disconnected <- reason
		},
	}

	if err := server.Start(context.Background(), Options{IsServer: true}, serverHandlers); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	if err := client.Start(context.Background(), Options{IsServer: false}, Handlers{}); err != nil {
		t.Fatalf("client.Start: %v", err)
	}
	server.Poll(0)

	clientConn := clientConnectionOf(t, client)
	clientConn.Disconnect("bye")
	server.Poll(0)

	select {
	case reason := <-disconnected:
		if reason != "bye" {
			t.Fatalf("reason = %q, want %q", reason, "bye")
		}
	default:
		t.Fatal("expected OnPeerDisconnected to have fired")
	}
}

func TestMemoryTransportPollTimeoutReturns(t *testing.T) {
	server, client := NewMemoryTransportPair()
	if err := server.Start(context.Background(), Options{IsServer: true}, Handlers{}); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	if err := client.Start(context.Background(), Options{IsServer: false}, Handlers{}); err != nil {
		t.Fatalf("client.Start: %v", err)
	}

	start := time.Now()
	server.Poll(20 * time.Millisecond)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Poll returned too early: %v", elapsed)
	}
}

func TestMemoryTransportSendAfterDisconnectIsNoop(t *testing.T) {
	server, client := NewMemoryTransportPair()
	if err := server.Start(context.Background(), Options{IsServer: true}, Handlers{}); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	if err := client.Start(context.Background(), Options{IsServer: false}, Handlers{}); err != nil {
		t.Fatalf("client.Start: %v", err)
	}
	server.Poll(0)

	clientConn := clientConnectionOf(t, client)
	clientConn.Disconnect("done")
	server.Poll(0)

	if err := clientConn.Send([]byte("late"), ReliableOrdered); err != nil {
		t.Fatalf("Send after disconnect should be a no-op, got error: %v", err)
	}
}

func clientConnectionOf(t *testing.T, m *MemoryTransport) Connection {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		t.Fatal("client transport has no established connection")
	}
	return m.conn
}
