// Command netplay-client connects to a netplay-server lobby and
// prints lobby snapshots as they arrive, standing in for the actual
// game UI the same way the teacher's testbot.go stands in for a real
// audio client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"netplay/internal/clientrt"
	"netplay/internal/dispatch"
	"netplay/internal/handshake"
	"netplay/internal/protocol"
	"netplay/internal/transport"
)

func main() {
	address := flag.String("address", "127.0.0.1", "server address")
	port := flag.Int("port", 7777, "server port")
	name := flag.String("name", "Player", "display name")
	password := flag.String("password", "", "lobby password, if required")
	flag.Parse()

	log := slog.Default()

	tr := transport.NewQUICTransport(log)
	sessCtx := &handshake.ClientSessionContext{}
	dispatcher := dispatch.New(log)
	dispatch.Register(dispatcher, protocol.LobbyState, func(_ dispatch.Context, payload protocol.LobbyStatePayload) error {
		printLobbyState(payload)
		return nil
	})
	dispatch.Register(dispatcher, protocol.GameplayCountdown, func(_ dispatch.Context, payload protocol.GameplayCountdownPayload) error {
		fmt.Printf("countdown: %d\n", payload.SecondsRemaining)
		return nil
	})
	dispatch.Register(dispatcher, protocol.GameplayStart, func(_ dispatch.Context, _ protocol.GameplayStartPayload) error {
		fmt.Println("gameplay starting now")
		return nil
	})

	rt := clientrt.New(log)
	rt.RegisterTransport(tr)
	rt.RegisterPacketDispatcher(dispatcher)
	rt.RegisterSessionContext(sessCtx)
	rt.SetCredentials(*name, *password)
	rt.OnDisconnected(func(reason string) {
		fmt.Printf("disconnected: %s\n", reason)
		os.Exit(0)
	})
	rt.OnHandshakeResult(func(accepted bool, reason string) {
		if !accepted {
			fmt.Printf("handshake rejected: %s\n", reason)
			os.Exit(1)
		}
		fmt.Printf("joined as %q, session %s\n", *name, sessCtx.SessionId())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.ConnectAsync(ctx, *address, *port); err != nil {
		log.Error("netplay-client: connect", "err", err)
		os.Exit(1)
	}
	fmt.Println("transport connected, awaiting handshake...")

	readCommands(rt, sessCtx)
}

// printLobbyState renders a snapshot the same terse way the teacher's
// CLI tooling logs room state: one line per field that changed
// meaning, not a dump of the whole struct.
func printLobbyState(payload protocol.LobbyStatePayload) {
	fmt.Printf("lobby %s: %d player(s), status=%s\n", payload.LobbyId, len(payload.Players), payload.Status)
	for _, p := range payload.Players {
		ready := "not ready"
		if p.IsReady {
			ready = "ready"
		}
		fmt.Printf("  - %s (%s) %s\n", p.DisplayName, p.Role, ready)
	}
}

// readCommands is a minimal stdin REPL ("ready", "unready", "quit")
// standing in for UI-driven input.
func readCommands(rt *clientrt.Runtime, sessCtx *handshake.ClientSessionContext) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		switch cmd {
		case "quit":
			rt.DisconnectAsync("client quit")
			return
		case "ready", "unready":
			sendReadyState(rt, sessCtx, cmd == "ready")
		default:
			fmt.Println("commands: ready, unready, quit")
		}
	}
}

func sendReadyState(rt *clientrt.Runtime, sessCtx *handshake.ClientSessionContext, ready bool) {
	env := protocol.NewEnvelope(protocol.LobbyReadyState, protocol.LobbyReadyStatePayload{
		SessionId: sessCtx.SessionId(),
		IsReady:   ready,
	})
	data, err := protocol.Marshal(env)
	if err != nil {
		fmt.Printf("encode ready state: %v\n", err)
		return
	}
	if err := rt.Send(data, transport.ReliableOrdered); err != nil {
		fmt.Printf("send ready state: %v\n", err)
	}
}
