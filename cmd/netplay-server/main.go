// Command netplay-server hosts a lobby over the QUIC transport,
// wiring serverrt.Runtime the way the teacher's server/main.go wires
// room+store: flags, a context cancelled on interrupt, and a blocking
// run until shutdown.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"netplay/internal/serverrt"
	"netplay/internal/transport"
)

func main() {
	addr := flag.String("address", "0.0.0.0", "listen address")
	port := flag.Int("port", 7777, "listen port")
	maxPlayers := flag.Int("max-players", 8, "maximum players in the lobby (1-64)")
	password := flag.String("password", "", "lobby password (empty to disable)")
	name := flag.String("name", "YARG Lobby", "lobby display name (logged at startup; not advertised)")
	countdownHold := flag.Duration("countdown-hold", 0, "delay after all players ready before the countdown starts")
	natPunch := flag.Bool("nat-punch", false, "set EnableNatPunchThrough in the transport options (no punch registration is performed)")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", serverrt.DefaultHeartbeatTimeout, "disconnect a session that has produced no traffic for this long")
	flag.Parse()

	if *maxPlayers < 1 || *maxPlayers > 64 {
		slog.Error("netplay-server: --max-players must be between 1 and 64", "got", *maxPlayers)
		os.Exit(1)
	}

	log := slog.Default()
	log.Info("netplay-server: starting", "address", *addr, "port", *port, "name", *name, "maxPlayers", *maxPlayers)

	tr := transport.NewQUICTransport(log)
	rt := serverrt.New(tr, log)
	if err := rt.Configure(serverrt.Options{
		Address:               *addr,
		Port:                  *port,
		MaxPlayers:            *maxPlayers,
		MaxSessions:           *maxPlayers,
		Password:              *password,
		CountdownHold:         *countdownHold,
		EnableNatPunchThrough: *natPunch,
		HeartbeatTimeout:      *heartbeatTimeout,
	}); err != nil {
		log.Error("netplay-server: configure", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("netplay-server: shutting down")
		cancel()
	}()

	if err := rt.StartAsync(ctx); err != nil {
		log.Error("netplay-server: start", "err", err)
		os.Exit(1)
	}
	log.Info("netplay-server: ready")

	<-ctx.Done()
	rt.StopAsync("server shutting down")
	time.Sleep(100 * time.Millisecond) // let the final Disconnect frames flush
}
