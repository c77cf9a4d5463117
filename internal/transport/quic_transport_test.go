package transport

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

func TestHandleControlDatagramEmitsLatencyOnPong(t *testing.T) {
	tr := &QUICTransport{events: make(chan event, 4)}
	qc := &quicConnection{id: "conn-1"}

	sentAt := time.Now().Add(-5 * time.Millisecond).UnixNano()
	frame := make([]byte, 9)
	frame[0] = pongMagic
	binary.BigEndian.PutUint64(frame[1:], uint64(sentAt))

	if !tr.handleControlDatagram(context.Background(), qc, frame) {
		t.Fatal("expected a pong frame to be handled as a control datagram")
	}

	select {
	case ev := <-tr.events:
		if ev.kind != eventLatencyUpdate {
			t.Fatalf("kind = %v, want eventLatencyUpdate", ev.kind)
		}
		if ev.rttMs <= 0 {
			t.Fatalf("rttMs = %v, want > 0", ev.rttMs)
		}
	default:
		t.Fatal("expected a queued eventLatencyUpdate")
	}
}

func TestHandleControlDatagramIgnoresOrdinaryPayloads(t *testing.T) {
	tr := &QUICTransport{events: make(chan event, 4)}
	qc := &quicConnection{id: "conn-1"}

	if tr.handleControlDatagram(context.Background(), qc, []byte(`{"type":"GameplayState"}`)) {
		t.Fatal("expected an ordinary envelope payload not to be treated as a control frame")
	}
	if tr.handleControlDatagram(context.Background(), qc, []byte{pingMagic}) {
		t.Fatal("expected a short, malformed ping frame to be ignored")
	}
}

func TestDispatchDeliversLatencyUpdate(t *testing.T) {
	var gotConn Connection
	var gotRTT float64
	h := Handlers{OnLatencyUpdate: func(conn Connection, rttMs float64) {
		gotConn = conn
		gotRTT = rttMs
	}}
	qc := &quicConnection{id: "conn-1"}

	tr := &QUICTransport{}
	tr.dispatch(h, event{kind: eventLatencyUpdate, conn: qc, rttMs: 12.5})

	if gotConn == nil || gotConn.Id() != "conn-1" {
		t.Fatalf("conn = %v, want conn-1", gotConn)
	}
	if gotRTT != 12.5 {
		t.Fatalf("rttMs = %v, want 12.5", gotRTT)
	}
}
