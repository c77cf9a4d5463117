package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

// frameHeaderLen is the length prefix on every message written to a
// reliable stream: a big-endian uint32 byte count.
const frameHeaderLen = 4

// maxFrameLen bounds a single reliable-channel frame to guard against a
// corrupt or hostile peer claiming an enormous length prefix.
const maxFrameLen = 1 << 20

// reliableStreamCount is the number of bidirectional streams opened
// per connection: one per reliable channel (ReliableOrdered,
// ReliableSequenced). Unreliable traffic rides QUIC datagrams instead.
const reliableStreamCount = 2

// pingInterval is how often each side samples RTT over the datagram
// channel, matching the teacher's 2s ping cadence.
const pingInterval = 2 * time.Second

// Ping/pong control datagrams are 9 bytes: a 1-byte magic tag plus an
// 8-byte big-endian send timestamp (UnixNano). They are intercepted
// before reaching eventPayloadReceived, so higher layers never see
// them.
const (
	pingMagic byte = 0x00
	pongMagic byte = 0x01
)

// QUICTransport implements Transport over github.com/quic-go/quic-go.
// Reliable channels are framed, length-prefixed messages on dedicated
// streams opened once per connection; Unreliable rides QUIC's
// datagram extension. Unconnected LAN-discovery messages (§4.10) use a
// sibling net.UDPConn since QUIC has no unconnected-datagram mode.
type QUICTransport struct {
	log *slog.Logger

	mu       sync.Mutex
	running  bool
	isServer bool
	listener *quic.Listener
	udpConn  *net.UDPConn // discovery side-socket, server mode only

	handlers Handlers
	events   chan event
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]*quicConnection
}

// NewQUICTransport returns a ready-to-start transport. A nil logger
// falls back to slog.Default().
func NewQUICTransport(log *slog.Logger) *QUICTransport {
	if log == nil {
		log = slog.Default()
	}
	return &QUICTransport{log: log, conns: make(map[string]*quicConnection)}
}

// event is the internal representation of a network occurrence,
// queued by background goroutines and drained by Poll on the caller's
// goroutine, per spec.md §5 ("Handler bodies execute under the poll
// caller").
type event struct {
	kind   eventKind
	conn   *quicConnection
	reason string
	payload []byte
	channel Channel
	remote  string
	rttMs   float64
}

type eventKind int

const (
	eventPeerConnected eventKind = iota
	eventPeerDisconnected
	eventPayloadReceived
	eventUnconnectedMessage
	eventLatencyUpdate
)

func (t *QUICTransport) Start(ctx context.Context, opts Options, handlers Handlers) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.handlers = handlers
	t.isServer = opts.IsServer
	t.events = make(chan event, 256)
	bgCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	if opts.IsServer {
		if err := t.startServer(bgCtx, opts); err != nil {
			cancel()
			return err
		}
	} else {
		if err := t.startClient(ctx, bgCtx, opts); err != nil {
			cancel()
			return err
		}
	}

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

func (t *QUICTransport) startServer(bgCtx context.Context, opts Options) error {
	tlsConf, err := generateSelfSignedTLSConfig(opts.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBindFailure, err)
	}

	addr := fmt.Sprintf("%s:%d", opts.Address, opts.Port)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %v", ErrBindFailure, addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("%w: listen udp %q: %v", ErrBindFailure, addr, err)
	}

	quicTr := &quic.Transport{Conn: udpConn}
	ln, err := quicTr.Listen(tlsConf, quicConfigWithDatagrams())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("%w: quic listen: %v", ErrBindFailure, err)
	}

	t.listener = ln
	t.udpConn = udpConn

	t.wg.Add(2)
	go t.acceptLoop(bgCtx, ln)
	go t.unconnectedReadLoop(bgCtx, udpConn)
	return nil
}

func (t *QUICTransport) startClient(callerCtx, bgCtx context.Context, opts Options) error {
	tlsConf := insecureClientTLSConfig()
	addr := fmt.Sprintf("%s:%d", opts.Address, opts.Port)

	conn, err := quic.DialAddr(callerCtx, addr, tlsConf, quicConfigWithDatagrams())
	if err != nil {
		return fmt.Errorf("%w: dial %q: %v", ErrBindFailure, addr, err)
	}

	qc := t.wrapConnection(conn)

	streams := make([]quic.Stream, reliableStreamCount)
	for i := range streams {
		s, err := conn.OpenStreamSync(callerCtx)
		if err != nil {
			conn.CloseWithError(0, "stream open failed")
			return fmt.Errorf("%w: open stream %d: %v", ErrBindFailure, i, err)
		}
		streams[i] = s
	}
	qc.setStreams(streams)

	t.wg.Add(2 + reliableStreamCount)
	for i, s := range streams {
		go t.streamReadLoop(bgCtx, qc, Channel(i), s)
	}
	go t.datagramReadLoop(bgCtx, qc)
	go t.pingLoop(bgCtx, qc)

	t.events <- event{kind: eventPeerConnected, conn: qc}
	return nil
}

func quicConfigWithDatagrams() *quic.Config {
	return &quic.Config{EnableDatagrams: true}
}

func (t *QUICTransport) wrapConnection(conn quic.Connection) *quicConnection {
	qc := &quicConnection{
		id:     uuid.NewString(),
		conn:   conn,
		remote: conn.RemoteAddr().String(),
	}
	t.connsMu.Lock()
	t.conns[qc.id] = qc
	t.connsMu.Unlock()
	return qc
}

func (t *QUICTransport) acceptLoop(ctx context.Context, ln *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("transport: accept failed", "err", err)
			return
		}

		qc := t.wrapConnection(conn)

		streams := make([]quic.Stream, reliableStreamCount)
		ok := true
		for i := range streams {
			s, err := conn.AcceptStream(ctx)
			if err != nil {
				t.log.Warn("transport: accept stream failed", "conn", qc.id, "err", err)
				ok = false
				break
			}
			streams[i] = s
		}
		if !ok {
			conn.CloseWithError(0, "stream setup failed")
			t.removeConn(qc.id)
			continue
		}
		qc.setStreams(streams)

		t.wg.Add(2 + reliableStreamCount)
		for i, s := range streams {
			go t.streamReadLoop(ctx, qc, Channel(i), s)
		}
		go t.datagramReadLoop(ctx, qc)
		go t.pingLoop(ctx, qc)

		t.events <- event{kind: eventPeerConnected, conn: qc}
	}
}

func (t *QUICTransport) streamReadLoop(ctx context.Context, qc *quicConnection, channel Channel, s quic.Stream) {
	defer t.wg.Done()
	header := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(s, header); err != nil {
			t.handleReadError(ctx, qc, err)
			return
		}
		n := binary.BigEndian.Uint32(header)
		if n > maxFrameLen {
			t.handleReadError(ctx, qc, fmt.Errorf("frame too large: %d bytes", n))
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(s, payload); err != nil {
			t.handleReadError(ctx, qc, err)
			return
		}
		select {
		case t.events <- event{kind: eventPayloadReceived, conn: qc, payload: payload, channel: channel}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *QUICTransport) datagramReadLoop(ctx context.Context, qc *quicConnection) {
	defer t.wg.Done()
	for {
		data, err := qc.conn.ReceiveDatagram(ctx)
		if err != nil {
			t.handleReadError(ctx, qc, err)
			return
		}
		if t.handleControlDatagram(ctx, qc, data) {
			continue
		}
		select {
		case t.events <- event{kind: eventPayloadReceived, conn: qc, payload: data, channel: Unreliable}:
		case <-ctx.Done():
			return
		}
	}
}

// handleControlDatagram intercepts the ping/pong frames pingLoop
// exchanges to sample RTT, per spec.md §4.1's OnLatencyUpdate event.
// It reports whether data was a control frame (and so must not be
// forwarded to OnPayloadReceived).
func (t *QUICTransport) handleControlDatagram(ctx context.Context, qc *quicConnection, data []byte) bool {
	if len(data) != 9 {
		return false
	}
	switch data[0] {
	case pingMagic:
		pong := make([]byte, 9)
		pong[0] = pongMagic
		copy(pong[1:], data[1:])
		qc.conn.SendDatagram(pong)
		return true
	case pongMagic:
		sentNanos := int64(binary.BigEndian.Uint64(data[1:]))
		rttMs := float64(time.Now().UnixNano()-sentNanos) / 1e6
		select {
		case t.events <- event{kind: eventLatencyUpdate, conn: qc, rttMs: rttMs}:
		case <-ctx.Done():
		}
		return true
	default:
		return false
	}
}

// pingLoop samples round-trip time over the datagram channel every
// pingInterval, the same way the teacher's client/transport.go runs a
// ping/pong loop for its own RTT-smoothing Metrics, generalized here to
// Transport's OnLatencyUpdate event instead of a voice-specific struct.
func (t *QUICTransport) pingLoop(ctx context.Context, qc *quicConnection) {
	defer t.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if qc.isClosed() {
				return
			}
			frame := make([]byte, 9)
			frame[0] = pingMagic
			binary.BigEndian.PutUint64(frame[1:], uint64(time.Now().UnixNano()))
			qc.conn.SendDatagram(frame)
		}
	}
}

func (t *QUICTransport) handleReadError(ctx context.Context, qc *quicConnection, err error) {
	if ctx.Err() != nil || qc.isClosed() {
		return
	}
	reason := "connection error"
	if err != nil {
		reason = err.Error()
	}
	qc.markClosed()
	t.removeConn(qc.id)
	select {
	case t.events <- event{kind: eventPeerDisconnected, conn: qc, reason: reason}:
	case <-ctx.Done():
	}
}

func (t *QUICTransport) unconnectedReadLoop(ctx context.Context, conn *net.UDPConn) {
	defer t.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Debug("transport: unconnected read error", "err", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case t.events <- event{kind: eventUnconnectedMessage, payload: payload, remote: remote.String()}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *QUICTransport) removeConn(id string) {
	t.connsMu.Lock()
	delete(t.conns, id)
	t.connsMu.Unlock()
}

// Poll drains queued events, invoking the registered handlers
// synchronously on the calling goroutine. timeout == 0 drains only
// what is already queued and returns immediately.
func (t *QUICTransport) Poll(timeout time.Duration) {
	t.mu.Lock()
	events := t.events
	handlers := t.handlers
	t.mu.Unlock()
	if events == nil {
		return
	}

	if timeout <= 0 {
		for {
			select {
			case ev := <-events:
				t.dispatch(handlers, ev)
			default:
				return
			}
		}
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-events:
			t.dispatch(handlers, ev)
		case <-deadline.C:
			return
		}
	}
}

func (t *QUICTransport) dispatch(h Handlers, ev event) {
	switch ev.kind {
	case eventPeerConnected:
		if h.OnPeerConnected != nil {
			h.OnPeerConnected(ev.conn)
		}
	case eventPeerDisconnected:
		if h.OnPeerDisconnected != nil {
			h.OnPeerDisconnected(ev.conn, ev.reason)
		}
	case eventPayloadReceived:
		if h.OnPayloadReceived != nil {
			h.OnPayloadReceived(ev.conn, ev.payload, ev.channel)
		}
	case eventUnconnectedMessage:
		if h.OnUnconnectedMessage != nil {
			h.OnUnconnectedMessage(ev.remote, ev.payload)
		}
	case eventLatencyUpdate:
		if h.OnLatencyUpdate != nil {
			h.OnLatencyUpdate(ev.conn, ev.rttMs)
		}
	}
}

// Shutdown gracefully disconnects all peers and releases resources.
// It is idempotent.
func (t *QUICTransport) Shutdown(reason string) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	listener := t.listener
	udpConn := t.udpConn
	t.mu.Unlock()

	t.connsMu.Lock()
	conns := make([]*quicConnection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]*quicConnection)
	t.connsMu.Unlock()

	for _, c := range conns {
		c.Disconnect(reason)
	}
	if listener != nil {
		listener.Close()
	}
	if udpConn != nil {
		udpConn.Close()
	}
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

func (t *QUICTransport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// quicConnection adapts a quic.Connection plus its two reliable
// streams to the Connection interface.
type quicConnection struct {
	id     string
	remote string
	conn   quic.Connection

	streamsMu sync.Mutex
	streams   [reliableStreamCount]quic.Stream
	writeMu   [reliableStreamCount]sync.Mutex

	closed atomic.Bool
}

var _ Connection = (*quicConnection)(nil)

func (c *quicConnection) setStreams(streams []quic.Stream) {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	for i := range streams {
		c.streams[i] = streams[i]
	}
}

func (c *quicConnection) Id() string             { return c.id }
func (c *quicConnection) RemoteEndpoint() string { return c.remote }

func (c *quicConnection) Send(payload []byte, channel Channel) error {
	if c.isClosed() {
		return nil
	}
	if channel == Unreliable {
		return c.conn.SendDatagram(payload)
	}

	idx := int(channel)
	if idx < 0 || idx >= reliableStreamCount {
		return fmt.Errorf("transport: unknown channel %v", channel)
	}
	c.streamsMu.Lock()
	stream := c.streams[idx]
	c.streamsMu.Unlock()
	if stream == nil {
		return fmt.Errorf("transport: channel %v stream not established", channel)
	}

	frame := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderLen:], payload)

	c.writeMu[idx].Lock()
	defer c.writeMu[idx].Unlock()
	_, err := stream.Write(frame)
	return err
}

func (c *quicConnection) Disconnect(reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.conn.CloseWithError(0, reason)
}

func (c *quicConnection) isClosed() bool { return c.closed.Load() }
func (c *quicConnection) markClosed()    { c.closed.Store(true) }
