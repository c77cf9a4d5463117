// Package dispatch routes inbound packets to generically-typed
// handlers registered per PacketType, generalizing the teacher's
// switch-over-message-type loop into a registration table.
package dispatch

import (
	"fmt"
	"log/slog"
	"sync"

	"netplay/internal/protocol"
	"netplay/internal/transport"
)

// Context carries the metadata a handler needs about the packet it is
// being invoked for.
type Context struct {
	Conn    transport.Connection
	Channel transport.Channel
}

// handlerEntry closes over the concrete payload type so the
// dispatcher itself never needs to know it; only the registration
// call site does. This mirrors generic typed handlers mapping to a
// closed-over deserializer per registration entry.
type handlerEntry struct {
	invoke func(ctx Context, raw protocol.RawEnvelope) error
}

// Dispatcher holds one handler per PacketType and routes raw envelopes
// to the registered handler after peeking the type.
type Dispatcher struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[protocol.PacketType]handlerEntry
}

// New returns an empty Dispatcher. A nil logger falls back to
// slog.Default().
func New(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{log: log, handlers: make(map[protocol.PacketType]handlerEntry)}
}

// Register binds fn as the handler for PacketType t. Registering twice
// for the same type replaces the previous handler. Panics are not
// recovered here — handlers are expected to return errors, not panic,
// matching the teacher's convention in client.go's processControl.
func Register[T any](d *Dispatcher, t protocol.PacketType, fn func(ctx Context, payload T) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = handlerEntry{
		invoke: func(ctx Context, raw protocol.RawEnvelope) error {
			env, err := protocol.BindPayload[T](raw)
			if err != nil {
				return err
			}
			return fn(ctx, env.Payload)
		},
	}
}

// TryUnregisterHandler removes the handler for t, if any. It reports
// whether a handler was present.
func (d *Dispatcher) TryUnregisterHandler(t protocol.PacketType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.handlers[t]
	delete(d.handlers, t)
	return ok
}

// Dispatch parses data as a RawEnvelope, peeks its Type, and invokes
// the matching registered handler synchronously. Unknown types are
// logged and dropped rather than treated as an error, since protocol
// evolution (spec.md §4.2) requires tolerating packet types a peer
// doesn't yet recognize.
func (d *Dispatcher) Dispatch(ctx Context, data []byte) error {
	raw, err := protocol.ParseRaw(data)
	if err != nil {
		return fmt.Errorf("dispatch: parse envelope: %w", err)
	}

	d.mu.RLock()
	entry, ok := d.handlers[raw.Type]
	d.mu.RUnlock()
	if !ok {
		d.log.Debug("dispatch: no handler registered", "type", raw.Type, "conn", connID(ctx.Conn))
		return nil
	}

	if err := entry.invoke(ctx, raw); err != nil {
		return fmt.Errorf("dispatch: handler for %s: %w", raw.Type, err)
	}
	return nil
}

// DispatchAsync runs Dispatch on a new goroutine and reports any error
// through onError (nil-safe: a nil onError silently drops the error).
// Used by runtimes that want packet handling off the poll goroutine
// for handlers with non-trivial work, while Poll itself stays
// synchronous per spec.md §5.
func (d *Dispatcher) DispatchAsync(ctx Context, data []byte, onError func(error)) {
	go func() {
		if err := d.Dispatch(ctx, data); err != nil && onError != nil {
			onError(err)
		}
	}()
}

func connID(c transport.Connection) string {
	if c == nil {
		return ""
	}
	return c.Id()
}
