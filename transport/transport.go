// Package transport implements the three message-delivery transports named
// in spec §4.5 behind a uniform capability surface. The registration and
// name-keyed dispatch shape follows the teacher's transport.MultiTransport
// (select-by-key over a map[string]implementation), generalized here from
// address-sniffed network type to an explicitly named transport kind.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Packet is the minimal envelope a Transport moves; it never interprets
// Payload, only ID for dedup/ack correlation (spec §4.5 "packet = {id,
// payload}").
type Packet struct {
	ID      string
	Payload []byte
}

// State is a transport's lifecycle stage, reported through OnState.
type State string

const (
	StateIdle       State = "idle"
	StateBuilding   State = "building"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateRebuilding State = "rebuilding"
	StateExpired    State = "expired"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Transport is the uniform surface spec §4.5 requires of every variant.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, convID string, p Packet) error
	OnMessage(cb func(convID string, p Packet))
	OnAck(cb func(convID, messageID string))
	OnState(cb func(state State))
}

// transportError implements outbox.terminalError without outbox importing
// this package (outbox only requires the narrow local interface; this
// satisfies it structurally).
type transportError struct {
	code     string
	detail   string
	terminal bool
}

func (e *transportError) Error() string {
	if e.detail == "" {
		return e.code
	}
	return e.code + ": " + e.detail
}

func (e *transportError) Terminal() bool { return e.terminal }

// Code returns the router-visible error code (spec §9's uniform
// {code, transport, detail} propagation).
func (e *transportError) Code() string { return e.code }

func newTerminalError(code, detail string) error {
	return &transportError{code: code, detail: detail, terminal: true}
}

func newTransientError(code, detail string) error {
	return &transportError{code: code, detail: detail, terminal: false}
}

// ErrChannelNotOpen is returned synchronously by DirectTransport.Send when
// the underlying peer channel has not been established.
var ErrChannelNotOpen = newTerminalError("channel_not_open", "")

// ErrRouteNotReady is returned by SelfOnionTransport.Send before the hop
// route reaches the ready state.
var ErrRouteNotReady = newTransientError("route_not_ready", "")

// Registry resolves transports by name. Its Get returns a transport.Transport,
// so it does not satisfy outbox.TransportRegistry directly; the Router wraps
// it in an adapter.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewRegistry creates an empty transport registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register adds or replaces a transport under its own Name().
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Name()] = t
	logrus.WithFields(logrus.Fields{
		"function":  "Registry.Register",
		"transport": t.Name(),
	}).Info("registered transport")
}

// Get returns the transport registered under name, if any.
func (r *Registry) Get(name string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[name]
	return t, ok
}

// All returns every registered transport, for bulk Start/Stop.
func (r *Registry) All() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Transport, 0, len(r.transports))
	for _, t := range r.transports {
		out = append(out, t)
	}
	return out
}

// errNotImplemented is not returned by any transport in this package;
// SelfOnionTransport leaves its hop-relay wire protocol to an injected
// HopBuilder instead.
var errNotImplemented = errors.New("transport: not implemented")
