package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Channel is the pre-established peer-to-peer byte conduit DirectTransport
// writes through (spec §4.5 "a data channel to the remote device"). Its
// construction (ICE/data-channel negotiation, etc.) is out of scope here;
// DirectTransport only needs an already-open send primitive per conversation.
type Channel interface {
	// IsOpen reports whether the channel currently accepts writes.
	IsOpen() bool
	// Write sends one packet's payload; implementations are expected to
	// frame/deliver it to the remote device out of band.
	Write(ctx context.Context, payload []byte) error
}

// DirectTransport sends over a pre-established per-conversation Channel.
// Grounded on the teacher's NetworkTransport.Send synchronous-failure shape
// (transport/network_transport.go): no queuing, no retry inside the
// transport itself — that's the Scheduler's job.
type DirectTransport struct {
	mu       sync.RWMutex
	channels map[string]Channel // keyed by convID

	onMessage func(convID string, p Packet)
	onAck     func(convID, messageID string)
	onState   func(state State)
}

// NewDirectTransport creates an empty DirectTransport; channels are attached
// per-conversation via SetChannel as they're negotiated.
func NewDirectTransport() *DirectTransport {
	return &DirectTransport{channels: make(map[string]Channel)}
}

func (t *DirectTransport) Name() string { return "directP2P" }

// SetChannel attaches (or replaces) the open channel for a conversation.
// A nil channel marks the conversation's channel as torn down.
func (t *DirectTransport) SetChannel(convID string, ch Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch == nil {
		delete(t.channels, convID)
	} else {
		t.channels[convID] = ch
	}
}

func (t *DirectTransport) Start(ctx context.Context) error { return nil }
func (t *DirectTransport) Stop() error                     { return nil }

// Send writes payload to convID's channel, failing synchronously with
// ErrChannelNotOpen if no open channel exists (spec §4.5).
func (t *DirectTransport) Send(ctx context.Context, convID string, p Packet) error {
	t.mu.RLock()
	ch, ok := t.channels[convID]
	t.mu.RUnlock()

	if !ok || !ch.IsOpen() {
		logrus.WithFields(logrus.Fields{
			"function": "DirectTransport.Send",
			"conv_id":  convID,
		}).Warn("direct send attempted with no open channel")
		return ErrChannelNotOpen
	}

	if err := ch.Write(ctx, p.Payload); err != nil {
		return newTransientError("write_failed", err.Error())
	}
	return nil
}

func (t *DirectTransport) OnMessage(cb func(convID string, p Packet))   { t.onMessage = cb }
func (t *DirectTransport) OnAck(cb func(convID, messageID string))      { t.onAck = cb }
func (t *DirectTransport) OnState(cb func(state State))                { t.onState = cb }

// Deliver is called by the channel layer when a remote packet arrives;
// exported so callers wiring up a Channel implementation can feed inbound
// traffic back through the transport's uniform callback surface.
func (t *DirectTransport) Deliver(convID string, p Packet) {
	if t.onMessage != nil {
		t.onMessage(convID, p)
	}
}

// DeliverAck is called by the channel layer when a remote ack arrives.
func (t *DirectTransport) DeliverAck(convID, messageID string) {
	if t.onAck != nil {
		t.onAck(convID, messageID)
	}
}

// NotifyState reports a channel's open/closed transition for convID.
func (t *DirectTransport) NotifyState(state State) {
	if t.onState != nil {
		t.onState(state)
	}
}
