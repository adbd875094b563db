package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultHopCount is the desired relay hop count absent an override
// (spec §4.5 "configurable desired hop count (default 3)").
const DefaultHopCount = 3

// HopBuilder constructs and maintains the multi-hop relay path for a
// conversation. The hop-relay wire protocol is an explicit spec §9 open
// question; SelfOnionTransport models only the surrounding state machine
// and leaves the actual relay mechanics behind this injected interface so
// the component compiles and is independently testable with a fake.
type HopBuilder interface {
	// Build attempts to establish hopCount relays for convID, returning an
	// error if it cannot currently be done (e.g. insufficient cooperating
	// peers). A successful Build leaves the path usable for RelaySend.
	Build(ctx context.Context, convID string, hopCount int) error
	// RelaySend pushes payload through the already-built path for convID.
	RelaySend(ctx context.Context, convID string, payload []byte) error
	// Teardown releases any resources the path for convID holds.
	Teardown(convID string)
}

type selfOnionPath struct {
	state State
}

// SelfOnionTransport models the idle→building→ready→degraded/rebuilding→
// expired state machine of spec §4.5, delegating the actual hop-relay
// protocol to an injected HopBuilder.
type SelfOnionTransport struct {
	mu       sync.Mutex
	builder  HopBuilder
	hopCount int
	paths    map[string]*selfOnionPath

	onMessage func(convID string, p Packet)
	onAck     func(convID, messageID string)
	onState   func(state State)
}

// NewSelfOnionTransport creates a SelfOnionTransport with the given hop
// builder and desired hop count (0 uses DefaultHopCount).
func NewSelfOnionTransport(builder HopBuilder, hopCount int) *SelfOnionTransport {
	if hopCount <= 0 {
		hopCount = DefaultHopCount
	}
	return &SelfOnionTransport{
		builder:  builder,
		hopCount: hopCount,
		paths:    make(map[string]*selfOnionPath),
	}
}

func (t *SelfOnionTransport) Name() string { return "selfOnion" }

func (t *SelfOnionTransport) Start(ctx context.Context) error { return nil }
func (t *SelfOnionTransport) Stop() error                     { return nil }

// EnsureRoute transitions convID's path through building→ready (a path that
// was ready goes through rebuilding instead; a failed build leaves it
// degraded), invoking the HopBuilder. Callers
// (typically the Router, on first send to a conversation) call this before
// Send; Send itself only checks current state per spec's synchronous-failure
// contract.
func (t *SelfOnionTransport) EnsureRoute(ctx context.Context, convID string) error {
	t.mu.Lock()
	path, ok := t.paths[convID]
	if !ok {
		path = &selfOnionPath{state: StateIdle}
		t.paths[convID] = path
	}
	wasReady := path.state == StateReady
	path.state = StateBuilding
	if wasReady {
		path.state = StateRebuilding
	}
	t.mu.Unlock()
	t.notifyState(path.state)

	err := t.builder.Build(ctx, convID, t.hopCount)

	t.mu.Lock()
	if err != nil {
		path.state = StateDegraded
	} else {
		path.state = StateReady
	}
	t.mu.Unlock()

	if err != nil {
		t.notifyState(StateDegraded)
		logrus.WithFields(logrus.Fields{
			"function": "SelfOnionTransport.EnsureRoute",
			"conv_id":  convID,
			"error":    err.Error(),
		}).Warn("hop route build failed")
		return newTransientError("route_build_failed", err.Error())
	}
	t.notifyState(StateReady)
	return nil
}

func (t *SelfOnionTransport) notifyState(state State) {
	if t.onState != nil {
		t.onState(state)
	}
}

// Send fails with ErrRouteNotReady until EnsureRoute has brought convID's
// path to ready (spec §4.5: "send fails with route_not_ready until ready").
func (t *SelfOnionTransport) Send(ctx context.Context, convID string, p Packet) error {
	t.mu.Lock()
	path, ok := t.paths[convID]
	if !ok || path.state != StateReady {
		t.mu.Unlock()
		return ErrRouteNotReady
	}
	t.mu.Unlock()

	if err := t.builder.RelaySend(ctx, convID, p.Payload); err != nil {
		t.mu.Lock()
		path.state = StateDegraded
		t.mu.Unlock()
		t.notifyState(StateDegraded)
		return newTransientError("relay_send_failed", err.Error())
	}
	return nil
}

func (t *SelfOnionTransport) OnMessage(cb func(convID string, p Packet)) { t.onMessage = cb }
func (t *SelfOnionTransport) OnAck(cb func(convID, messageID string))   { t.onAck = cb }
func (t *SelfOnionTransport) OnState(cb func(state State))              { t.onState = cb }

// Deliver feeds an inbound relayed packet back through the callback surface.
func (t *SelfOnionTransport) Deliver(convID string, p Packet) {
	if t.onMessage != nil {
		t.onMessage(convID, p)
	}
}

// Expire marks convID's path expired, e.g. after prolonged relay failure.
func (t *SelfOnionTransport) Expire(convID string) {
	t.mu.Lock()
	path, ok := t.paths[convID]
	if ok {
		path.state = StateExpired
	}
	t.builder.Teardown(convID)
	t.mu.Unlock()
	t.notifyState(StateExpired)
}
