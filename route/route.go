// Package route implements the RouteController: policy evaluation over
// global mode, per-conversation transport state, and peer routing hints,
// with failover ordering and health feedback. The registration/selection
// shape follows the teacher's transport.MultiTransport (address-driven
// dispatch to a registered implementation).
package route

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode is the global transport policy (spec §6 "mode").
type Mode string

const (
	ModeDirectP2P   Mode = "directP2P"
	ModeSelfOnion   Mode = "selfOnion"
	ModeOnionRouter Mode = "onionRouter"
	ModeAuto        Mode = "auto"
	ModePreferTor   Mode = "preferTor"
	ModePreferLoki  Mode = "preferLokinet"
	ModeManual      Mode = "manual"
)

// Transport kind names, shared with the transport package by convention
// (string-tagged, per §9 "Variants are tagged by name").
const (
	KindDirect      = "directP2P"
	KindSelfOnion   = "selfOnion"
	KindOnionRouter = "onionRouter"
)

// CoolDown is the default health cool-down window (spec §4.6 default 15s).
const CoolDown = 15 * time.Second

// ConversationState is the caller-observable per-conversation input to
// DecideTransport: which direct channel is open, whether the self-onion hop
// route is ready, and whether an onion-router proxy is configured.
type ConversationState struct {
	DirectOpen       bool
	SelfOnionReady   bool
	OnionRouterReady bool
}

// PeerHints carries the already-resolved addressing the RouteController
// needs; peer/identity discovery itself is out of scope (spec §1).
type PeerHints struct {
	DeviceID    string
	OnionAddr   string
	LokinetAddr string
}

// Clock abstracts time for deterministic cool-down tests.
type Clock func() time.Time

// Controller evaluates policy, conversation state, and transport health to
// produce an ordered transport choice per send.
type Controller struct {
	mu           sync.Mutex
	mode         Mode
	states       map[string]ConversationState
	lastFailedAt map[string]time.Time // keyed by convID+"\x00"+transportKind
	clock        Clock
}

// NewController creates a Controller in the given global mode.
func NewController(mode Mode) *Controller {
	return &Controller{
		mode:         mode,
		states:       make(map[string]ConversationState),
		lastFailedAt: make(map[string]time.Time),
		clock:        time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *Controller) SetClock(clock Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// SetMode updates the global transport policy.
func (c *Controller) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// SetConversationState records the observable per-conversation transport
// state the controller uses to decide readiness.
func (c *Controller) SetConversationState(convID string, state ConversationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[convID] = state
}

func (c *Controller) healthKey(convID, kind string) string {
	return convID + "\x00" + kind
}

// ReportSendFail marks a transport degraded for convID for the cool-down
// window (spec §4.6 default 15s).
func (c *Controller) ReportSendFail(convID, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailedAt[c.healthKey(convID, kind)] = c.clock()
	logrus.WithFields(logrus.Fields{
		"function":  "Controller.ReportSendFail",
		"conv_id":   convID,
		"transport": kind,
	}).Warn("transport marked degraded after send failure")
}

// ReportSendSuccess clears a transport's degraded health for convID.
func (c *Controller) ReportSendSuccess(convID, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastFailedAt, c.healthKey(convID, kind))
}

func (c *Controller) degraded(convID, kind string) bool {
	failedAt, ok := c.lastFailedAt[c.healthKey(convID, kind)]
	if !ok {
		return false
	}
	return c.clock().Sub(failedAt) < CoolDown
}

// DecideTransport returns the ordered (primary, fallbacks) transport choice
// for convID, implementing spec §4.6's policy table and the §4.6 "fallback
// ordering rule of thumb": in preferTor/preferLokinet modes, no cross-network
// fallback is ever attempted (route policy monotonicity, spec §8).
func (c *Controller) DecideTransport(convID string) (string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.states[convID]

	switch c.mode {
	case ModeOnionRouter:
		return KindOnionRouter, nil
	case ModePreferTor, ModePreferLoki:
		// Monotonic: never cross over to the other network even on failure.
		return KindOnionRouter, nil
	}

	var order []string
	if state.DirectOpen && !c.degraded(convID, KindDirect) {
		order = append(order, KindDirect)
	}
	if state.SelfOnionReady && !c.degraded(convID, KindSelfOnion) {
		order = append(order, KindSelfOnion)
	}
	if state.OnionRouterReady && !c.degraded(convID, KindOnionRouter) {
		order = append(order, KindOnionRouter)
	}

	// Degraded-but-only transport is still better than none: append any
	// transport that is available but currently cooling down, after the
	// healthy ones, so a send is still attempted once the cool-down window
	// it itself enforces elsewhere has been respected by the caller.
	if state.DirectOpen && !contains(order, KindDirect) {
		order = append(order, KindDirect)
	}
	if state.SelfOnionReady && !contains(order, KindSelfOnion) {
		order = append(order, KindSelfOnion)
	}
	if state.OnionRouterReady && !contains(order, KindOnionRouter) {
		order = append(order, KindOnionRouter)
	}

	if len(order) == 0 {
		return "", nil
	}
	return order[0], order[1:]
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
