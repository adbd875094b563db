package toxrouter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/toxrouter/controller"
	"github.com/opd-ai/toxrouter/envelope"
	"github.com/opd-ai/toxrouter/friend"
	"github.com/opd-ai/toxrouter/netconfig"
	"github.com/opd-ai/toxrouter/onionsupervisor"
	"github.com/opd-ai/toxrouter/outbox"
	"github.com/opd-ai/toxrouter/ratchet"
	"github.com/opd-ai/toxrouter/route"
	"github.com/opd-ai/toxrouter/transport"

	"github.com/sirupsen/logrus"
)

// DefaultTickInterval is the scheduler wake-up cadence, grounded on the
// teacher's Tox.IterationInterval default polling rate.
const DefaultTickInterval = 200 * time.Millisecond

// ErrSelfDeviceIDRequired is returned by New when Options.SelfDeviceID is empty.
var ErrSelfDeviceIDRequired = errors.New("toxrouter: SelfDeviceID is required")

// ErrUnknownConversation is returned when an operation names a conversation
// that has not been registered via RegisterConversation.
var ErrUnknownConversation = errors.New("toxrouter: unknown conversation")

// transportAdapter bridges a transport.Transport into outbox.Transport. The
// two packages define structurally-identical but distinctly named Packet
// types, so Go's interface satisfaction rules require this explicit
// conversion — a transport.Transport does not automatically satisfy
// outbox.Transport.
type transportAdapter struct {
	inner transport.Transport
}

func (a *transportAdapter) Name() string { return a.inner.Name() }

func (a *transportAdapter) Send(ctx context.Context, convID string, p outbox.Packet) error {
	return a.inner.Send(ctx, convID, transport.Packet{ID: p.MessageID, Payload: p.Payload})
}

// registryAdapter bridges *transport.Registry into outbox.TransportRegistry.
type registryAdapter struct {
	registry *transport.Registry
}

func (a *registryAdapter) Get(name string) (outbox.Transport, bool) {
	t, ok := a.registry.Get(name)
	if !ok {
		return nil, false
	}
	return &transportAdapter{inner: t}, true
}

// availabilityTracker caches the most recent Tor/Lokinet supervisor status so
// it can answer controller.AvailabilityProvider.Availability synchronously;
// Supervisor only offers a subscribe-and-replay channel, not a direct getter.
type availabilityTracker struct {
	mu      sync.Mutex
	tor     onionsupervisor.Status
	lokinet onionsupervisor.Status
}

func (a *availabilityTracker) watch(ch <-chan onionsupervisor.Status, isTor bool) {
	for status := range ch {
		a.mu.Lock()
		if isTor {
			a.tor = status
		} else {
			a.lokinet = status
		}
		a.mu.Unlock()
	}
}

func (a *availabilityTracker) Availability() controller.NetworkAvailability {
	a.mu.Lock()
	defer a.mu.Unlock()
	return controller.NetworkAvailability{
		TorActive:       a.tor.State == onionsupervisor.StateRunning,
		TorSocksProxy:   a.tor.SocksProxyURL,
		TorAddress:      a.tor.HiddenServiceAddress,
		LokinetActive:   a.lokinet.State == onionsupervisor.StateRunning,
		LokinetProxyURL: a.lokinet.SocksProxyURL,
		LokinetAddress:  a.lokinet.HiddenServiceAddress,
	}
}

// Conversation is a single peer conversation's routing and ratchet state.
type Conversation struct {
	ConvID       string
	SelfDeviceID string
	PeerDeviceID string
	Step         ratchet.Step
	Hints        route.PeerHints

	sendLamport  uint64
	sendPrevHash []byte
}

// Options configures a Router. Only SelfDeviceID is required; every other
// field enables an optional subsystem, mirroring the teacher's Options
// struct in toxcore.go where zero values disable a feature rather than
// erroring.
type Options struct {
	SelfDeviceID string

	OutboxSnapshotPath string
	NetconfigPath      string
	ChainStatePath     string
	InitialMode        route.Mode
	TickInterval       time.Duration

	EnableDirect bool

	EnableSelfOnion     bool
	SelfOnionHopBuilder transport.HopBuilder
	SelfOnionHopCount   int

	EnableOnionRouter bool
	ControllerURL     string

	EnableLocalController bool
	SocksFetcher          controller.SocksFetcher

	EnableTor              bool
	TorBinaryPath          func() (string, error)
	EnableLokinet          bool
	LokinetBinaryPath      func() (string, error)
	OnionDataDir           string
	OnionSocksPortTor      int
	OnionSocksPortLokinet  int
}

// Router orchestrates the full per-send path described by spec §4/§9:
// persist to the outbox, pick a transport via the route controller, send,
// and on failure let the scheduler's backoff/fallback mechanics escalate.
// It follows the teacher's toxcore.Tox shape: one struct wiring every
// subsystem, constructed by New and driven by Start/Stop.
type Router struct {
	selfDeviceID string

	store      *outbox.Store
	scheduler  *outbox.Scheduler
	route      *route.Controller
	registry   *transport.Registry
	netcfg     *netconfig.Store
	chain      *envelope.ChainValidator
	controller *controller.Controller
	avail      *availabilityTracker

	torSupervisor     *onionsupervisor.Supervisor
	lokinetSupervisor *onionsupervisor.Supervisor

	tickInterval time.Duration

	mu                  sync.Mutex
	conversations       map[string]*Conversation
	conversationsByPeer map[string]string
	pendingControlFriend map[string]*friend.Friend

	onMessage      func(convID string, plaintext []byte)
	onControlFrame func(convID string, frame *friend.ControlFrame)

	cancel context.CancelFunc
}

// New wires every subsystem named in Options and returns a Router ready for
// Start. Grounded on the teacher's New(options *Options) (*Tox, error)
// constructor shape in toxcore.go.
func New(opts Options) (*Router, error) {
	if opts.SelfDeviceID == "" {
		return nil, ErrSelfDeviceIDRequired
	}

	store, err := outbox.NewStore(opts.OutboxSnapshotPath)
	if err != nil {
		return nil, fmt.Errorf("toxrouter: failed to open outbox store: %w", err)
	}

	netcfg, err := netconfig.NewStore(opts.NetconfigPath)
	if err != nil {
		return nil, fmt.Errorf("toxrouter: failed to open netconfig store: %w", err)
	}

	chain, err := envelope.NewChainValidatorWithPersistence(opts.ChainStatePath)
	if err != nil {
		return nil, fmt.Errorf("toxrouter: failed to open chain validator state: %w", err)
	}

	mode := route.Mode(netcfg.Get().Mode)
	if opts.InitialMode != "" {
		mode = opts.InitialMode
	}
	routeController := route.NewController(mode)

	registry := transport.NewRegistry()
	if opts.EnableDirect {
		registry.Register(transport.NewDirectTransport())
	}
	if opts.EnableSelfOnion && opts.SelfOnionHopBuilder != nil {
		registry.Register(transport.NewSelfOnionTransport(opts.SelfOnionHopBuilder, opts.SelfOnionHopCount))
	}

	tickInterval := opts.TickInterval
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}

	r := &Router{
		selfDeviceID:         opts.SelfDeviceID,
		store:                store,
		route:                routeController,
		registry:             registry,
		netcfg:               netcfg,
		chain:                chain,
		tickInterval:         tickInterval,
		conversations:        make(map[string]*Conversation),
		conversationsByPeer:  make(map[string]string),
		pendingControlFriend: make(map[string]*friend.Friend),
	}

	if opts.EnableOnionRouter && opts.ControllerURL != "" {
		registry.Register(transport.NewOnionRouterTransport(opts.ControllerURL, opts.SelfDeviceID, r))
	}

	r.scheduler = outbox.NewScheduler(store, routeController, &registryAdapter{registry})

	for _, t := range registry.All() {
		t.OnMessage(r.handleInbound)
		t.OnAck(r.handleAck)
		t.OnState(func(state transport.State) {
			logrus.WithFields(logrus.Fields{
				"function": "Router.New",
				"state":    state,
			}).Debug("transport reported a state transition")
		})
	}

	if opts.EnableTor {
		r.torSupervisor = onionsupervisor.NewSupervisor("tor", opts.TorBinaryPath, opts.OnionDataDir, opts.OnionSocksPortTor)
	}
	if opts.EnableLokinet {
		r.lokinetSupervisor = onionsupervisor.NewSupervisor("lokinet", opts.LokinetBinaryPath, opts.OnionDataDir, opts.OnionSocksPortLokinet)
	}
	if r.torSupervisor != nil || r.lokinetSupervisor != nil {
		r.avail = &availabilityTracker{}
	}

	if opts.EnableLocalController {
		if r.avail == nil {
			r.avail = &availabilityTracker{}
		}
		r.controller = controller.New(r.avail, opts.SocksFetcher)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "New",
		"self_device_id": opts.SelfDeviceID,
		"mode":          mode,
	}).Info("router constructed")

	return r, nil
}

// RegisterConversation adds (or replaces) the routing/ratchet state for
// convID, keyed both by its own id and by peerDeviceID so inbound packets
// from transports that only carry a sender device id (onionRouter) can
// still be dispatched to the right conversation.
func (r *Router) RegisterConversation(convID, peerDeviceID string, step ratchet.Step, hints route.PeerHints) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[convID] = &Conversation{
		ConvID:       convID,
		SelfDeviceID: r.selfDeviceID,
		PeerDeviceID: peerDeviceID,
		Step:         step,
		Hints:        hints,
	}
	if peerDeviceID != "" {
		r.conversationsByPeer[peerDeviceID] = convID
	}
}

// SetConversationState forwards a conversation's observed transport
// readiness to the route controller. transport.Transport.OnState does not
// carry a conversation id, so the Router cannot infer this automatically;
// callers update it as their own channel/route establishment completes
// (e.g. after DirectTransport.SetChannel or a successful EnsureSelfOnionRoute).
func (r *Router) SetConversationState(convID string, state route.ConversationState) {
	r.route.SetConversationState(convID, state)
}

// EnsureSelfOnionRoute builds (or rebuilds) the self-onion hop route for
// convID and reflects the outcome into the route controller's conversation
// state, since this call site is the one place the Router knows both the
// convID and the transport's readiness result.
func (r *Router) EnsureSelfOnionRoute(ctx context.Context, convID string) error {
	t, ok := r.registry.Get(route.KindSelfOnion)
	if !ok {
		return fmt.Errorf("toxrouter: selfOnion transport not registered")
	}
	so, ok := t.(*transport.SelfOnionTransport)
	if !ok {
		return fmt.Errorf("toxrouter: registered selfOnion transport has unexpected type")
	}

	err := so.EnsureRoute(ctx, convID)

	r.mu.Lock()
	_, known := r.conversations[convID]
	r.mu.Unlock()
	if known {
		r.route.SetConversationState(convID, route.ConversationState{SelfOnionReady: err == nil})
	}
	return err
}

// Resolve implements transport.ConvResolver for the onionRouter transport.
func (r *Router) Resolve(convID string) (toDeviceID, fromDeviceID string, hint transport.RouteHint) {
	r.mu.Lock()
	conv, ok := r.conversations[convID]
	r.mu.Unlock()
	if !ok {
		return "", "", transport.RouteHint{}
	}

	cfg := r.netcfg.Get()
	return conv.PeerDeviceID, conv.SelfDeviceID, transport.RouteHint{
		Mode:     string(cfg.Mode),
		TorOnion: conv.Hints.OnionAddr,
		Lokinet:  conv.Hints.LokinetAddr,
	}
}

// OnMessage registers the callback invoked with decrypted, unpadded
// plaintext for every inbound envelope that is not a friend control frame.
func (r *Router) OnMessage(cb func(convID string, plaintext []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = cb
}

// OnControlFrame registers the callback invoked for every inbound friend
// control frame. The callback is responsible for calling frame.Verify
// against the sending friend's pinned identity key before acting on it
// (spec §4.8: frames are opaque to the Router).
func (r *Router) OnControlFrame(cb func(convID string, frame *friend.ControlFrame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onControlFrame = cb
}
