package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pollBaseDelay/pollCapDelay are the inbox poller's exponential backoff
// bounds (spec §4.5 "exponential backoff and jitter, base 2s, cap 30s").
const (
	pollBaseDelay = 2 * time.Second
	pollCapDelay  = 30 * time.Second
)

// RouteHint carries the route mode and candidate addresses the local
// controller's /onion/send forwarding logic consumes (spec §4.4).
type RouteHint struct {
	Mode     string `json:"mode"`
	TorOnion string `json:"torOnion,omitempty"`
	Lokinet  string `json:"lokinet,omitempty"`
}

type sendRequest struct {
	ToDeviceID   string     `json:"toDeviceId"`
	FromDeviceID string     `json:"fromDeviceId,omitempty"`
	Envelope     string     `json:"envelope"`
	TTLMs        int64      `json:"ttlMs,omitempty"`
	Route        *RouteHint `json:"route,omitempty"`
}

type sendResponse struct {
	OK        bool   `json:"ok"`
	MsgID     string `json:"msgId"`
	Forwarded bool   `json:"forwarded"`
	Route     string `json:"route"`
	Error     string `json:"error"`
}

type inboxItem struct {
	ID       string `json:"id"`
	TS       int64  `json:"ts"`
	From     string `json:"from"`
	Envelope string `json:"envelope"`
}

type inboxResponse struct {
	OK        bool        `json:"ok"`
	Items     []inboxItem `json:"items"`
	NextAfter *int64      `json:"nextAfter"`
}

// ConvResolver maps a conversation id to the toDeviceId/fromDeviceId and
// route hint the controller's /onion/send body needs. Address resolution
// itself is out of scope (spec §1); OnionRouterTransport only consumes it.
type ConvResolver interface {
	Resolve(convID string) (toDeviceID, fromDeviceID string, hint RouteHint)
}

// OnionRouterTransport sends by POSTing to the local controller's
// /onion/send and receives via an independent /onion/inbox poller. Grounded
// on the teacher's transport/proxy.go HTTP-client-over-dialer shape, wired
// here to the in-process controller instead of an external SOCKS proxy.
type OnionRouterTransport struct {
	client        *http.Client
	controllerURL string
	deviceID      string
	resolver      ConvResolver
	pollInterval  time.Duration // overridable in tests; 0 uses pollBaseDelay

	mu       sync.Mutex
	cancel   context.CancelFunc
	seen     map[string]bool
	lastSeen []string // ring of seen ids, oldest first, for bounded dedup

	onMessage func(convID string, p Packet)
	onAck     func(convID, messageID string)
	onState   func(state State)
}

// NewOnionRouterTransport creates a transport bound to a LocalOnionController
// at controllerURL (e.g. "http://127.0.0.1:3210"), polling inbox items
// addressed to deviceID.
func NewOnionRouterTransport(controllerURL, deviceID string, resolver ConvResolver) *OnionRouterTransport {
	return &OnionRouterTransport{
		client:        &http.Client{Timeout: 10 * time.Second},
		controllerURL: controllerURL,
		deviceID:      deviceID,
		resolver:      resolver,
		seen:          make(map[string]bool),
	}
}

func (t *OnionRouterTransport) Name() string { return "onionRouter" }

// Start launches the inbox poller goroutine; it runs until Stop or ctx is
// cancelled.
func (t *OnionRouterTransport) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	go t.pollLoop(pollCtx)
	return nil
}

// Stop cleanly stops the inbox poller.
func (t *OnionRouterTransport) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Send POSTs to the local controller's /onion/send, mapping its error
// strings into router-visible transport error codes (spec §4.5).
func (t *OnionRouterTransport) Send(ctx context.Context, convID string, p Packet) error {
	toDeviceID, fromDeviceID, hint := t.resolver.Resolve(convID)

	body, err := json.Marshal(sendRequest{
		ToDeviceID:   toDeviceID,
		FromDeviceID: fromDeviceID,
		Envelope:     string(p.Payload),
		Route:        &hint,
	})
	if err != nil {
		return newTerminalError("encode_failed", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.controllerURL+"/onion/send", bytes.NewReader(body))
	if err != nil {
		return newTerminalError("encode_failed", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "OnionRouterTransport.Send",
			"conv_id":  convID,
			"error":    err.Error(),
		}).Warn("controller request failed")
		return newTransientError("controller_unreachable", err.Error())
	}
	defer resp.Body.Close()

	var parsed sendResponse
	if decErr := json.NewDecoder(resp.Body).Decode(&parsed); decErr != nil {
		return newTransientError("bad_controller_response", decErr.Error())
	}
	if !parsed.OK {
		return mapControllerError(parsed.Error)
	}
	return nil
}

// mapControllerError translates the controller's forward_failed:<reason>
// strings (spec §4.4) into the transport's {code, terminal} taxonomy.
func mapControllerError(controllerErr string) error {
	switch controllerErr {
	case "forward_failed:no_proxy", "forward_failed:no_route":
		return newTerminalError("route_unavailable", controllerErr)
	default:
		return newTransientError("forward_failed", controllerErr)
	}
}

func (t *OnionRouterTransport) pollLoop(ctx context.Context) {
	delay := pollBaseDelay
	if t.pollInterval > 0 {
		delay = t.pollInterval
	}
	cursor := int64(-1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		next, items, err := t.pollOnce(ctx, cursor)
		if err != nil {
			delay = nextBackoff(delay)
			continue
		}
		delay = pollBaseDelay
		if next != nil {
			cursor = *next
		}
		for _, item := range items {
			t.deliverIfNew(item)
		}
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	d := delay * 2
	if d > pollCapDelay {
		d = pollCapDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d/2 + jitter
}

func (t *OnionRouterTransport) pollOnce(ctx context.Context, after int64) (*int64, []inboxItem, error) {
	url := fmt.Sprintf("%s/onion/inbox?deviceId=%s&after=%d&limit=50", t.controllerURL, t.deviceID, after)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	var parsed inboxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, err
	}
	return parsed.NextAfter, parsed.Items, nil
}

// deliverIfNew dedups by id (spec §4.5 "dedup by id") before invoking
// onMessage; convID is not known to the controller's inbox, so delivery is
// keyed by the sender's device id, which callers resolve to a conversation.
func (t *OnionRouterTransport) deliverIfNew(item inboxItem) {
	t.mu.Lock()
	if t.seen[item.ID] {
		t.mu.Unlock()
		return
	}
	t.seen[item.ID] = true
	t.lastSeen = append(t.lastSeen, item.ID)
	const maxDedupWindow = 10_000
	if len(t.lastSeen) > maxDedupWindow {
		evict := t.lastSeen[0]
		t.lastSeen = t.lastSeen[1:]
		delete(t.seen, evict)
	}
	cb := t.onMessage
	t.mu.Unlock()

	if cb != nil {
		cb(item.From, Packet{ID: item.ID, Payload: []byte(item.Envelope)})
	}
}

func (t *OnionRouterTransport) OnMessage(cb func(convID string, p Packet)) { t.onMessage = cb }
func (t *OnionRouterTransport) OnAck(cb func(convID, messageID string))   { t.onAck = cb }
func (t *OnionRouterTransport) OnState(cb func(state State))              { t.onState = cb }
