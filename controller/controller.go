// Package controller implements the LocalOnionController HTTP service
// (spec §4.4): a single-tenant 127.0.0.1 server exposing health, address,
// send/forward, ingest, and inbox-poll endpoints. Grounded on the
// teacher's structured-logging and error-wrapping idiom; the server itself
// uses stdlib net/http, matching every HTTP-serving repo in the example
// pack (none imports a router/framework library for a handful of routes).
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxrouter/limits"
	"github.com/opd-ai/toxrouter/socksclient"
)

// DefaultPort is the controller's preferred bind port (spec §4.4).
const DefaultPort = 3210

// MaxBodyBytes caps request bodies; violations return 413 (spec §4.4).
const MaxBodyBytes = limits.MaxHTTPBodyBytes

// DefaultInboxTTL is the inbox sweep's item retention window (spec §4.4:
// "default TTL 7 days").
const DefaultInboxTTL = 7 * 24 * time.Hour

// SweepInterval is how often expired inbox items are purged.
const SweepInterval = 60 * time.Second

// NetworkAvailability reports which onion networks currently have a usable
// local SOCKS proxy, sourced from the onionsupervisor layer.
type NetworkAvailability struct {
	TorActive       bool
	TorSocksProxy   string
	TorAddress      string
	LokinetActive   bool
	LokinetProxyURL string
	LokinetAddress  string
}

// AvailabilityProvider is the narrow interface the controller needs from
// the onionsupervisor layer, avoiding a direct package dependency.
type AvailabilityProvider interface {
	Availability() NetworkAvailability
}

// inboxItem is a queued message awaiting pickup by its recipient device.
type inboxItem struct {
	ID        string `json:"id"`
	TS        int64  `json:"ts"`
	From      string `json:"from"`
	Envelope  string `json:"envelope"`
	ExpiresAt int64  `json:"-"`
}

// Clock abstracts time for deterministic sweep tests.
type Clock func() time.Time

// SocksFetcher is the narrow interface the controller needs from
// socksclient.Client, kept local so tests can inject a fake forwarder
// without a live SOCKS5 proxy.
type SocksFetcher interface {
	Fetch(ctx context.Context, req socksclient.Request) (*socksclient.Response, error)
}

// Controller is the LocalOnionController HTTP service.
type Controller struct {
	avail    AvailabilityProvider
	socks    SocksFetcher
	clock    Clock
	server   *http.Server
	listener net.Listener

	mu    sync.Mutex
	inbox map[string][]inboxItem // keyed by toDeviceId
}

// New creates a Controller; Start binds and serves.
func New(avail AvailabilityProvider, socks SocksFetcher) *Controller {
	return &Controller{
		avail: avail,
		socks: socks,
		clock: time.Now,
		inbox: make(map[string][]inboxItem),
	}
}

// SetClock overrides the time source for tests.
func (c *Controller) SetClock(clock Clock) { c.clock = clock }

// Start binds to 127.0.0.1:DefaultPort, falling back to an ephemeral port
// if taken, and serves until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", DefaultPort))
	if err != nil {
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("controller: failed to bind: %w", err)
		}
	}
	c.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/onion/health", c.corsWrap(c.handleHealth))
	mux.HandleFunc("/onion/address", c.corsWrap(c.handleAddress))
	mux.HandleFunc("/onion/send", c.corsWrap(c.bodyCapped(c.handleSend)))
	mux.HandleFunc("/onion/ingest", c.corsWrap(c.bodyCapped(c.handleIngest)))
	mux.HandleFunc("/onion/inbox", c.corsWrap(c.handleInbox))

	c.server = &http.Server{Handler: mux}

	go c.sweepLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Controller.Start",
		"addr":     ln.Addr().String(),
	}).Info("local onion controller listening")

	go func() {
		<-ctx.Done()
		c.server.Close()
	}()

	err = c.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Addr returns the controller's bound address, valid after Start.
func (c *Controller) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *Controller) corsWrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (c *Controller) bodyCapped(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	a := c.avail.Availability()
	network := "none"
	if a.TorActive {
		network = "tor"
	} else if a.LokinetActive {
		network = "lokinet"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"network": network,
		"tor": map[string]interface{}{
			"active":     a.TorActive,
			"socksProxy": a.TorSocksProxy,
			"address":    a.TorAddress,
		},
		"lokinet": map[string]interface{}{
			"active":   a.LokinetActive,
			"proxyUrl": a.LokinetProxyURL,
			"address":  a.LokinetAddress,
		},
	})
}

func (c *Controller) handleAddress(w http.ResponseWriter, r *http.Request) {
	a := c.avail.Availability()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"torOnion": a.TorAddress,
		"lokinet":  a.LokinetAddress,
	})
}

func generateID() string { return uuid.NewString() }
