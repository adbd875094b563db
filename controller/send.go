package controller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxrouter/socksclient"
)

// sendRequest mirrors spec §4.4's /onion/send body, including legacy field
// aliases (to/toOnion/from fall back for toDeviceId/route.torOnion/
// fromDeviceId).
type sendRequest struct {
	ToDeviceID   string     `json:"toDeviceId"`
	To           string     `json:"to"`
	FromDeviceID string     `json:"fromDeviceId"`
	From         string     `json:"from"`
	Envelope     string     `json:"envelope"`
	TTLMs        int64      `json:"ttlMs"`
	Route        *routeHint `json:"route"`
}

type routeHint struct {
	Mode     string `json:"mode"`
	TorOnion string `json:"torOnion"`
	ToOnion  string `json:"toOnion"`
	Lokinet  string `json:"lokinet"`
}

func (r *sendRequest) normalize() {
	if r.ToDeviceID == "" {
		r.ToDeviceID = r.To
	}
	if r.FromDeviceID == "" {
		r.FromDeviceID = r.From
	}
	if r.Route != nil && r.Route.TorOnion == "" {
		r.Route.TorOnion = r.Route.ToOnion
	}
}

func (c *Controller) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"ok": false, "error": "method_not_allowed"})
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{"ok": false, "error": "body_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_request"})
		return
	}
	var req sendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_request"})
		return
	}
	req.normalize()

	if req.Route != nil && req.Route.Mode != "" {
		c.forward(r.Context(), w, req)
		return
	}

	c.enqueue(w, req)
}

// forward builds the ordered candidate list per spec §4.4's mode table and
// attempts delivery through each, via SocksClient against the onion
// controller's proxy for that network.
func (c *Controller) forward(ctx context.Context, w http.ResponseWriter, req sendRequest) {
	a := c.avail.Availability()

	candidates, err := candidateList(req.Route.Mode, req.Route.Lokinet, req.Route.TorOnion, a)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	if len(candidates) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "forward_failed:no_route"})
		return
	}

	msgID := generateID()
	body, _ := json.Marshal(map[string]interface{}{
		"toDeviceId": req.ToDeviceID,
		"from":       req.FromDeviceID,
		"envelope":   req.Envelope,
		"ts":         c.clock().UnixMilli(),
		"id":         msgID,
	})

	allowCrossNetwork := req.Route.Mode == "auto"
	var lastErr string

	for i, target := range candidates {
		proxyURL := target.proxyURL
		if proxyURL == "" {
			lastErr = "forward_failed:no_proxy"
			if allowCrossNetwork && i < len(candidates)-1 {
				continue
			}
			break
		}

		resp, err := c.socks.Fetch(ctx, socksclient.Request{
			Method:    "POST",
			URL:       "http://" + target.address + "/onion/ingest",
			Body:      body,
			TimeoutMs: 10_000,
			ProxyURL:  proxyURL,
			Retry:     true,
		})
		if err == nil && resp.Status >= 200 && resp.Status < 300 {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"ok": true, "msgId": msgID, "forwarded": true, "route": target.name,
			})
			return
		}

		lastErr = "forward_failed:" + errOrStatus(err, resp)
		logrus.WithFields(logrus.Fields{
			"function": "Controller.forward",
			"target":   target.name,
			"error":    lastErr,
		}).Warn("onion ingest forward attempt failed")

		if !allowCrossNetwork {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": lastErr})
}

func errOrStatus(err error, resp *socksclient.Response) string {
	if err != nil {
		return err.Error()
	}
	return "status_" + strconv.Itoa(resp.Status)
}

type candidate struct {
	name     string
	address  string
	proxyURL string
}

// candidateList implements spec §4.4's forwarding candidate-list rules.
func candidateList(mode, lokinetAddr, torAddr string, a NetworkAvailability) ([]candidate, error) {
	lokinet := candidate{name: "lokinet", address: lokinetAddr, proxyURL: a.LokinetProxyURL}
	tor := candidate{name: "tor", address: torAddr, proxyURL: a.TorSocksProxy}

	switch mode {
	case "preferLokinet":
		if lokinetAddr == "" {
			return nil, nil
		}
		return []candidate{lokinet}, nil
	case "preferTor":
		if torAddr == "" {
			return nil, nil
		}
		return []candidate{tor}, nil
	case "manual":
		hasLokinet, hasTor := lokinetAddr != "", torAddr != ""
		if hasLokinet == hasTor {
			return nil, errWrap("forward_failed:no_route")
		}
		if hasLokinet {
			return []candidate{lokinet}, nil
		}
		return []candidate{tor}, nil
	case "auto":
		var out []candidate
		if lokinetAddr != "" && a.LokinetActive {
			out = append(out, lokinet)
		}
		if torAddr != "" && a.TorActive {
			out = append(out, tor)
		}
		return out, nil
	default:
		return nil, errWrap("forward_failed:no_route")
	}
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
func errWrap(s string) error      { return simpleErr(s) }

// enqueue implements spec §4.4's non-forwarding enqueue path, shared by
// /onion/send (no route hint) and /onion/ingest.
func (c *Controller) enqueue(w http.ResponseWriter, req sendRequest) {
	ttl := DefaultInboxTTL
	if req.TTLMs > 0 {
		ttl = time.Duration(req.TTLMs) * time.Millisecond
	}

	now := c.clock()
	msgID := generateID()
	item := inboxItem{
		ID:        msgID,
		TS:        now.UnixMilli(),
		From:      req.FromDeviceID,
		Envelope:  req.Envelope,
		ExpiresAt: now.Add(ttl).UnixMilli(),
	}

	c.mu.Lock()
	c.inbox[req.ToDeviceID] = append(c.inbox[req.ToDeviceID], item)
	c.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "msgId": msgID, "forwarded": false})
}

func (c *Controller) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"ok": false, "error": "method_not_allowed"})
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{"ok": false, "error": "body_too_large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_request"})
		return
	}
	var req sendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"ok": false, "error": "bad_request"})
		return
	}
	req.normalize()
	c.enqueue(w, req)
}

func (c *Controller) handleInbox(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	after := -1
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			after = n
		}
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			limit = n
		}
	}

	c.mu.Lock()
	items := c.inbox[deviceID]
	c.mu.Unlock()

	start := after + 1
	if start < 0 {
		start = 0
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	page := items[start:end]

	out := make([]map[string]interface{}, 0, len(page))
	for _, it := range page {
		out = append(out, map[string]interface{}{
			"id": it.ID, "ts": it.TS, "from": it.From, "envelope": it.Envelope,
		})
	}

	var nextAfter interface{}
	if end > start {
		nextAfter = end - 1
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true, "items": out, "nextAfter": nextAfter,
	})
}

// sweepLoop periodically removes expired inbox items (spec §4.4: "Periodic
// sweep every 60 s removes expired items").
func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Controller) sweepExpired() {
	now := c.clock().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	for deviceID, items := range c.inbox {
		kept := items[:0]
		for _, it := range items {
			if it.ExpiresAt > now {
				kept = append(kept, it)
			}
		}
		if len(kept) == 0 {
			delete(c.inbox, deviceID)
		} else {
			c.inbox[deviceID] = kept
		}
	}
}
