package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxrouter/socksclient"
)

type fakeAvailability struct {
	a NetworkAvailability
}

func (f *fakeAvailability) Availability() NetworkAvailability { return f.a }

func newTestController(a NetworkAvailability) *Controller {
	return New(&fakeAvailability{a: a}, socksclient.NewClient(0))
}

func TestEnqueueThenInboxReturnsItemAndCursor(t *testing.T) {
	c := newTestController(NetworkAvailability{})
	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]interface{}{
		"toDeviceId": "device-b",
		"from":       "device-a",
		"envelope":   "ciphertext",
	})
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(body))
	c.handleSend(rec, req)

	var sendResp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sendResp))
	assert.True(t, sendResp["ok"].(bool))
	assert.False(t, sendResp["forwarded"].(bool))

	inboxRec := httptest.NewRecorder()
	inboxReq := httptest.NewRequest(http.MethodGet, "/onion/inbox?deviceId=device-b&after=-1&limit=50", nil)
	c.handleInbox(inboxRec, inboxReq)

	var inboxResp map[string]interface{}
	require.NoError(t, json.Unmarshal(inboxRec.Body.Bytes(), &inboxResp))
	items := inboxResp["items"].([]interface{})
	require.Len(t, items, 1)
	first := items[0].(map[string]interface{})
	assert.Equal(t, "ciphertext", first["envelope"])
	assert.EqualValues(t, 0, inboxResp["nextAfter"])
}

func TestLegacyFieldAliasesAreAccepted(t *testing.T) {
	c := newTestController(NetworkAvailability{})
	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]interface{}{
		"to":       "device-b",
		"from":     "device-a",
		"envelope": "ciphertext",
	})
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(body))
	c.handleSend(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp["ok"].(bool))

	c.mu.Lock()
	_, ok := c.inbox["device-b"]
	c.mu.Unlock()
	assert.True(t, ok)
}

func TestForwardFailsNoRouteWhenCandidateListEmpty(t *testing.T) {
	c := newTestController(NetworkAvailability{})
	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]interface{}{
		"toDeviceId": "device-b",
		"from":       "device-a",
		"envelope":   "ct",
		"route":      map[string]string{"mode": "auto"},
	})
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(body))
	c.handleSend(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["ok"].(bool))
	assert.Equal(t, "forward_failed:no_route", resp["error"])
}

func TestForwardFailsNoProxyWhenCandidateHasNoProxyConfigured(t *testing.T) {
	c := newTestController(NetworkAvailability{})
	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]interface{}{
		"toDeviceId": "device-b",
		"from":       "device-a",
		"envelope":   "ct",
		"route":      map[string]string{"mode": "preferTor", "torOnion": "x.onion"},
	})
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(body))
	c.handleSend(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp["ok"].(bool))
	assert.Equal(t, "forward_failed:no_proxy", resp["error"])
}

func TestCandidateListManualRequiresExactlyOneTarget(t *testing.T) {
	_, err := candidateList("manual", "l.lok", "x.onion", NetworkAvailability{})
	assert.Error(t, err)

	out, err := candidateList("manual", "l.lok", "", NetworkAvailability{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "lokinet", out[0].name)
}

func TestCandidateListAutoFiltersByAvailability(t *testing.T) {
	out, err := candidateList("auto", "l.lok", "x.onion", NetworkAvailability{
		LokinetActive: false,
		TorActive:     true,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "tor", out[0].name)
}

func TestSweepExpiredRemovesPastTTLItems(t *testing.T) {
	c := newTestController(NetworkAvailability{})
	now := time.Unix(1_700_000_000, 0)
	c.SetClock(func() time.Time { return now })

	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]interface{}{
		"toDeviceId": "device-b", "from": "device-a", "envelope": "ct", "ttlMs": 1000,
	})
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(body))
	c.handleSend(rec, req)

	c.SetClock(func() time.Time { return now.Add(2 * time.Second) })
	c.sweepExpired()

	c.mu.Lock()
	_, ok := c.inbox["device-b"]
	c.mu.Unlock()
	assert.False(t, ok)
}

func TestHandleSendRejectsOversizedBody(t *testing.T) {
	c := newTestController(NetworkAvailability{})
	rec := httptest.NewRecorder()
	oversized := bytes.Repeat([]byte("a"), MaxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(oversized))
	req.Body = http.MaxBytesReader(rec, req.Body, MaxBodyBytes)
	c.handleSend(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

type fakeSocks struct {
	calls []string
	resp  *socksclient.Response
	err   error
}

func (f *fakeSocks) Fetch(ctx context.Context, req socksclient.Request) (*socksclient.Response, error) {
	f.calls = append(f.calls, req.URL)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestForwardSucceedsAgainstFirstAvailableCandidate(t *testing.T) {
	fake := &fakeSocks{resp: &socksclient.Response{Status: 200}}
	c := New(&fakeAvailability{a: NetworkAvailability{
		LokinetActive: true, LokinetProxyURL: "socks5://127.0.0.1:9051",
	}}, fake)

	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]interface{}{
		"toDeviceId": "device-b", "from": "device-a", "envelope": "ct",
		"route": map[string]string{"mode": "preferLokinet", "lokinet": "l.lok"},
	})
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(body))
	c.handleSend(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp["ok"].(bool))
	assert.True(t, resp["forwarded"].(bool))
	assert.Equal(t, "lokinet", resp["route"])
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "http://l.lok/onion/ingest", fake.calls[0])
}

func TestForwardAutoFallsBackToNextCandidateOnFailure(t *testing.T) {
	calls := 0
	c := New(&fakeAvailability{a: NetworkAvailability{
		LokinetActive: true, LokinetProxyURL: "socks5://127.0.0.1:9051",
		TorActive: true, TorSocksProxy: "socks5://127.0.0.1:9050",
	}}, &sequencedSocks{results: []socksResult{
		{err: assertErr("unreachable")},
		{resp: &socksclient.Response{Status: 200}},
	}, onCall: func() { calls++ }})

	rec := httptest.NewRecorder()
	body, _ := json.Marshal(map[string]interface{}{
		"toDeviceId": "device-b", "from": "device-a", "envelope": "ct",
		"route": map[string]string{"mode": "auto", "lokinet": "l.lok", "torOnion": "x.onion"},
	})
	req := httptest.NewRequest(http.MethodPost, "/onion/send", bytes.NewReader(body))
	c.handleSend(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp["ok"].(bool))
	assert.Equal(t, "tor", resp["route"])
	assert.Equal(t, 2, calls)
}

type socksResult struct {
	resp *socksclient.Response
	err  error
}

type sequencedSocks struct {
	results []socksResult
	i       int
	onCall  func()
}

func (s *sequencedSocks) Fetch(ctx context.Context, req socksclient.Request) (*socksclient.Response, error) {
	if s.onCall != nil {
		s.onCall()
	}
	r := s.results[s.i]
	s.i++
	return r.resp, r.err
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestHandleHealthReportsNetworkAvailability(t *testing.T) {
	c := newTestController(NetworkAvailability{TorActive: true, TorSocksProxy: "socks5://127.0.0.1:9050"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/onion/health", nil)
	c.handleHealth(rec, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "tor", resp["network"])
}
