// Package outbox implements the durable outbound queue and scheduler that
// enforce at-most-one in-flight delivery attempt per message id, exponential
// backoff with jitter, TTL expiry, and ack reconciliation. The store's shape
// (mutex-guarded map, caller-supplied timestamps for deterministic tests, JSON
// snapshot persistence written tmp-then-rename) follows the teacher's
// messaging.MessageManager and async.MessageStorage.
package outbox

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Status is the outbox record's position in its delivery lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusAcked    Status = "acked"
	StatusExpired  Status = "expired"
)

// Priority orders delivery within a conversation; High drains before Normal.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// Defaults per spec §3/§4.7.
const (
	DefaultTTL           = 7 * 24 * 60 * 60 * 1000 // 7 days, in ms
	DefaultMaxAttempts   = 8
	DefaultAckDeadlineMs = 30_000
)

// ErrNotFound indicates no record exists for the given message id.
var ErrNotFound = errors.New("outbox: record not found")

// Record is a single outbound envelope's delivery state.
type Record struct {
	MessageID       string   `json:"messageId"`
	ConvID          string   `json:"convId"`
	Ciphertext      string   `json:"ciphertext"`
	CreatedAtMs     int64    `json:"createdAtMs"`
	ExpiresAtMs     int64    `json:"expiresAtMs"`
	NextAttemptAtMs int64    `json:"nextAttemptAtMs"`
	LastAttemptAtMs int64    `json:"lastAttemptAtMs,omitempty"`
	Attempts        int      `json:"attempts"`
	Status          Status   `json:"status"`
	InFlightAtMs    int64    `json:"inFlightAtMs,omitempty"`
	AckDeadlineMs   int64    `json:"ackDeadlineMs,omitempty"`
	Priority        Priority `json:"priority"`
	ToDeviceID      string   `json:"toDeviceId"`
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

// Store is the durable map of outbound records keyed by messageId. It is the
// single source of truth for outbound state (§9 "Store ownership"); Router
// and Scheduler only ever observe it through this interface.
type Store struct {
	mu         sync.Mutex
	records    map[string]*Record
	snapshotAt string // file path, empty disables persistence
}

// NewStore creates an empty store. If snapshotPath is non-empty, the store
// loads any existing snapshot and persists after every mutation using a
// tmp-then-rename write, the same durability idiom the supervisor's pointer
// file and netconfig use.
func NewStore(snapshotPath string) (*Store, error) {
	s := &Store{records: make(map[string]*Record), snapshotAt: snapshotPath}
	if snapshotPath == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.snapshotAt)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	for _, r := range records {
		s.records[r.MessageID] = r
	}
	return nil
}

// persist must be called with s.mu held.
func (s *Store) persist() {
	if s.snapshotAt == "" {
		return
	}
	records := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	data, err := json.Marshal(records)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to marshal outbox snapshot")
		return
	}
	tmp := s.snapshotAt + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.snapshotAt), 0o700); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to create outbox snapshot directory")
		return
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to write outbox snapshot tmp file")
		return
	}
	if err := os.Rename(tmp, s.snapshotAt); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Store.persist", "error": err.Error()}).Error("failed to rename outbox snapshot into place")
	}
}

// Put inserts or replaces a record. Newly created records should already
// carry Status=StatusPending and a populated ExpiresAtMs/NextAttemptAtMs.
func (s *Store) Put(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.MessageID] = r.clone()
	s.persist()
}

// Get returns a copy of the record, if present.
func (s *Store) Get(messageID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[messageID]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// Delete removes a record unconditionally (used on ack and expiry sweep).
func (s *Store) Delete(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, messageID)
	s.persist()
}

// Ack marks a record acked and deletes it (acked is terminal per spec §3).
// Returns false if the record did not exist.
func (s *Store) Ack(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[messageID]; !ok {
		return false
	}
	delete(s.records, messageID)
	s.persist()
	return true
}

// DeleteExpired removes and returns the ids of records whose ExpiresAtMs has
// passed or whose Attempts has reached maxAttempts.
func (s *Store) DeleteExpired(nowMs int64, maxAttempts int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, r := range s.records {
		if r.ExpiresAtMs < nowMs || r.Attempts >= maxAttempts {
			expired = append(expired, id)
			delete(s.records, id)
		}
	}
	if len(expired) > 0 {
		s.persist()
	}
	return expired
}

// ClaimDue atomically flips up to limit pending, due records to in_flight and
// returns copies of them. This is the sole mutator enforcing "at most one
// in_flight per messageId" (spec §4.7, §8): a record can only be claimed
// while its status is still StatusPending.
func (s *Store) ClaimDue(nowMs int64, limit int, ackDeadlineMs int64) []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*Record, 0)
	for _, r := range s.records {
		if r.Status == StatusPending && r.NextAttemptAtMs <= nowMs {
			due = append(due, r)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority == PriorityHigh
		}
		return due[i].CreatedAtMs < due[j].CreatedAtMs
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Record, 0, len(due))
	for _, r := range due {
		r.Status = StatusInFlight
		r.InFlightAtMs = nowMs
		r.AckDeadlineMs = nowMs + ackDeadlineMs
		claimed = append(claimed, r.clone())
	}
	if len(claimed) > 0 {
		s.persist()
	}
	return claimed
}

// ReleaseForRetry returns an in-flight record to pending after a failed send
// or an expired ack deadline, bumping its attempt counter and scheduling the
// next attempt.
func (s *Store) ReleaseForRetry(messageID string, nowMs, nextAttemptAtMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[messageID]
	if !ok {
		return ErrNotFound
	}
	r.Attempts++
	r.LastAttemptAtMs = nowMs
	r.NextAttemptAtMs = nextAttemptAtMs
	r.Status = StatusPending
	r.InFlightAtMs = 0
	r.AckDeadlineMs = 0
	s.persist()
	return nil
}

// All returns a snapshot of every record currently stored, for sweeps/tests.
func (s *Store) All() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.clone())
	}
	return out
}
