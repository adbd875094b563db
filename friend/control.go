package friend

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/toxrouter/crypto"
	"github.com/sirupsen/logrus"
)

// ControlKind enumerates the friend-control frame types that ride the same
// delivery pipeline as ordinary messages (spec §4.8: "Control frames (friend
// request, accept, decline, read cursor) ride the same pipeline as
// messages").
type ControlKind string

const (
	ControlRequest    ControlKind = "friendRequest"
	ControlAccept     ControlKind = "friendAccept"
	ControlDecline    ControlKind = "friendDecline"
	ControlReadCursor ControlKind = "readCursor"
)

// ErrSignatureInvalid is returned when a control frame's signature does not
// verify against the claimed sender key.
var ErrSignatureInvalid = errors.New("friend: control frame signature invalid")

// ErrIdentityKeyMismatch is returned when a control frame's sender key does
// not match the friend's pinned identity key.
var ErrIdentityKeyMismatch = errors.New("friend: control frame sender key does not match pinned identity key")

// ControlFrame is a signed control message. Its body is signed with the
// sender's identity key; the receiver must validate the signature against
// the friend profile's pinned identity key before applying any state
// change. The Router only decodes a frame to recognize its Kind and hands it
// to its callback; NewControlFrame signs a frame and Verify checks it.
type ControlFrame struct {
	Kind            ControlKind      `json:"kind"`
	SenderPublicKey [32]byte         `json:"senderPublicKey"`
	Message         string           `json:"message,omitempty"`
	ReadUpToEventID string           `json:"readUpToEventId,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	Signature       crypto.Signature `json:"signature"`
}

// controlFrameBody is the signed payload, excluding the signature itself.
type controlFrameBody struct {
	Kind            ControlKind `json:"kind"`
	SenderPublicKey [32]byte    `json:"senderPublicKey"`
	Message         string      `json:"message,omitempty"`
	ReadUpToEventID string      `json:"readUpToEventId,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

func (f *ControlFrame) signingBytes() ([]byte, error) {
	body := controlFrameBody{
		Kind:            f.Kind,
		SenderPublicKey: f.SenderPublicKey,
		Message:         f.Message,
		ReadUpToEventID: f.ReadUpToEventID,
		Timestamp:       f.Timestamp,
	}
	return json.Marshal(body)
}

// NewControlFrame builds and signs a control frame with the sender's
// identity key pair. message is used for ControlRequest; readUpToEventID is
// used for ControlReadCursor. Both are ignored for the other kinds.
func NewControlFrame(kind ControlKind, senderKeyPair *crypto.KeyPair, message, readUpToEventID string, tp TimeProvider) (*ControlFrame, error) {
	if senderKeyPair == nil {
		return nil, errors.New("friend: senderKeyPair is required")
	}
	if tp == nil {
		tp = defaultTimeProvider
	}

	frame := &ControlFrame{
		Kind:            kind,
		SenderPublicKey: senderKeyPair.Public,
		Message:         message,
		ReadUpToEventID: readUpToEventID,
		Timestamp:       tp.Now(),
	}

	signingBytes, err := frame.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("friend: failed to build control frame signing bytes: %w", err)
	}

	sig, err := crypto.Sign(signingBytes, senderKeyPair.Private)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewControlFrame",
			"kind":     kind,
			"error":    err.Error(),
		}).Error("Failed to sign control frame")
		return nil, fmt.Errorf("friend: failed to sign control frame: %w", err)
	}
	frame.Signature = sig

	logrus.WithFields(logrus.Fields{
		"function":          "NewControlFrame",
		"kind":              kind,
		"sender_public_key": fmt.Sprintf("%x", frame.SenderPublicKey[:8]),
	}).Debug("Control frame created and signed")

	return frame, nil
}

// Verify validates the frame's signature against the friend profile's
// pinned identity key. It must be called before applying any state change
// from a received frame (spec §4.8).
func (f *ControlFrame) Verify(pinnedIdentityKey [32]byte) error {
	if f.SenderPublicKey != pinnedIdentityKey {
		logrus.WithFields(logrus.Fields{
			"function":          "ControlFrame.Verify",
			"kind":              f.Kind,
			"sender_public_key": fmt.Sprintf("%x", f.SenderPublicKey[:8]),
		}).Warn("Control frame rejected: sender key does not match pinned identity key")
		return ErrIdentityKeyMismatch
	}

	signingBytes, err := f.signingBytes()
	if err != nil {
		return fmt.Errorf("friend: failed to rebuild control frame signing bytes: %w", err)
	}

	ok, err := crypto.Verify(signingBytes, f.Signature, pinnedIdentityKey)
	if err != nil {
		return fmt.Errorf("friend: failed to verify control frame signature: %w", err)
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "ControlFrame.Verify",
			"kind":     f.Kind,
		}).Warn("Control frame rejected: signature does not verify")
		return ErrSignatureInvalid
	}

	return nil
}

// Marshal serializes the control frame for transport over the same
// envelope/outbox pipeline ordinary messages use.
func (f *ControlFrame) Marshal() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("friend: failed to marshal control frame: %w", err)
	}
	return data, nil
}

// UnmarshalControlFrame deserializes a control frame from its wire form.
// Callers must still call Verify before trusting its contents.
func UnmarshalControlFrame(data []byte) (*ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("friend: failed to unmarshal control frame: %w", err)
	}
	return &f, nil
}

// Health tracks per-friend delivery health so the scheduler can retry
// unsent friend-request and friend-response frames with the same outbox
// mechanics used for ordinary messages (spec §4.8).
type Health struct {
	mu               sync.Mutex
	consecutiveFails int
	lastFailureAt    time.Time
	lastSuccessAt    time.Time
	unreachable      bool
}

// NewHealth creates an empty, reachable health tracker.
func NewHealth() *Health {
	return &Health{}
}

// RecordSuccess clears failure streak and unreachable state.
func (h *Health) RecordSuccess(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFails = 0
	h.unreachable = false
	h.lastSuccessAt = now
}

// RecordFailure increments the failure streak without changing reachability
// — only a missing deviceId marks a friend unreachable, a failed delivery
// attempt does not (spec §4.8 ties "unreachable" specifically to the
// deviceId being absent, not to transient send failures).
func (h *Health) RecordFailure(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFails++
	h.lastFailureAt = now
}

// MarkUnreachable stamps the tracker unreachable; call this when a control
// frame cannot be sent because the friend code lacks a deviceId.
func (h *Health) MarkUnreachable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable = true
}

// ClearUnreachable lifts the unreachable stamp once routing hints update.
func (h *Health) ClearUnreachable() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable = false
}

// IsUnreachable reports whether the tracker is currently stamped
// unreachable.
func (h *Health) IsUnreachable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unreachable
}

// ConsecutiveFailures reports the current failure streak length.
func (h *Health) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFails
}
