package toxrouter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxrouter/crypto"
	"github.com/opd-ai/toxrouter/envelope"
	"github.com/opd-ai/toxrouter/friend"
	"github.com/opd-ai/toxrouter/outbox"
	"github.com/opd-ai/toxrouter/transport"
)

// wireEnvelope is the blob actually stored in an outbox.Record's single
// opaque Ciphertext field — the record type has no separate header field,
// and the spec keeps frames "opaque to the Router/Outbox", so the header
// travels bundled with the ciphertext rather than as a sibling column.
type wireEnvelope struct {
	Header     envelope.Header
	Nonce      crypto.Nonce
	Ciphertext []byte
	TrueLen    int
}

func encodeWireEnvelope(w wireEnvelope) (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("toxrouter: failed to marshal wire envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeWireEnvelope(blob string) (wireEnvelope, error) {
	var w wireEnvelope
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return w, fmt.Errorf("toxrouter: failed to base64-decode wire envelope: %w", err)
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("toxrouter: failed to unmarshal wire envelope: %w", err)
	}
	return w, nil
}

// SendMessage ratchet-encrypts plaintext for convID, builds its authenticated
// header with the Router's own send-side lamport/prev-hash chain, and
// enqueues the result in the outbox for the scheduler to deliver (spec
// §4/§9: "persist, pick a transport, send; escalate on failure").
func (r *Router) SendMessage(convID string, plaintext []byte) (string, error) {
	r.mu.Lock()
	conv, ok := r.conversations[convID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownConversation, convID)
	}

	blob, toDeviceID, err := r.sealEnvelope(conv, plaintext)
	if err != nil {
		return "", err
	}

	messageID := uuid.NewString()
	now := time.Now().UnixMilli()
	r.store.Put(&outbox.Record{
		MessageID:       messageID,
		ConvID:          convID,
		Ciphertext:      blob,
		CreatedAtMs:     now,
		ExpiresAtMs:     now + outbox.DefaultTTL,
		NextAttemptAtMs: now,
		Status:          outbox.StatusPending,
		Priority:        outbox.PriorityNormal,
		ToDeviceID:      toDeviceID,
	})

	logrus.WithFields(logrus.Fields{
		"function":   "Router.SendMessage",
		"conv_id":    convID,
		"message_id": messageID,
	}).Debug("message enqueued for delivery")

	return messageID, nil
}

// SendControlFrame signs a friend control frame with senderKeyPair and
// enqueues it through the same outbox pipeline ordinary messages use (spec
// §4.8). If f's friend code currently lacks a deviceId the frame cannot be
// addressed anywhere; per spec this stamps the friend unreachable and
// defers until routing hints update, rather than enqueuing a record with
// nowhere to go.
func (r *Router) SendControlFrame(convID string, f *friend.Friend, senderKeyPair *crypto.KeyPair, kind friend.ControlKind, message, readUpToEventID string) (string, error) {
	if f.DeviceUnreachable() {
		f.Health().MarkUnreachable()
		return "", fmt.Errorf("toxrouter: friend device unreachable, deferring control frame until routing hints update")
	}

	frame, err := friend.NewControlFrame(kind, senderKeyPair, message, readUpToEventID, nil)
	if err != nil {
		return "", fmt.Errorf("toxrouter: failed to build control frame: %w", err)
	}

	payload, err := frame.Marshal()
	if err != nil {
		return "", fmt.Errorf("toxrouter: failed to marshal control frame: %w", err)
	}

	messageID, err := r.SendMessage(convID, payload)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.pendingControlFriend[messageID] = f
	r.mu.Unlock()

	return messageID, nil
}

// sealEnvelope advances conv's ratchet send chain, AEAD-encrypts padded
// plaintext under the resulting message key, and serializes the header
// alongside the ciphertext into the outbox's wire blob.
func (r *Router) sealEnvelope(conv *Conversation, plaintext []byte) (blob string, toDeviceID string, err error) {
	headerBytes, msgKey, err := conv.Step.NextSendKey()
	if err != nil {
		return "", "", fmt.Errorf("toxrouter: ratchet send key derivation failed: %w", err)
	}

	padded := envelope.Pad(plaintext)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return "", "", fmt.Errorf("toxrouter: failed to generate nonce: %w", err)
	}

	ciphertext, err := crypto.EncryptSymmetric(padded, nonce, [32]byte(msgKey))
	if err != nil {
		return "", "", fmt.Errorf("toxrouter: symmetric encryption failed: %w", err)
	}

	r.mu.Lock()
	conv.sendLamport++
	h := envelope.Header{
		V:              envelope.Version,
		EventID:        envelope.NewEventID(),
		ConvID:         conv.ConvID,
		TimestampMs:    time.Now().UnixMilli(),
		Lamport:        conv.sendLamport,
		AuthorDeviceID: conv.SelfDeviceID,
		Prev:           conv.sendPrevHash,
		RatchetHeader:  headerBytes,
	}
	conv.sendPrevHash = envelope.Hash(h, ciphertext)
	toDeviceID = conv.PeerDeviceID
	r.mu.Unlock()

	blob, err = encodeWireEnvelope(wireEnvelope{Header: h, Nonce: nonce, Ciphertext: ciphertext, TrueLen: len(plaintext)})
	if err != nil {
		return "", "", err
	}
	return blob, toDeviceID, nil
}

// handleInbound is wired as every registered transport's OnMessage
// callback. Its first argument is a conversation id for directP2P/selfOnion
// (they key delivery by the conversation they already track) but a sender
// device id for onionRouter (the local controller's inbox has no notion of
// conversations) — conversationsByPeer resolves the latter.
func (r *Router) handleInbound(id string, p transport.Packet) {
	r.mu.Lock()
	conv, ok := r.conversations[id]
	if !ok {
		if convID, found := r.conversationsByPeer[id]; found {
			conv, ok = r.conversations[convID]
		}
	}
	r.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleInbound",
			"id":       id,
		}).Warn("dropping inbound packet for unknown conversation")
		return
	}

	wire, err := decodeWireEnvelope(string(p.Payload))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleInbound",
			"conv_id":  conv.ConvID,
			"error":    err.Error(),
		}).Warn("dropping inbound packet with malformed wire envelope")
		return
	}

	if err := r.chain.Accept(wire.Header, wire.Ciphertext); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleInbound",
			"conv_id":  conv.ConvID,
			"error":    err.Error(),
		}).Warn("dropping inbound envelope that failed chain validation")
		return
	}

	msgKey, err := conv.Step.NextRecvKey(wire.Header.RatchetHeader)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleInbound",
			"conv_id":  conv.ConvID,
			"error":    err.Error(),
		}).Warn("dropping inbound envelope with unresolvable ratchet header")
		return
	}

	padded, err := crypto.DecryptSymmetric(wire.Ciphertext, wire.Nonce, [32]byte(msgKey))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleInbound",
			"conv_id":  conv.ConvID,
			"error":    err.Error(),
		}).Warn("dropping inbound envelope that failed to decrypt")
		return
	}

	plaintext, err := envelope.Unpad(padded, wire.TrueLen)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleInbound",
			"conv_id":  conv.ConvID,
			"error":    err.Error(),
		}).Warn("dropping inbound envelope with invalid padding length")
		return
	}

	if frame, isControl := asControlFrame(plaintext); isControl {
		r.mu.Lock()
		cb := r.onControlFrame
		r.mu.Unlock()
		if cb != nil {
			cb(conv.ConvID, frame)
		}
		return
	}

	r.mu.Lock()
	cb := r.onMessage
	r.mu.Unlock()
	if cb != nil {
		cb(conv.ConvID, plaintext)
	}
}

// asControlFrame reports whether data decodes as a recognized friend
// control frame. Control frames and ordinary message plaintext share the
// same envelope/outbox pipeline, so the distinction is made on the
// decrypted payload rather than at the transport layer.
func asControlFrame(data []byte) (*friend.ControlFrame, bool) {
	f, err := friend.UnmarshalControlFrame(data)
	if err != nil {
		return nil, false
	}
	switch f.Kind {
	case friend.ControlRequest, friend.ControlAccept, friend.ControlDecline, friend.ControlReadCursor:
		return f, true
	default:
		return nil, false
	}
}

// handleAck is wired as every registered transport's OnAck callback. It
// reconciles the scheduler (deleting the outbox record) and, for control
// frames, clears the sending friend's failure streak.
func (r *Router) handleAck(convID, messageID string) {
	r.scheduler.Ack(messageID)

	r.mu.Lock()
	f, pending := r.pendingControlFriend[messageID]
	if pending {
		delete(r.pendingControlFriend, messageID)
	}
	r.mu.Unlock()

	if pending {
		f.Health().RecordSuccess(time.Now())
	}
}
