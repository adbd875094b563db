// Package ratchet defines the pluggable send/receive key derivation step the
// router consumes. The concrete cryptographic construction (a symmetric
// chain seeded by a Noise IK handshake) lives here, but the router and
// transports only ever see the Step interface — per spec, "the core
// specifies only the envelope contract and the ratchet step interface."
package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrChainExhausted is returned when a chain key has been zeroed (e.g. by Close).
var ErrChainExhausted = errors.New("ratchet: chain key exhausted")

// MessageKey is the opaque per-message symmetric key handed to the AEAD layer.
type MessageKey [32]byte

// Step is the abstract pluggable send/receive key derivation operation a
// conversation's ratchet state exposes. Implementations are black boxes to
// the router: it never inspects chain or header keys directly.
type Step interface {
	// NextSendKey advances the send chain and returns the header bytes to
	// place in the envelope's RatchetHeader field plus the message key to
	// use for this envelope's AEAD.
	NextSendKey() (headerBytes []byte, messageKey MessageKey, err error)

	// NextRecvKey derives the message key for an inbound envelope given its
	// header bytes. Implementations must tolerate out-of-order delivery by
	// skipping and caching intermediate keys; at-most-one derivation occurs
	// per distinct header.
	NextRecvKey(headerBytes []byte) (messageKey MessageKey, err error)

	// Close zeroes chain state. After Close, further calls return
	// ErrChainExhausted.
	Close()
}

// symmetricChain derives message keys with an HMAC-SHA256 KDF chain:
//
//	chainKey_{n+1}, messageKey_n = HMAC(chainKey_n, "msg"), HMAC(chainKey_n, "key")
//
// seeded by a 32-byte root key produced out-of-band (e.g. by a Noise IK
// handshake, which this module does not implement). This mirrors the teacher's EphemeralKeyManager
// rotation idiom (crypto/session_keys.go) generalized into a per-direction
// ratchet instead of a single rotating key.
type symmetricChain struct {
	mu         sync.Mutex
	sendChain  [32]byte
	recvChain  [32]byte
	recvCache  map[string]MessageKey
	sendCtr    uint64
	recvCtr    uint64
	closed     bool
	maxSkipped int
}

const (
	labelMessage = "msg"
	labelKey     = "key"
)

func deriveNext(chainKey [32]byte, label string) [32]byte {
	mac := hmac.New(sha256.New, chainKey[:])
	mac.Write([]byte(label))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// NewSymmetricChain seeds independent send/receive chains from a shared root
// key (the output of the Noise IK handshake's final cipher state) and a
// direction bit so both peers derive distinct, non-colliding chains.
func NewSymmetricChain(rootKey [32]byte, isInitiator bool) Step {
	sendLabel, recvLabel := "initiator-send", "initiator-recv"
	if !isInitiator {
		sendLabel, recvLabel = "initiator-recv", "initiator-send"
	}
	return &symmetricChain{
		sendChain:  deriveNext(rootKey, sendLabel),
		recvChain:  deriveNext(rootKey, recvLabel),
		recvCache:  make(map[string]MessageKey),
		maxSkipped: 1000,
	}
}

func (c *symmetricChain) NextSendKey() ([]byte, MessageKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, MessageKey{}, ErrChainExhausted
	}

	key := deriveNext(c.sendChain, labelKey)
	c.sendChain = deriveNext(c.sendChain, labelMessage)
	c.sendCtr++

	header := encodeHeader(c.sendCtr)

	logrus.WithFields(logrus.Fields{
		"function": "symmetricChain.NextSendKey",
		"counter":  c.sendCtr,
	}).Debug("derived next send message key")

	return header, MessageKey(key), nil
}

func (c *symmetricChain) NextRecvKey(headerBytes []byte) (MessageKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return MessageKey{}, ErrChainExhausted
	}

	counter, err := decodeHeader(headerBytes)
	if err != nil {
		return MessageKey{}, err
	}

	if cached, ok := c.recvCache[string(headerBytes)]; ok {
		delete(c.recvCache, string(headerBytes))
		return cached, nil
	}

	if counter <= c.recvCtr {
		return MessageKey{}, errors.New("ratchet: header counter already consumed")
	}

	skipped := counter - c.recvCtr
	if skipped > uint64(c.maxSkipped) {
		return MessageKey{}, errors.New("ratchet: too many skipped messages")
	}

	var result MessageKey
	for c.recvCtr < counter {
		key := deriveNext(c.recvChain, labelKey)
		c.recvChain = deriveNext(c.recvChain, labelMessage)
		c.recvCtr++
		if c.recvCtr == counter {
			result = MessageKey(key)
		} else {
			c.recvCache[string(encodeHeader(c.recvCtr))] = MessageKey(key)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "symmetricChain.NextRecvKey",
		"counter":  counter,
	}).Debug("derived recv message key")

	return result, nil
}

func (c *symmetricChain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.sendChain {
		c.sendChain[i] = 0
	}
	for i := range c.recvChain {
		c.recvChain[i] = 0
	}
	c.closed = true
}

func encodeHeader(counter uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(counter >> (8 * (7 - i)))
	}
	return b
}

func decodeHeader(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.New("ratchet: malformed header bytes")
	}
	var counter uint64
	for i := 0; i < 8; i++ {
		counter = counter<<8 | uint64(b[i])
	}
	return counter, nil
}
