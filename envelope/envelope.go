// Package envelope implements the authenticated header that accompanies every
// ciphertext passed through the router. The header is visible to the router
// and the transports; the ciphertext body itself is opaque (the core never
// inspects or decrypts it — see crypto/ and ratchet/ for the primitives that
// produce it).
package envelope

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxrouter/limits"
)

// Version is the current envelope header version.
const Version = 1

var (
	// ErrLamportNotMonotonic indicates a header's lamport counter did not
	// strictly increase for its (convId, authorDeviceId) pair.
	ErrLamportNotMonotonic = errors.New("envelope: lamport counter is not strictly increasing")
	// ErrChainBroken indicates a header's prev hash does not match the
	// immediately preceding accepted envelope for the conversation.
	ErrChainBroken = errors.New("envelope: prev hash does not match accepted chain")
)

// Header is the signed authenticated-header accompanying every ciphertext.
type Header struct {
	V              uint8
	EventID        [16]byte
	ConvID         string
	TimestampMs    int64
	Lamport        uint64
	AuthorDeviceID string
	Prev           []byte // hash of the previous accepted envelope, nil for the first
	RatchetHeader  []byte // opaque ratchet header bytes (rk)
}

// NewEventID generates a new opaque 128-bit event id.
func NewEventID() [16]byte {
	id := uuid.New()
	var out [16]byte
	copy(out[:], id[:])
	return out
}

// Bytes serializes the header fields that participate in the hash chain and
// signature, in a fixed order so both peers compute the same digest.
func (h Header) Bytes() []byte {
	buf := make([]byte, 0, 64+len(h.ConvID)+len(h.AuthorDeviceID)+len(h.RatchetHeader))
	buf = append(buf, h.V)
	buf = append(buf, h.EventID[:]...)
	buf = append(buf, []byte(h.ConvID)...)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(h.TimestampMs))
	buf = append(buf, tsBuf[:]...)

	var lamportBuf [8]byte
	binary.BigEndian.PutUint64(lamportBuf[:], h.Lamport)
	buf = append(buf, lamportBuf[:]...)

	buf = append(buf, []byte(h.AuthorDeviceID)...)
	buf = append(buf, h.RatchetHeader...)
	return buf
}

// Hash returns H(envelope bytes), used as the next envelope's Prev.
func Hash(h Header, ciphertext []byte) []byte {
	sum := sha256.Sum256(append(h.Bytes(), ciphertext...))
	return sum[:]
}

// chainState tracks the last accepted (lamport, hash) per (convId, authorDeviceId).
type chainState struct {
	lamport uint64
	hash    []byte
}

// ChainValidator enforces per-conversation, per-author lamport monotonicity
// and hash-chain continuity (spec invariant: "for any conversation, lamport
// is strictly increasing per author; prev equals H(prior envelope bytes) or
// absent for the first").
//
// An in-memory-only validator loses all chain history on restart, which
// would let a replayed envelope from before the restart be re-accepted as
// if it were the conversation's first message. ChainValidator optionally
// persists its state to disk (tmp-then-rename, the same durability idiom
// outbox.Store and netconfig.Store use) so restart does not reopen that
// window — the concern crypto's former NonceStore existed to cover for
// handshake nonces, adapted here for envelope chain state.
type ChainValidator struct {
	mu         sync.Mutex
	state      map[string]*chainState
	snapshotAt string // file path, empty disables persistence
}

// chainStateDTO is the JSON-serializable form of chainState.
type chainStateDTO struct {
	Lamport uint64 `json:"lamport"`
	Hash    []byte `json:"hash"`
}

// NewChainValidator creates an empty, in-memory-only validator.
func NewChainValidator() *ChainValidator {
	return &ChainValidator{state: make(map[string]*chainState)}
}

// NewChainValidatorWithPersistence creates a validator that loads any
// existing snapshot from path and persists after every accepted envelope.
func NewChainValidatorWithPersistence(path string) (*ChainValidator, error) {
	c := &ChainValidator{state: make(map[string]*chainState), snapshotAt: path}
	if path == "" {
		return c, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ChainValidator) load() error {
	data, err := os.ReadFile(c.snapshotAt)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("envelope: failed to read chain snapshot: %w", err)
	}
	var dto map[string]chainStateDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ChainValidator.load",
			"error":    err.Error(),
		}).Warn("chain snapshot corrupted, starting fresh")
		return nil
	}
	for key, s := range dto {
		c.state[key] = &chainState{lamport: s.Lamport, hash: s.Hash}
	}
	return nil
}

// persist must be called with c.mu held.
func (c *ChainValidator) persist() {
	if c.snapshotAt == "" {
		return
	}
	dto := make(map[string]chainStateDTO, len(c.state))
	for key, s := range c.state {
		dto[key] = chainStateDTO{Lamport: s.lamport, Hash: s.hash}
	}
	data, err := json.Marshal(dto)
	if err != nil {
		logrus.WithFields(logrus.Fields{"function": "ChainValidator.persist", "error": err.Error()}).Error("failed to marshal chain snapshot")
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.snapshotAt), 0o700); err != nil {
		logrus.WithFields(logrus.Fields{"function": "ChainValidator.persist", "error": err.Error()}).Error("failed to create chain snapshot directory")
		return
	}
	tmp := c.snapshotAt + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		logrus.WithFields(logrus.Fields{"function": "ChainValidator.persist", "error": err.Error()}).Error("failed to write chain snapshot tmp file")
		return
	}
	if err := os.Rename(tmp, c.snapshotAt); err != nil {
		logrus.WithFields(logrus.Fields{"function": "ChainValidator.persist", "error": err.Error()}).Error("failed to rename chain snapshot into place")
	}
}

func chainKey(convID, authorDeviceID string) string {
	return convID + "\x00" + authorDeviceID
}

// Accept validates and, if valid, records h as the latest accepted envelope
// for its (convId, authorDeviceId) pair. Accept is safe for concurrent use.
func (c *ChainValidator) Accept(h Header, ciphertext []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := chainKey(h.ConvID, h.AuthorDeviceID)
	prior, seen := c.state[key]

	logger := logrus.WithFields(logrus.Fields{
		"function": "ChainValidator.Accept",
		"conv_id":  h.ConvID,
		"author":   h.AuthorDeviceID,
		"lamport":  h.Lamport,
	})

	if seen {
		if h.Lamport <= prior.lamport {
			logger.Warn("rejecting envelope: lamport did not increase")
			return ErrLamportNotMonotonic
		}
		if len(h.Prev) == 0 || string(h.Prev) != string(prior.hash) {
			logger.Warn("rejecting envelope: hash chain broken")
			return ErrChainBroken
		}
	} else if len(h.Prev) != 0 {
		logger.Warn("rejecting envelope: first envelope for author carries a prev hash")
		return ErrChainBroken
	}

	c.state[key] = &chainState{lamport: h.Lamport, hash: Hash(h, ciphertext)}
	c.persist()
	logger.Debug("envelope accepted into chain")
	return nil
}

// PaddingSizes defines the standard message padding tiers for traffic
// analysis resistance. Ciphertext is padded to the smallest tier that can
// contain it before being handed to a transport. The largest tier matches
// limits.MaxStorageMessage, the protocol's storage-with-padding ceiling.
var PaddingSizes = []int{256, 1024, 4096, limits.MaxStorageMessage}

// Pad pads data up to the nearest standard size boundary. Data already
// larger than every tier is returned unchanged.
func Pad(data []byte) []byte {
	for _, size := range PaddingSizes {
		if len(data) <= size {
			padded := make([]byte, size)
			copy(padded, data)
			return padded
		}
	}
	return data
}

// Unpad trims trailing zero padding added by Pad, given the true length
// encoded out-of-band (padding alone cannot distinguish trailing zero
// plaintext bytes from padding, so callers must track the real length).
func Unpad(data []byte, trueLen int) ([]byte, error) {
	if trueLen < 0 || trueLen > len(data) {
		return nil, fmt.Errorf("envelope: invalid true length %d for %d padded bytes", trueLen, len(data))
	}
	return data[:trueLen], nil
}
