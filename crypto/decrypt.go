package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// EncryptionMode selects which algorithm DecryptWithMode uses. The ratchet
// package is the only session-key source this tree wires in (see
// ratchet.Step), so EncryptionNoise exists for API symmetry with Encrypt's
// NaCl box mode but has no decoder here.
type EncryptionMode int

const (
	EncryptionLegacy EncryptionMode = iota
	EncryptionNoise
)

// Decrypt decrypts a message using authenticated encryption (legacy mode).
//
//export ToxDecrypt
func Decrypt(ciphertext []byte, nonce Nonce, senderPK [32]byte, recipientSK [32]byte) ([]byte, error) {
	return DecryptWithMode(ciphertext, nonce, senderPK, recipientSK, EncryptionLegacy)
}

// DecryptWithMode decrypts a message with the specified mode
//
//export ToxDecryptWithMode
func DecryptWithMode(ciphertext []byte, nonce Nonce, senderPK [32]byte, recipientSK [32]byte, mode EncryptionMode) ([]byte, error) {
	// Validate inputs
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	switch mode {
	case EncryptionLegacy:
		// Use legacy NaCl box decryption
		decrypted, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&senderPK), (*[32]byte)(&recipientSK))
		if !ok {
			return nil, errors.New("decryption failed")
		}
		return decrypted, nil

	case EncryptionNoise:
		return nil, errors.New("noise decryption mode has no decoder in this build")

	default:
		return nil, errors.New("unsupported decryption mode")
	}
}

// DecryptSymmetric decrypts a message using a symmetric key.
//
//export ToxDecryptSymmetric
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	// Decrypt and authenticate using NaCl's secretbox
	var out []byte
	var ok bool
	out, ok = secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, errors.New("decryption failed: message authentication failed")
	}

	return out, nil
}
