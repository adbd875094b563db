// Package crypto implements the cryptographic primitives this router's
// envelope/ratchet layer builds on: NaCl-based authenticated encryption
// (box and secretbox), Ed25519 signatures, and key-pair generation. It
// follows the Tox protocol's cryptographic conventions for key material
// shape (32-byte Curve25519 keys, 24-byte nonces).
//
// # Core Types
//
//   - [KeyPair]: NaCl crypto_box key pair (Curve25519) for encryption/decryption
//   - [Nonce]: 24-byte random nonce for encryption operations
//   - [Signature]: Ed25519 signature for message authentication
//
// # Encryption and Decryption
//
// The package supports both authenticated public-key encryption (NaCl box,
// used by friend/ for friend requests) and symmetric encryption (NaCl
// secretbox, used by the router's ratchet-derived per-message keys):
//
//	nonce, _ := crypto.GenerateNonce()
//	ciphertext, _ := crypto.Encrypt(plaintext, nonce, peerPublicKey, myPrivateKey)
//	plaintext, _ := crypto.Decrypt(ciphertext, nonce, peerPublicKey, myPrivateKey)
//
//	ciphertext, _ := crypto.EncryptSymmetric(plaintext, nonce, messageKey)
//	plaintext, _ := crypto.DecryptSymmetric(ciphertext, nonce, messageKey)
//
// # Digital Signatures
//
// Ed25519 signatures authenticate friend control frames (see friend/control.go):
//
//	signature, _ := crypto.Sign(message, privateKey)
//	valid, _ := crypto.Verify(message, signature, publicKey)
//
// # Key Generation
//
//	keyPair, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.ZeroBytes(keyPair.Private[:])
//
//	keyPair, err = crypto.FromSecretKey(secretKeyBytes)
//
// # Secure Memory Handling
//
// Sensitive key material is wiped after use with constant-time XOR
// operations the compiler cannot optimize away:
//
//	defer crypto.ZeroBytes(sensitiveKey[:])
package crypto
