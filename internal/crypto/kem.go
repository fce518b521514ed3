package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"golang.org/x/crypto/hkdf"
)

func newSHA256() hash.Hash { return sha256.New() }

// SymmetricKeyLen is the size of the derived transport key, per §4.1.
const SymmetricKeyLen = 32

// KEMKeyPair holds a Kyber1024 encapsulation key pair for one handshake
// session. A fresh pair is generated per session, never persisted.
type KEMKeyPair struct {
	pub  kem.PublicKey
	priv kem.PrivateKey
}

// GenerateKEMKeyPair creates a fresh Kyber1024 key pair for a handshake.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	scheme := kyber1024.Scheme()
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("crypto: kyber1024 key generation failed: %w", err)
	}
	return &KEMKeyPair{pub: pub, priv: priv}, nil
}

// PublicKeyBytes marshals the public half for transmission as KEM_HELLO.
func (kp *KEMKeyPair) PublicKeyBytes() ([]byte, error) {
	return kp.pub.MarshalBinary()
}

// Encapsulate is step 3 of the handshake: the responder (B) encapsulates
// to the initiator's (A's) public key, producing a ciphertext to send back
// and its own view of the shared secret.
func Encapsulate(peerPubKeyBytes []byte) (ciphertext, sharedSecret []byte, err error) {
	scheme := kyber1024.Scheme()
	peerPub, err := scheme.UnmarshalBinaryPublicKey(peerPubKeyBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: malformed peer KEM public key: %w", err)
	}
	ct, ss, err := scheme.Encapsulate(peerPub)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: kyber1024 encapsulation failed: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate is step 4: the initiator (A) recovers the shared secret from
// the ciphertext B sent, using its own secret key from GenerateKEMKeyPair.
func (kp *KEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	scheme := kyber1024.Scheme()
	ss, err := scheme.Decapsulate(kp.priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: kyber1024 decapsulation failed: %w", err)
	}
	return ss, nil
}

// DeriveTransportKey runs HKDF-SHA256 over the raw shared secret to
// produce the 32-byte symmetric key both peers use for the session,
// step 5 of §4.1's handshake.
func DeriveTransportKey(sharedSecret []byte, sessionInfo []byte) ([]byte, error) {
	hk := hkdf.New(newSHA256, sharedSecret, nil, sessionInfo)
	key := make([]byte, SymmetricKeyLen)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("crypto: HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// RandomNonce returns n cryptographically random bytes, for nonces where
// a library-generated UUID isn't the right shape.
func RandomNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random nonce: %w", err)
	}
	return buf, nil
}
