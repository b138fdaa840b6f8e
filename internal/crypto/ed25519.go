package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"

	"github.com/cipherbox/cipherbox/internal/errs"
)

// PointerKeyPair is a pointer-signing keypair (spec.md §4.1): an Ed25519
// seed and its derived public key.
type PointerKeyPair struct {
	Seed      []byte // 32-byte Ed25519 seed
	PublicKey []byte // 32-byte Ed25519 public key
}

// GeneratePointerKeyPair creates a fresh Ed25519 pointer-signing keypair.
func GeneratePointerKeyPair() (*PointerKeyPair, error) {
	const op = "crypto.GeneratePointerKeyPair"
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, errs.Errorf("rng failure: %v", err))
	}
	return &PointerKeyPair{
		Seed:      priv.Seed(),
		PublicKey: append([]byte(nil), pub...),
	}, nil
}

// PublicKeyFromSeed derives the Ed25519 public key for a 32-byte seed.
func PublicKeyFromSeed(seed []byte) ([]byte, error) {
	const op = "crypto.PublicKeyFromSeed"
	if len(seed) != ed25519.SeedSize {
		return nil, errs.E(op, errs.InvalidInput, errs.Errorf("seed length %d, want %d", len(seed), ed25519.SeedSize))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return append([]byte(nil), priv.Public().(ed25519.PublicKey)...), nil
}

// SignWithSeed signs body using the Ed25519 private key derived from seed.
func SignWithSeed(seed, body []byte) ([]byte, error) {
	const op = "crypto.SignWithSeed"
	if len(seed) != ed25519.SeedSize {
		return nil, errs.E(op, errs.InvalidInput, errs.Errorf("seed length %d, want %d", len(seed), ed25519.SeedSize))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return ed25519.Sign(priv, body), nil
}

// VerifyWithPublicKey verifies an Ed25519 signature produced by SignWithSeed.
func VerifyWithPublicKey(pub, body, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, body, sig)
}

// KeyHash returns the SHA-256 hash of a public key, used as a stable,
// fixed-length lookup key the way pack/ee uses factotum.KeyHash to index
// wrapped keys by recipient.
func KeyHash(pub []byte) []byte {
	h := sha256.Sum256(pub)
	return h[:]
}
