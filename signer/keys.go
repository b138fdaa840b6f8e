// Package signer implements the TEE signer worker (spec.md §4.6): an
// independent process holding no long-term secrets, deriving per-epoch
// secp256k1 keypairs on demand and using them to unwrap, sign, and
// optionally rewrap pointer-signing keys.
//
// Epoch key derivation follows the same HKDF-SHA-256-then-scalar-reject
// shape as internal/walletkey's deriveFromRS, because both are "turn an
// external secret into a secp256k1 scalar, safely" problems; here the
// external secret is either a local development seed (simulator mode) or
// a platform-bound root (attested mode), rather than a wallet signature.
package signer

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cipherbox/cipherbox/internal/crypto"
	"github.com/cipherbox/cipherbox/internal/errs"
)

// Mode names the signer's key-derivation backend.
type Mode string

// Modes (spec.md §4.6).
const (
	ModeSimulator Mode = "simulator"
	ModeAttested  Mode = "attested"
)

const epochSalt = "cipherbox-tee-epoch"

// KeyProvider derives deterministic secp256k1 keypairs per epoch and
// caches their public keys in memory.
type KeyProvider struct {
	mode Mode
	root []byte // HKDF input keying material: dev seed, or platform-bound root

	mu        sync.Mutex
	pubCache  map[uint32][]byte
}

// NewSimulator returns a KeyProvider deriving epoch keys from a local
// development seed. Not for production use.
func NewSimulator(seed []byte) *KeyProvider {
	return &KeyProvider{mode: ModeSimulator, root: seed, pubCache: make(map[uint32][]byte)}
}

// NewAttested returns a KeyProvider deriving epoch keys from root, which
// in a genuine attested deployment is bound to the hardware-isolated
// environment rather than held in process memory as a byte slice; this
// worker's attested mode is a structural stand-in pending integration
// with a specific attestation platform.
func NewAttested(root []byte) *KeyProvider {
	return &KeyProvider{mode: ModeAttested, root: root, pubCache: make(map[uint32][]byte)}
}

// Mode reports which backend this provider uses.
func (p *KeyProvider) Mode() Mode { return p.mode }

// KeyPair derives the secp256k1 keypair for epoch. The caller must zero
// the returned private scalar once it is done with it.
func (p *KeyProvider) KeyPair(epoch uint32) (priv []byte, pub []byte, err error) {
	const op = "signer.KeyPair"
	salt := []byte(fmt.Sprintf("%s:%d", epochSalt, epoch))
	kdf := hkdf.New(sha256.New, p.root, salt, nil)

	for attempt := 0; attempt < 16; attempt++ {
		scalarBytes := make([]byte, 32)
		if _, err := io.ReadFull(kdf, scalarBytes); err != nil {
			return nil, nil, errs.E(op, errs.Fatal, err)
		}
		var modN secp256k1.ModNScalar
		overflow := modN.SetByteSlice(scalarBytes)
		if overflow || modN.IsZero() {
			crypto.ZeroBytes(scalarBytes)
			continue
		}
		kp := secp256k1.NewPrivateKey(&modN)
		pubBytes := kp.PubKey().SerializeUncompressed()
		p.cachePublicKey(epoch, pubBytes)
		return scalarBytes, pubBytes, nil
	}
	return nil, nil, errs.E(op, errs.DerivationRange, errs.Str("epoch key derivation range exhausted"))
}

// PublicKey returns the cached or freshly-derived public key for epoch,
// never exposing the private scalar (spec.md §4.6 GET /public-key).
func (p *KeyProvider) PublicKey(epoch uint32) ([]byte, error) {
	p.mu.Lock()
	if pub, ok := p.pubCache[epoch]; ok {
		p.mu.Unlock()
		return pub, nil
	}
	p.mu.Unlock()

	priv, pub, err := p.KeyPair(epoch)
	if err != nil {
		return nil, err
	}
	crypto.ZeroBytes(priv)
	return pub, nil
}

func (p *KeyProvider) cachePublicKey(epoch uint32, pub []byte) {
	p.mu.Lock()
	p.pubCache[epoch] = pub
	p.mu.Unlock()
}
