// Package walletkey derives a secp256k1 wrapping keypair from an external
// signer's signature over a fixed message (spec.md §4.2), for users whose
// identity collaborator does not expose a raw private key.
//
// The derivation follows the same shape as the teacher's factotum key
// loading in spirit — a deterministic, reviewable path from an external
// secret to a usable keypair — adapted to secp256k1 (via the decred
// library, see internal/crypto) and HKDF-SHA-256 (golang.org/x/crypto/hkdf,
// the same dependency pack/ee uses for its own key derivation).
package walletkey

import (
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cipherbox/cipherbox/internal/crypto"
	"github.com/cipherbox/cipherbox/internal/errs"
)

// Signer is the external collaborator capable of producing a digital
// signature over an arbitrary message. It is a black box per spec.md §1.
type Signer interface {
	Sign(message []byte) (signature []byte, err error)
}

// KeyPair is the deterministically derived secp256k1 wrapping keypair.
type KeyPair struct {
	PublicKey  []byte // 65-byte uncompressed
	PrivateKey []byte // 32-byte scalar
}

// domainSeparatorVersion is the HKDF salt; it embeds a version tag so that
// changing it is itself a breaking change to every derived identity.
const domainSeparatorVersion = "cipherbox-wallet-key-v1"

// secp256k1 group order N, used to normalize signature malleability
// (reduce s to its low half) the same way Ethereum-style wallets do.
var secp256k1N, secp256k1HalfN = func() (*big.Int, *big.Int) {
	n := new(big.Int)
	n.SetString("FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFEBAAEDCE6AF48A03BBFD25E8CD0364141", 16)
	half := new(big.Int).Rsh(n, 1)
	return n, half
}()

var (
	mu        sync.Mutex
	lastCall  time.Time
	rateEvery = 5 * time.Second
)

// SetRateWindow overrides the minimum interval between signer calls
// (default 5s, per spec.md §4.2 step 5). Only tests call it; the
// CIPHERBOX_WALLET_DERIVE_RATE_WINDOW value internal/config loads is not
// passed here.
func SetRateWindow(d time.Duration) { mu.Lock(); rateEvery = d; mu.Unlock() }

// Derive asks signer to sign the fixed message for (address, version) and
// deterministically produces a secp256k1 keypair from the result.
func Derive(signer Signer, address string, version int) (*KeyPair, error) {
	const op = "walletkey.Derive"

	mu.Lock()
	if since := time.Since(lastCall); since < rateEvery {
		mu.Unlock()
		return nil, errs.E(op, errs.RateLimited, errs.Errorf("retry after %s", rateEvery-since))
	}
	lastCall = time.Now()
	mu.Unlock()

	message := fixedMessage(address, version)
	sig, err := signer.Sign(message)
	if err != nil {
		return nil, errs.E(op, errs.Unauthenticated, errs.Errorf("signer refused: %v", err))
	}
	if len(sig) != 65 {
		return nil, errs.E(op, errs.InvalidInput, errs.Errorf("signature must be 65 bytes, got %d", len(sig)))
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	s = normalizeLowS(s)

	rsBytes := make([]byte, 64)
	r.FillBytes(rsBytes[:32])
	s.FillBytes(rsBytes[32:])

	suffix := 0
	for {
		kp, err := deriveFromRS(rsBytes, address, version, suffix)
		if err == nil {
			return kp, nil
		}
		if !errs.Is(errs.DerivationRange, err) {
			return nil, err
		}
		suffix++
		if suffix > 16 {
			return nil, errs.E(op, errs.Fatal, errs.Str("derivation range exhausted"))
		}
	}
}

// fixedMessage builds the chain-agnostic, deterministic structured
// message: address, a literal purpose string, and the derivation
// version. No timestamp or nonce — determinism is required since the
// derived keypair is the vault's identity.
func fixedMessage(address string, version int) []byte {
	return []byte(fmt.Sprintf("CipherBox Vault Key Derivation\naddress:%s\npurpose:cipherbox-vault-root-key\nversion:%d",
		strings.ToLower(address), version))
}

// normalizeLowS reduces s to its low half so that the non-canonical
// high-s variant a wallet might return yields byte-identical derivation.
func normalizeLowS(s *big.Int) *big.Int {
	if s.Cmp(secp256k1HalfN) > 0 {
		return new(big.Int).Sub(secp256k1N, s)
	}
	return s
}

func deriveFromRS(rs []byte, address string, version, suffix int) (*KeyPair, error) {
	const op = "walletkey.deriveFromRS"
	salt := []byte(fmt.Sprintf("%s:%d", domainSeparatorVersion, suffix))
	info := []byte(strings.ToLower(address))
	kdf := hkdf.New(sha256.New, rs, salt, info)
	scalarBytes := make([]byte, 32)
	if _, err := io.ReadFull(kdf, scalarBytes); err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	defer crypto.ZeroBytes(scalarBytes)

	scalar := new(big.Int).SetBytes(scalarBytes)
	if scalar.Sign() == 0 || scalar.Cmp(secp256k1N) >= 0 {
		return nil, errs.E(op, errs.DerivationRange)
	}

	var modN secp256k1.ModNScalar
	overflow := modN.SetByteSlice(scalarBytes)
	if overflow {
		return nil, errs.E(op, errs.DerivationRange)
	}
	priv := secp256k1.NewPrivateKey(&modN)
	pub := priv.PubKey().SerializeUncompressed()

	return &KeyPair{
		PublicKey:  pub,
		PrivateKey: append([]byte(nil), scalarBytes...),
	}, nil
}
