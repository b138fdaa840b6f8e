// Package crypto implements CipherBox's cryptographic primitives
// (spec.md §4.1): AEAD encryption, ECIES key wrapping over secp256k1,
// HKDF-based key derivation, and the zeroization contract every buffer
// holding key material must honor, even on error paths.
//
// The AEAD construction mirrors the teacher's pack/ee package (AES-256-GCM
// over crypto/aes and crypto/cipher, which is the stdlib idiom the teacher
// itself uses — no third-party AEAD library improves on it). The ECIES
// wrap/unwrap follows the same NIST-800-56Ar2 shape as pack/ee's gcmWrap/
// aesUnwrap, adapted from the teacher's P256/P384/P521 ECDSA curves to the
// single secp256k1 curve spec.md requires, using the decred secp256k1
// library the broader example pack depends on for exactly this purpose.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cipherbox/cipherbox/internal/errs"
)

const (
	// AESKeyLen is the length in bytes of an AES-256 key.
	AESKeyLen = 32
	// GCMNonceSize is the standard GCM nonce length.
	GCMNonceSize = 12
	// GCMTagSize is the GCM authentication tag length.
	GCMTagSize = 16
	// PublicKeyLen is the length of an uncompressed secp256k1 public key.
	PublicKeyLen = 65
)

// Sealed holds the output of AEADEncrypt: ciphertext, the fresh IV used,
// and the authentication tag (Go's cipher.AEAD.Seal appends the tag to
// the ciphertext; Sealed keeps them split to match spec.md's wire shape).
type Sealed struct {
	Ciphertext []byte
	IV         [GCMNonceSize]byte
	Tag        [GCMTagSize]byte
}

// AEADEncrypt encrypts plaintext under key using AES-256-GCM with a fresh
// random 12-byte IV, per spec.md §4.1. The key and IV pair is never reused
// because the IV is generated fresh for every call.
func AEADEncrypt(plaintext, key []byte) (*Sealed, error) {
	const op = "crypto.AEADEncrypt"
	if len(key) != AESKeyLen {
		return nil, errs.E(op, errs.InvalidInput, errs.Errorf("key length %d, want %d", len(key), AESKeyLen))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	var iv [GCMNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return nil, errs.E(op, errs.Fatal, errs.Errorf("rng failure: %v", err))
	}
	sealed := aead.Seal(nil, iv[:], plaintext, nil)
	n := len(sealed) - GCMTagSize
	s := &Sealed{Ciphertext: sealed[:n], IV: iv}
	copy(s.Tag[:], sealed[n:])
	return s, nil
}

// AEADDecrypt decrypts ciphertext under key, verifying tag before
// returning any plaintext. Any bit-flip in ciphertext, iv, or tag yields
// errs.AuthFailure, never a more detailed diagnosis.
func AEADDecrypt(ciphertext []byte, iv [GCMNonceSize]byte, tag [GCMTagSize]byte, key []byte) ([]byte, error) {
	const op = "crypto.AEADDecrypt"
	if len(key) != AESKeyLen {
		return nil, errs.E(op, errs.InvalidInput, errs.Errorf("key length %d, want %d", len(key), AESKeyLen))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	sealed := make([]byte, 0, len(ciphertext)+GCMTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)
	plaintext, err := aead.Open(nil, iv[:], sealed, nil)
	if err != nil {
		return nil, errs.E(op, errs.AuthFailure)
	}
	return plaintext, nil
}

// WrappedKey is the ECIES envelope produced by Wrap: the ephemeral
// sender public key, the AEAD-wrapped symmetric key, and its nonce and
// tag, concatenated in framing order by Marshal for storage/transport.
type WrappedKey struct {
	Ephemeral []byte // uncompressed secp256k1 public key, PublicKeyLen bytes
	IV        [GCMNonceSize]byte
	Ciphertext []byte
	Tag        [GCMTagSize]byte
}

// Marshal encodes w as ephemeral_pub || iv || ciphertext || tag, the
// framing spec.md §4.1 names.
func (w *WrappedKey) Marshal() []byte {
	out := make([]byte, 0, len(w.Ephemeral)+GCMNonceSize+len(w.Ciphertext)+GCMTagSize)
	out = append(out, w.Ephemeral...)
	out = append(out, w.IV[:]...)
	out = append(out, w.Ciphertext...)
	out = append(out, w.Tag[:]...)
	return out
}

// UnmarshalWrappedKey parses the framing produced by Marshal.
func UnmarshalWrappedKey(b []byte) (*WrappedKey, error) {
	const op = "crypto.UnmarshalWrappedKey"
	min := PublicKeyLen + GCMNonceSize + GCMTagSize
	if len(b) < min {
		return nil, errs.E(op, errs.InvalidRecord, errs.Errorf("wrapped key too short: %d bytes", len(b)))
	}
	w := &WrappedKey{}
	w.Ephemeral = append([]byte(nil), b[:PublicKeyLen]...)
	b = b[PublicKeyLen:]
	copy(w.IV[:], b[:GCMNonceSize])
	b = b[GCMNonceSize:]
	ctLen := len(b) - GCMTagSize
	w.Ciphertext = append([]byte(nil), b[:ctLen]...)
	copy(w.Tag[:], b[ctLen:])
	return w, nil
}

// Wrap ECIES-wraps a symmetric key under recipientPub (an uncompressed
// secp256k1 public key), per spec.md §4.1: fresh ephemeral sender key,
// ECDH, HKDF-SHA-256 derived AEAD key, AES-256-GCM seal.
func Wrap(recipientPub []byte, symmetricKey []byte) (*WrappedKey, error) {
	const op = "crypto.Wrap"
	if len(symmetricKey) != AESKeyLen {
		return nil, errs.E(op, errs.InvalidInput, errs.Errorf("symmetric key length %d, want %d", len(symmetricKey), AESKeyLen))
	}
	recipient, err := secp256k1.ParsePubKey(recipientPub)
	if err != nil {
		return nil, errs.E(op, errs.InvalidInput, errs.Errorf("invalid recipient key: %v", err))
	}

	ephPriv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errs.E(op, errs.Fatal, errs.Errorf("rng failure: %v", err))
	}
	defer ZeroScalar(&ephPriv.Key)

	shared := sharedSecret(ephPriv, recipient)
	defer ZeroBytes(shared)

	w := &WrappedKey{Ephemeral: ephPriv.PubKey().SerializeUncompressed()}
	if _, err := io.ReadFull(rand.Reader, w.IV[:]); err != nil {
		return nil, errs.E(op, errs.Fatal, errs.Errorf("rng failure: %v", err))
	}

	strong, err := deriveStrongKey(shared, recipientPub, w.IV[:])
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	defer ZeroBytes(strong)

	block, err := aes.NewCipher(strong)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	sealed := aead.Seal(nil, w.IV[:], symmetricKey, nil)
	n := len(sealed) - GCMTagSize
	w.Ciphertext = sealed[:n]
	copy(w.Tag[:], sealed[n:])
	return w, nil
}

// Unwrap recovers the symmetric key from w using recipientPriv (the
// recipient's secp256k1 private key scalar, 32 bytes). On any failure it
// returns errs.AuthFailure without further detail.
func Unwrap(recipientPriv []byte, w *WrappedKey) (key []byte, err error) {
	const op = "crypto.Unwrap"
	priv := secp256k1.PrivKeyFromBytes(recipientPriv)
	defer ZeroScalar(&priv.Key)

	ephPub, perr := secp256k1.ParsePubKey(w.Ephemeral)
	if perr != nil {
		return nil, errs.E(op, errs.AuthFailure)
	}

	shared := sharedSecret(priv, ephPub)
	defer ZeroBytes(shared)

	myPub := priv.PubKey().SerializeUncompressed()
	strong, derr := deriveStrongKey(shared, myPub, w.IV[:])
	if derr != nil {
		return nil, errs.E(op, errs.AuthFailure)
	}
	defer ZeroBytes(strong)

	block, berr := aes.NewCipher(strong)
	if berr != nil {
		return nil, errs.E(op, errs.AuthFailure)
	}
	aead, gerr := cipher.NewGCM(block)
	if gerr != nil {
		return nil, errs.E(op, errs.AuthFailure)
	}
	sealed := make([]byte, 0, len(w.Ciphertext)+GCMTagSize)
	sealed = append(sealed, w.Ciphertext...)
	sealed = append(sealed, w.Tag[:]...)
	plain, oerr := aead.Open(nil, w.IV[:], sealed, nil)
	if oerr != nil {
		return nil, errs.E(op, errs.AuthFailure)
	}
	return plain, nil
}

// sharedSecret computes the ECDH shared point priv*pub, marshaled
// uncompressed, exactly as pack/ee's gcmWrap/aesUnwrap compute S = vR / rV.
func sharedSecret(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) []byte {
	var pubJ, resultJ secp256k1.JacobianPoint
	pub.AsJacobian(&pubJ)
	secp256k1.ScalarMultNonConst(&priv.Key, &pubJ, &resultJ)
	resultJ.ToAffine()
	shared := secp256k1.NewPublicKey(&resultJ.X, &resultJ.Y)
	return shared.SerializeUncompressed()
}

// deriveStrongKey runs HKDF-SHA-256 over the ECDH shared secret, using
// the recipient public key and IV as the info parameter, matching the
// teacher's "%02x:%x:%x" message framing in pack/ee's gcmWrap.
func deriveStrongKey(shared, recipientPub, iv []byte) ([]byte, error) {
	info := []byte(fmt.Sprintf("cipherbox-ecies:%x:%x", recipientPub, iv))
	kdf := hkdf.New(sha256.New, shared, nil, info)
	strong := make([]byte, AESKeyLen)
	if _, err := io.ReadFull(kdf, strong); err != nil {
		return nil, err
	}
	return strong, nil
}

// ZeroBytes overwrites b with zeroes. Call via defer immediately after
// allocating any buffer that may hold key material, including on every
// error path, per spec.md §4.1 and §4.6.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroScalar overwrites a secp256k1 scalar's backing bytes.
func ZeroScalar(s *secp256k1.ModNScalar) {
	s.Zero()
}
