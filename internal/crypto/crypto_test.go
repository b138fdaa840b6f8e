package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/cipherbox/cipherbox/internal/errs"
)

func testKey() []byte {
	k := make([]byte, AESKeyLen)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestAEADEncryptDecryptRoundTrips(t *testing.T) {
	key := testKey()
	sealed, err := AEADEncrypt([]byte("hello folder metadata"), key)
	require.NoError(t, err)

	plain, err := AEADDecrypt(sealed.Ciphertext, sealed.IV, sealed.Tag, key)
	require.NoError(t, err)
	require.Equal(t, "hello folder metadata", string(plain))
}

func TestAEADDecryptDetectsTamperedCiphertext(t *testing.T) {
	key := testKey()
	sealed, err := AEADEncrypt([]byte("payload"), key)
	require.NoError(t, err)

	sealed.Ciphertext[0] ^= 0xFF
	_, err = AEADDecrypt(sealed.Ciphertext, sealed.IV, sealed.Tag, key)
	require.Error(t, err)
	require.Equal(t, errs.AuthFailure, errs.KindOf(err))
}

func TestAEADEncryptRejectsWrongKeyLength(t *testing.T) {
	_, err := AEADEncrypt([]byte("x"), []byte("too-short"))
	require.Error(t, err)
	require.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func genSecp256k1KeyPair(t *testing.T) (pub []byte, priv []byte) {
	t.Helper()
	sk, err := secp256k1.GeneratePrivateKey()
	require.NoError(t, err)
	return sk.PubKey().SerializeUncompressed(), sk.Serialize()
}

func TestWrapUnwrapRoundTrips(t *testing.T) {
	pub, priv := genSecp256k1KeyPair(t)
	symKey := testKey()

	wrapped, err := Wrap(pub, symKey)
	require.NoError(t, err)

	got, err := Unwrap(priv, wrapped)
	require.NoError(t, err)
	require.Equal(t, symKey, got)
}

func TestUnwrapFailsUnderWrongPrivateKey(t *testing.T) {
	pub, _ := genSecp256k1KeyPair(t)
	_, otherPriv := genSecp256k1KeyPair(t)
	symKey := testKey()

	wrapped, err := Wrap(pub, symKey)
	require.NoError(t, err)

	_, err = Unwrap(otherPriv, wrapped)
	require.Error(t, err)
	require.Equal(t, errs.AuthFailure, errs.KindOf(err))
}

func TestMarshalUnmarshalWrappedKeyRoundTrips(t *testing.T) {
	pub, _ := genSecp256k1KeyPair(t)
	symKey := testKey()
	wrapped, err := Wrap(pub, symKey)
	require.NoError(t, err)

	blob := wrapped.Marshal()
	parsed, err := UnmarshalWrappedKey(blob)
	require.NoError(t, err)

	require.Equal(t, wrapped.Ephemeral, parsed.Ephemeral)
	require.Equal(t, wrapped.IV, parsed.IV)
	require.Equal(t, wrapped.Tag, parsed.Tag)
	require.Equal(t, wrapped.Ciphertext, parsed.Ciphertext)
}

func TestUnmarshalWrappedKeyRejectsTooShort(t *testing.T) {
	_, err := UnmarshalWrappedKey([]byte("too short"))
	require.Error(t, err)
	require.Equal(t, errs.InvalidRecord, errs.KindOf(err))
}

func TestGeneratePointerKeyPairAndSignVerify(t *testing.T) {
	kp, err := GeneratePointerKeyPair()
	require.NoError(t, err)
	require.Len(t, kp.Seed, 32)
	require.Len(t, kp.PublicKey, 32)

	derivedPub, err := PublicKeyFromSeed(kp.Seed)
	require.NoError(t, err)
	require.Equal(t, kp.PublicKey, derivedPub)

	sig, err := SignWithSeed(kp.Seed, []byte("pointer record body"))
	require.NoError(t, err)
	require.True(t, VerifyWithPublicKey(kp.PublicKey, []byte("pointer record body"), sig))
	require.False(t, VerifyWithPublicKey(kp.PublicKey, []byte("tampered body"), sig))
}

func TestZeroBytesOverwritesBuffer(t *testing.T) {
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ZeroBytes(buf)
	for i, b := range buf {
		require.Zero(t, b, "byte %d not zeroed", i)
	}
}

func TestZeroBytesHandlesEmptyAndNil(t *testing.T) {
	require.NotPanics(t, func() {
		ZeroBytes(nil)
		ZeroBytes([]byte{})
	})
}

func TestZeroScalarOverwritesScalar(t *testing.T) {
	var s secp256k1.ModNScalar
	s.SetInt(42)
	require.False(t, s.IsZero())

	ZeroScalar(&s)

	require.True(t, s.IsZero())
	zeroed := s.Bytes()
	for i, b := range zeroed {
		require.Zero(t, b, "scalar byte %d not zeroed", i)
	}
}

func TestKeyHashIsDeterministicAndSensitiveToInput(t *testing.T) {
	kp1, err := GeneratePointerKeyPair()
	require.NoError(t, err)
	kp2, err := GeneratePointerKeyPair()
	require.NoError(t, err)

	require.Equal(t, KeyHash(kp1.PublicKey), KeyHash(kp1.PublicKey))
	require.NotEqual(t, KeyHash(kp1.PublicKey), KeyHash(kp2.PublicKey))
}
