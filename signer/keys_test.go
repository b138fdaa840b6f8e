package signer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPairIsDeterministicPerEpoch(t *testing.T) {
	kp := NewSimulator([]byte("test-seed"))

	priv1, pub1, err := kp.KeyPair(1)
	require.NoError(t, err)
	priv2, pub2, err := kp.KeyPair(1)
	require.NoError(t, err)
	require.Equal(t, priv1, priv2)
	require.Equal(t, pub1, pub2)

	_, pub3, err := kp.KeyPair(2)
	require.NoError(t, err)
	require.NotEqual(t, pub1, pub3)
}

func TestPublicKeyNeverReturnsPrivateMaterial(t *testing.T) {
	kp := NewSimulator([]byte("test-seed"))
	pub, err := kp.PublicKey(1)
	require.NoError(t, err)
	require.Len(t, pub, 65) // uncompressed secp256k1 point
}

func TestDifferentRootsDeriveDifferentKeys(t *testing.T) {
	a := NewSimulator([]byte("seed-a"))
	b := NewSimulator([]byte("seed-b"))

	pubA, err := a.PublicKey(1)
	require.NoError(t, err)
	pubB, err := b.PublicKey(1)
	require.NoError(t, err)
	require.NotEqual(t, pubA, pubB)
}

func TestModeAccessor(t *testing.T) {
	require.Equal(t, ModeSimulator, NewSimulator([]byte("x")).Mode())
	require.Equal(t, ModeAttested, NewAttested([]byte("y")).Mode())
}
