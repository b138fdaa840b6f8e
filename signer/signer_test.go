package signer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cipherbox/cipherbox/internal/crypto"
	"github.com/cipherbox/cipherbox/internal/pointerrecord"
)

func TestProcessBatchSignsEntryUnderCurrentEpoch(t *testing.T) {
	keys := NewSimulator([]byte("worker-seed"))
	worker := NewWorker(keys)

	pub, err := keys.PublicKey(1)
	require.NoError(t, err)

	kp, err := crypto.GeneratePointerKeyPair()
	require.NoError(t, err)
	wrapped, err := crypto.Wrap(pub, kp.Seed)
	require.NoError(t, err)

	entry := Entry{
		PointerID:         "ptr1",
		WrappedSigningKey: wrapped.Marshal(),
		KeyEpoch:          1,
		LatestContentID:   "cidA",
		SequenceNumber:    5,
	}
	results := worker.ProcessBatch(EpochContext{CurrentEpoch: 1}, []Entry{entry})
	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Success)
	require.Equal(t, uint64(6), *res.NewSequenceNumber)
	require.Nil(t, res.RewrappedSigningKey)

	parsed, err := pointerrecord.Parse(res.SignedRecord)
	require.NoError(t, err)
	require.Equal(t, "/content/cidA", parsed.Value)
	require.Equal(t, uint64(6), parsed.Sequence)
	require.True(t, crypto.VerifyWithPublicKey(parsed.PubKey, parsed.Data, parsed.Signature))
}

func TestProcessBatchFallsBackToPreviousEpochAndRewraps(t *testing.T) {
	keys := NewSimulator([]byte("worker-seed"))
	worker := NewWorker(keys)

	prevPub, err := keys.PublicKey(1)
	require.NoError(t, err)
	currentEpoch := uint32(2)
	previousEpoch := uint32(1)

	kp, err := crypto.GeneratePointerKeyPair()
	require.NoError(t, err)
	// Wrapped under epoch 1's key, but the entry is stamped as belonging
	// to the current epoch (2) — simulating a key rotated since the wrap.
	wrapped, err := crypto.Wrap(prevPub, kp.Seed)
	require.NoError(t, err)

	entry := Entry{
		PointerID:         "ptr1",
		WrappedSigningKey: wrapped.Marshal(),
		KeyEpoch:          currentEpoch,
		LatestContentID:   "cidA",
		SequenceNumber:    0,
	}
	results := worker.ProcessBatch(EpochContext{CurrentEpoch: currentEpoch, PreviousEpoch: &previousEpoch}, []Entry{entry})
	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Success)
	require.NotNil(t, res.RewrappedSigningKey)
	require.NotNil(t, res.RewrappedToEpoch)
	require.Equal(t, currentEpoch, *res.RewrappedToEpoch)

	currentPriv, _, err := keys.KeyPair(currentEpoch)
	require.NoError(t, err)
	rewrapped, err := crypto.UnmarshalWrappedKey(res.RewrappedSigningKey)
	require.NoError(t, err)
	seed, err := crypto.Unwrap(currentPriv, rewrapped)
	require.NoError(t, err)
	require.Equal(t, kp.Seed, seed)
}

func TestProcessBatchFailsClosedWithNoFallbackAvailable(t *testing.T) {
	keys := NewSimulator([]byte("worker-seed"))
	worker := NewWorker(keys)

	wrongPub, err := keys.PublicKey(99)
	require.NoError(t, err)
	kp, err := crypto.GeneratePointerKeyPair()
	require.NoError(t, err)
	wrapped, err := crypto.Wrap(wrongPub, kp.Seed)
	require.NoError(t, err)

	entry := Entry{
		PointerID:         "ptr1",
		WrappedSigningKey: wrapped.Marshal(),
		KeyEpoch:          1, // the current epoch, but no previous epoch is given, so no fallback applies
		LatestContentID:   "cidA",
		SequenceNumber:    0,
	}
	results := worker.ProcessBatch(EpochContext{CurrentEpoch: 1}, []Entry{entry})
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.NotEmpty(t, results[0].Error)
}

func TestProcessBatchEntriesAreIndependent(t *testing.T) {
	keys := NewSimulator([]byte("worker-seed"))
	worker := NewWorker(keys)
	pub, err := keys.PublicKey(1)
	require.NoError(t, err)
	kp, err := crypto.GeneratePointerKeyPair()
	require.NoError(t, err)
	wrapped, err := crypto.Wrap(pub, kp.Seed)
	require.NoError(t, err)

	good := Entry{PointerID: "good", WrappedSigningKey: wrapped.Marshal(), KeyEpoch: 1, LatestContentID: "cid", SequenceNumber: 0}
	bad := Entry{PointerID: "bad", WrappedSigningKey: []byte("not a wrapped key"), KeyEpoch: 1, LatestContentID: "cid", SequenceNumber: 0}

	results := worker.ProcessBatch(EpochContext{CurrentEpoch: 1}, []Entry{bad, good})
	require.Len(t, results, 2)
	require.False(t, results[0].Success)
	require.True(t, results[1].Success)
}
