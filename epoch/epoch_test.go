package epoch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipherbox/cipherbox/internal/domain"
	"github.com/cipherbox/cipherbox/internal/store"
)

type fakeSigner struct {
	keys map[uint32][]byte
}

func (f *fakeSigner) PublicKey(ctx context.Context, epoch uint32) ([]byte, error) {
	if k, ok := f.keys[epoch]; ok {
		return k, nil
	}
	return []byte{byte(epoch), 0x01, 0x02}, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cipherbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestInitializeCreatesEpochOneOnce(t *testing.T) {
	st := openTestStore(t)
	signer := &fakeSigner{keys: map[uint32][]byte{1: []byte("pub1")}}
	svc := New(st, signer)

	state, err := svc.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(1), state.CurrentEpoch)
	require.Equal(t, []byte("pub1"), state.CurrentPublicKey)

	log, err := st.ListRotationLog()
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, "initial boot", log[0].Reason)

	// Calling again must not re-create or re-log.
	again, err := svc.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.CurrentEpoch, again.CurrentEpoch)
	log, err = st.ListRotationLog()
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestRotateDemotesCurrentToPrevious(t *testing.T) {
	st := openTestStore(t)
	signer := &fakeSigner{keys: map[uint32][]byte{1: []byte("pub1"), 2: []byte("pub2")}}
	svc := New(st, signer)

	_, err := svc.Initialize(context.Background())
	require.NoError(t, err)

	next, err := svc.Rotate(context.Background(), "scheduled rotation")
	require.NoError(t, err)
	require.Equal(t, uint32(2), next.CurrentEpoch)
	require.Equal(t, []byte("pub2"), next.CurrentPublicKey)
	require.NotNil(t, next.PreviousEpoch)
	require.Equal(t, uint32(1), *next.PreviousEpoch)
	require.Equal(t, []byte("pub1"), next.PreviousPublicKey)
	require.WithinDuration(t, time.Now().Add(GraceWindow), next.PreviousDeprecationAt, time.Minute)

	log, err := st.ListRotationLog()
	require.NoError(t, err)
	require.Len(t, log, 2)
}

func TestInGraceWindow(t *testing.T) {
	now := time.Now()
	state := &domain.TeeEpochState{
		CurrentEpoch:          2,
		PreviousEpoch:         uintPtr(1),
		PreviousDeprecationAt: now.Add(time.Hour),
	}
	require.True(t, InGraceWindow(state, 1, now))
	require.False(t, InGraceWindow(state, 1, now.Add(2*time.Hour)))
	require.False(t, InGraceWindow(state, 3, now))
	require.False(t, InGraceWindow(nil, 1, now))
}

func uintPtr(v uint32) *uint32 { return &v }
