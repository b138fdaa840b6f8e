package vault

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cipherbox/cipherbox/internal/crypto"
	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cipherbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, 1024*1024)
}

func TestInitThenGetRoundTrips(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Init("alice", []byte("wrapped-root-key"), "ptr-root"))

	info, err := svc.Get("alice")
	require.NoError(t, err)
	require.Equal(t, []byte("wrapped-root-key"), info.WrappedRootKey)
	require.Equal(t, "ptr-root", info.RootPointerID)
	require.Nil(t, info.CurrentEpoch)
}

func TestInitRefusesReinitializationAndRejectsEmptyFields(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Init("alice", []byte("wrapped"), "ptr-root"))

	err := svc.Init("alice", []byte("wrapped-2"), "ptr-root-2")
	require.Error(t, err)

	err = svc.Init("bob", nil, "ptr")
	require.Error(t, err)
	require.Equal(t, errs.InvalidInput, errs.KindOf(err))

	err = svc.Init("bob", []byte("wrapped"), "")
	require.Error(t, err)
	require.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestGetUnknownUserIsNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get("nobody")
	require.Error(t, err)
	require.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestEncryptDecryptFolderMetadataRoundTrips(t *testing.T) {
	key := make([]byte, crypto.AESKeyLen)
	for i := range key {
		key[i] = byte(i)
	}
	meta := FolderMetadata{
		Created:  time.Now().UTC().Truncate(time.Second),
		Modified: time.Now().UTC().Truncate(time.Second),
		Children: []ChildEntry{
			{Type: "file", File: &FileEntry{ContentID: "cid1", Size: 42}},
		},
	}
	blob, err := EncryptFolderMetadata(meta, key)
	require.NoError(t, err)

	got, err := DecryptFolderMetadata(blob, key)
	require.NoError(t, err)
	require.Len(t, got.Children, 1)
	require.Equal(t, "cid1", got.Children[0].File.ContentID)
}

func TestDecryptFolderMetadataDetectsTampering(t *testing.T) {
	key := make([]byte, crypto.AESKeyLen)
	blob, err := EncryptFolderMetadata(FolderMetadata{}, key)
	require.NoError(t, err)
	blob[len(blob)-2] ^= 0xFF // flip the closing quote of the JSON-encoded ciphertext string

	_, err = DecryptFolderMetadata(blob, key)
	require.Error(t, err)
}

func TestCheckQuotaEnforcesLimitWithoutReservingOnFailure(t *testing.T) {
	svc := newTestService(t)
	svc.QuotaBytes = 100

	require.NoError(t, svc.CheckQuota("alice", 60))
	err := svc.CheckQuota("alice", 60)
	require.Error(t, err)
	require.Equal(t, errs.QuotaExceeded, errs.KindOf(err))

	used, err := svc.Store.QuotaUsage("alice")
	require.NoError(t, err)
	require.Equal(t, int64(60), used)
}
