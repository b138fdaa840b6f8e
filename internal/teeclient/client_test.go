package teeclient

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublicKeyReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "1", r.URL.Query().Get("epoch"))
		w.Write([]byte("raw-public-key"))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	key, err := c.PublicKey(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []byte("raw-public-key"), key)
}

func TestPublicKeyFailsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	_, err := c.PublicKey(context.Background(), 1)
	require.Error(t, err)
}

func TestHealthReportsReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	require.True(t, c.Health(context.Background()))

	c2 := New("http://127.0.0.1:1", "secret", 200*time.Millisecond)
	require.False(t, c2.Health(context.Background()))
}

func TestRepublishParsesResultsAndDecodesWireFields(t *testing.T) {
	record := []byte("signed-record-bytes")
	rewrapped := []byte("rewrapped-bytes")
	newSeq := uint64(9)
	toEpoch := uint32(2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req republishRequestWire
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Entries, 1)
		require.Equal(t, uint32(3), req.CurrentEpoch)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(republishResponseWire{
			Results: []republishResultWire{
				{
					PointerID:           req.Entries[0].PointerID,
					Success:             true,
					SignedRecord:        base64.StdEncoding.EncodeToString(record),
					NewSequenceNumber:   &newSeq,
					RewrappedSigningKey: hex.EncodeToString(rewrapped),
					RewrappedToEpoch:    &toEpoch,
				},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", time.Second)
	results, err := c.Republish(context.Background(), 3, nil, []RepublishEntry{
		{PointerID: "ptr-1", WrappedSigningKey: []byte("wrapped"), KeyEpoch: 1, LatestContentID: "cid-1", SequenceNumber: 5},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, record, results[0].SignedRecord)
	require.Equal(t, newSeq, *results[0].NewSequenceNumber)
	require.Equal(t, rewrapped, results[0].RewrappedSigningKey)
	require.Equal(t, toEpoch, *results[0].RewrappedToEpoch)
}
