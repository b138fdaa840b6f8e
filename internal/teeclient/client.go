// Package teeclient is the core server's HTTP client for the TEE signer
// worker (spec.md §4.6): fetching per-epoch public keys and posting
// republish batches, over the same retrying internal/relayhttp client
// used for the content network.
package teeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/relayhttp"
)

// Client talks to a single TEE signer worker instance.
type Client struct {
	httpClient   *retryablehttp.Client
	baseURL      string
	bearerSecret string
}

// New returns a Client. timeout bounds each round trip (30s per
// spec.md §5).
func New(baseURL, bearerSecret string, timeout time.Duration) *Client {
	return &Client{
		httpClient:   relayhttp.New(timeout),
		baseURL:      baseURL,
		bearerSecret: bearerSecret,
	}
}

func (c *Client) authedRequest(ctx context.Context, method, url string, body io.Reader) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearerSecret)
	return req, nil
}

// PublicKey implements epoch.PublicKeyFetcher.
func (c *Client) PublicKey(ctx context.Context, epoch uint32) ([]byte, error) {
	const op = "teeclient.PublicKey"
	url := c.baseURL + "/public-key?epoch=" + strconv.FormatUint(uint64(epoch), 10)
	req, err := c.authedRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.E(op, errs.SignerUnavailable, err)
	}
	defer relayhttp.DrainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, errs.E(op, errs.SignerUnavailable, errs.Errorf("status %d", resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

// Health reports whether the signer is reachable, for the admin health
// surface (spec.md §4.8).
func (c *Client) Health(ctx context.Context) bool {
	req, err := c.authedRequest(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer relayhttp.DrainAndClose(resp)
	return resp.StatusCode == http.StatusOK
}

// RepublishEntry is one unit of republish work sent to the signer.
type RepublishEntry struct {
	PointerID         string
	WrappedSigningKey []byte
	KeyEpoch          uint32
	LatestContentID   string
	SequenceNumber    uint64
}

// RepublishResult is the signer's per-entry outcome.
type RepublishResult struct {
	PointerID           string
	Success             bool
	SignedRecord        []byte
	NewSequenceNumber   *uint64
	RewrappedSigningKey []byte
	RewrappedToEpoch    *uint32
	Error               string
}

type republishEntryWire struct {
	PointerID         string `json:"pointer_id"`
	WrappedSigningKey string `json:"wrapped_signing_key"`
	KeyEpoch          uint32 `json:"key_epoch"`
	LatestContentID   string `json:"latest_content_id"`
	SequenceNumber    uint64 `json:"sequence_number"`
}

type republishRequestWire struct {
	Entries       []republishEntryWire `json:"entries"`
	CurrentEpoch  uint32               `json:"current_epoch"`
	PreviousEpoch *uint32              `json:"previous_epoch,omitempty"`
}

type republishResultWire struct {
	PointerID           string  `json:"pointer_id"`
	Success             bool    `json:"success"`
	SignedRecord        string  `json:"signed_record,omitempty"`
	NewSequenceNumber   *uint64 `json:"new_sequence_number,omitempty"`
	RewrappedSigningKey string  `json:"rewrapped_signing_key,omitempty"`
	RewrappedToEpoch    *uint32 `json:"rewrapped_to_epoch,omitempty"`
	Error               string  `json:"error,omitempty"`
}

type republishResponseWire struct {
	Results []republishResultWire `json:"results"`
}

// Republish posts a batch to the signer's /republish endpoint.
func (c *Client) Republish(ctx context.Context, currentEpoch uint32, previousEpoch *uint32, entries []RepublishEntry) ([]RepublishResult, error) {
	const op = "teeclient.Republish"

	wire := republishRequestWire{CurrentEpoch: currentEpoch, PreviousEpoch: previousEpoch}
	for _, e := range entries {
		wire.Entries = append(wire.Entries, republishEntryWire{
			PointerID:         e.PointerID,
			WrappedSigningKey: hex.EncodeToString(e.WrappedSigningKey),
			KeyEpoch:          e.KeyEpoch,
			LatestContentID:   e.LatestContentID,
			SequenceNumber:    e.SequenceNumber,
		})
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	req, err := c.authedRequest(ctx, http.MethodPost, c.baseURL+"/republish", bytes.NewReader(body))
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.E(op, errs.SignerUnavailable, err)
	}
	defer relayhttp.DrainAndClose(resp)
	if resp.StatusCode != http.StatusOK {
		return nil, errs.E(op, errs.SignerUnavailable, errs.Errorf("status %d", resp.StatusCode))
	}

	var respWire republishResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&respWire); err != nil {
		return nil, errs.E(op, errs.SignerUnavailable, err)
	}

	out := make([]RepublishResult, 0, len(respWire.Results))
	for _, rw := range respWire.Results {
		r := RepublishResult{
			PointerID:         rw.PointerID,
			Success:           rw.Success,
			NewSequenceNumber: rw.NewSequenceNumber,
			RewrappedToEpoch:  rw.RewrappedToEpoch,
			Error:             rw.Error,
		}
		if rw.SignedRecord != "" {
			if b, err := base64.StdEncoding.DecodeString(rw.SignedRecord); err == nil {
				r.SignedRecord = b
			}
		}
		if rw.RewrappedSigningKey != "" {
			if b, err := hex.DecodeString(rw.RewrappedSigningKey); err == nil {
				r.RewrappedSigningKey = b
			}
		}
		out = append(out, r)
	}
	return out, nil
}
