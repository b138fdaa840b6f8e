// Package relay implements the mutable-pointer relay and resolver
// (spec.md §4.4): replaying client-signed pointer records to the
// content network under a retry/backoff policy, tracking sequence
// numbers, and resolving pointers with cached-tip fallback on upstream
// failure.
//
// The network calls are built on internal/relayhttp's
// github.com/hashicorp/go-retryablehttp client; persistence goes
// through internal/store's single-writer bbolt transactions, which is
// what gives the upsert its read-modify-write atomicity (spec.md §5's
// ordering guarantee that sequence_number only ever increases).
package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cipherbox/cipherbox/internal/cidgrammar"
	"github.com/cipherbox/cipherbox/internal/domain"
	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/logx"
	"github.com/cipherbox/cipherbox/internal/pointerrecord"
	"github.com/cipherbox/cipherbox/internal/rategate"
	"github.com/cipherbox/cipherbox/internal/relayhttp"
	"github.com/cipherbox/cipherbox/internal/store"
)

// maxRecordBytes bounds a signed pointer record (spec.md §6).
const maxRecordBytes = 2 * 1024 * 1024

// wrappedSigningKey hex length bounds (spec.md §6): large enough to hold
// an ECIES envelope, small enough to bound DB row size.
const (
	minWrappedSigningKeyHex = 200
	maxWrappedSigningKeyHex = 1000
)

// recordMediaType is the well-known media type the content network
// expects for signed pointer records.
const recordMediaType = "application/vnd.ipfs.ipns-record"

// Service implements Publish and Resolve against a content network
// reachable at BaseURL.
type Service struct {
	Store          *store.Store
	Client         *retryablehttp.Client
	BaseURL        string
	PublishLimiter *rategate.PerKeyLimiter
}

// New returns a relay Service. timeout bounds each content-network round
// trip (30s per spec.md §5); publishLimiter enforces the 10/min/user gate.
func New(st *store.Store, baseURL string, timeout time.Duration, publishLimiter *rategate.PerKeyLimiter) *Service {
	return &Service{
		Store:          st,
		Client:         relayhttp.New(timeout),
		BaseURL:        baseURL,
		PublishLimiter: publishLimiter,
	}
}

// PublishInput is the validated, decoded form of a publish request.
type PublishInput struct {
	UserID               string
	PointerID            string
	RecordBytesB64       string
	ReferencedContentID  string
	WrappedSigningKeyHex string // optional; "" if absent
	KeyEpoch             *uint32
	SignerOriginated     bool // true when called from the republish scheduler
}

// Publish validates, relays, and persists a pointer publish per spec.md
// §4.4. It returns the new sequence number.
func (s *Service) Publish(ctx context.Context, in PublishInput) (uint64, error) {
	const op = "relay.Publish"

	if !in.SignerOriginated && s.PublishLimiter != nil && !s.PublishLimiter.Allow(in.UserID) {
		return 0, errs.E(op, errs.UserID(in.UserID), errs.RateLimited)
	}

	if err := cidgrammar.ValidatePointerID(in.PointerID); err != nil {
		return 0, errs.E(op, errs.UserID(in.UserID), err)
	}
	if err := cidgrammar.ValidateContentID(in.ReferencedContentID); err != nil {
		return 0, errs.E(op, errs.UserID(in.UserID), errs.PointerID(in.PointerID), err)
	}
	record, err := base64.StdEncoding.DecodeString(in.RecordBytesB64)
	if err != nil {
		return 0, errs.E(op, errs.UserID(in.UserID), errs.PointerID(in.PointerID), errs.InvalidInput, errs.Str("record is not valid base64"))
	}
	if len(record) == 0 || len(record) > maxRecordBytes {
		return 0, errs.E(op, errs.UserID(in.UserID), errs.PointerID(in.PointerID), errs.InvalidInput, errs.Str("record size out of bounds"))
	}

	var wrappedKey []byte
	if in.WrappedSigningKeyHex != "" {
		if len(in.WrappedSigningKeyHex) < minWrappedSigningKeyHex || len(in.WrappedSigningKeyHex) > maxWrappedSigningKeyHex {
			return 0, errs.E(op, errs.UserID(in.UserID), errs.PointerID(in.PointerID), errs.InvalidInput, errs.Str("wrapped_signing_key length out of bounds"))
		}
		wrappedKey, err = hex.DecodeString(in.WrappedSigningKeyHex)
		if err != nil {
			return 0, errs.E(op, errs.UserID(in.UserID), errs.PointerID(in.PointerID), errs.InvalidInput, errs.Str("wrapped_signing_key is not valid hex"))
		}
	}
	if (wrappedKey != nil) != (in.KeyEpoch != nil) {
		return 0, errs.E(op, errs.UserID(in.UserID), errs.PointerID(in.PointerID), errs.InvalidInput, errs.Str("wrapped_signing_key and key_epoch must be provided together"))
	}

	if err := s.relay(ctx, in.PointerID, record); err != nil {
		return 0, err
	}

	fpFn := func(current *domain.FolderPointer) (*domain.FolderPointer, error) {
		next := &domain.FolderPointer{
			UserID:          in.UserID,
			PointerID:       in.PointerID,
			LatestContentID: in.ReferencedContentID,
			RecordType:      domain.RecordTypeFolder,
			UpdatedAt:       time.Now(),
		}
		if current == nil {
			next.SequenceNumber = 0
		} else {
			next.SequenceNumber = current.SequenceNumber + 1
			next.IsRoot = current.IsRoot
			next.WrappedSigningKey = current.WrappedSigningKey
			next.KeyEpoch = current.KeyEpoch
		}
		if wrappedKey != nil {
			next.WrappedSigningKey = wrappedKey
			epoch := *in.KeyEpoch
			next.KeyEpoch = &epoch
		}
		return next, nil
	}

	scheduleFn := func(fp *domain.FolderPointer, current *domain.RepublishSchedule) (*domain.RepublishSchedule, error) {
		if fp.WrappedSigningKey == nil || fp.KeyEpoch == nil {
			return nil, nil
		}
		next := &domain.RepublishSchedule{
			PointerID:           fp.PointerID,
			Status:              domain.ScheduleActive,
			WrappedSigningKey:   fp.WrappedSigningKey,
			KeyEpoch:            *fp.KeyEpoch,
			LastContentID:       fp.LatestContentID,
			LastSequenceNumber:  fp.SequenceNumber,
			NextRunAt:           time.Now().Add(6 * time.Hour),
			ConsecutiveFailures: 0,
		}
		if current != nil {
			next.LastRunAt = current.LastRunAt
		}
		return next, nil
	}

	fp, _, err := s.Store.UpsertFolderPointerAndSchedule(in.UserID, in.PointerID, fpFn, scheduleFn)
	if err != nil {
		return 0, errs.E(op, errs.UserID(in.UserID), errs.PointerID(in.PointerID), err)
	}
	return fp.SequenceNumber, nil
}

// relay PUTs record to the content network's pointer endpoint, applying
// the shared retry/backoff policy. Non-2xx, non-retried statuses fail
// fast as RelayRejected; the status is logged, never surfaced.
func (s *Service) relay(ctx context.Context, pointerID string, record []byte) error {
	const op = "relay.relay"
	url := s.BaseURL + "/pointer/" + pointerID
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(record))
	if err != nil {
		return errs.E(op, errs.PointerID(pointerID), errs.Fatal, err)
	}
	req.Header.Set("Content-Type", recordMediaType)

	resp, err := s.Client.Do(req)
	if err != nil {
		return errs.E(op, errs.PointerID(pointerID), errs.UpstreamUnavailable, err)
	}
	defer relayhttp.DrainAndClose(resp)
	relayhttp.LogUpstreamStatus(op, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.E(op, errs.PointerID(pointerID), errs.RelayRejected)
	}
	return nil
}

// Result is the outcome of Resolve.
type Result struct {
	ContentID      string
	SequenceNumber uint64
	Signature      []byte
	Data           []byte
	PublicKey      []byte
}

// Resolve fetches and parses a pointer record, falling back to a cached
// tip on upstream failure (spec.md §4.4).
func (s *Service) Resolve(ctx context.Context, pointerID string) (*Result, error) {
	const op = "relay.Resolve"
	if err := cidgrammar.ValidatePointerID(pointerID); err != nil {
		return nil, errs.E(op, err)
	}

	res, upstreamErr := s.fetchAndParse(ctx, pointerID)
	if upstreamErr == nil {
		return res, nil
	}
	if errs.Is(errs.NotFound, upstreamErr) {
		return nil, upstreamErr
	}

	logx.Debug(logx.Event{Operation: op + ".fallback", PointerID: pointerID, Err: upstreamErr})
	cached, err := s.Store.GetFolderPointerByPointerID(pointerID)
	if err != nil {
		return nil, errs.E(op, errs.PointerID(pointerID), err)
	}
	if cached == nil || cached.LatestContentID == "" {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.NotFound)
	}
	return &Result{ContentID: cached.LatestContentID, SequenceNumber: cached.SequenceNumber}, nil
}

func (s *Service) fetchAndParse(ctx context.Context, pointerID string) (*Result, error) {
	const op = "relay.fetchAndParse"
	url := s.BaseURL + "/pointer/" + pointerID
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.Fatal, err)
	}
	req.Header.Set("Accept", recordMediaType)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.UpstreamUnavailable, err)
	}
	defer relayhttp.DrainAndClose(resp)
	relayhttp.LogUpstreamStatus(op, resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.NotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.UpstreamUnavailable, errs.Errorf("upstream status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.UpstreamUnavailable, err)
	}

	parsed, err := pointerrecord.Parse(body)
	if err != nil {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.UpstreamUnavailable, err)
	}
	contentID, err := cidgrammar.ExtractContentID(parsed.Value)
	if err != nil {
		return nil, errs.E(op, errs.PointerID(pointerID), errs.UpstreamUnavailable, err)
	}

	r := &Result{ContentID: contentID, SequenceNumber: parsed.Sequence}
	if parsed.Signature != nil && parsed.Data != nil && parsed.PubKey != nil {
		r.Signature = parsed.Signature
		r.Data = parsed.Data
		r.PublicKey = parsed.PubKey
	}
	return r, nil
}
