package signer

import (
	"time"

	"github.com/cipherbox/cipherbox/internal/crypto"
	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/logx"
	"github.com/cipherbox/cipherbox/internal/pointerrecord"
)

// recordValidity is the lifetime the signer stamps on every pointer
// record it signs (spec.md §4.5: "Record lifetime stamped by the signer
// is 48 h").
const recordValidity = 48 * time.Hour

// Entry is one unit of republish work (spec.md §4.6 POST /republish).
type Entry struct {
	PointerID         string
	WrappedSigningKey []byte
	KeyEpoch          uint32
	LatestContentID   string
	SequenceNumber    uint64
}

// EntryResult is the per-entry outcome (spec.md §4.6).
type EntryResult struct {
	PointerID           string
	Success             bool
	SignedRecord        []byte
	NewSequenceNumber   *uint64
	RewrappedSigningKey []byte
	RewrappedToEpoch    *uint32
	Error               string
}

// EpochContext carries the current/previous epoch numbers the caller
// (the core server, which owns epoch state) supplies alongside a batch,
// so this stateless worker knows when decrypt-with-fallback applies
// (spec.md §4.6 step 1, §4.7's grace window).
type EpochContext struct {
	CurrentEpoch  uint32
	PreviousEpoch *uint32
}

// Worker processes republish batches against a KeyProvider.
type Worker struct {
	Keys *KeyProvider
}

// NewWorker returns a Worker backed by keys.
func NewWorker(keys *KeyProvider) *Worker {
	return &Worker{Keys: keys}
}

// ProcessBatch runs the per-entry procedure over entries independently;
// one entry's failure never blocks another (spec.md §4.6).
func (w *Worker) ProcessBatch(ctx EpochContext, entries []Entry) []EntryResult {
	results := make([]EntryResult, len(entries))
	for i, e := range entries {
		results[i] = w.processEntry(ctx, e)
	}
	return results
}

func (w *Worker) processEntry(ctx EpochContext, e Entry) EntryResult {
	const op = "signer.processEntry"
	result := EntryResult{PointerID: e.PointerID}

	wrapped, err := crypto.UnmarshalWrappedKey(e.WrappedSigningKey)
	if err != nil {
		result.Error = errs.UserMessage(err)
		logx.Error(logx.Event{Operation: op, PointerID: e.PointerID, Err: err})
		return result
	}

	seed, usedPreviousEpoch, err := w.unwrapWithFallback(ctx, e.KeyEpoch, wrapped)
	if err != nil {
		result.Error = errs.UserMessage(err)
		logx.Error(logx.Event{Operation: op, PointerID: e.PointerID, Err: err})
		return result
	}

	newSeq := e.SequenceNumber + 1
	fields := pointerrecord.Fields{
		Value:        "/content/" + e.LatestContentID,
		Sequence:     newSeq,
		Validity:     time.Now().Add(recordValidity),
		ValidityType: pointerrecord.ValidityTypeEOL,
	}
	signed, signErr := pointerrecord.Sign(seed, fields)
	if signErr != nil {
		crypto.ZeroBytes(seed)
		result.Error = errs.UserMessage(signErr)
		logx.Error(logx.Event{Operation: op, PointerID: e.PointerID, Err: signErr})
		return result
	}

	if usedPreviousEpoch {
		currentPub, pubErr := w.Keys.PublicKey(ctx.CurrentEpoch)
		if pubErr != nil {
			crypto.ZeroBytes(seed)
			result.Error = errs.UserMessage(pubErr)
			logx.Error(logx.Event{Operation: op, PointerID: e.PointerID, Err: pubErr})
			return result
		}
		rewrapped, wrapErr := crypto.Wrap(currentPub, seed)
		crypto.ZeroBytes(seed)
		if wrapErr != nil {
			result.Error = errs.UserMessage(wrapErr)
			logx.Error(logx.Event{Operation: op, PointerID: e.PointerID, Err: wrapErr})
			return result
		}
		result.RewrappedSigningKey = rewrapped.Marshal()
		epoch := ctx.CurrentEpoch
		result.RewrappedToEpoch = &epoch
	} else {
		crypto.ZeroBytes(seed)
	}

	result.Success = true
	result.SignedRecord = signed
	result.NewSequenceNumber = &newSeq
	return result
}

// unwrapWithFallback tries entryEpoch's key first; if unwrap fails and
// entryEpoch is the current epoch with a previous epoch key available,
// it retries once with the previous epoch's key (spec.md §4.6 step 1).
func (w *Worker) unwrapWithFallback(ctx EpochContext, entryEpoch uint32, wrapped *crypto.WrappedKey) (seed []byte, usedPrevious bool, err error) {
	const op = "signer.unwrapWithFallback"

	priv, _, kerr := w.Keys.KeyPair(entryEpoch)
	if kerr != nil {
		return nil, false, errs.E(op, kerr)
	}
	seed, uerr := crypto.Unwrap(priv, wrapped)
	crypto.ZeroBytes(priv)
	if uerr == nil {
		return seed, false, nil
	}

	if entryEpoch != ctx.CurrentEpoch || ctx.PreviousEpoch == nil {
		return nil, false, errs.E(op, errs.AuthFailure)
	}

	prevPriv, _, kerr := w.Keys.KeyPair(*ctx.PreviousEpoch)
	if kerr != nil {
		return nil, false, errs.E(op, kerr)
	}
	seed, uerr = crypto.Unwrap(prevPriv, wrapped)
	crypto.ZeroBytes(prevPriv)
	if uerr != nil {
		return nil, false, errs.E(op, errs.AuthFailure)
	}
	return seed, true, nil
}
