// Package epoch implements TEE signer epoch-state tracking and rotation
// (spec.md §4.7): a singleton current/previous key pair with a 4-week
// grace window after rotation, backed by internal/store's single
// transactional epoch-state + rotation-log update.
package epoch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cipherbox/cipherbox/internal/domain"
	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/store"
)

// GraceWindow is how long a previous epoch's key remains usable for
// decrypt-with-fallback after a rotation (spec.md §4.7).
const GraceWindow = 4 * 7 * 24 * time.Hour

// PublicKeyFetcher queries the TEE signer worker for an epoch's public
// key (spec.md §4.6 GET /public-key?epoch=n).
type PublicKeyFetcher interface {
	PublicKey(ctx context.Context, epoch uint32) ([]byte, error)
}

// Service implements Initialize and Rotate against a persistence store
// and the TEE signer's public-key endpoint.
type Service struct {
	Store  *store.Store
	Signer PublicKeyFetcher
}

// New returns an epoch Service.
func New(st *store.Store, signer PublicKeyFetcher) *Service {
	return &Service{Store: st, Signer: signer}
}

// Initialize sets up epoch 1 on first boot if the epoch-state table is
// empty (spec.md §4.7 "Initialize").
func (s *Service) Initialize(ctx context.Context) (*domain.TeeEpochState, error) {
	const op = "epoch.Initialize"
	existing, err := s.Store.GetEpochState()
	if err != nil {
		return nil, errs.E(op, err)
	}
	if existing != nil {
		return existing, nil
	}
	pub, err := s.Signer.PublicKey(ctx, 1)
	if err != nil {
		return nil, errs.E(op, errs.SignerUnavailable, err)
	}
	result, err := s.Store.RotateEpoch(func(current *domain.TeeEpochState) (*domain.TeeEpochState, *domain.EpochRotationLog, error) {
		if current != nil {
			return current, nil, nil
		}
		next := &domain.TeeEpochState{CurrentEpoch: 1, CurrentPublicKey: pub}
		log := &domain.EpochRotationLog{
			ID:          uuid.NewString(),
			FromEpoch:   0,
			ToEpoch:     1,
			ToPublicKey: pub,
			Reason:      "initial boot",
			At:          time.Now(),
		}
		return next, log, nil
	})
	if err != nil {
		return nil, errs.E(op, err)
	}
	return result, nil
}

// Rotate atomically advances the current epoch, demoting the prior
// current epoch to previous with a deprecation deadline GraceWindow out
// (spec.md §4.7 "Rotate").
func (s *Service) Rotate(ctx context.Context, reason string) (*domain.TeeEpochState, error) {
	const op = "epoch.Rotate"
	current, err := s.Store.GetEpochState()
	if err != nil {
		return nil, errs.E(op, err)
	}
	if current == nil {
		return s.Initialize(ctx)
	}
	newEpoch := current.CurrentEpoch + 1
	pub, err := s.Signer.PublicKey(ctx, newEpoch)
	if err != nil {
		return nil, errs.E(op, errs.SignerUnavailable, err)
	}

	result, err := s.Store.RotateEpoch(func(cur *domain.TeeEpochState) (*domain.TeeEpochState, *domain.EpochRotationLog, error) {
		if cur == nil {
			return nil, nil, errs.E(op, errs.Fatal, errs.Str("epoch state disappeared mid-rotation"))
		}
		prevEpoch := cur.CurrentEpoch
		prevPub := cur.CurrentPublicKey
		next := &domain.TeeEpochState{
			CurrentEpoch:          newEpoch,
			CurrentPublicKey:      pub,
			PreviousEpoch:         &prevEpoch,
			PreviousPublicKey:     prevPub,
			PreviousDeprecationAt: time.Now().Add(GraceWindow),
		}
		log := &domain.EpochRotationLog{
			ID:            uuid.NewString(),
			FromEpoch:     prevEpoch,
			ToEpoch:       newEpoch,
			FromPublicKey: prevPub,
			ToPublicKey:   pub,
			Reason:        reason,
			At:            time.Now(),
		}
		return next, log, nil
	})
	if err != nil {
		return nil, errs.E(op, err)
	}
	return result, nil
}

// InGraceWindow reports whether epoch is the state's previous epoch and
// still within its deprecation grace window at now.
func InGraceWindow(state *domain.TeeEpochState, epoch uint32, now time.Time) bool {
	if state == nil || state.PreviousEpoch == nil || *state.PreviousEpoch != epoch {
		return false
	}
	return now.Before(state.PreviousDeprecationAt)
}
