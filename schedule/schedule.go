// Package schedule implements the durable republish scheduler
// (spec.md §4.5): a single cron-driven tick that selects due schedule
// rows, batches them to the TEE signer, and relays successful results
// back through the pointer relay.
//
// The recurring job itself is driven by github.com/robfig/cron/v3, the
// cron library the broader example pack depends on, rather than a
// hand-rolled ticker loop; the durable queue it operates over is
// internal/store's bbolt-backed RepublishSchedule bucket. A tick reads
// the due rows without claiming them: nothing here stops two
// overlapping ticks, or two processes sharing the database, from
// selecting the same rows.
package schedule

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cipherbox/cipherbox/internal/domain"
	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/logx"
	"github.com/cipherbox/cipherbox/internal/store"
	"github.com/cipherbox/cipherbox/internal/teeclient"
	"github.com/cipherbox/cipherbox/relay"
)

// batchSize bounds each TEE-signer batch (spec.md §4.5 step 2).
const batchSize = 50

// republishInterval is how far out next_run_at is pushed after a
// successful republish (spec.md §4.5).
const republishInterval = 6 * time.Hour

// staleThreshold is the consecutive-failure count at which a schedule
// row is marked stale (spec.md §4.5 step 3).
const staleThreshold = 10

// maxBackoff bounds the failure backoff (spec.md §4.5 step 3).
const maxBackoff = time.Hour

// EpochSource supplies the current/previous epoch context a republish
// batch needs (spec.md §4.7).
type EpochSource interface {
	GetEpochState() (*domain.TeeEpochState, error)
}

// Scheduler runs the recurring republish job.
type Scheduler struct {
	Store  *store.Store
	Signer *teeclient.Client
	Relay  *relay.Service
	Epochs EpochSource

	cron       *cron.Cron
	lastTickAt time.Time
}

// New returns a Scheduler. The cron expression is passed to Start and
// is typically "0 */6 * * *".
func New(st *store.Store, signer *teeclient.Client, rel *relay.Service, epochs EpochSource) *Scheduler {
	return &Scheduler{Store: st, Signer: signer, Relay: rel, Epochs: epochs}
}

// Start registers and starts the recurring cron job.
func (s *Scheduler) Start(cronExpr string) error {
	const op = "schedule.Start"
	c := cron.New()
	_, err := c.AddFunc(cronExpr, func() {
		s.Tick(context.Background())
	})
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron job, waiting for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// LastTickAt reports when the last tick started, for the admin health
// surface (spec.md §4.8).
func (s *Scheduler) LastTickAt() time.Time { return s.lastTickAt }

// Tick runs one republish pass: select due rows, batch, post to the
// signer, relay successes, and update per-entry state. A tick always
// runs to completion or rolls back per-entry; it is never cancelled
// mid-flight (spec.md §5).
func (s *Scheduler) Tick(ctx context.Context) {
	const op = "schedule.Tick"
	s.lastTickAt = time.Now()

	due, err := s.Store.ListDueSchedules(s.lastTickAt)
	if err != nil {
		logx.Error(logx.Event{Operation: op, Err: err})
		return
	}
	if len(due) == 0 {
		return
	}

	epochState, err := s.Epochs.GetEpochState()
	if err != nil {
		logx.Error(logx.Event{Operation: op, Err: err})
		return
	}

	for start := 0; start < len(due); start += batchSize {
		end := start + batchSize
		if end > len(due) {
			end = len(due)
		}
		s.processBatch(ctx, due[start:end], epochState)
	}
}

func (s *Scheduler) processBatch(ctx context.Context, batch []domain.RepublishSchedule, epochState *domain.TeeEpochState) {
	const op = "schedule.processBatch"

	entries := make([]teeclient.RepublishEntry, 0, len(batch))
	for _, sc := range batch {
		entries = append(entries, teeclient.RepublishEntry{
			PointerID:         sc.PointerID,
			WrappedSigningKey: sc.WrappedSigningKey,
			KeyEpoch:          sc.KeyEpoch,
			LatestContentID:   sc.LastContentID,
			SequenceNumber:    sc.LastSequenceNumber,
		})
	}

	var current uint32
	var previous *uint32
	if epochState != nil {
		current = epochState.CurrentEpoch
		previous = epochState.PreviousEpoch
	}

	results, err := s.Signer.Republish(ctx, current, previous, entries)
	if err != nil {
		logx.Error(logx.Event{Operation: op, Err: err})
		for _, sc := range batch {
			s.recordFailure(sc)
		}
		return
	}

	byPointer := make(map[string]teeclient.RepublishResult, len(results))
	for _, r := range results {
		byPointer[r.PointerID] = r
	}

	for _, sc := range batch {
		res, ok := byPointer[sc.PointerID]
		if !ok || !res.Success {
			s.recordFailure(sc)
			continue
		}
		s.applySuccess(ctx, sc, res)
	}
}

func (s *Scheduler) applySuccess(ctx context.Context, sc domain.RepublishSchedule, res teeclient.RepublishResult) {
	const op = "schedule.applySuccess"
	if res.SignedRecord == nil || res.NewSequenceNumber == nil {
		s.recordFailure(sc)
		return
	}

	wrappedKey := sc.WrappedSigningKey
	epoch := sc.KeyEpoch
	if res.RewrappedSigningKey != nil && res.RewrappedToEpoch != nil {
		wrappedKey = res.RewrappedSigningKey
		epoch = *res.RewrappedToEpoch
	}

	owner, err := s.Store.GetFolderPointerByPointerID(sc.PointerID)
	if err != nil || owner == nil {
		logx.Error(logx.Event{Operation: op, PointerID: sc.PointerID, Err: err})
		s.recordFailure(sc)
		return
	}

	in := relay.PublishInput{
		UserID:               owner.UserID,
		PointerID:            sc.PointerID,
		RecordBytesB64:       base64.StdEncoding.EncodeToString(res.SignedRecord),
		ReferencedContentID:  sc.LastContentID,
		WrappedSigningKeyHex: hex.EncodeToString(wrappedKey),
		KeyEpoch:             &epoch,
		SignerOriginated:     true,
	}
	if _, err := s.Relay.Publish(ctx, in); err != nil {
		logx.Error(logx.Event{Operation: op, PointerID: sc.PointerID, Err: err})
		s.recordFailure(sc)
		return
	}

	next := sc
	next.Status = domain.ScheduleActive
	next.WrappedSigningKey = wrappedKey
	next.KeyEpoch = epoch
	next.LastSequenceNumber = *res.NewSequenceNumber
	next.LastRunAt = time.Now()
	next.NextRunAt = next.LastRunAt.Add(republishInterval)
	next.ConsecutiveFailures = 0
	if err := s.Store.PutSchedule(next); err != nil {
		logx.Error(logx.Event{Operation: op, PointerID: sc.PointerID, Err: err})
	}
}

func (s *Scheduler) recordFailure(sc domain.RepublishSchedule) {
	const op = "schedule.recordFailure"
	next := sc
	next.ConsecutiveFailures++
	backoff := 30 * time.Second * (1 << uint(next.ConsecutiveFailures))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	next.NextRunAt = time.Now().Add(backoff)
	if next.ConsecutiveFailures >= staleThreshold {
		next.Status = domain.ScheduleStale
	}
	if err := s.Store.PutSchedule(next); err != nil {
		logx.Error(logx.Event{Operation: op, PointerID: sc.PointerID, Err: err})
	}
}

// Reactivate clears a stale schedule row back to active, per spec.md
// §4.5 "Reactivation" (operator action or a periodic self-healing pass).
func (s *Scheduler) Reactivate(pointerID string) error {
	const op = "schedule.Reactivate"
	sc, err := s.Store.GetSchedule(pointerID)
	if err != nil {
		return errs.E(op, errs.PointerID(pointerID), err)
	}
	if sc == nil {
		return errs.E(op, errs.PointerID(pointerID), errs.NotFound)
	}
	sc.Status = domain.ScheduleActive
	sc.NextRunAt = time.Time{}
	sc.ConsecutiveFailures = 0
	return s.Store.PutSchedule(*sc)
}

// ReactivateStale runs the periodic self-healing pass over every stale
// row, per spec.md §4.5.
func (s *Scheduler) ReactivateStale() error {
	const op = "schedule.ReactivateStale"
	stale, err := s.Store.ListStaleSchedules()
	if err != nil {
		return errs.E(op, err)
	}
	for _, sc := range stale {
		if err := s.Reactivate(sc.PointerID); err != nil {
			logx.Error(logx.Event{Operation: op, PointerID: sc.PointerID, Err: err})
		}
	}
	return nil
}
