// Package store implements CipherBox's persistence layer (spec.md §6)
// over a single embedded bbolt database: one bucket per table, using
// bbolt's single-writer transaction as the "row-level lock / atomic
// claim" primitive spec.md §5 requires for concurrent publish/
// republish updates and for the scheduler's cron-tick claim.
//
// bbolt is the durable, WAL-backed embedded store the broader example
// pack depends on (hashicorp/nomad pulls it in transitively via
// raft-boltdb); it is a better fit here than the teacher's own GCP/
// datastore-backed persistence, which assumes a cloud environment
// CipherBox's spec does not.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cipherbox/cipherbox/internal/domain"
	"github.com/cipherbox/cipherbox/internal/errs"
)

var (
	bucketUsers           = []byte("users")
	bucketVaults          = []byte("vaults")
	bucketFolderPointers  = []byte("folder_pointers")
	bucketSchedule        = []byte("republish_schedule")
	bucketEpochState      = []byte("tee_epoch_state")
	bucketRotationLog     = []byte("tee_epoch_rotation_log")
	bucketQuotaUsage      = []byte("quota_usage")

	epochStateKey = []byte("singleton")
)

var allBuckets = [][]byte{
	bucketUsers, bucketVaults, bucketFolderPointers,
	bucketSchedule, bucketEpochState, bucketRotationLog,
	bucketQuotaUsage,
}

// Store is a handle to the CipherBox database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and
// ensures every table bucket exists.
func Open(path string) (*Store, error) {
	const op = "store.Open"
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.E(op, errs.Fatal, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func fpKey(userID, pointerID string) []byte {
	return []byte(fmt.Sprintf("%s/%s", userID, pointerID))
}

// CreateUser inserts a new user row. It does not enforce uniqueness
// beyond overwrite-on-conflict, since user creation is owned by the
// external identity collaborator (spec.md §1) and is expected to be
// idempotent from CipherBox's point of view.
func (s *Store) CreateUser(u domain.User) error {
	return s.put(bucketUsers, []byte(u.UserID), u)
}

// GetUser fetches a user row.
func (s *Store) GetUser(userID string) (*domain.User, error) {
	var u domain.User
	ok, err := s.get(bucketUsers, []byte(userID), &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

// CreateVault inserts the vault row for a user, refusing if one already
// exists (spec.md §4.3: "refuses re-initialization").
func (s *Store) CreateVault(v domain.Vault) error {
	const op = "store.CreateVault"
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVaults)
		if existing := b.Get([]byte(v.UserID)); existing != nil {
			return errs.E(op, errs.UserID(v.UserID), errs.InvalidInput, errs.Str("vault already initialized"))
		}
		buf, err := json.Marshal(v)
		if err != nil {
			return errs.E(op, errs.Fatal, err)
		}
		return b.Put([]byte(v.UserID), buf)
	})
}

// GetVault fetches a user's vault row.
func (s *Store) GetVault(userID string) (*domain.Vault, error) {
	var v domain.Vault
	ok, err := s.get(bucketVaults, []byte(userID), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

// GetFolderPointer fetches a folder-pointer row, if any.
func (s *Store) GetFolderPointer(userID, pointerID string) (*domain.FolderPointer, error) {
	var fp domain.FolderPointer
	ok, err := s.get(bucketFolderPointers, fpKey(userID, pointerID), &fp)
	if err != nil || !ok {
		return nil, err
	}
	return &fp, nil
}

// GetFolderPointerByPointerID looks up a folder-pointer row by pointer_id
// alone, ignoring the owning user, for the resolver's cached-tip fallback
// (spec.md §6: "an index on pointer_id for cache lookups"). Implemented
// as a bucket scan; see SPEC_FULL.md §4.9 for why this is acceptable at
// CipherBox's scale.
func (s *Store) GetFolderPointerByPointerID(pointerID string) (*domain.FolderPointer, error) {
	var found *domain.FolderPointer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolderPointers)
		return b.ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			var fp domain.FolderPointer
			if err := json.Unmarshal(v, &fp); err != nil {
				return err
			}
			if fp.PointerID == pointerID {
				cp := fp
				found = &cp
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.E("store.GetFolderPointerByPointerID", errs.Fatal, err)
	}
	return found, nil
}

// UpsertFolderPointerFunc is invoked inside a write transaction with the
// current row (nil if absent) and must return the row to persist. It
// lets callers (the relay's Publish path) implement read-modify-write
// semantics under bbolt's single-writer lock, satisfying spec.md §5's
// ordering guarantee that sequence_number only ever increases.
type UpsertFolderPointerFunc func(current *domain.FolderPointer) (*domain.FolderPointer, error)

// UpsertFolderPointer runs fn under the database's single write
// transaction and persists its result.
func (s *Store) UpsertFolderPointer(userID, pointerID string, fn UpsertFolderPointerFunc) (*domain.FolderPointer, error) {
	const op = "store.UpsertFolderPointer"
	var result *domain.FolderPointer
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFolderPointers)
		key := fpKey(userID, pointerID)
		var current *domain.FolderPointer
		if raw := b.Get(key); raw != nil {
			var fp domain.FolderPointer
			if err := json.Unmarshal(raw, &fp); err != nil {
				return errs.E(op, errs.Fatal, err)
			}
			current = &fp
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		result = next
		buf, err := json.Marshal(next)
		if err != nil {
			return errs.E(op, errs.Fatal, err)
		}
		return b.Put(key, buf)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertFolderPointerAndSchedule runs fpFn and scheduleFn in the same
// write transaction, so an enrolled schedule row never references a
// stale latest_content_id (spec.md §4.5 "Enrollment").
func (s *Store) UpsertFolderPointerAndSchedule(
	userID, pointerID string,
	fpFn UpsertFolderPointerFunc,
	scheduleFn func(fp *domain.FolderPointer, current *domain.RepublishSchedule) (*domain.RepublishSchedule, error),
) (*domain.FolderPointer, *domain.RepublishSchedule, error) {
	const op = "store.UpsertFolderPointerAndSchedule"
	var fpResult *domain.FolderPointer
	var schedResult *domain.RepublishSchedule
	err := s.db.Update(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketFolderPointers)
		key := fpKey(userID, pointerID)
		var current *domain.FolderPointer
		if raw := fb.Get(key); raw != nil {
			var fp domain.FolderPointer
			if err := json.Unmarshal(raw, &fp); err != nil {
				return errs.E(op, errs.Fatal, err)
			}
			current = &fp
		}
		nextFP, err := fpFn(current)
		if err != nil {
			return err
		}
		fpResult = nextFP
		buf, err := json.Marshal(nextFP)
		if err != nil {
			return errs.E(op, errs.Fatal, err)
		}
		if err := fb.Put(key, buf); err != nil {
			return err
		}

		if scheduleFn == nil {
			return nil
		}
		sb := tx.Bucket(bucketSchedule)
		var curSched *domain.RepublishSchedule
		if raw := sb.Get([]byte(pointerID)); raw != nil {
			var sc domain.RepublishSchedule
			if err := json.Unmarshal(raw, &sc); err != nil {
				return errs.E(op, errs.Fatal, err)
			}
			curSched = &sc
		}
		nextSched, err := scheduleFn(nextFP, curSched)
		if err != nil {
			return err
		}
		if nextSched == nil {
			return nil
		}
		schedResult = nextSched
		sbuf, err := json.Marshal(nextSched)
		if err != nil {
			return errs.E(op, errs.Fatal, err)
		}
		return sb.Put([]byte(pointerID), sbuf)
	})
	if err != nil {
		return nil, nil, err
	}
	return fpResult, schedResult, nil
}

// GetSchedule fetches a republish-schedule row.
func (s *Store) GetSchedule(pointerID string) (*domain.RepublishSchedule, error) {
	var sc domain.RepublishSchedule
	ok, err := s.get(bucketSchedule, []byte(pointerID), &sc)
	if err != nil || !ok {
		return nil, err
	}
	return &sc, nil
}

// PutSchedule overwrites a republish-schedule row.
func (s *Store) PutSchedule(sc domain.RepublishSchedule) error {
	return s.put(bucketSchedule, []byte(sc.PointerID), sc)
}

// ListDueSchedules returns active schedule rows with next_run_at <= now,
// per spec.md §4.5 step 1. Implemented as a bucket scan inside a
// read-only transaction; acceptable at CipherBox's pointer-count
// scale (see SPEC_FULL.md §4.9).
func (s *Store) ListDueSchedules(now time.Time) ([]domain.RepublishSchedule, error) {
	var out []domain.RepublishSchedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedule)
		return b.ForEach(func(_, v []byte) error {
			var sc domain.RepublishSchedule
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			if sc.Status == domain.ScheduleActive && !sc.NextRunAt.After(now) {
				out = append(out, sc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.E("store.ListDueSchedules", errs.Fatal, err)
	}
	return out, nil
}

// ListStaleSchedules returns every schedule row currently marked stale,
// for the reactivation self-healing pass (spec.md §4.5 "Reactivation").
func (s *Store) ListStaleSchedules() ([]domain.RepublishSchedule, error) {
	var out []domain.RepublishSchedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedule)
		return b.ForEach(func(_, v []byte) error {
			var sc domain.RepublishSchedule
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			if sc.Status == domain.ScheduleStale {
				out = append(out, sc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errs.E("store.ListStaleSchedules", errs.Fatal, err)
	}
	return out, nil
}

// CountSchedulesByStatus returns the number of schedule rows in each
// status, for the admin health surface (spec.md §4.8).
func (s *Store) CountSchedulesByStatus() (pending, failed, stale int, err error) {
	viewErr := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedule)
		return b.ForEach(func(_, v []byte) error {
			var sc domain.RepublishSchedule
			if err := json.Unmarshal(v, &sc); err != nil {
				return err
			}
			switch sc.Status {
			case domain.ScheduleActive:
				pending++
			case domain.ScheduleFailed:
				failed++
			case domain.ScheduleStale:
				stale++
			}
			return nil
		})
	})
	if viewErr != nil {
		return 0, 0, 0, errs.E("store.CountSchedulesByStatus", errs.Fatal, viewErr)
	}
	return pending, failed, stale, nil
}

// GetEpochState fetches the singleton epoch-state row, if initialized.
func (s *Store) GetEpochState() (*domain.TeeEpochState, error) {
	var st domain.TeeEpochState
	ok, err := s.get(bucketEpochState, epochStateKey, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

// RotateEpochFunc computes the next epoch state from the current one
// (nil if uninitialized) and the rotation log row to append.
type RotateEpochFunc func(current *domain.TeeEpochState) (next *domain.TeeEpochState, logRow *domain.EpochRotationLog, err error)

// RotateEpoch atomically replaces the epoch-state row and appends a
// rotation-log row in one write transaction (spec.md §4.7 "Rotate").
func (s *Store) RotateEpoch(fn RotateEpochFunc) (*domain.TeeEpochState, error) {
	const op = "store.RotateEpoch"
	var result *domain.TeeEpochState
	err := s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEpochState)
		var current *domain.TeeEpochState
		if raw := eb.Get(epochStateKey); raw != nil {
			var st domain.TeeEpochState
			if err := json.Unmarshal(raw, &st); err != nil {
				return errs.E(op, errs.Fatal, err)
			}
			current = &st
		}
		next, logRow, err := fn(current)
		if err != nil {
			return err
		}
		result = next
		buf, err := json.Marshal(next)
		if err != nil {
			return errs.E(op, errs.Fatal, err)
		}
		if err := eb.Put(epochStateKey, buf); err != nil {
			return err
		}
		if logRow == nil {
			return nil
		}
		lb := tx.Bucket(bucketRotationLog)
		lbuf, err := json.Marshal(logRow)
		if err != nil {
			return errs.E(op, errs.Fatal, err)
		}
		return lb.Put([]byte(logRow.ID), lbuf)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListRotationLog returns every rotation-log row in the byte order of
// their IDs. IDs are minted by the caller; for the random UUIDs that
// epoch mints this order is not chronological, and each row's At field
// carries its time.
func (s *Store) ListRotationLog() ([]domain.EpochRotationLog, error) {
	var out []domain.EpochRotationLog
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRotationLog)
		return b.ForEach(func(_, v []byte) error {
			var row domain.EpochRotationLog
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			out = append(out, row)
			return nil
		})
	})
	if err != nil {
		return nil, errs.E("store.ListRotationLog", errs.Fatal, err)
	}
	return out, nil
}

// QuotaUsage returns the current pinned-ciphertext byte count for a user.
func (s *Store) QuotaUsage(userID string) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketQuotaUsage).Get([]byte(userID))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &n)
	})
	if err != nil {
		return 0, errs.E("store.QuotaUsage", errs.Fatal, err)
	}
	return n, nil
}

// AddQuotaUsage atomically adds delta to a user's usage counter and
// returns the new total, used by the vault's pre-upload quota check
// (spec.md §4.3).
func (s *Store) AddQuotaUsage(userID string, delta int64) (int64, error) {
	const op = "store.AddQuotaUsage"
	var total int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotaUsage)
		var n int64
		if raw := b.Get([]byte(userID)); raw != nil {
			if err := json.Unmarshal(raw, &n); err != nil {
				return err
			}
		}
		n += delta
		if n < 0 {
			n = 0
		}
		total = n
		buf, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put([]byte(userID), buf)
	})
	if err != nil {
		return 0, errs.E(op, errs.Fatal, err)
	}
	return total, nil
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	const op = "store.put"
	buf, err := json.Marshal(v)
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, buf)
	})
}

func (s *Store) get(bucket, key []byte, v interface{}) (bool, error) {
	const op = "store.get"
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, v)
	})
	if err != nil {
		return false, errs.E(op, errs.Fatal, err)
	}
	return found, nil
}
