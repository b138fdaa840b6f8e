// Package domain defines CipherBox's persisted row types (spec.md §3),
// the server-visible shapes of otherwise opaque, zero-knowledge client
// state.
package domain

import "time"

// ScheduleStatus is the lifecycle state of a RepublishSchedule row.
type ScheduleStatus string

// Schedule statuses (spec.md §3).
const (
	ScheduleActive ScheduleStatus = "active"
	ScheduleFailed ScheduleStatus = "failed"
	ScheduleStale  ScheduleStatus = "stale"
)

// RecordType names the kind of record a pointer refers to; "folder" is
// the only value. Whether a folder pointer is the root is carried by
// FolderPointer.IsRoot.
type RecordType string

const (
	RecordTypeFolder RecordType = "folder"
)

// User is created by the external identity collaborator; CipherBox only
// stores the stable ID, wrapping public key, and derivation version.
type User struct {
	UserID            string `json:"user_id"`
	PublicKey         []byte `json:"public_key"` // 65-byte uncompressed secp256k1
	DerivationVersion int    `json:"derivation_version"`
}

// Vault is the one-per-user root-secret record (spec.md §3).
type Vault struct {
	UserID          string    `json:"user_id"`
	WrappedRootKey  []byte    `json:"wrapped_root_key"`
	RootPointerID   string    `json:"root_pointer_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FolderPointer is a (user_id, pointer_id) row (spec.md §3).
type FolderPointer struct {
	UserID             string     `json:"user_id"`
	PointerID          string     `json:"pointer_id"`
	LatestContentID    string     `json:"latest_content_id"`
	SequenceNumber     uint64     `json:"sequence_number"`
	WrappedSigningKey  []byte     `json:"wrapped_signing_key,omitempty"`
	KeyEpoch           *uint32    `json:"key_epoch,omitempty"`
	IsRoot             bool       `json:"is_root"`
	RecordType         RecordType `json:"record_type"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// RepublishSchedule is the durable republish-queue row (spec.md §3).
type RepublishSchedule struct {
	PointerID            string         `json:"pointer_id"`
	Status               ScheduleStatus `json:"status"`
	WrappedSigningKey     []byte         `json:"wrapped_signing_key"`
	KeyEpoch              uint32         `json:"key_epoch"`
	LastContentID         string         `json:"last_content_id"`
	LastSequenceNumber    uint64         `json:"last_sequence_number"`
	NextRunAt             time.Time      `json:"next_run_at"`
	LastRunAt             time.Time      `json:"last_run_at"`
	ConsecutiveFailures   int            `json:"consecutive_failures"`
}

// TeeEpochState is the singleton epoch-tracking row (spec.md §3).
type TeeEpochState struct {
	CurrentEpoch            uint32    `json:"current_epoch"`
	CurrentPublicKey         []byte    `json:"current_public_key"`
	PreviousEpoch            *uint32   `json:"previous_epoch,omitempty"`
	PreviousPublicKey         []byte    `json:"previous_public_key,omitempty"`
	PreviousDeprecationAt     time.Time `json:"previous_deprecation_at,omitempty"`
}

// EpochRotationLog is an append-only audit row (spec.md §3).
type EpochRotationLog struct {
	ID              string    `json:"id"`
	FromEpoch       uint32    `json:"from_epoch"`
	ToEpoch         uint32    `json:"to_epoch"`
	FromPublicKey   []byte    `json:"from_public_key"`
	ToPublicKey     []byte    `json:"to_public_key"`
	Reason          string    `json:"reason"`
	At              time.Time `json:"at"`
}
