// Package vault implements the vault lifecycle and folder-metadata
// engine (spec.md §4.3): per-user root-secret bootstrap, retrieval, and
// the encrypted folder-metadata blob's encrypt/decrypt round trip.
//
// The folder-metadata envelope follows the same "ciphertext + separate
// IV/tag" shape as the teacher's pack/ee packdata, AEAD-sealed via
// internal/crypto, because the teacher's own block-encryption format is
// exactly this: encrypt once, verify the tag on every read, never leak
// partial plaintext on a bit-flip.
package vault

import (
	"encoding/json"
	"time"

	"github.com/cipherbox/cipherbox/internal/crypto"
	"github.com/cipherbox/cipherbox/internal/domain"
	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/store"
)

// Service implements the vault operations against a persistence store.
type Service struct {
	Store      *store.Store
	QuotaBytes int64
}

// New returns a vault Service backed by st, enforcing quotaBytes per user.
func New(st *store.Store, quotaBytes int64) *Service {
	return &Service{Store: st, QuotaBytes: quotaBytes}
}

// Init creates a user's vault exactly once (spec.md §4.3 "Initialize
// vault"). wrappedRootKey is the ECIES ciphertext of the folder root key
// under the user's public key; rootPointerID is the pointer_id the
// client will publish the root folder metadata under.
func (s *Service) Init(userID string, wrappedRootKey []byte, rootPointerID string) error {
	const op = "vault.Init"
	if len(wrappedRootKey) == 0 {
		return errs.E(op, errs.UserID(userID), errs.InvalidInput, errs.Str("wrapped_root_key required"))
	}
	if rootPointerID == "" {
		return errs.E(op, errs.UserID(userID), errs.InvalidInput, errs.Str("root_pointer_id required"))
	}
	now := time.Now()
	err := s.Store.CreateVault(domain.Vault{
		UserID:         userID,
		WrappedRootKey: wrappedRootKey,
		RootPointerID:  rootPointerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return errs.E(op, errs.UserID(userID), err)
	}
	return nil
}

// Info is the client-facing response to Get.
type Info struct {
	WrappedRootKey      []byte
	RootPointerID       string
	CurrentEpoch        *uint32
	CurrentPublicKey    []byte
	PreviousPublicKey   []byte
}

// Get returns a user's vault plus the currently-dissemination-worthy TEE
// public keys, so the client can wrap new pointer signing keys under
// the right one (spec.md §4.3 "Get vault", §4.7 "Dissemination").
func (s *Service) Get(userID string) (*Info, error) {
	const op = "vault.Get"
	v, err := s.Store.GetVault(userID)
	if err != nil {
		return nil, errs.E(op, errs.UserID(userID), err)
	}
	if v == nil {
		return nil, errs.E(op, errs.UserID(userID), errs.NotFound, errs.Str("vault not initialized"))
	}
	info := &Info{WrappedRootKey: v.WrappedRootKey, RootPointerID: v.RootPointerID}

	epochState, err := s.Store.GetEpochState()
	if err != nil {
		return nil, errs.E(op, errs.UserID(userID), err)
	}
	if epochState != nil {
		e := epochState.CurrentEpoch
		info.CurrentEpoch = &e
		info.CurrentPublicKey = epochState.CurrentPublicKey
		info.PreviousPublicKey = epochState.PreviousPublicKey
	}
	return info, nil
}

// FolderMetadata is the logical schema of an EncryptedFolderMetadata
// blob (spec.md §3), before AEAD sealing.
type FolderMetadata struct {
	Children []ChildEntry `json:"children"`
	Created  time.Time    `json:"created"`
	Modified time.Time    `json:"modified"`
}

// ChildEntry is a tagged union of file and sub-folder entries, matching
// spec.md §3's "children" schema exactly. Exactly one of File or Folder
// is non-nil, selected by Type.
type ChildEntry struct {
	Type   string      `json:"type"` // "file" or "folder"
	File   *FileEntry  `json:"file,omitempty"`
	Folder *FolderEntry `json:"folder,omitempty"`
}

// FileEntry is a file child entry (spec.md §3).
type FileEntry struct {
	NameCiphertext []byte    `json:"name_ciphertext"`
	NameIV         []byte    `json:"name_iv"`
	ContentID      string    `json:"content_id"`
	WrappedFileKey []byte    `json:"wrapped_file_key"`
	FileIV         []byte    `json:"file_iv"`
	Size           int64     `json:"size"`
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
}

// FolderEntry is a sub-folder child entry (spec.md §3).
type FolderEntry struct {
	NameCiphertext             []byte    `json:"name_ciphertext"`
	NameIV                     []byte    `json:"name_iv"`
	ChildPointerID             string    `json:"child_pointer_id"`
	WrappedFolderKey           []byte    `json:"wrapped_folder_key"`
	WrappedChildSigningKeyName []byte    `json:"wrapped_child_signing_key_name"`
	Created                    time.Time `json:"created"`
	Modified                   time.Time `json:"modified"`
}

// sealedEnvelope is the on-the-wire shape of an encrypted folder blob.
type sealedEnvelope struct {
	IV         [crypto.GCMNonceSize]byte `json:"iv"`
	Tag        [crypto.GCMTagSize]byte   `json:"tag"`
	Ciphertext []byte                    `json:"ciphertext"`
}

// EncryptFolderMetadata seals metadata under folderKey (a 32-byte AES
// key), returning the bytes to store at the folder's content ID.
func EncryptFolderMetadata(metadata FolderMetadata, folderKey []byte) ([]byte, error) {
	const op = "vault.EncryptFolderMetadata"
	plain, err := json.Marshal(metadata)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	sealed, err := crypto.AEADEncrypt(plain, folderKey)
	if err != nil {
		return nil, errs.E(op, err)
	}
	env := sealedEnvelope{IV: sealed.IV, Tag: sealed.Tag, Ciphertext: sealed.Ciphertext}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	return out, nil
}

// DecryptFolderMetadata reverses EncryptFolderMetadata. A bit-flip in the
// sealed ciphertext, IV or tag yields errs.AuthFailure (spec.md §4.3); a
// blob that no longer decodes as the JSON envelope yields
// errs.InvalidRecord.
func DecryptFolderMetadata(blob []byte, folderKey []byte) (*FolderMetadata, error) {
	const op = "vault.DecryptFolderMetadata"
	var env sealedEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, errs.E(op, errs.InvalidRecord, err)
	}
	plain, err := crypto.AEADDecrypt(env.Ciphertext, env.IV, env.Tag, folderKey)
	if err != nil {
		return nil, errs.E(op, err)
	}
	var m FolderMetadata
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, errs.E(op, errs.InvalidRecord, err)
	}
	return &m, nil
}

// CheckQuota enforces the per-user byte-count limit pre-upload (spec.md
// §4.3 "Quota"). On success it reserves the bytes against the user's
// usage counter; on failure the counter is left unchanged.
func (s *Service) CheckQuota(userID string, incomingBytes int64) error {
	const op = "vault.CheckQuota"
	current, err := s.Store.QuotaUsage(userID)
	if err != nil {
		return errs.E(op, errs.UserID(userID), err)
	}
	if current+incomingBytes > s.QuotaBytes {
		return errs.E(op, errs.UserID(userID), errs.QuotaExceeded)
	}
	if _, err := s.Store.AddQuotaUsage(userID, incomingBytes); err != nil {
		return errs.E(op, errs.UserID(userID), err)
	}
	return nil
}
