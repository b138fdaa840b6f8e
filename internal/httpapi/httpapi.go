// Package httpapi is the thin JSON/HTTP transport over the vault and
// relay services (spec.md §6). The request/response framing itself is
// explicitly out of scope for CipherBox's core (spec.md §1 names it an
// external collaborator concern); this package is the minimal glue a
// runnable binary needs, not a general-purpose API gateway — routing is
// plain net/http, with no router library, since CipherBox's own surface
// is a handful of fixed routes.
//
// User identity is supplied by an external identity collaborator
// (spec.md §1, treated as a black box); this layer trusts an upstream-
// verified X-User-Id header rather than re-implementing authentication.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"

	"github.com/cipherbox/cipherbox/epoch"
	"github.com/cipherbox/cipherbox/internal/errs"
	"github.com/cipherbox/cipherbox/internal/logx"
	"github.com/cipherbox/cipherbox/internal/store"
	"github.com/cipherbox/cipherbox/internal/teeclient"
	"github.com/cipherbox/cipherbox/relay"
	"github.com/cipherbox/cipherbox/schedule"
	"github.com/cipherbox/cipherbox/vault"
)

// Server wires the vault, relay, epoch, and scheduler services to HTTP
// routes, plus an operator-only admin health endpoint.
type Server struct {
	Vault             *vault.Service
	Relay             *relay.Service
	Epoch             *epoch.Service
	Scheduler         scheduler
	Signer            *teeclient.Client
	Store             *store.Store
	AdminBearerSecret string
}

// scheduler is the minimal surface httpapi needs from schedule.Scheduler.
type scheduler interface {
	LastTickAt() time.Time
}

// New returns an httpapi Server.
func New(v *vault.Service, r *relay.Service, e *epoch.Service, sch *schedule.Scheduler, signer *teeclient.Client, st *store.Store, adminSecret string) *Server {
	srv := &Server{Vault: v, Relay: r, Epoch: e, Signer: signer, Store: st, AdminBearerSecret: adminSecret}
	if sch != nil {
		srv.Scheduler = sch
	}
	return srv
}

// Handler returns the configured http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/vault/init", s.withUser(s.handleVaultInit))
	mux.HandleFunc("GET /v1/vault", s.withUser(s.handleVaultGet))
	mux.HandleFunc("POST /v1/pointers/{pointer_id}/publish", s.withUser(s.handlePublish))
	mux.HandleFunc("GET /v1/pointers/{pointer_id}", s.handleResolve)
	mux.HandleFunc("GET /v1/admin/health", s.withAdmin(s.handleAdminHealth))
	return gziphandler.GzipHandler(mux)
}

func (s *Server) withUser(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("X-User-Id")
		if userID == "" {
			writeError(w, errs.E("httpapi", errs.Unauthenticated))
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(h[len(prefix):]), []byte(s.AdminBearerSecret)) != 1 {
			writeError(w, errs.E("httpapi", errs.Unauthenticated))
			return
		}
		next(w, r)
	}
}

type vaultInitRequest struct {
	WrappedRootKeyHex string `json:"wrapped_root_key"`
	RootPointerID     string `json:"root_pointer_id"`
}

func (s *Server) handleVaultInit(w http.ResponseWriter, r *http.Request, userID string) {
	var req vaultInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.E("httpapi.handleVaultInit", errs.InvalidInput, err))
		return
	}
	wrappedKey, err := hex.DecodeString(req.WrappedRootKeyHex)
	if err != nil {
		writeError(w, errs.E("httpapi.handleVaultInit", errs.InvalidInput, err))
		return
	}
	if err := s.Vault.Init(userID, wrappedKey, req.RootPointerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleVaultGet(w http.ResponseWriter, r *http.Request, userID string) {
	info, err := s.Vault.Get(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"wrapped_root_key": hex.EncodeToString(info.WrappedRootKey),
		"root_pointer_id":  info.RootPointerID,
	}
	if info.CurrentEpoch != nil {
		teeKeys := map[string]interface{}{
			"current_epoch":      *info.CurrentEpoch,
			"current_public_key": hex.EncodeToString(info.CurrentPublicKey),
		}
		if info.PreviousPublicKey != nil {
			teeKeys["previous_public_key"] = hex.EncodeToString(info.PreviousPublicKey)
		}
		resp["tee_keys"] = teeKeys
	}
	writeJSON(w, http.StatusOK, resp)
}

type publishRequest struct {
	Record               string  `json:"record"`
	ReferencedContentID  string  `json:"referenced_content_id"`
	WrappedSigningKeyHex string  `json:"wrapped_signing_key,omitempty"`
	KeyEpoch             *uint32 `json:"key_epoch,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, userID string) {
	pointerID := r.PathValue("pointer_id")
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.E("httpapi.handlePublish", errs.InvalidInput, err))
		return
	}
	seq, err := s.Relay.Publish(r.Context(), relay.PublishInput{
		UserID:               userID,
		PointerID:            pointerID,
		RecordBytesB64:       req.Record,
		ReferencedContentID:  req.ReferencedContentID,
		WrappedSigningKeyHex: req.WrappedSigningKeyHex,
		KeyEpoch:             req.KeyEpoch,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"pointer_id":      pointerID,
		"sequence_number": strconv.FormatUint(seq, 10),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	pointerID := r.PathValue("pointer_id")
	res, err := s.Relay.Resolve(r.Context(), pointerID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"success":         true,
		"content_id":      res.ContentID,
		"sequence_number": strconv.FormatUint(res.SequenceNumber, 10),
	}
	if res.Signature != nil && res.Data != nil && res.PublicKey != nil {
		resp["signature"] = hex.EncodeToString(res.Signature)
		resp["data"] = hex.EncodeToString(res.Data)
		resp["public_key"] = hex.EncodeToString(res.PublicKey)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	pending, failed, stale, err := s.Store.CountSchedulesByStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	epochState, err := s.Store.GetEpochState()
	if err != nil {
		writeError(w, err)
		return
	}
	var currentEpoch uint32
	if epochState != nil {
		currentEpoch = epochState.CurrentEpoch
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	reachable := s.Signer != nil && s.Signer.Health(ctx)

	var lastTick time.Time
	if s.Scheduler != nil {
		lastTick = s.Scheduler.LastTickAt()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending_jobs":     pending,
		"failed_jobs":      failed,
		"stale_jobs":       stale,
		"last_tick_at":     lastTick,
		"current_epoch":    currentEpoch,
		"signer_reachable": reachable,
	})
}

// statusFor maps an error Kind to its HTTP status per spec.md §6.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.Unauthenticated:
		return http.StatusUnauthorized
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.QuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.UpstreamUnavailable, errs.SignerUnavailable:
		return http.StatusBadGateway
	case errs.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	logx.Error(logx.Event{Operation: "httpapi", Err: err})
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   errs.UserMessage(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
