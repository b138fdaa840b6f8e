package signer

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cipherbox/cipherbox/internal/logx"
)

// Server exposes the TEE signer's HTTP surface (spec.md §4.6): /health,
// /public-key, /republish. /public-key and /republish are gated by a
// constant-time bearer-secret check; /health is served without that
// check. It is built on net/http's ServeMux directly — no router library
// in the example pack covers this narrow, loopback-only surface better
// than the stdlib's method-pattern routing.
type Server struct {
	Worker       *Worker
	BearerSecret string
	Mode         Mode
	started      time.Time
}

// NewServer returns a Server. started is recorded at construction for
// the /health uptime field.
func NewServer(worker *Worker, bearerSecret string, mode Mode) *Server {
	return &Server{Worker: worker, BearerSecret: bearerSecret, Mode: mode, started: time.Now()}
}

// Handler returns the configured http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /public-key", s.auth(s.handlePublicKey))
	mux.HandleFunc("POST /republish", s.auth(s.handleRepublish))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		h := r.Header.Get("Authorization")
		if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token := h[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.BearerSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Mode:   string(s.Mode),
		Uptime: time.Since(s.started).String(),
	})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	epochStr := r.URL.Query().Get("epoch")
	epoch, err := strconv.ParseUint(epochStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid epoch", http.StatusBadRequest)
		return
	}
	pub, err := s.Worker.Keys.PublicKey(uint32(epoch))
	if err != nil {
		logx.Error(logx.Event{Operation: "signer.handlePublicKey", Err: err})
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(pub)
}

type republishEntryWire struct {
	PointerID         string `json:"pointer_id"`
	WrappedSigningKey string `json:"wrapped_signing_key"` // hex
	KeyEpoch          uint32 `json:"key_epoch"`
	LatestContentID   string `json:"latest_content_id"`
	SequenceNumber    uint64 `json:"sequence_number"`
}

type republishRequest struct {
	Entries       []republishEntryWire `json:"entries"`
	CurrentEpoch  uint32               `json:"current_epoch"`
	PreviousEpoch *uint32              `json:"previous_epoch,omitempty"`
}

type republishResultWire struct {
	PointerID           string  `json:"pointer_id"`
	Success             bool    `json:"success"`
	SignedRecord        string  `json:"signed_record,omitempty"` // base64
	NewSequenceNumber   *uint64 `json:"new_sequence_number,omitempty"`
	RewrappedSigningKey string  `json:"rewrapped_signing_key,omitempty"` // hex
	RewrappedToEpoch    *uint32 `json:"rewrapped_to_epoch,omitempty"`
	Error               string  `json:"error,omitempty"`
}

type republishResponse struct {
	Results []republishResultWire `json:"results"`
}

func (s *Server) handleRepublish(w http.ResponseWriter, r *http.Request) {
	var req republishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	entries := make([]Entry, 0, len(req.Entries))
	skipped := make(map[int]string)
	for i, ew := range req.Entries {
		wrappedKey, err := hex.DecodeString(ew.WrappedSigningKey)
		if err != nil {
			skipped[i] = "wrapped_signing_key is not valid hex"
			continue
		}
		entries = append(entries, Entry{
			PointerID:         ew.PointerID,
			WrappedSigningKey: wrappedKey,
			KeyEpoch:          ew.KeyEpoch,
			LatestContentID:   ew.LatestContentID,
			SequenceNumber:    ew.SequenceNumber,
		})
	}

	epochCtx := EpochContext{CurrentEpoch: req.CurrentEpoch, PreviousEpoch: req.PreviousEpoch}
	results := s.Worker.ProcessBatch(epochCtx, entries)

	out := make([]republishResultWire, 0, len(req.Entries))
	ri := 0
	for i, ew := range req.Entries {
		if reason, ok := skipped[i]; ok {
			out = append(out, republishResultWire{PointerID: ew.PointerID, Success: false, Error: reason})
			continue
		}
		res := results[ri]
		ri++
		wire := republishResultWire{
			PointerID:         res.PointerID,
			Success:           res.Success,
			NewSequenceNumber: res.NewSequenceNumber,
			RewrappedToEpoch:  res.RewrappedToEpoch,
			Error:             res.Error,
		}
		if res.SignedRecord != nil {
			wire.SignedRecord = base64.StdEncoding.EncodeToString(res.SignedRecord)
		}
		if res.RewrappedSigningKey != nil {
			wire.RewrappedSigningKey = hex.EncodeToString(res.RewrappedSigningKey)
		}
		out = append(out, wire)
	}
	writeJSON(w, http.StatusOK, republishResponse{Results: out})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
