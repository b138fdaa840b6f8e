// Command cipherbox-tee runs the TEE signer worker (spec.md §4.6) as its
// own process: a stateless HTTP service that derives per-epoch signing
// keys and republishes pointer records on behalf of cipherboxd, holding
// no durable storage of its own.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/cipherbox/cipherbox/internal/logx"
	"github.com/cipherbox/cipherbox/internal/shutdown"
	"github.com/cipherbox/cipherbox/signer"
)

func main() {
	logLevel := getenvDefault("CIPHERBOX_TEE_LOG_LEVEL", "info")
	if err := logx.SetLevel(logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "cipherbox-tee: log level:", err)
		os.Exit(1)
	}

	bearerSecret := os.Getenv("CIPHERBOX_TEE_BEARER_SECRET")
	if bearerSecret == "" {
		fmt.Fprintln(os.Stderr, "cipherbox-tee: CIPHERBOX_TEE_BEARER_SECRET is required")
		os.Exit(1)
	}

	mode := signer.Mode(getenvDefault("CIPHERBOX_TEE_MODE", string(signer.ModeSimulator)))
	keys, err := newKeyProvider(mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cipherbox-tee:", err)
		os.Exit(1)
	}

	worker := signer.NewWorker(keys)
	server := signer.NewServer(worker, bearerSecret, mode)

	addr := getenvDefault("CIPHERBOX_TEE_LISTEN_ADDR", "127.0.0.1:9090")
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}
	var seq shutdown.Sequence
	seq.Listener(httpServer.Shutdown)
	seq.ListenForSignals()

	logx.Info(logx.Event{Operation: "cipherbox-tee.main"})
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Error(logx.Event{Operation: "cipherbox-tee.main", Err: err})
		os.Exit(1)
	}
}

func newKeyProvider(mode signer.Mode) (*signer.KeyProvider, error) {
	switch mode {
	case signer.ModeSimulator:
		seedHex := getenvDefault("CIPHERBOX_TEE_DEV_SEED", "")
		if seedHex == "" {
			return signer.NewSimulator([]byte("cipherbox-simulator-dev-seed")), nil
		}
		seed, err := hex.DecodeString(seedHex)
		if err != nil {
			return nil, fmt.Errorf("CIPHERBOX_TEE_DEV_SEED is not valid hex: %w", err)
		}
		return signer.NewSimulator(seed), nil
	case signer.ModeAttested:
		rootHex := os.Getenv("CIPHERBOX_TEE_ATTESTED_ROOT")
		if rootHex == "" {
			return nil, fmt.Errorf("CIPHERBOX_TEE_ATTESTED_ROOT is required in attested mode")
		}
		root, err := hex.DecodeString(rootHex)
		if err != nil {
			return nil, fmt.Errorf("CIPHERBOX_TEE_ATTESTED_ROOT is not valid hex: %w", err)
		}
		return signer.NewAttested(root), nil
	default:
		return nil, fmt.Errorf("unknown CIPHERBOX_TEE_MODE %q", mode)
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
