// Command cipherboxd runs the CipherBox core server: the vault engine,
// pointer relay/resolver, epoch tracking, and republish scheduler,
// fronted by the thin HTTP transport in internal/httpapi.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/cipherbox/cipherbox/epoch"
	"github.com/cipherbox/cipherbox/internal/config"
	"github.com/cipherbox/cipherbox/internal/httpapi"
	"github.com/cipherbox/cipherbox/internal/logx"
	"github.com/cipherbox/cipherbox/internal/rategate"
	"github.com/cipherbox/cipherbox/internal/shutdown"
	"github.com/cipherbox/cipherbox/internal/store"
	"github.com/cipherbox/cipherbox/internal/teeclient"
	"github.com/cipherbox/cipherbox/relay"
	"github.com/cipherbox/cipherbox/schedule"
	"github.com/cipherbox/cipherbox/vault"
)

const (
	networkTimeout   = 30 * time.Second
	publishRateEvery = time.Minute
	publishRateCount = 10
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cipherboxd: config:", err)
		os.Exit(1)
	}
	if err := logx.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "cipherboxd: log level:", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logx.Error(logx.Event{Operation: "cipherboxd.main", Err: err})
		os.Exit(1)
	}

	var seq shutdown.Sequence
	seq.Store(st.Close)

	signerClient := teeclient.New(cfg.TEESignerURL, cfg.TEEBearerSecret, networkTimeout)
	publishLimiter := rategate.NewPerKeyLimiter(publishRateCount, publishRateEvery, publishRateCount)

	vaultSvc := vault.New(st, cfg.QuotaBytes)
	relaySvc := relay.New(st, cfg.ContentNetworkURL, networkTimeout, publishLimiter)
	epochSvc := epoch.New(st, signerClient)
	sched := schedule.New(st, signerClient, relaySvc, st)

	if _, err := epochSvc.Initialize(context.Background()); err != nil {
		logx.Error(logx.Event{Operation: "cipherboxd.main", Err: err})
	}
	if err := sched.Start(cfg.RepublishCron); err != nil {
		logx.Error(logx.Event{Operation: "cipherboxd.main", Err: err})
		os.Exit(1)
	}
	seq.Scheduler(sched.Stop)

	server := httpapi.New(vaultSvc, relaySvc, epochSvc, sched, signerClient, st, cfg.AdminBearerSecret)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}
	seq.Listener(httpServer.Shutdown)
	seq.ListenForSignals()

	logx.Info(logx.Event{Operation: "cipherboxd.main"})
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Error(logx.Event{Operation: "cipherboxd.main", Err: err})
		os.Exit(1)
	}
}
