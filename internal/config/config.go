// Package config defines CipherBox's environment-driven configuration,
// in the same package-level-vars style as the teacher's flags package,
// but sourced from the environment rather than the command line since
// the server and the TEE signer run as separate, independently deployed
// processes (spec.md §6).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cipherbox/cipherbox/internal/errs"
)

// Config holds every environment-overridable setting for cipherboxd.
type Config struct {
	ContentNetworkURL string
	TEESignerURL      string
	TEEBearerSecret   string
	AdminBearerSecret string
	ListenAddr        string
	DBPath            string
	QueueDBPath       string
	RepublishCron     string
	EpochGraceWindow  time.Duration
	WalletDeriveRate  time.Duration
	QuotaBytes        int64
	LogLevel          string
}

// Load reads the configuration from the environment, applying the
// defaults spec.md §6 and §4.5 name.
func Load() (*Config, error) {
	c := &Config{
		ContentNetworkURL: getenv("CIPHERBOX_CONTENT_NETWORK_URL", "https://ipfs.example.internal"),
		TEESignerURL:      getenv("CIPHERBOX_TEE_SIGNER_URL", "http://127.0.0.1:9090"),
		TEEBearerSecret:   os.Getenv("CIPHERBOX_TEE_BEARER_SECRET"),
		AdminBearerSecret: os.Getenv("CIPHERBOX_ADMIN_BEARER_SECRET"),
		ListenAddr:        getenv("CIPHERBOX_LISTEN_ADDR", ":8443"),
		DBPath:            getenv("CIPHERBOX_DB_PATH", "cipherbox.db"),
		QueueDBPath:       getenv("CIPHERBOX_QUEUE_DB_PATH", "cipherbox-queue.db"),
		RepublishCron:     getenv("CIPHERBOX_REPUBLISH_CRON", "0 */6 * * *"),
		LogLevel:          getenv("CIPHERBOX_LOG_LEVEL", "info"),
	}

	grace, err := parseDuration("CIPHERBOX_EPOCH_GRACE_WINDOW", 4*7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.EpochGraceWindow = grace

	rate, err := parseDuration("CIPHERBOX_WALLET_DERIVE_RATE_WINDOW", 5*time.Second)
	if err != nil {
		return nil, err
	}
	c.WalletDeriveRate = rate

	quota, err := parseInt64("CIPHERBOX_QUOTA_BYTES", 5*1024*1024*1024)
	if err != nil {
		return nil, err
	}
	c.QuotaBytes = quota

	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errs.E("config.Load", errs.InvalidInput, errs.Errorf("%s: %v", key, err))
	}
	return d, nil
}

func parseInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.E("config.Load", errs.InvalidInput, errs.Errorf("%s: %v", key, err))
	}
	return n, nil
}
