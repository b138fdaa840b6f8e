package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://ipfs.example.internal", cfg.ContentNetworkURL)
	require.Equal(t, ":8443", cfg.ListenAddr)
	require.Equal(t, 4*7*24*time.Hour, cfg.EpochGraceWindow)
	require.Equal(t, int64(5*1024*1024*1024), cfg.QuotaBytes)
}

func TestLoadHonorsEnvironmentOverrides(t *testing.T) {
	t.Setenv("CIPHERBOX_CONTENT_NETWORK_URL", "https://content.test")
	t.Setenv("CIPHERBOX_LISTEN_ADDR", ":9999")
	t.Setenv("CIPHERBOX_QUOTA_BYTES", "1024")
	t.Setenv("CIPHERBOX_EPOCH_GRACE_WINDOW", "72h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://content.test", cfg.ContentNetworkURL)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, int64(1024), cfg.QuotaBytes)
	require.Equal(t, 72*time.Hour, cfg.EpochGraceWindow)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("CIPHERBOX_EPOCH_GRACE_WINDOW", "not-a-duration")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsMalformedQuota(t *testing.T) {
	t.Setenv("CIPHERBOX_QUOTA_BYTES", "not-a-number")
	_, err := Load()
	require.Error(t, err)
}
