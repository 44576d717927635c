package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://file::memory:")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Broker.Prefetch)
	assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectDelay)
	assert.Equal(t, 600*time.Second, cfg.Broker.Heartbeat)
	assert.True(t, cfg.Broker.DeadLetter)
	assert.Equal(t, 3, cfg.Carrier.MaxAttempts)
	assert.Equal(t, 19, cfg.Carrier.DLRMask)
	assert.Equal(t, 1440, cfg.Carrier.ValidityMinutes)
	assert.Equal(t, time.Second, cfg.Carrier.ThrottleDelay)
	assert.Equal(t, 60*time.Second, cfg.Carrier.ServerErrorDelay)
	assert.Equal(t, "delivered", cfg.Certificate.GuardStatus)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, "SFTP", cfg.Remote.Type)
	assert.Equal(t, "mandatory", cfg.SMTP.TLSPolicy)
	assert.False(t, cfg.Remote.InsecureHostKey)
	assert.False(t, cfg.SMTP.Enabled())
	assert.False(t, cfg.Remote.Enabled())
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	require.NoError(t, os.Unsetenv("DATABASE_URL"))

	_, err := Load()
	assert.Error(t, err)
}

func TestCarrierConfig_Validate(t *testing.T) {
	ok := CarrierConfig{URL: "http://carrier", DLRURL: "http://me/webhook/dlr", DCS: "auto", MaxAttempts: 3}
	assert.NoError(t, ok.Validate())

	bad := CarrierConfig{DCS: "latin1"}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CARRIER_URL")
	assert.Contains(t, err.Error(), "CARRIER_DCS")
	assert.Contains(t, err.Error(), "CARRIER_MAX_ATTEMPTS")
}

func TestRemoteConfig_Addr(t *testing.T) {
	assert.Equal(t, "files:22", RemoteConfig{Type: "SFTP", Host: "files"}.Addr())
	assert.Equal(t, "files:21", RemoteConfig{Type: "ftp", Host: "files"}.Addr())
	assert.Equal(t, "files:2222", RemoteConfig{Type: "SFTP", Host: "files", Port: 2222}.Addr())
}
