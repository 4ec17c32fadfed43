package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "")
	t.Setenv("IMBALANCE_THRESHOLD", "")
	t.Setenv("NOTIF_ALMOST_READY_POSITION", "")
	t.Setenv("INSTANCE_ID", "node-a")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "node-a", cfg.InstanceID)
	assert.Equal(t, 15*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 4*time.Hour, cfg.CheckinExpireAfter)
	assert.Equal(t, 24*time.Hour, cfg.CheckinPurgeAfter)
	assert.Equal(t, 3, cfg.ImbalanceThreshold)
	assert.Equal(t, 2, cfg.NotifAlmostReadyPosition)
	assert.InDelta(t, 100, cfg.GeofenceRadiusMeters, 0)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("VERIFY_TIMEOUT_SECONDS", "soon")
	t.Setenv("EVENT_RELAY_ENABLED", "maybe")
	t.Setenv("LOAD_BALANCE_INTERVAL_SECONDS", "45")

	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.VerifyTimeout)
	assert.True(t, cfg.RelayEnabled)
	assert.Equal(t, 45*time.Second, cfg.LoadBalanceInterval)
}
