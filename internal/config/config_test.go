// Package config tests.
package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":8090", cfg.APIListenAddr)
	assert.Equal(t, 3, cfg.MaxFixAttempts)
	assert.Equal(t, 4000, cfg.MaxRequirementLen)
	assert.Equal(t, 30*time.Minute, cfg.CheckpointTimeout)
	assert.False(t, cfg.SlackEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("MAX_FIX_ATTEMPTS", "5")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 5, cfg.MaxFixAttempts)
	assert.True(t, cfg.SlackEnabled())
}

func TestNotifyChannelList(t *testing.T) {
	cfg := &Config{NotifyChannels: "log, slack ,"}
	assert.Equal(t, []string{"log", "slack"}, cfg.NotifyChannelList())

	cfg = &Config{NotifyChannels: ""}
	assert.Empty(t, cfg.NotifyChannelList())
}

func TestCheckpoints(t *testing.T) {
	cfg := &Config{
		PlanCheckpointMode:     "required",
		DeliveryCheckpointMode: "auto",
		CheckpointTimeout:      time.Minute,
	}
	cps := cfg.Checkpoints()
	assert.Equal(t, "required", cps["plan"].Mode)
	assert.Equal(t, time.Minute, cps["plan"].Timeout)
	assert.Equal(t, "auto", cps["design"].Mode)
	assert.Equal(t, "auto", cps["development"].Mode)
	assert.Equal(t, "auto", cps["delivery"].Mode)
}
