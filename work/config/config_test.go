package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertFromFileParsesDurations(t *testing.T) {
	cf := &ConfigFile{
		BaseURL:          "http://relay.local:8080",
		ListenAddr:       ":8080",
		CatalogRefresh:   "30m",
		EPGCacheDuration: "15m",
	}

	cfg, err := convertFromFile(cf)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.CatalogRefresh)
	assert.Equal(t, 15*time.Minute, cfg.EPGCacheDuration)
	assert.Equal(t, "http://relay.local:8080", cfg.BaseURL)
}

func TestConvertFromFileRejectsBadDuration(t *testing.T) {
	_, err := convertFromFile(&ConfigFile{CatalogRefresh: "sometimes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalogRefresh")
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := &Config{}
	validateAndSetDefaults(cfg)

	assert.NotEmpty(t, cfg.ListenAddr)
	assert.NotEmpty(t, cfg.BaseURL)
	assert.NotEmpty(t, cfg.SettingsPath)
	assert.NotEmpty(t, cfg.DatabasePath)
	assert.Greater(t, cfg.WorkerThreads, 0)
	assert.Greater(t, cfg.MaxConnectionsToApp, 0)
	assert.Greater(t, cfg.CatalogRefresh, time.Duration(0))
	assert.Greater(t, cfg.EPGCacheDuration, time.Duration(0))
	assert.NotEmpty(t, cfg.UserAgent)
}

func TestClearConfigCacheForcesReload(t *testing.T) {
	first := LoadConfig()
	assert.Same(t, first, LoadConfig())

	ClearConfigCache()
	second := LoadConfig()
	assert.NotSame(t, first, second)
}
