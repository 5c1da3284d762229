package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds the host-level configuration for the relay server: where it
// listens, where the provider settings and catalog snapshot live on disk, and
// operational tuning that is not editable at runtime. Provider credentials and
// stream tuning are deliberately not here; those are XML-backed settings
// managed by work/settings so the hosting media server can edit them through
// the REST surface.
type Config struct {
	BaseURL             string        `json:"baseURL"`             // Base URL advertised in generated links
	ListenAddr          string        `json:"listenAddr"`          // Address the HTTP server binds to
	SettingsPath        string        `json:"settingsPath"`        // Path to the XML provider settings file
	DatabasePath        string        `json:"databasePath"`        // Path to the SQLite catalog snapshot
	LogLevel            string        `json:"logLevel"`            // Minimum log level (DEBUG/INFO/WARN/ERROR)
	Debug               bool          `json:"debug"`               // Enable verbose debug logging
	ObfuscateUrls       bool          `json:"obfuscateUrls"`       // Obfuscate provider URLs in logs
	WorkerThreads       int           `json:"workerThreads"`       // Worker pool size for catalog refresh tasks
	MaxConnectionsToApp int           `json:"maxConnectionsToApp"` // Maximum concurrent streaming clients
	CatalogRefresh      time.Duration `json:"catalogRefresh"`      // Interval between catalog refresh cycles
	EPGCacheDuration    time.Duration `json:"epgCacheDuration"`    // TTL for cached programme guide entries
	UserAgent           string        `json:"userAgent"`           // User-Agent sent to the provider
	ReqOrigin           string        `json:"reqOrigin"`           // Optional Origin header for provider requests
	ReqReferrer         string        `json:"reqReferrer"`         // Optional Referer header for provider requests
}

// ConfigFile mirrors Config for JSON unmarshaling. Duration fields are kept
// as strings (e.g. "30m") and parsed into time.Duration values.
type ConfigFile struct {
	BaseURL             string `json:"baseURL"`
	ListenAddr          string `json:"listenAddr"`
	SettingsPath        string `json:"settingsPath"`
	DatabasePath        string `json:"databasePath"`
	LogLevel            string `json:"logLevel"`
	Debug               bool   `json:"debug"`
	ObfuscateUrls       bool   `json:"obfuscateUrls"`
	WorkerThreads       int    `json:"workerThreads"`
	MaxConnectionsToApp int    `json:"maxConnectionsToApp"`
	CatalogRefresh      string `json:"catalogRefresh"`   // Duration string (e.g. "12h")
	EPGCacheDuration    string `json:"epgCacheDuration"` // Duration string (e.g. "30m")
	UserAgent           string `json:"userAgent"`
	ReqOrigin           string `json:"reqOrigin"`
	ReqReferrer         string `json:"reqReferrer"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultPath is where LoadConfig looks when no explicit path is given.
const DefaultPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from DefaultPath.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	config, err := loadFromFile(DefaultPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", DefaultPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config

	return config
}

// ClearConfigCache resets the cached config, forcing a reload on the next
// LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings
// into time.Duration values.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		BaseURL:             cf.BaseURL,
		ListenAddr:          cf.ListenAddr,
		SettingsPath:        cf.SettingsPath,
		DatabasePath:        cf.DatabasePath,
		LogLevel:            cf.LogLevel,
		Debug:               cf.Debug,
		ObfuscateUrls:       cf.ObfuscateUrls,
		WorkerThreads:       cf.WorkerThreads,
		MaxConnectionsToApp: cf.MaxConnectionsToApp,
		UserAgent:           cf.UserAgent,
		ReqOrigin:           cf.ReqOrigin,
		ReqReferrer:         cf.ReqReferrer,
	}

	var err error
	if cf.CatalogRefresh != "" {
		if config.CatalogRefresh, err = time.ParseDuration(cf.CatalogRefresh); err != nil {
			return nil, fmt.Errorf("invalid catalogRefresh: %w", err)
		}
	}
	if cf.EPGCacheDuration != "" {
		if config.EPGCacheDuration, err = time.ParseDuration(cf.EPGCacheDuration); err != nil {
			return nil, fmt.Errorf("invalid epgCacheDuration: %w", err)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults
// when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:             "http://localhost:8080",
		ListenAddr:          ":8080",
		SettingsPath:        "/settings/provider.xml",
		DatabasePath:        "/settings/catalog.db",
		LogLevel:            "INFO",
		Debug:               false,
		ObfuscateUrls:       false,
		WorkerThreads:       8,
		MaxConnectionsToApp: 100,
		CatalogRefresh:      12 * time.Hour,
		EPGCacheDuration:    30 * time.Minute,
		UserAgent:           "VLC/3.0.18 LibVLC/3.0.18",
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.SettingsPath == "" {
		config.SettingsPath = "/settings/provider.xml"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/settings/catalog.db"
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.MaxConnectionsToApp <= 0 {
		config.MaxConnectionsToApp = 100
	}
	if config.CatalogRefresh <= 0 {
		config.CatalogRefresh = 12 * time.Hour
	}
	if config.EPGCacheDuration <= 0 {
		config.EPGCacheDuration = 30 * time.Minute
	}
	if config.UserAgent == "" {
		config.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
}
