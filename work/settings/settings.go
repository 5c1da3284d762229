package settings

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"

	"xtream-relay/work/logger"
)

// Settings is the XML-persisted provider configuration the hosting media
// server edits through the REST surface. Everything here can change at
// runtime; sessions created after an update pick up the new tuning.
type Settings struct {
	XMLName xml.Name `xml:"RelaySettings" json:"-"`

	// Provider account
	BaseURL  string `xml:"BaseUrl" json:"baseUrl"`
	Username string `xml:"Username" json:"username"`
	Password string `xml:"Password" json:"password"`

	// Stream relay tuning
	BufferSizeMiB      int `xml:"BufferSizeMiB" json:"bufferSizeMiB"`
	ChunkSizeKiB       int `xml:"ChunkSizeKiB" json:"chunkSizeKiB"`
	IdleGraceSeconds   int `xml:"IdleGraceSeconds" json:"idleGraceSeconds"`
	MaxRetries         int `xml:"MaxRetries" json:"maxRetries"`
	RetryDelayMillis   int `xml:"RetryDelayMillis" json:"retryDelayMillis"`
	FirstByteTimeoutMS int `xml:"FirstByteTimeoutMillis" json:"firstByteTimeoutMillis"`

	// Catalog filtering
	LiveIncludeRegex string `xml:"LiveIncludeRegex,omitempty" json:"liveIncludeRegex,omitempty"`
	LiveExcludeRegex string `xml:"LiveExcludeRegex,omitempty" json:"liveExcludeRegex,omitempty"`
	VODIncludeRegex  string `xml:"VodIncludeRegex,omitempty" json:"vodIncludeRegex,omitempty"`
	VODExcludeRegex  string `xml:"VodExcludeRegex,omitempty" json:"vodExcludeRegex,omitempty"`

	// Requests per second against the provider API and stream endpoints
	ProviderRateLimit int `xml:"ProviderRateLimit" json:"providerRateLimit"`
}

// Durations derived from the integer fields.

func (s Settings) IdleGrace() time.Duration {
	return time.Duration(s.IdleGraceSeconds) * time.Second
}

func (s Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMillis) * time.Millisecond
}

func (s Settings) FirstByteTimeout() time.Duration {
	return time.Duration(s.FirstByteTimeoutMS) * time.Millisecond
}

// Default returns the baseline settings used when no file exists yet.
func Default() Settings {
	return Settings{
		BufferSizeMiB:     16,
		ChunkSizeKiB:      32,
		IdleGraceSeconds:  10,
		MaxRetries:        5,
		RetryDelayMillis:  500,
		ProviderRateLimit: 5,
	}
}

// Validate checks a settings candidate before it is persisted: credentials
// are optional (the relay can run unconfigured) but whatever is present must
// be usable.
func (s *Settings) Validate() error {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("baseUrl %q is not a valid http(s) URL", s.BaseURL)
		}
		if strings.HasSuffix(s.BaseURL, "/") {
			s.BaseURL = strings.TrimRight(s.BaseURL, "/")
		}
	}

	for name, expr := range map[string]string{
		"liveIncludeRegex": s.LiveIncludeRegex,
		"liveExcludeRegex": s.LiveExcludeRegex,
		"vodIncludeRegex":  s.VODIncludeRegex,
		"vodExcludeRegex":  s.VODExcludeRegex,
	} {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if s.BufferSizeMiB <= 0 {
		s.BufferSizeMiB = 16
	}
	if s.ChunkSizeKiB <= 0 {
		s.ChunkSizeKiB = 32
	}
	if s.IdleGraceSeconds <= 0 {
		s.IdleGraceSeconds = 10
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 5
	}
	if s.RetryDelayMillis <= 0 {
		s.RetryDelayMillis = 500
	}
	if s.ProviderRateLimit <= 0 {
		s.ProviderRateLimit = 5
	}

	return nil
}

// Configured reports whether provider credentials are present.
func (s Settings) Configured() bool {
	return s.BaseURL != "" && s.Username != "" && s.Password != ""
}

// Manager owns the settings file: it loads it at startup, serves consistent
// copies to readers, and persists updates with an atomic replace so a crash
// mid-save never leaves a truncated file behind.
type Manager struct {
	path string
	mu   sync.RWMutex
	cur  Settings
}

// NewManager loads settings from path, writing defaults when the file does
// not exist yet.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		m.cur = Default()
		if err := m.save(m.cur); err != nil {
			return nil, fmt.Errorf("write default settings: %w", err)
		}
		logger.Info("[SETTINGS] Created default settings at %s", path)
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var s Settings
	if err := xml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings XML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("stored settings invalid: %w", err)
	}
	m.cur = s
	return m, nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update validates, persists and swaps in new settings. The swap happens only
// after the file write succeeds, so the in-memory view never runs ahead of
// disk.
func (m *Manager) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.save(s); err != nil {
		return err
	}
	m.cur = s
	logger.Info("[SETTINGS] Updated settings (provider: %s)", s.BaseURL)
	return nil
}

// save marshals to a temp file in the same directory and renames it over the
// target. Rename is atomic on POSIX filesystems.
func (m *Manager) save(s Settings) error {
	data, err := xml.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	data = append([]byte(xml.Header), data...)

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.xml")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close settings file: %w", err)
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}
