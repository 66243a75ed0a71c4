package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HistoryBackend selects the transfer-history store implementation.
type HistoryBackend string

const (
	HistoryBackendDuckDB     HistoryBackend = "duckdb"
	HistoryBackendClickHouse HistoryBackend = "clickhouse"
)

// LoggingSettings mirrors logging.Config's yaml shape so Settings can be
// decoded in one pass and handed straight to logging.Initialize.
type LoggingSettings struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Console    bool   `yaml:"console"`
}

// ClickHouseSettings configures the optional history mirror (§11.2).
type ClickHouseSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HistorySettings configures session/file transfer history recording.
type HistorySettings struct {
	Backend    HistoryBackend     `yaml:"backend"`
	DuckDBPath string             `yaml:"duckdb_path"`
	ClickHouse ClickHouseSettings `yaml:"clickhouse"`
}

// Settings is the operational configuration layer (§10.3): everything
// that isn't peer identity/secrets, which stays in addresses.binkp.
type Settings struct {
	Logging       LoggingSettings `yaml:"logging"`
	History       HistorySettings `yaml:"history"`
	ChunkSize     int             `yaml:"chunk_size"`
	SessionDeadline time.Duration `yaml:"session_deadline"`
	FrameDeadline   time.Duration `yaml:"frame_deadline"`
	DedupCachePath  string        `yaml:"dedup_cache_path"`
}

// DefaultSettings returns the settings used when no --config file exists,
// matching §4.F's default 10-minute session deadline and §4.F's
// CHUNK_SIZE of 16384.
func DefaultSettings() Settings {
	return Settings{
		Logging:         LoggingSettings{Level: "info", Console: true},
		History:         HistorySettings{Backend: HistoryBackendDuckDB, DuckDBPath: "binkp-history.duckdb"},
		ChunkSize:       16384,
		SessionDeadline: 10 * time.Minute,
		FrameDeadline:   5 * time.Second,
		DedupCachePath:  "binkp-dedup-cache",
	}
}

// LoadSettings reads a YAML settings file, defaulting any field left
// unset. A missing file is not an error; DefaultSettings() is returned.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return Settings{}, &ConfigError{Path: path, Message: fmt.Sprintf("cannot read: %v", err)}
	}

	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, &ConfigError{Path: path, Message: fmt.Sprintf("invalid yaml: %v", err)}
	}

	if s.ChunkSize <= 0 {
		s.ChunkSize = 16384
	}
	if s.ChunkSize > 0x7FFF {
		s.ChunkSize = 0x7FFF
	}
	if s.SessionDeadline <= 0 {
		s.SessionDeadline = 10 * time.Minute
	}
	if s.FrameDeadline <= 0 {
		s.FrameDeadline = 5 * time.Second
	}
	if s.History.Backend == "" {
		s.History.Backend = HistoryBackendDuckDB
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}

	return s, nil
}

func (s Settings) Validate() error {
	var verrs ValidationErrors
	if s.ChunkSize < 1024 || s.ChunkSize > 0x7FFF {
		verrs.Add(fmt.Errorf("chunk_size %d out of range [1024, 32767]", s.ChunkSize))
	}
	if s.History.Backend != HistoryBackendDuckDB && s.History.Backend != HistoryBackendClickHouse {
		verrs.Add(fmt.Errorf("unknown history backend %q", s.History.Backend))
	}
	if s.History.Backend == HistoryBackendClickHouse && s.History.ClickHouse.Host == "" {
		verrs.Add(fmt.Errorf("history.clickhouse.host is required when backend is clickhouse"))
	}
	if verrs.HasErrors() {
		return &verrs
	}
	return nil
}
