package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettingsDefaultsWhenMissing(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.ChunkSize != 16384 {
		t.Errorf("ChunkSize = %d, want 16384", s.ChunkSize)
	}
	if s.SessionDeadline != 10*time.Minute {
		t.Errorf("SessionDeadline = %v, want 10m", s.SessionDeadline)
	}
}

func TestLoadSettingsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
logging:
  level: debug
  console: true
chunk_size: 8192
history:
  backend: duckdb
  duckdb_path: history.duckdb
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", s.Logging.Level)
	}
	if s.ChunkSize != 8192 {
		t.Errorf("ChunkSize = %d, want 8192", s.ChunkSize)
	}
	if s.History.Backend != HistoryBackendDuckDB {
		t.Errorf("History.Backend = %q, want duckdb", s.History.Backend)
	}
}

func TestSettingsValidate(t *testing.T) {
	s := DefaultSettings()
	if err := s.Validate(); err != nil {
		t.Errorf("default settings should validate: %v", err)
	}

	s.ChunkSize = 10
	if err := s.Validate(); err == nil {
		t.Error("expected error for chunk_size below minimum")
	}

	s = DefaultSettings()
	s.History.Backend = HistoryBackendClickHouse
	if err := s.Validate(); err == nil {
		t.Error("expected error for clickhouse backend with no host")
	}
}
