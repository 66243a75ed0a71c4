package history

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDuckDBStoreRecordsSessionAndFile(t *testing.T) {
	store, err := OpenDuckDB(filepath.Join(t.TempDir(), "history.duckdb"))
	if err != nil {
		t.Fatalf("OpenDuckDB: %v", err)
	}
	defer store.Close()

	start := time.Now().Add(-time.Second)
	end := time.Now()
	store.RecordSession(42, "originator", start, end, 1, 0, 1024, 0, "done")
	store.RecordFile(42, "send", "report.txt", 1024, 0xDEADBEEF, 50*time.Millisecond)

	var sessionCount int
	if err := store.db.QueryRow(`SELECT count(*) FROM sessions WHERE peer_node = 42`).Scan(&sessionCount); err != nil {
		t.Fatalf("query sessions: %v", err)
	}
	if sessionCount != 1 {
		t.Errorf("sessionCount = %d, want 1", sessionCount)
	}

	var fileCount int
	if err := store.db.QueryRow(`SELECT count(*) FROM files WHERE name = 'report.txt'`).Scan(&fileCount); err != nil {
		t.Fatalf("query files: %v", err)
	}
	if fileCount != 1 {
		t.Errorf("fileCount = %d, want 1", fileCount)
	}
}
