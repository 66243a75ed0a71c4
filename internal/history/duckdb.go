package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/wwiv/binkp/internal/logging"
)

// DuckDBStore is the default transfer history backend: a single
// embedded, file-backed database requiring no external service.
type DuckDBStore struct {
	db *sql.DB
}

// OpenDuckDB opens (creating if needed) the history database at path and
// ensures its schema exists.
func OpenDuckDB(path string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("history: open duckdb %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping duckdb %s: %w", path, err)
	}
	s := &DuckDBStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DuckDBStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			peer_node INTEGER,
			role VARCHAR,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			files_sent INTEGER,
			files_recv INTEGER,
			bytes_sent BIGINT,
			bytes_recv BIGINT,
			outcome VARCHAR
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			peer_node INTEGER,
			direction VARCHAR,
			name VARCHAR,
			size BIGINT,
			crc32 UINTEGER,
			duration_ms BIGINT,
			recorded_at TIMESTAMP
		)`,
	}
	for _, ddl := range schemas {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("history: init schema: %w", err)
		}
	}
	return nil
}

func (s *DuckDBStore) RecordSession(peerNode int, role string, start, end time.Time, filesSent, filesRecv int, bytesSent, bytesRecv int64, outcome string) {
	_, err := s.db.Exec(
		`INSERT INTO sessions (peer_node, role, started_at, ended_at, files_sent, files_recv, bytes_sent, bytes_recv, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		peerNode, role, start, end, filesSent, filesRecv, bytesSent, bytesRecv, outcome)
	if err != nil {
		logging.Warnf("history: record session for node %d: %v", peerNode, err)
	}
}

func (s *DuckDBStore) RecordFile(peerNode int, direction, name string, size int64, crc uint32, duration time.Duration) {
	_, err := s.db.Exec(
		`INSERT INTO files (peer_node, direction, name, size, crc32, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		peerNode, direction, name, size, crc, duration.Milliseconds(), time.Now())
	if err != nil {
		logging.Warnf("history: record file %q for node %d: %v", name, peerNode, err)
	}
}

func (s *DuckDBStore) Close() error { return s.db.Close() }
