package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/wwiv/binkp/internal/config"
	"github.com/wwiv/binkp/internal/logging"
)

// ClickHouseStore mirrors transfer history into a ClickHouse cluster for
// fleets of binkpd instances reporting into one place (§11.2); it is an
// alternative to DuckDBStore, not a supplement — Settings.History.Backend
// picks exactly one.
type ClickHouseStore struct {
	db *sql.DB
}

// OpenClickHouse connects using the given settings and ensures the schema
// exists.
func OpenClickHouse(cfg config.ClickHouseSettings) (*ClickHouseStore, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: ping clickhouse %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	s := &ClickHouseStore{db: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseStore) initSchema() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS binkp_sessions (
			peer_node Int32,
			role String,
			started_at DateTime,
			ended_at DateTime,
			files_sent Int32,
			files_recv Int32,
			bytes_sent Int64,
			bytes_recv Int64,
			outcome String
		) ENGINE = MergeTree() ORDER BY (peer_node, started_at)`,
		`CREATE TABLE IF NOT EXISTS binkp_files (
			peer_node Int32,
			direction String,
			name String,
			size Int64,
			crc32 UInt32,
			duration_ms Int64,
			recorded_at DateTime
		) ENGINE = MergeTree() ORDER BY (peer_node, recorded_at)`,
	}
	for _, ddl := range schemas {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("history: init clickhouse schema: %w", err)
		}
	}
	return nil
}

func (s *ClickHouseStore) RecordSession(peerNode int, role string, start, end time.Time, filesSent, filesRecv int, bytesSent, bytesRecv int64, outcome string) {
	_, err := s.db.Exec(
		`INSERT INTO binkp_sessions (peer_node, role, started_at, ended_at, files_sent, files_recv, bytes_sent, bytes_recv, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		peerNode, role, start, end, filesSent, filesRecv, bytesSent, bytesRecv, outcome)
	if err != nil {
		logging.Warnf("history: record clickhouse session for node %d: %v", peerNode, err)
	}
}

func (s *ClickHouseStore) RecordFile(peerNode int, direction, name string, size int64, crc uint32, duration time.Duration) {
	_, err := s.db.Exec(
		`INSERT INTO binkp_files (peer_node, direction, name, size, crc32, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		peerNode, direction, name, size, crc, duration.Milliseconds(), time.Now())
	if err != nil {
		logging.Warnf("history: record clickhouse file %q for node %d: %v", name, peerNode, err)
	}
}

func (s *ClickHouseStore) Close() error { return s.db.Close() }
