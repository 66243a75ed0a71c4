// Package history records completed sessions and file transfers for
// operational reporting (§11.2). Recording is always best-effort: a
// failure to write a history record must never fail, delay, or retry a
// live session.
package history

import "time"

// Store is what binkp.Session needs of a transfer history sink;
// binkp.HistoryRecorder is satisfied by any Store.
type Store interface {
	RecordSession(peerNode int, role string, start, end time.Time, filesSent, filesRecv int, bytesSent, bytesRecv int64, outcome string)
	RecordFile(peerNode int, direction, name string, size int64, crc uint32, duration time.Duration)
	Close() error
}
