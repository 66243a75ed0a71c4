// Package filecache provides a persistent, TTL-based cache of previously
// received files, so a peer that resends a file after an aborted session
// isn't rewritten to disk a second time (§11.1).
package filecache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/wwiv/binkp/internal/logging"
)

// defaultTTL bounds how long a dedup entry is remembered; long enough to
// cover a retried session within the same day, short enough that the
// cache doesn't grow unbounded across a long-lived spool.
const defaultTTL = 72 * time.Hour

// Cache is a badger-backed implementation of binkp.DedupChecker.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// record is what gets stored per key; size/mtime/crc let a lookup that
// only approximately matches (e.g. same name, different size) correctly
// report a miss instead of a false hit.
type record struct {
	Size  int64     `json:"size"`
	Mtime int64     `json:"mtime"`
	CRC   uint32     `json:"crc"`
	Seen  time.Time `json:"seen"`
}

// Open opens (creating if necessary) a badger cache rooted at path. If
// badger cannot open the directory (permissions, corruption, disk full),
// Open returns an error and the caller should fall back to running
// without a dedup cache rather than fail the whole daemon over it.
func Open(path string) (*Cache, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("filecache: open %s: %w", path, err)
	}
	c := &Cache{db: db, ttl: defaultTTL}
	go c.runGC()
	return c, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func key(peerNode int, name string) []byte {
	return []byte(fmt.Sprintf("%d/%s", peerNode, name))
}

// Seen implements binkp.DedupChecker: true only if the exact (peer, name,
// size, mtime) tuple was previously Remembered and hasn't expired. A crc
// of 0 on either side (announcements may omit it) is not compared.
func (c *Cache) Seen(peerNode int, name string, size, mtime int64, crc uint32) bool {
	var rec record
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(peerNode, name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return false
	}
	if rec.Size != size || rec.Mtime != mtime {
		return false
	}
	if rec.CRC != 0 && crc != 0 && rec.CRC != crc {
		return false
	}
	return true
}

// Remember records that (peerNode, name, size, mtime, crc) was committed.
func (c *Cache) Remember(peerNode int, name string, size, mtime int64, crc uint32) {
	rec := record{Size: size, Mtime: mtime, CRC: crc, Seen: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		logging.Warnf("filecache: marshal record for %q: %v", name, err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(peerNode, name), data).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		logging.Warnf("filecache: remember %q: %v", name, err)
	}
}

func (c *Cache) runGC() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		c.db.RunValueLogGC(0.5)
	}
}
