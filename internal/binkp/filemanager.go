package binkp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wwiv/binkp/internal/logging"
)

// DedupChecker is the interface FileManager uses to consult the optional
// duplicate-receive suppression cache (§11.1). filecache.Cache implements
// it; nil means "no cache configured", in which case the file manager
// always writes.
type DedupChecker interface {
	Seen(peerNode int, name string, size, mtime int64, crc uint32) bool
	Remember(peerNode int, name string, size, mtime int64, crc uint32)
}

// FileManager enumerates outbound files for a peer, accepts inbound files
// into the spool, and finalizes their names (§4.D).
type FileManager struct {
	OutboundDir string
	InboundDir  string
	Dedup       DedupChecker // optional
}

// NewFileManager constructs a FileManager over the given spool directories.
func NewFileManager(outboundDir, inboundDir string) *FileManager {
	return &FileManager{OutboundDir: outboundDir, InboundDir: inboundDir}
}

// ListOutbound scans the outbound directory once and returns a
// stable-ordered (lexicographic by filename) list of TransferFiles for
// every regular file in it. Files are not filtered by peer: peerNode is
// used only in the log line. Subdirectories are ignored; files added
// after this call are not picked up for the session, per §4.D.
func (fm *FileManager) ListOutbound(peerNode int) ([]TransferFile, error) {
	entries, err := os.ReadDir(fm.OutboundDir)
	if err != nil {
		return nil, &FileSystemError{Op: "readdir", Path: fm.OutboundDir, Cause: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	files := make([]TransferFile, 0, len(names))
	for _, name := range names {
		files = append(files, NewFileTransferFile(name, filepath.Join(fm.OutboundDir, name)))
	}

	logging.Debugf("binkp: file manager enumerated %d outbound file(s) for node %d", len(files), peerNode)
	return files, nil
}

// MarkOutboundSent removes the acknowledged file from the outbound spool.
// Called only after a matching M_GOT, per §4.D and invariant 4 in §8.
func (fm *FileManager) MarkOutboundSent(name string) error {
	path := filepath.Join(fm.OutboundDir, name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &FileSystemError{Op: "remove", Path: path, Cause: err}
	}
	return nil
}

// InboundSink tracks one in-progress inbound transfer: the announced
// metadata and the partial on-disk file it is being appended to.
type InboundSink struct {
	fm             *FileManager
	peerNode       int
	announcedName  string
	announcedSize  int64
	announcedMtime int64
	tempPath       string
	file           *FileTransferFile
	bytesWritten   int64
	deduped        bool // Dedup reported this exact file already committed
}

// BytesWritten returns the number of bytes appended so far.
func (s *InboundSink) BytesWritten() int64 { return s.bytesWritten }

// AnnouncedSize returns the size declared in the triggering M_FILE.
func (s *InboundSink) AnnouncedSize() int64 { return s.announcedSize }

// Append writes chunk to the sink, tracking total bytes written. Writing
// beyond AnnouncedSize is the caller's responsibility to detect (§4.F
// dispatch rule: "receiving more than announced is a protocol error"):
// Append itself does not clamp or reject, since the overrun must be
// caught before the write per the invariant in §8, not after. When the
// dedup cache (§11.1) has already seen this exact file committed, the
// byte count is still tracked for protocol bookkeeping but the bytes are
// not rewritten to disk.
func (s *InboundSink) Append(chunk []byte) error {
	if !s.deduped {
		if err := s.file.AppendChunk(chunk); err != nil {
			return err
		}
	}
	s.bytesWritten += int64(len(chunk))
	return nil
}

// OpenInbound creates a temporary file in the inbound spool for a freshly
// announced file. The temp name embeds a uuid so two sessions racing to
// receive a same-named file from different peers never collide (§11.4)
// before CommitInbound's atomic rename resolves final naming. If a dedup
// cache is configured and reports this exact (peer, name, size, mtime)
// tuple already committed, the sink still accepts the data frames for
// protocol correctness but discards the bytes instead of rewriting them.
func (fm *FileManager) OpenInbound(peerNode int, name string, size, mtime int64) (*InboundSink, error) {
	tempName := fmt.Sprintf(".%s.%s.partial", name, uuid.NewString())
	tempPath := filepath.Join(fm.InboundDir, tempName)

	deduped := false
	if fm.Dedup != nil && fm.Dedup.Seen(peerNode, name, size, mtime, 0) {
		deduped = true
		logging.Debugf("binkp: dedup cache hit for %q from node %d, discarding duplicate bytes", name, peerNode)
	}

	return &InboundSink{
		fm:             fm,
		peerNode:       peerNode,
		announcedName:  name,
		announcedSize:  size,
		announcedMtime: mtime,
		tempPath:       tempPath,
		file:           NewFileTransferFile(name, tempPath),
		deduped:        deduped,
	}, nil
}

// CommitInbound finalizes or discards a sink. If ok, the temp file is
// atomically renamed to its final name (disambiguated with a numeric
// suffix if one already exists) and its mtime set to the announced
// value; otherwise the temp file is deleted. Returns the final path when
// committed.
func (fm *FileManager) CommitInbound(s *InboundSink, ok bool) (string, error) {
	if err := s.file.Close(); err != nil {
		return "", err
	}

	if !ok {
		if s.deduped {
			return "", nil
		}
		if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
			return "", &FileSystemError{Op: "remove", Path: s.tempPath, Cause: err}
		}
		return "", nil
	}

	if s.deduped {
		logging.Debugf("binkp: skipping commit of %q, already present per dedup cache", s.announcedName)
		return filepath.Join(fm.InboundDir, s.announcedName), nil
	}

	finalName, err := fm.uniqueFinalName(s.announcedName)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(fm.InboundDir, finalName)

	if err := os.Rename(s.tempPath, finalPath); err != nil {
		return "", &FileSystemError{Op: "rename", Path: finalPath, Cause: err}
	}

	mtime := time.Unix(s.announcedMtime, 0)
	if err := os.Chtimes(finalPath, mtime, mtime); err != nil {
		return "", &FileSystemError{Op: "chtimes", Path: finalPath, Cause: err}
	}

	if fm.Dedup != nil {
		fm.Dedup.Remember(s.peerNode, s.announcedName, s.announcedSize, s.announcedMtime, 0)
	}

	return finalPath, nil
}

// uniqueFinalName appends ".001", ".002", ... to name until the result is
// unused in the inbound directory, without clobbering an existing file.
func (fm *FileManager) uniqueFinalName(name string) (string, error) {
	candidate := name
	for i := 1; ; i++ {
		path := filepath.Join(fm.InboundDir, candidate)
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return candidate, nil
		}
		if err != nil {
			return "", &FileSystemError{Op: "stat", Path: path, Cause: err}
		}
		candidate = fmt.Sprintf("%s.%03d", name, i)
	}
}
