package binkp

import (
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// TransferFile is the capability set both transfer-file implementations
// provide: metadata, chunked reads for senders, chunked appends for
// receivers, and close. Collapses the C++ TransferFile/WFileTransferFile
// virtual-dispatch hierarchy into a single small interface (§9).
type TransferFile interface {
	Name() string
	Size() (int64, error)
	Mtime() (int64, error)
	CRC32() uint32 // 0 if unknown/not yet computed
	GetChunk(start, length int64) ([]byte, error)
	AppendChunk(chunk []byte) error
	Close() error
}

// InMemoryTransferFile holds its entire payload in a buffer, for small or
// synthesized content. Outbound spool files are not loaded this way;
// FileManager.ListOutbound always returns FileTransferFiles.
type InMemoryTransferFile struct {
	mu    sync.Mutex
	name  string
	data  []byte
	mtime int64
	crc   uint32
}

// NewInMemoryTransferFile constructs a file whose CRC32 is computed once
// over the given bytes, per §4.C.
func NewInMemoryTransferFile(name string, data []byte, mtime int64) *InMemoryTransferFile {
	return &InMemoryTransferFile{
		name:  name,
		data:  append([]byte(nil), data...),
		mtime: mtime,
		crc:   crc32.ChecksumIEEE(data),
	}
}

// NewEmptyInMemoryTransferFile constructs a file with no content yet, for
// use as an inbound receive sink.
func NewEmptyInMemoryTransferFile(name string, mtime int64) *InMemoryTransferFile {
	return &InMemoryTransferFile{name: name, mtime: mtime}
}

func (f *InMemoryTransferFile) Name() string { return f.name }

func (f *InMemoryTransferFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *InMemoryTransferFile) Mtime() (int64, error) { return f.mtime, nil }

func (f *InMemoryTransferFile) CRC32() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crc
}

func (f *InMemoryTransferFile) GetChunk(start, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if start < 0 || length < 0 || start+length > int64(len(f.data)) {
		return nil, fmt.Errorf("binkp: GetChunk(start=%d, length=%d) out of range for file_size=%d", start, length, len(f.data))
	}
	out := make([]byte, length)
	copy(out, f.data[start:start+length])
	return out, nil
}

func (f *InMemoryTransferFile) AppendChunk(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, chunk...)
	f.crc = crc32.ChecksumIEEE(f.data)
	return nil
}

func (f *InMemoryTransferFile) Close() error { return nil }

// FileTransferFile lazily opens a file on disk, consistent with the
// WFileTransferFile pattern of opening on first GetChunk/AppendChunk
// rather than at construction.
type FileTransferFile struct {
	mu         sync.Mutex
	name       string // logical/announced name, not necessarily the path's base
	path       string
	fh         *os.File
	sizeCached bool
	size       int64
	mtimeCache bool
	mtime      int64
	write      bool // true once opened for append; false means read mode
}

// NewFileTransferFile describes a file on disk by logical name and path.
// Size and mtime are derived from the filesystem on first access.
func NewFileTransferFile(name, path string) *FileTransferFile {
	return &FileTransferFile{name: name, path: path}
}

func (f *FileTransferFile) Name() string { return f.name }

func (f *FileTransferFile) stat() error {
	if f.sizeCached && f.mtimeCache {
		return nil
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return &FileSystemError{Op: "stat", Path: f.path, Cause: err}
	}
	f.size = info.Size()
	f.mtime = info.ModTime().Unix()
	f.sizeCached = true
	f.mtimeCache = true
	return nil
}

func (f *FileTransferFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stat(); err != nil {
		return 0, err
	}
	return f.size, nil
}

func (f *FileTransferFile) Mtime() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.stat(); err != nil {
		return 0, err
	}
	return f.mtime, nil
}

// CRC32 is not precomputed for file-backed transfers; the base spec
// treats CRC as optional in announcements (§9), so 0 (omitted) is valid.
func (f *FileTransferFile) CRC32() uint32 { return 0 }

func (f *FileTransferFile) GetChunk(start, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fh == nil {
		fh, err := os.Open(f.path)
		if err != nil {
			return nil, &FileSystemError{Op: "open", Path: f.path, Cause: err}
		}
		f.fh = fh
	}

	buf := make([]byte, length)
	n, err := f.fh.ReadAt(buf, start)
	if err != nil && n != len(buf) {
		return nil, &FileSystemError{Op: "read", Path: f.path, Cause: err}
	}
	return buf, nil
}

// AppendChunk creates the file (truncating any stale content) on the
// first write and appends thereafter, mirroring WFileTransferFile's
// create-on-first-write semantics.
func (f *FileTransferFile) AppendChunk(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fh == nil {
		fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return &FileSystemError{Op: "create", Path: f.path, Cause: err}
		}
		f.fh = fh
		f.write = true
	}
	if _, err := f.fh.Write(chunk); err != nil {
		return &FileSystemError{Op: "write", Path: f.path, Cause: err}
	}
	f.sizeCached = false
	return nil
}

func (f *FileTransferFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fh == nil {
		return nil
	}
	var err error
	if f.write {
		err = f.fh.Sync()
	}
	if cerr := f.fh.Close(); err == nil {
		err = cerr
	}
	f.fh = nil
	return err
}
