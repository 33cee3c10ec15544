package fsutil

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LockedFile is a file held under an exclusive advisory lock. The lock
// serializes appenders across processes; callers still need their own
// mutex for goroutines inside one process.
type LockedFile struct {
	*os.File
}

// OpenLocked opens (creating if needed) path for read/write and blocks
// until it holds an exclusive lock on it.
func OpenLocked(path string) (*LockedFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &LockedFile{File: f}, nil
}

// AppendLine writes line plus a trailing newline at the end of the file
// and fsyncs before returning.
func (l *LockedFile) AppendLine(line []byte) error {
	if _, err := l.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := l.Write(buf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := l.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// LastLine returns the final non-empty line of the file without its
// newline, or nil for an empty file. It reads backwards from the end in
// fixed blocks so large logs are not scanned in full.
func (l *LockedFile) LastLine() ([]byte, error) {
	info, err := l.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	end := info.Size()

	const block = 4096
	var tail []byte
	for end > 0 {
		start := max(end-block, 0)
		chunk := make([]byte, end-start)
		if _, err := l.ReadAt(chunk, start); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read tail: %w", err)
		}
		tail = append(chunk, tail...)

		trimmed := bytes.TrimRight(tail, "\r\n")
		if idx := bytes.LastIndexByte(trimmed, '\n'); idx >= 0 {
			return trimmed[idx+1:], nil
		}
		if start == 0 {
			if len(trimmed) == 0 {
				return nil, nil
			}
			return trimmed, nil
		}
		end = start
	}
	return nil, nil
}

// Close releases the lock and closes the file.
func (l *LockedFile) Close() error {
	unlockErr := unlockFile(l.File)
	closeErr := l.File.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
