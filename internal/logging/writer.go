package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dskow/jobclient-core/internal/config"
)

// RotatingWriter is an io.WriteCloser that rotates the client log by size.
// Backups are numbered: <path>.1 is the most recent rotation, <path>.2 the
// one before it, up to the configured backup count. Backups past their
// maximum age are pruned during rotation.
type RotatingWriter struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	written int64
	limit   int64
	keep    int
	maxAge  time.Duration
}

// NewRotatingWriter opens cfg.Output for appending, creating the file and
// its directory if needed.
func NewRotatingWriter(cfg config.LoggingConfig) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:   cfg.Output,
		limit:  int64(cfg.MaxSizeMB) << 20,
		keep:   cfg.MaxBackups,
		maxAge: time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
	}

	if err := os.MkdirAll(filepath.Dir(rw.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.f = f
	rw.written = info.Size()
	return nil
}

// Write implements io.Writer, rotating first when the entry would push the
// file past the size limit. A single entry larger than the limit is written
// whole; log records are never split across files.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.written > 0 && rw.written+int64(len(p)) > rw.limit {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rw.f.Write(p)
	rw.written += int64(n)
	return n, err
}

// Close closes the underlying file.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.f != nil {
		return rw.f.Close()
	}
	return nil
}

// rotate shifts the numbered backups up by one, moves the active file to
// <path>.1, prunes expired backups, and reopens a fresh active file.
func (rw *RotatingWriter) rotate() error {
	rw.f.Close()

	os.Remove(rw.backup(rw.keep)) //nolint:errcheck
	for i := rw.keep - 1; i >= 1; i-- {
		os.Rename(rw.backup(i), rw.backup(i+1)) //nolint:errcheck
	}
	if rw.keep > 0 {
		os.Rename(rw.path, rw.backup(1)) //nolint:errcheck
	} else {
		os.Remove(rw.path) //nolint:errcheck
	}

	rw.pruneExpired()
	return rw.open()
}

func (rw *RotatingWriter) pruneExpired() {
	if rw.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-rw.maxAge)
	for i := 1; i <= rw.keep; i++ {
		name := rw.backup(i)
		info, err := os.Stat(name)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(name) //nolint:errcheck
		}
	}
}

func (rw *RotatingWriter) backup(i int) string {
	return fmt.Sprintf("%s.%d", rw.path, i)
}
