package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeMB  = 20
	defaultMaxBackups = 3
)

// RotatingFile is a size-based log file rotator, safe for concurrent use.
// The panel and render processes usually run without a console, so their
// logs go to a file next to the launch descriptor.
type RotatingFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	written    int64
}

// OpenRotatingFile opens (or creates) path for appending and rotates it once
// it exceeds maxSizeMB. Non-positive limits fall back to defaults.
func OpenRotatingFile(path string, maxSizeMB, maxBackups int) (*RotatingFile, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("logging: create log directory: %w", err)
	}

	rf := &RotatingFile{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
	}
	if err := rf.open(); err != nil {
		return nil, err
	}
	return rf, nil
}

func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.written+int64(len(p)) > rf.maxSize {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("logging: rotate: %w", err)
		}
	}

	n, err := rf.file.Write(p)
	rf.written += int64(n)
	return n, err
}

// Close closes the underlying file. Further writes fail with os.ErrClosed.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// Tee returns a writer duplicating log output to the console and the file.
func Tee(console io.Writer, file *RotatingFile) io.Writer {
	return io.MultiWriter(console, file)
}

func (rf *RotatingFile) open() error {
	f, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("logging: stat log file: %w", err)
	}
	rf.file = f
	rf.written = info.Size()
	return nil
}

// rotate shifts path.N-1 -> path.N (dropping the oldest) and path -> path.1.
func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		rf.file.Close()
		rf.file = nil
	}

	os.Remove(rf.backup(rf.maxBackups))
	for i := rf.maxBackups; i >= 2; i-- {
		os.Rename(rf.backup(i-1), rf.backup(i))
	}
	os.Rename(rf.path, rf.backup(1))

	return rf.open()
}

func (rf *RotatingFile) backup(index int) string {
	return fmt.Sprintf("%s.%d", rf.path, index)
}
