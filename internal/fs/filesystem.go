package fs

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"extpack/internal/pack"
)

// OSFilesystemManager is the real filesystem implementation of FilesystemManager.
type OSFilesystemManager struct{}

// NewOSFilesystemManager creates a new filesystem manager that operates on the real filesystem.
func NewOSFilesystemManager() *OSFilesystemManager {
	return &OSFilesystemManager{}
}

// Resolve validates a raw path and returns a Path object.
// The path itself is inspected with Lstat, so a symlink is rejected rather than followed.
func (m *OSFilesystemManager) Resolve(rawPath string) (*pack.Path, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}

	// Check for special file types we don't support
	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlinks not supported: %s", absPath)
	}
	if mode&os.ModeDevice != 0 {
		return nil, fmt.Errorf("device files not supported: %s", absPath)
	}
	if mode&os.ModeNamedPipe != 0 {
		return nil, fmt.Errorf("named pipes not supported: %s", absPath)
	}
	if mode&os.ModeSocket != 0 {
		return nil, fmt.Errorf("sockets not supported: %s", absPath)
	}

	return pack.NewPath(absPath, info.IsDir(), info), nil
}

// FindFiles discovers regular files under the given directory, recursing
// into subdirectories. WalkDir visits entries in lexical order and never
// follows symlinked directories.
func (m *OSFilesystemManager) FindFiles(dir *pack.Path) ([]*pack.Path, error) {
	if !dir.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", dir.String())
	}

	var paths []*pack.Path
	err := filepath.WalkDir(dir.String(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		paths = append(paths, pack.NewPath(p, false, info))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	return paths, nil
}

// Open opens a file for reading.
func (m *OSFilesystemManager) Open(path *pack.Path) (io.ReadCloser, error) {
	if path.IsDir() {
		return nil, fmt.Errorf("cannot open directory as file: %s", path.String())
	}
	return os.Open(path.String())
}

// Create creates or truncates absPath, making missing parent directories.
func (m *OSFilesystemManager) Create(absPath string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	f, err := os.Create(absPath)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	return f, nil
}

// Compile-time check that OSFilesystemManager implements pack.FilesystemManager interface
var _ pack.FilesystemManager = (*OSFilesystemManager)(nil)
