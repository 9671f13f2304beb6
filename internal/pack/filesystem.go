package pack

import "io"

// FilesystemManager abstracts the filesystem operations needed to build a package.
type FilesystemManager interface {
	// Resolve validates a raw path and returns a Path object.
	// It resolves the path to an absolute path, stats it, and validates
	// it's a regular file or directory (not a symlink, device, etc.).
	// A missing path yields an error wrapping fs.ErrNotExist.
	Resolve(rawPath string) (*Path, error)

	// FindFiles returns every regular file beneath dir, recursing into
	// subdirectories. Symlinks and special files are never returned.
	FindFiles(dir *Path) ([]*Path, error)

	// Open opens a file for reading.
	Open(path *Path) (io.ReadCloser, error)

	// Create creates or truncates the file at absPath, creating any missing
	// parent directories first.
	Create(absPath string) (io.WriteCloser, error)
}
