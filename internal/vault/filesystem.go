package vault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"extpack/internal/pack"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// It stores archives as files in a directory structure:
//
//	<root>/
//	  archives/
//	    <name>     (published archives, by name)
type FileSystemVault struct {
	name       string
	root       string
	archiveDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	archiveDir := filepath.Join(root, "archives")

	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &FileSystemVault{
		name:       name,
		root:       root,
		archiveDir: archiveDir,
	}, nil
}

// PutArchive stores an archive under name, replacing any previous one.
// The file is written to a temp file and renamed into place, so readers
// never observe a partial archive.
func (v *FileSystemVault) PutArchive(name string, r io.Reader, size int64) error {
	if err := ValidateArchiveName(name); err != nil {
		return err
	}
	return v.writeFile(filepath.Join(v.archiveDir, name), r, size)
}

// GetArchive writes the archive stored under name to w.
func (v *FileSystemVault) GetArchive(name string, w io.Writer) error {
	if err := ValidateArchiveName(name); err != nil {
		return err
	}
	return v.readFile(filepath.Join(v.archiveDir, name), w, fmt.Sprintf("archive not found: %s", name))
}

// HasArchive reports whether an archive is stored under name.
func (v *FileSystemVault) HasArchive(name string) (bool, error) {
	if err := ValidateArchiveName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(v.archiveDir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat archive: %w", err)
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.archiveDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	return nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemVault) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Create temp file in the same directory to ensure atomic rename works
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if expectedSize != pack.UnknownSize && written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// readFile reads from the specified path and writes to w.
func (v *FileSystemVault) readFile(srcPath string, w io.Writer, notFoundMsg string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s", notFoundMsg)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	return nil
}

// Compile-time check that FileSystemVault implements pack.Vault interface
var _ pack.Vault = (*FileSystemVault)(nil)
