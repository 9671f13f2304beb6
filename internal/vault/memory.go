package vault

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"extpack/internal/pack"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It keeps every archive in memory, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name     string
	archives map[string][]byte // archive name -> bytes
	mu       sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:     name,
		archives: make(map[string][]byte),
	}
}

// PutArchive stores an archive under name, replacing any previous one.
func (m *MemoryVault) PutArchive(name string, r io.Reader, size int64) error {
	if err := ValidateArchiveName(name); err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	if size != pack.UnknownSize && int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.archives[name] = data
	return nil
}

// GetArchive writes the archive stored under name to w.
func (m *MemoryVault) GetArchive(name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.archives[name]
	if !ok {
		return fmt.Errorf("archive not found: %s", name)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}

	return nil
}

// HasArchive reports whether an archive is stored under name.
func (m *MemoryVault) HasArchive(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.archives[name]
	return ok, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}

// Compile-time check that MemoryVault implements pack.Vault interface
var _ pack.Vault = (*MemoryVault)(nil)
