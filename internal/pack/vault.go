package pack

import "io"

// UnknownSize is passed to Vault.PutArchive when the length of the stream is
// not known in advance, as with encrypted uploads.
const UnknownSize int64 = -1

// Vault stores published package archives by name.
// All operations stream so large archives are never held in memory by the caller.
type Vault interface {
	// PutArchive stores the archive read from r under name, replacing any
	// previous archive with the same name. size is the number of bytes that
	// will be read from r, or UnknownSize. A known size is checked against
	// what was read and the archive is not stored on mismatch.
	PutArchive(name string, r io.Reader, size int64) error

	// GetArchive writes the archive stored under name to w.
	GetArchive(name string, w io.Writer) error

	// HasArchive reports whether an archive is stored under name.
	HasArchive(name string) (bool, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}
