package encryption

import (
	"bytes"
	"fmt"
	"io"

	"extpack/internal/pack"
)

// testMagic prefixes every payload produced by TestEncryptor.
var testMagic = []byte("EXTPACK1")

// TestEncryptor is a deterministic, reversible stand-in for age in tests.
// Encrypt prefixes the payload with testMagic; decryption strips it again.
// If Setup was called, Unlock only accepts the same passphrase, so callers
// can exercise the wrong-passphrase path without real key material.
type TestEncryptor struct {
	passphrase string
	setup      bool
}

var _ pack.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a new TestEncryptor.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{}
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.passphrase = passphrase
	e.setup = true
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(testMagic); err != nil {
		return fmt.Errorf("writing test magic: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (pack.DecryptionContext, error) {
	if e.setup && passphrase != e.passphrase {
		return nil, fmt.Errorf("decrypting private key: incorrect passphrase")
	}
	return &TestDecryptionContext{}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the prefix added by TestEncryptor.
type TestDecryptionContext struct{}

var _ pack.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	magic := make([]byte, len(testMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return fmt.Errorf("reading test magic: %w", err)
	}
	if !bytes.Equal(magic, testMagic) {
		return fmt.Errorf("invalid test encryption magic")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
