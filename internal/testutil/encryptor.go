package testutil

import (
	"extpack/internal/encryption"
	"extpack/internal/pack"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() pack.Encryptor {
	return encryption.NewTestEncryptor()
}
