package testutil

import (
	"extpack/internal/pack"
	"extpack/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() pack.Vault {
	return vault.NewMemoryVault("test-vault")
}
