package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - EXTPACK_CONFIG_PATH: config file location (default: ~/.config/extpack.toml)
//   - EXTPACK_HOME: base directory for extpack data (default: ~/.local/share/extpack)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path from EXTPACK_CONFIG_PATH,
// falling back to ~/.config/extpack.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("EXTPACK_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "extpack.toml"), nil
}

// getBaseDir returns the data directory from EXTPACK_HOME, falling back to
// the XDG default ~/.local/share/extpack.
func getBaseDir() (string, error) {
	if path := os.Getenv("EXTPACK_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "extpack"), nil
}
