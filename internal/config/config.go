package config

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the per-user data directory, creating it if needed.
func GetDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(home, ".tgforward")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}

	return dir, nil
}

// GetSessionPath returns the path to the session file.
func GetSessionPath() (string, error) {
	dir, err := GetDataDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "session.json"), nil
}
