// Package spool manages the temp directory for downloaded and transcoded
// media artifacts. Every artifact acquired through the spool is expected to
// be removed by its consumer; Sweep clears whatever a crash left behind.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
)

type Spool struct {
	root string
}

// New creates (if needed) and returns a spool rooted at dir. An empty dir
// places the spool under the system temp directory.
func New(dir string) (*Spool, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "tgforward")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{root: dir}, nil
}

func (s *Spool) Dir() string { return s.root }

// Path returns the spool-local path for an artifact name.
func (s *Spool) Path(name string) string {
	return filepath.Join(s.root, filepath.Base(name))
}

// CreateTemp opens a fresh artifact file with the given name pattern.
func (s *Spool) CreateTemp(pattern string) (*os.File, error) {
	return os.CreateTemp(s.root, pattern)
}

// Remove deletes an artifact. Missing files are not an error.
func (s *Spool) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep removes every leftover artifact in the spool.
func (s *Spool) Sweep() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
