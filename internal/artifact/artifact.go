// Package artifact persists the opaque worker and audit output files the
// pipeline records after each successful run. Files are named
// <identifier>-<phase>-<attempt>-<uuid>.txt so every run keeps its own
// artifact even across reworks, and a dispatch's whole set can be matched
// by glob when its completed record is pruned.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// Store writes artifacts under a single directory.
type Store struct {
	dir string
}

// New creates a Store rooted at dir. The directory is created on first
// Save; New does no I/O itself.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the artifacts directory.
func (s *Store) Dir() string { return s.dir }

// Save writes content as a new artifact file for (identifier, phase,
// attempt) and returns its path. Each call creates a distinct file.
func (s *Store) Save(identifier, phase string, attempt int, content string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating artifacts directory %s: %w", s.dir, err)
	}

	name := fmt.Sprintf("%s-%s-%d-%s.txt", identifier, phase, attempt, uuid.New().String())
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing artifact %s: %w", path, err)
	}
	return path, nil
}

// List returns the paths of every artifact belonging to identifier, any
// phase and attempt.
func (s *Store) List(identifier string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading artifacts directory %s: %w", s.dir, err)
	}

	pattern := identifier + "-{worker,audit}-*.txt"
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ok, err := doublestar.Match(pattern, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("matching artifact pattern %q: %w", pattern, err)
		}
		if ok {
			paths = append(paths, filepath.Join(s.dir, entry.Name()))
		}
	}
	return paths, nil
}

// PruneDispatch removes every artifact file belonging to identifier. A
// dispatch with no artifacts is not an error.
func (s *Store) PruneDispatch(identifier string) error {
	paths, err := s.List(identifier)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing artifact %s: %w", path, err)
		}
	}
	return nil
}
