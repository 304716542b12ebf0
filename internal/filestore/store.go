// Package filestore keeps downloaded print files under a single root
// directory. Paths handed to it are slash separated and relative to the root.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidPath = errors.New("path escapes the file store root")

type Store struct {
	root string
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create file store root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve file store root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string {
	return s.root
}

// AddFolder creates name (and parents) and returns its store path.
func (s *Store) AddFolder(name string) (string, error) {
	clean, err := cleanPath(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.PathOnDisk(clean), 0o755); err != nil {
		return "", fmt.Errorf("create folder %s: %w", clean, err)
	}
	return clean, nil
}

func (s *Store) JoinPath(elem ...string) string {
	return path.Join(elem...)
}

// AddFile writes data to p, replacing any previous content. Readers never
// observe a partially written file.
func (s *Store) AddFile(p string, data []byte) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	dest := s.PathOnDisk(clean)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", clean, err)
	}

	tmp := filepath.Join(filepath.Dir(dest), ".tmp-"+uuid.New().String())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", clean, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into %s: %w", clean, err)
	}
	return nil
}

func (s *Store) Exists(p string) bool {
	clean, err := cleanPath(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(s.PathOnDisk(clean))
	return err == nil
}

func (s *Store) Remove(p string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}
	if err := os.Remove(s.PathOnDisk(clean)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", clean, err)
	}
	return nil
}

// PathOnDisk resolves a store path to an absolute filesystem path.
func (s *Store) PathOnDisk(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}

func cleanPath(p string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", ErrInvalidPath
	}
	if strings.HasPrefix(p, "..") || strings.Contains(p, "/../") || strings.HasSuffix(p, "/..") {
		return "", ErrInvalidPath
	}
	return clean, nil
}
