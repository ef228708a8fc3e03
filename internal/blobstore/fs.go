package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Compile-time interface satisfaction check.
var _ Store = (*FSStore)(nil)

// FSStore stores blobs as files below a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed and returns a store over it.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("blob root is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Download(ctx context.Context, p string) ([]byte, error) {
	if err := CheckPath(p); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.filePath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// Upload writes to a temporary file and renames it into place so readers never
// observe a partial object.
func (s *FSStore) Upload(ctx context.Context, data []byte, p string) (string, error) {
	if err := CheckPath(p); err != nil {
		return "", err
	}
	dst := s.filePath(p)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return p, nil
}

func (s *FSStore) filePath(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(p))
}
