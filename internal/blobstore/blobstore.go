// Package blobstore holds opaque byte objects addressed by slash-separated
// paths: signed composition checkpoints and uploaded model artifacts.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no object exists at a path.
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidPath is returned for empty, absolute, or escaping paths.
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store reads and writes blobs by path.
type Store interface {
	// Download returns the bytes stored at p.
	Download(ctx context.Context, p string) ([]byte, error)
	// Upload writes data at p, replacing any existing object, and returns
	// the path it was stored under.
	Upload(ctx context.Context, data []byte, p string) (string, error)
}

// CheckPath reports whether p is a usable relative object path.
func CheckPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for seg := range strings.SplitSeq(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}

// SnapshotPath returns a fresh object path for a checkpoint of jobID.
func SnapshotPath(jobID string) string {
	return path.Join("snapshots", jobID, uuid.NewString()+".ckpt")
}

// ModelPath returns a fresh object path for an uploaded model artifact.
func ModelPath() string {
	return path.Join("models", uuid.NewString())
}
