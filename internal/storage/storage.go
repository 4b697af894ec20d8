// Package storage defines the Storage interface that snapshot archives are written to,
// and the registry of backend constructors.
//
// Backends register themselves from an init() function in their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server and cmd/snapshotctl blank-import every backend to trigger init().
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no object exists at a key.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys that are empty, absolute or escape the backend root.
var ErrInvalidKey = errors.New("invalid storage key")

// Storage is implemented by every archive backend.
type Storage interface {
	// Name returns the backend type recorded on archive rows (local, s3, gcs, azure).
	Name() string

	// Upload stores the object and returns its size and SHA-256 checksum.
	Upload(ctx context.Context, key string, reader io.Reader, size int64) (*UploadResult, error)

	// Download returns a reader over the object. Missing objects yield ErrNotFound.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists at key.
	Exists(ctx context.Context, key string) (bool, error)

	// GetMetadata returns object metadata without downloading the content.
	GetMetadata(ctx context.Context, key string) (*FileMetadata, error)
}

// UploadResult contains information about an uploaded object
type UploadResult struct {
	Key      string
	Size     int64
	Checksum string // hex SHA-256 of the content
}

// FileMetadata contains metadata about a stored object
type FileMetadata struct {
	Key          string
	Size         int64
	Checksum     string // empty when the backend does not record one
	LastModified time.Time
}

// ArchiveKey returns the object key of a snapshot archive:
// <prefix>/<company_id>/<archive_id>.snapshot
func ArchiveKey(prefix string, companyID, archiveID uuid.UUID) string {
	name := fmt.Sprintf("%s/%s.snapshot", companyID, archiveID)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// CleanKey normalizes a slash-separated key and rejects keys that could escape the
// backend root.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
