// Package storage defines the blob store behind the sync report archive and
// the ReportArchive that writes to it.
//
// Backends register themselves with the factory from an init() function in
// their own package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.ArchiveConfig) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/emetrics/emetrics-backend/pkg/checksum"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("object not found")

// Storage is a flat key/value blob store. Keys use forward slashes.
type Storage interface {
	// Put stores the contents of r under key, replacing any existing object.
	Put(ctx context.Context, key string, r io.Reader) (*Object, error)

	// Get opens the object stored under key. It returns ErrNotFound when
	// there is none.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// Object describes a stored object.
type Object struct {
	Key string
	// Size is the object size in bytes
	Size int64
	// Checksum is the SHA256 hash of the contents
	Checksum string
}

// Buffer reads r fully and returns its contents with their SHA256 digest.
// Backends whose clients need the content length up front use it.
func Buffer(r io.Reader) ([]byte, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read data: %w", err)
	}
	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	return data, sum, nil
}
