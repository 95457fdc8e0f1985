// Package blobs stores opaque byte payloads, one per path.
//
// A blob is written once. Replacing it takes an explicit Delete followed by a
// new Write.
package blobs

import (
	"context"
	"fmt"

	"github.com/maruel/gitstore/internal/content"
)

// Store reads and writes blobs through a content.Backend.
type Store struct {
	backend content.Backend
}

// NewStore returns a Store over b.
func NewStore(b content.Backend) *Store {
	return &Store{backend: b}
}

// Read returns the bytes at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	data, _, err := s.backend.Fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write creates path with data.
//
// Fails with ErrAlreadyExists when something is already stored at path.
func (s *Store) Write(ctx context.Context, path string, data []byte, opts ...content.WriteOption) error {
	o := content.ResolveOptions(fmt.Sprintf("gitstore: write %s", path), opts...)
	_, err := s.backend.Store(ctx, path, data, "", o.Message)
	return err
}

// Delete removes path.
//
// Fails with ErrNotFound when nothing is stored at path, or ErrConflict when
// it changed between the read of its version and the deletion.
func (s *Store) Delete(ctx context.Context, path string, opts ...content.WriteOption) error {
	_, v, err := s.backend.Fetch(ctx, path)
	if err != nil {
		return err
	}
	o := content.ResolveOptions(fmt.Sprintf("gitstore: delete %s", path), opts...)
	return s.backend.Delete(ctx, path, v, o.Message)
}
