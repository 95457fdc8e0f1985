// Package content defines the Content Backend: the narrow interface through
// which stores read and conditionally write whole files in a repository.
//
// # Concurrency: Optimistic Locking
//
// A backend never holds a lock across calls. [Backend.Fetch] returns a
// [Version] describing the exact bytes read, and every mutation presents the
// version it was derived from. The backend applies the mutation only if the
// path still has that version, failing with ErrConflict otherwise. An empty
// Version on [Backend.Store] means "create": the write fails with
// ErrAlreadyExists when the path is occupied.
//
// Implementations live in sub-packages: github (hosting API) and worktree
// (local working copy with commit and optional push).
package content

import (
	"context"
	"io/fs"
	"path"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

// DefaultMessage is the commit message used when neither the caller nor the
// store layer provides one.
const DefaultMessage = "git-storage"

// Version is an opaque token identifying the exact persisted state of a path.
//
// The zero value means "no version": the path is expected to be absent.
type Version string

// IsZero returns true if no version is set.
func (v Version) IsZero() bool {
	return v == ""
}

// HashVersion returns the git blob object id of data.
//
// It is the same value GitHub reports as the "sha" of a file, so both backends
// agree on the token for identical bytes.
func HashVersion(data []byte) Version {
	return Version(plumbing.ComputeHash(plumbing.BlobObject, data).String())
}

// Backend performs single conditional operations on whole files.
type Backend interface {
	// Fetch returns the current bytes at path and their version.
	//
	// Fails with ErrNotFound, ErrUnauthorized, ErrBackend or ErrDecode.
	Fetch(ctx context.Context, path string) ([]byte, Version, error)
	// Store replaces the bytes at path and returns the new version.
	//
	// With a non-zero expected version, the write happens only if path is
	// still at that version (ErrConflict otherwise). With a zero expected
	// version, path must be absent (ErrAlreadyExists otherwise). Each success
	// produces exactly one revision carrying message.
	Store(ctx context.Context, path string, data []byte, expected Version, message string) (Version, error)
	// Delete removes path if it is still at the expected version.
	//
	// Fails with ErrNotFound, ErrConflict, ErrUnauthorized or ErrBackend.
	Delete(ctx context.Context, path string, expected Version, message string) error
}

// CleanPath normalizes a backend-relative path.
//
// Paths are slash separated, relative, and may not escape the repository or
// point inside its .git directory.
func CleanPath(op, p string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/"))
	if cleaned == "." || !fs.ValidPath(cleaned) {
		return "", storeerr.Newf(storeerr.ErrBackend, op, p, "invalid path")
	}
	if cleaned == ".git" || strings.HasPrefix(cleaned, ".git/") {
		return "", storeerr.Newf(storeerr.ErrBackend, op, p, "path inside .git is not allowed")
	}
	return cleaned, nil
}

// WriteOptions holds per-call settings of a mutating operation.
type WriteOptions struct {
	Message string
}

// WriteOption configures a mutating operation.
type WriteOption func(*WriteOptions)

// WithMessage sets the commit message recorded by the backend.
func WithMessage(msg string) WriteOption {
	return func(o *WriteOptions) {
		o.Message = msg
	}
}

// ResolveOptions applies opts over a default commit message.
func ResolveOptions(defaultMsg string, opts ...WriteOption) WriteOptions {
	o := WriteOptions{Message: defaultMsg}
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(o.Message) == "" {
		o.Message = DefaultMessage
	}
	return o
}
