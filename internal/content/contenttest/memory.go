// Package contenttest provides an in-memory content backend and a conformance
// suite shared by every backend implementation.
package contenttest

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/maruel/gitstore/internal/content"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

// Commit is one revision recorded by Memory.
type Commit struct {
	Path    string
	Message string
	Deleted bool
}

// Memory is a compare-and-swap content backend held in memory.
//
// Version tokens are git blob ids, like the real backends.
type Memory struct {
	// BeforeStore, when set, runs after the version check passed but before
	// the write is applied, without the lock held. Tests use it to interleave a
	// competing writer.
	BeforeStore func(path string)

	mu      sync.Mutex
	files   map[string][]byte
	commits []Commit

	fetches atomic.Int64
	stores  atomic.Int64
	deletes atomic.Int64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{files: map[string][]byte{}}
}

// Fetch implements content.Backend.
func (m *Memory) Fetch(ctx context.Context, path string) ([]byte, content.Version, error) {
	m.fetches.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, "", storeerr.Backend("fetch", path, err)
	}
	p, err := content.CleanPath("fetch", path)
	if err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, "", storeerr.NotFound("fetch", p)
	}
	return slices.Clone(data), content.HashVersion(data), nil
}

// Store implements content.Backend.
func (m *Memory) Store(ctx context.Context, path string, data []byte, expected content.Version, message string) (content.Version, error) {
	m.stores.Add(1)
	if err := ctx.Err(); err != nil {
		return "", storeerr.Backend("store", path, err)
	}
	p, err := content.CleanPath("store", path)
	if err != nil {
		return "", err
	}
	if err := m.check("store", p, expected, true); err != nil {
		return "", err
	}
	if m.BeforeStore != nil {
		m.BeforeStore(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check: BeforeStore may have raced a competing writer in.
	if err := m.checkLocked("store", p, expected, true); err != nil {
		return "", err
	}
	m.files[p] = slices.Clone(data)
	m.commits = append(m.commits, Commit{Path: p, Message: message})
	return content.HashVersion(data), nil
}

// Delete implements content.Backend.
func (m *Memory) Delete(ctx context.Context, path string, expected content.Version, message string) error {
	m.deletes.Add(1)
	if err := ctx.Err(); err != nil {
		return storeerr.Backend("delete", path, err)
	}
	p, err := content.CleanPath("delete", path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkLocked("delete", p, expected, false); err != nil {
		return err
	}
	delete(m.files, p)
	m.commits = append(m.commits, Commit{Path: p, Message: message, Deleted: true})
	return nil
}

func (m *Memory) check(op, p string, expected content.Version, create bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(op, p, expected, create)
}

func (m *Memory) checkLocked(op, p string, expected content.Version, create bool) error {
	cur, ok := m.files[p]
	switch {
	case !ok && (expected.IsZero() && create):
		return nil
	case !ok && !create:
		return storeerr.NotFound(op, p)
	case !ok:
		return storeerr.Conflict(op, p)
	case expected.IsZero():
		return storeerr.AlreadyExists(op, p)
	case content.HashVersion(cur) != expected:
		return storeerr.Conflict(op, p)
	}
	return nil
}

// Put writes data unconditionally without counting a Store call.
func (m *Memory) Put(path string, data []byte) content.Version {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = slices.Clone(data)
	return content.HashVersion(data)
}

// Get returns the raw bytes at path without counting a Fetch call.
func (m *Memory) Get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return slices.Clone(data), ok
}

// Commits returns the revisions recorded so far, oldest first.
func (m *Memory) Commits() []Commit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.commits)
}

// Fetches returns the number of Fetch calls.
func (m *Memory) Fetches() int { return int(m.fetches.Load()) }

// Stores returns the number of Store calls.
func (m *Memory) Stores() int { return int(m.stores.Load()) }

// Deletes returns the number of Delete calls.
func (m *Memory) Deletes() int { return int(m.deletes.Load()) }
