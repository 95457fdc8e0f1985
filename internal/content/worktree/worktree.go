// Package worktree implements content.Backend over a local git working copy.
//
// Every successful Store or Delete produces exactly one commit. When a remote
// is configured the commit is pushed immediately; a push refused because the
// remote moved is rolled back, the working copy fast-forwards to the remote
// and the operation is reported as a conflict. Without Pull, reads may lag the
// remote until such a conflict.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/maruel/gitstore/internal/content"
	storeerr "github.com/maruel/gitstore/internal/errors"
	"github.com/maruel/gitstore/internal/git"
)

// Config configures a Backend.
type Config struct {
	// Remote is the remote name to pull from and push to. Empty means local
	// only, unless RemoteURL is set in which case it defaults to "origin".
	Remote string
	// RemoteURL, when set, is registered as Remote at construction.
	RemoteURL string
	// Branch to push and pull. Empty means the current branch.
	Branch string
	// Pull fast-forwards from the remote before every operation.
	Pull bool
	// Author of the commits. Empty fields use the repository defaults.
	Author git.Author
}

// Backend is a content.Backend storing files in a git working copy.
type Backend struct {
	repo git.Repository
	cfg  Config
	log  *slog.Logger

	// mu covers the whole read-check-write-commit-push sequence.
	mu sync.Mutex
}

// New returns a backend over repo.
//
// With a remote, the repository must already have a commit so a failed push
// can be rolled back.
func New(ctx context.Context, repo git.Repository, cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RemoteURL != "" && cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	b := &Backend{repo: repo, cfg: cfg, log: logger}
	if cfg.RemoteURL != "" {
		if err := repo.SetRemote(ctx, cfg.Remote, cfg.RemoteURL); err != nil {
			return nil, fmt.Errorf("failed to set remote %q: %w", cfg.Remote, err)
		}
	}
	if cfg.Remote == "" {
		return b, nil
	}
	if cfg.Pull {
		if err := repo.Pull(ctx, cfg.Remote, cfg.Branch); err != nil {
			return nil, fmt.Errorf("failed to pull from %q: %w", cfg.Remote, err)
		}
	}
	head, err := repo.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head == "" {
		return nil, fmt.Errorf("repository %s has no commit; create an initial commit before using remote %q", repo.Dir(), cfg.Remote)
	}
	return b, nil
}

// Repo returns the underlying repository.
func (b *Backend) Repo() git.Repository {
	return b.repo
}

// Fetch implements content.Backend.
func (b *Backend) Fetch(ctx context.Context, path string) ([]byte, content.Version, error) {
	p, err := b.begin(ctx, "fetch", path)
	if err != nil {
		return nil, "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sync(ctx, "fetch", p); err != nil {
		return nil, "", err
	}
	data, exists, err := b.read("fetch", p)
	if err != nil {
		return nil, "", err
	}
	if !exists {
		return nil, "", storeerr.NotFound("fetch", p)
	}
	v := content.HashVersion(data)
	b.log.DebugContext(ctx, "worktree fetch", "path", p, "version", v)
	return data, v, nil
}

// Store implements content.Backend.
func (b *Backend) Store(ctx context.Context, path string, data []byte, expected content.Version, message string) (content.Version, error) {
	p, err := b.begin(ctx, "store", path)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sync(ctx, "store", p); err != nil {
		return "", err
	}
	cur, exists, err := b.read("store", p)
	if err != nil {
		return "", err
	}
	switch {
	case !exists && !expected.IsZero():
		return "", storeerr.Conflict("store", p)
	case exists && expected.IsZero():
		return "", storeerr.AlreadyExists("store", p)
	case exists && content.HashVersion(cur) != expected:
		return "", storeerr.Conflict("store", p)
	}
	err = b.commit(ctx, "store", p, cur, exists, message, func(abs string) error {
		return writeAtomic(abs, data)
	})
	if err != nil {
		return "", err
	}
	v := content.HashVersion(data)
	b.log.DebugContext(ctx, "worktree store", "path", p, "version", v)
	return v, nil
}

// Delete implements content.Backend.
func (b *Backend) Delete(ctx context.Context, path string, expected content.Version, message string) error {
	p, err := b.begin(ctx, "delete", path)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.sync(ctx, "delete", p); err != nil {
		return err
	}
	cur, exists, err := b.read("delete", p)
	if err != nil {
		return err
	}
	if !exists {
		return storeerr.NotFound("delete", p)
	}
	if content.HashVersion(cur) != expected {
		return storeerr.Conflict("delete", p)
	}
	err = b.commit(ctx, "delete", p, cur, exists, message, func(abs string) error {
		return os.Remove(abs)
	})
	if err != nil {
		return err
	}
	b.log.DebugContext(ctx, "worktree delete", "path", p)
	return nil
}

func (b *Backend) begin(ctx context.Context, op, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", storeerr.Backend(op, path, err)
	}
	return content.CleanPath(op, path)
}

// sync fast-forwards from the remote when configured to.
func (b *Backend) sync(ctx context.Context, op, p string) error {
	if b.cfg.Remote == "" || !b.cfg.Pull {
		return nil
	}
	if err := b.repo.Pull(ctx, b.cfg.Remote, b.cfg.Branch); err != nil {
		return storeerr.Backend(op, p, err)
	}
	return nil
}

func (b *Backend) read(op, p string) ([]byte, bool, error) {
	data, err := fs.ReadFile(b.repo.FS(), p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeerr.Backend(op, p, err)
	}
	return data, true, nil
}

// commit applies mutate to the file at p, commits it and publishes the commit.
// On any failure the working copy is restored to its previous state.
func (b *Backend) commit(ctx context.Context, op, p string, prevData []byte, existed bool, message string, mutate func(abs string) error) error {
	prevHead, err := b.repo.Head(ctx)
	if err != nil {
		return storeerr.Backend(op, p, err)
	}
	abs := filepath.Join(b.repo.Dir(), filepath.FromSlash(p))
	err = b.repo.CommitTx(ctx, b.cfg.Author, func() (string, []string, error) {
		if err := mutate(abs); err != nil {
			return "", nil, err
		}
		return message, []string{p}, nil
	})
	if err != nil {
		b.rollback(ctx, prevHead, abs, prevData, existed)
		return storeerr.Backend(op, p, err)
	}
	if b.cfg.Remote == "" {
		return nil
	}
	if err := b.repo.Push(ctx, b.cfg.Remote, b.cfg.Branch); err != nil {
		b.rollback(ctx, prevHead, abs, prevData, existed)
		if errors.Is(err, git.ErrPushRejected) {
			// Catch up so the caller's re-read sees the winning version.
			if perr := b.repo.Pull(ctx, b.cfg.Remote, b.cfg.Branch); perr != nil {
				b.log.WarnContext(ctx, "worktree catch-up pull failed", "path", p, "err", perr)
			}
			return storeerr.Conflict(op, p).WithDetail("reason", "remote has newer commits").Wrap(err)
		}
		return storeerr.Backend(op, p, err)
	}
	return nil
}

// rollback restores HEAD and the file at abs as they were before a failed
// mutation.
func (b *Backend) rollback(ctx context.Context, prevHead, abs string, prevData []byte, existed bool) {
	if prevHead != "" {
		if err := b.repo.ResetHard(ctx, prevHead); err != nil {
			b.log.ErrorContext(ctx, "worktree rollback failed", "head", prevHead, "err", err)
		}
	}
	var err error
	if existed {
		err = writeAtomic(abs, prevData)
	} else if err = os.Remove(abs); errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	if err != nil {
		b.log.ErrorContext(ctx, "worktree rollback failed", "path", abs, "err", err)
	}
}

// writeAtomic writes data through a temporary file: tmp, fsync, rename.
func writeAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".gitstore-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil { //nolint:gosec // G302: tracked files are world readable
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	success = true
	return nil
}
