// Implements Repository using go-git (pure Go, no git binary dependency).

package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// GoGitRepo implements Repository using go-git (pure Go).
type GoGitRepo struct {
	dir  string
	opts Options
	repo *gogit.Repository
	mu   sync.Mutex
}

func newGoGitRepo(_ context.Context, dir string, opts Options) (*GoGitRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		// Not a repo yet, initialize.
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = opts.DefaultName
		cfg.User.Email = opts.DefaultEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}

	return &GoGitRepo{dir: dir, opts: opts, repo: repo}, nil
}

// Dir returns the working directory.
func (r *GoGitRepo) Dir() string {
	return r.dir
}

// FS returns a read-only filesystem view of the repository's working directory.
func (r *GoGitRepo) FS() fs.FS {
	return os.DirFS(r.dir)
}

// CommitTx executes fn while holding a lock and commits the returned files atomically.
func (r *GoGitRepo) CommitTx(_ context.Context, author Author, fn func() (msg string, files []string, err error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, files, err := fn()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}

	// Add records removals for files missing from the working directory.
	for _, f := range files {
		if _, err := w.Add(f); err != nil {
			return fmt.Errorf("failed to stage files: %w", err)
		}
	}

	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	staged := false
	for _, f := range files {
		if s := status.File(f).Staging; s != gogit.Unmodified && s != gogit.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return nil
	}

	author = resolveAuthor(author, r.opts)
	now := time.Now()
	_, err = w.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  now,
		},
		Committer: &object.Signature{
			Name:  r.opts.DefaultName,
			Email: r.opts.DefaultEmail,
			When:  now,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Head returns the commit hash HEAD points to, or "" if there is no commit yet.
func (r *GoGitRepo) Head(_ context.Context) (string, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// ResetHard moves HEAD, the index and the tracked files to hash.
func (r *GoGitRepo) ResetHard(_ context.Context, hash string) error {
	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.Reset(&gogit.ResetOptions{Commit: plumbing.NewHash(hash), Mode: gogit.HardReset}); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}
	return nil
}

// GetHistory returns commit history for a specific path, limited to n commits.
func (r *GoGitRepo) GetHistory(_ context.Context, path string, n int) ([]*Commit, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}

	opts := &gogit.LogOptions{}
	if path != "" && path != "." {
		opts.FileName = &path
	}

	iter, err := r.repo.Log(opts)
	if err != nil {
		return nil, nil // no commits yet is not an error
	}
	defer iter.Close()

	var commits []*Commit
	for range n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject, body, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, &Commit{
			Hash:           c.Hash.String(),
			Message:        subject,
			Body:           strings.TrimSpace(body),
			Author:         c.Author.Name,
			AuthorEmail:    c.Author.Email,
			AuthorDate:     c.Author.When,
			Committer:      c.Committer.Name,
			CommitterEmail: c.Committer.Email,
			CommitDate:     c.Committer.When,
		})
	}
	return commits, nil
}

// GetFileAtCommit retrieves the content of a file at a specific commit.
func (r *GoGitRepo) GetFileAtCommit(_ context.Context, hash, filePath string) ([]byte, error) {
	h := plumbing.NewHash(hash)
	if hash == "HEAD" {
		ref, err := r.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		h = ref.Hash()
	}

	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit: %w", err)
	}

	f, err := c.File(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file at commit: %w", err)
	}

	reader, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// SetRemote adds or updates a remote in the repository.
func (r *GoGitRepo) SetRemote(_ context.Context, name, url string) error {
	if url == "" {
		err := r.repo.DeleteRemote(name)
		if errors.Is(err, gogit.ErrRemoteNotFound) {
			return nil
		}
		return err
	}

	// go-git has no set-url.
	if _, err := r.repo.Remote(name); err == nil {
		if err := r.repo.DeleteRemote(name); err != nil {
			return fmt.Errorf("failed to update remote: %w", err)
		}
	}

	_, err := r.repo.CreateRemote(&config.RemoteConfig{
		Name: name,
		URLs: []string{url},
	})
	return err
}

// Push pushes the branch to a remote repository.
func (r *GoGitRepo) Push(ctx context.Context, remoteName, branch string) error {
	ctx, cancel := detach(ctx)
	defer cancel()

	branch = r.currentBranch(branch)
	remote, err := r.repo.Remote(remoteName)
	if err != nil {
		return fmt.Errorf("failed to get remote: %w", err)
	}
	auth, err := r.authMethod()
	if err != nil {
		return err
	}

	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = remote.PushContext(ctx, &gogit.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       auth,
	})
	switch {
	case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate), strings.Contains(err.Error(), "non-fast-forward"):
		return fmt.Errorf("%w: %v", ErrPushRejected, err)
	default:
		return fmt.Errorf("failed to push: %w", err)
	}
}

// Pull fast-forwards the branch from a remote repository.
func (r *GoGitRepo) Pull(ctx context.Context, remoteName, branch string) error {
	ctx, cancel := detach(ctx)
	defer cancel()

	branch = r.currentBranch(branch)
	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	auth, err := r.authMethod()
	if err != nil {
		return err
	}
	err = w.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    remoteName,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	switch {
	case err == nil,
		errors.Is(err, gogit.NoErrAlreadyUpToDate),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return fmt.Errorf("%w: %v", ErrDiverged, err)
	default:
		return fmt.Errorf("failed to pull: %w", err)
	}
}

func (r *GoGitRepo) currentBranch(branch string) string {
	if branch != "" {
		return branch
	}
	if ref, err := r.repo.Head(); err == nil {
		return ref.Name().Short()
	}
	return "master"
}

// authMethod converts the configured credentials to a go-git transport auth.
func (r *GoGitRepo) authMethod() (transport.AuthMethod, error) {
	a := r.opts.Auth
	switch {
	case a.SSHKeyPath != "":
		keys, err := gitssh.NewPublicKeysFromFile("git", a.SSHKeyPath, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load ssh key: %w", err)
		}
		if a.KnownHosts != "" {
			cb, err := knownhosts.New(a.KnownHosts)
			if err != nil {
				return nil, fmt.Errorf("failed to load known_hosts: %w", err)
			}
			keys.HostKeyCallback = cb
		}
		return keys, nil
	case a.Token != "":
		return &githttp.BasicAuth{Username: "x-access-token", Password: a.Token}, nil
	default:
		return nil, nil
	}
}
