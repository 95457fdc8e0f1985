// Defines the Repository interface, Manager, and shared types for git operations.

package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	// ErrPushRejected is returned when the remote refuses a push because it
	// has commits the local branch lacks.
	ErrPushRejected = errors.New("push rejected by remote")
	// ErrDiverged is returned when a pull cannot fast-forward.
	ErrDiverged = errors.New("local branch diverged from remote")
)

// InjectTokenInURL injects an authentication token into a git remote URL.
// Supports GitHub (x-access-token) and GitLab (oauth2) URL patterns.
func InjectTokenInURL(remoteURL, token, remoteType string) string {
	if token == "" {
		return remoteURL
	}
	switch {
	case strings.Contains(remoteURL, "github.com") || remoteType == "github":
		return strings.Replace(remoteURL, "https://github.com", fmt.Sprintf("https://x-access-token:%s@github.com", token), 1)
	case strings.Contains(remoteURL, "gitlab.com") || remoteType == "gitlab":
		return strings.Replace(remoteURL, "https://gitlab.com", fmt.Sprintf("https://oauth2:%s@gitlab.com", token), 1)
	default:
		return remoteURL
	}
}

// Repository is the interface for git operations on a single working copy.
type Repository interface {
	// Dir returns the working directory.
	Dir() string
	// FS returns a read-only filesystem view of the repository's working directory.
	FS() fs.FS
	// CommitTx executes fn while holding a lock and commits the returned files atomically.
	// If fn returns an error or no files, no commit is made. Files that no
	// longer exist in the working directory are staged as deletions.
	CommitTx(ctx context.Context, author Author, fn func() (msg string, files []string, err error)) error
	// Head returns the commit hash HEAD points to, or "" if there is no commit yet.
	Head(ctx context.Context) (string, error)
	// ResetHard moves HEAD, the index and the tracked files to hash.
	ResetHard(ctx context.Context, hash string) error
	// GetHistory returns commit history for a specific path, limited to n commits.
	// n is capped at 1000. If n <= 0, defaults to 1000.
	GetHistory(ctx context.Context, path string, n int) ([]*Commit, error)
	// GetFileAtCommit retrieves the content of a file at a specific commit.
	GetFileAtCommit(ctx context.Context, hash, filePath string) ([]byte, error)
	// SetRemote adds or updates a remote in the repository.
	// If url is empty, the remote is removed.
	SetRemote(ctx context.Context, name, url string) error
	// Push pushes the branch to a remote repository.
	// Returns ErrPushRejected when the remote is ahead.
	Push(ctx context.Context, remoteName, branch string) error
	// Pull fast-forwards the branch from a remote repository.
	// An empty remote is not an error. Returns ErrDiverged when a
	// fast-forward is not possible.
	Pull(ctx context.Context, remoteName, branch string) error
}

// Engine selects which git implementation to use.
type Engine int

const (
	// EngineExec uses the git CLI via os/exec (default).
	EngineExec Engine = iota
	// EngineGoGit uses go-git (pure Go, no git binary needed).
	EngineGoGit
)

// ParseEngine converts a configuration value to an Engine.
func ParseEngine(s string) (Engine, error) {
	switch strings.ToLower(s) {
	case "", "exec":
		return EngineExec, nil
	case "gogit", "go-git":
		return EngineGoGit, nil
	default:
		return 0, fmt.Errorf("unknown git engine %q", s)
	}
}

func (e Engine) String() string {
	if e == EngineGoGit {
		return "gogit"
	}
	return "exec"
}

// Auth holds the credentials used for remote operations.
type Auth struct {
	// Token is used for HTTPS remotes.
	Token string
	// SSHKeyPath is a private key file used for SSH remotes.
	SSHKeyPath string
	// KnownHosts is a known_hosts file used to verify SSH host keys.
	KnownHosts string
}

// Options configures how repositories are opened.
type Options struct {
	Engine       Engine
	DefaultName  string
	DefaultEmail string
	Auth         Auth
}

// Manager creates and caches git repositories.
type Manager struct {
	rootDir string
	opts    Options
	repos   sync.Map // path -> Repository
}

// NewManager creates a new git repository manager.
func NewManager(rootDir string, opts Options) *Manager {
	if opts.DefaultName == "" {
		opts.DefaultName = "gitstore"
	}
	if opts.DefaultEmail == "" {
		opts.DefaultEmail = "gitstore@localhost"
	}
	return &Manager{rootDir: rootDir, opts: opts}
}

// Repo returns or creates a repository for the given subdirectory.
// The subdir is relative to the manager's root directory.
func (m *Manager) Repo(ctx context.Context, subdir string) (Repository, error) {
	dir := filepath.Join(m.rootDir, subdir)
	if r, ok := m.repos.Load(dir); ok {
		return r.(Repository), nil
	}

	var r Repository
	var err error
	switch m.opts.Engine {
	case EngineGoGit:
		r, err = newGoGitRepo(ctx, dir, m.opts)
	default:
		r, err = newExecRepo(ctx, dir, m.opts)
	}
	if err != nil {
		return nil, err
	}

	actual, _ := m.repos.LoadOrStore(dir, r)
	return actual.(Repository), nil
}

// Author identifies who made a change for git commits.
type Author struct {
	Name  string
	Email string
}

// Commit represents a commit in git history.
type Commit struct {
	Hash           string    `json:"hash"`
	Message        string    `json:"message"` // Subject line.
	Body           string    `json:"body"`    // Commit body (may be empty).
	Author         string    `json:"author"`
	AuthorEmail    string    `json:"author_email"`
	AuthorDate     time.Time `json:"author_date"`
	Committer      string    `json:"committer"`
	CommitterEmail string    `json:"committer_email"`
	CommitDate     time.Time `json:"commit_date"`
}

// resolveAuthor fills in the defaults for an empty author.
func resolveAuthor(author Author, opts Options) Author {
	if author.Name == "" {
		author.Name = opts.DefaultName
	}
	if author.Email == "" {
		author.Email = opts.DefaultEmail
	}
	return author
}

// detach returns a context that is not tied to the caller's cancellation.
//
// A git command interrupted half way can leave the index locked, so commands
// always run to completion, bounded by a timeout.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
}
