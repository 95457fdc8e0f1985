// Implements Repository using os/exec git commands.

package git

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ExecRepo implements Repository using os/exec git commands.
type ExecRepo struct {
	dir  string
	opts Options
	mu   sync.Mutex
}

func newExecRepo(ctx context.Context, dir string, opts Options) (*ExecRepo, error) {
	r := &ExecRepo{dir: dir, opts: opts}
	if err := r.init(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ExecRepo) init(ctx context.Context) error {
	gitDir := filepath.Join(r.dir, ".git")
	if _, err := os.Stat(gitDir); os.IsNotExist(err) {
		if err := os.MkdirAll(r.dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
			return fmt.Errorf("failed to create repo directory: %w", err)
		}
		if err := r.gitRun(ctx, "init"); err != nil {
			return fmt.Errorf("failed to initialize git repo: %w", err)
		}
		if err := r.gitRun(ctx, "config", "user.email", r.opts.DefaultEmail); err != nil {
			return fmt.Errorf("failed to configure git user.email: %w", err)
		}
		if err := r.gitRun(ctx, "config", "user.name", r.opts.DefaultName); err != nil {
			return fmt.Errorf("failed to configure git user.name: %w", err)
		}
	}
	return nil
}

// Dir returns the working directory.
func (r *ExecRepo) Dir() string {
	return r.dir
}

// FS returns a read-only filesystem view of the repository's working directory.
func (r *ExecRepo) FS() fs.FS {
	return os.DirFS(r.dir)
}

// CommitTx executes fn while holding a lock and commits the returned files atomically.
// If fn returns an error or no files, no commit is made.
func (r *ExecRepo) CommitTx(ctx context.Context, author Author, fn func() (msg string, files []string, err error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, files, err := fn()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	return r.commit(ctx, author, msg, files)
}

func (r *ExecRepo) commit(ctx context.Context, author Author, message string, files []string) error {
	// git add stages deletions of tracked files too.
	args := append([]string{"add", "--"}, files...)
	if out, err := r.gitCombinedOutput(ctx, args...); err != nil {
		return fmt.Errorf("failed to stage files: %w\nOutput: %s", err, string(out))
	}

	// Only what was staged counts; unrelated untracked files are ignored.
	out, err := r.gitCombinedOutput(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return fmt.Errorf("failed to list staged files: %w\nOutput: %s", err, string(out))
	}
	if strings.TrimSpace(string(out)) == "" {
		return nil
	}

	author = resolveAuthor(author, r.opts)
	authorStr := fmt.Sprintf("%s <%s>", author.Name, author.Email)
	if out, err := r.gitCombinedOutput(ctx, "commit", "-m", message, "--author", authorStr); err != nil {
		return fmt.Errorf("failed to commit: %w\nOutput: %s", err, string(out))
	}
	return nil
}

// Head returns the commit hash HEAD points to, or "" if there is no commit yet.
func (r *ExecRepo) Head(ctx context.Context) (string, error) {
	out, err := r.gitOutput(ctx, "rev-parse", "--verify", "-q", "HEAD")
	if err != nil {
		return "", nil //nolint:nilerr // unborn branch is not an error
	}
	return strings.TrimSpace(string(out)), nil
}

// ResetHard moves HEAD, the index and the tracked files to hash.
func (r *ExecRepo) ResetHard(ctx context.Context, hash string) error {
	if out, err := r.gitCombinedOutput(ctx, "reset", "--hard", hash); err != nil {
		return fmt.Errorf("failed to reset: %w\nOutput: %s", err, string(out))
	}
	return nil
}

// GetHistory returns commit history for a specific path, limited to n commits.
// n is capped at 1000. If n <= 0, defaults to 1000.
func (r *ExecRepo) GetHistory(ctx context.Context, path string, n int) ([]*Commit, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}

	// Use record separator (%x1e) between commits since body can contain newlines
	format := "%H%x00%an%x00%ae%x00%ai%x00%cn%x00%ce%x00%ci%x00%s%x00%b%x1e"
	args := []string{"log", "--pretty=format:" + format, fmt.Sprintf("-n%d", n), "--", path}
	out, err := r.gitCombinedOutput(ctx, args...)
	if err != nil {
		return nil, nil //nolint:nilerr // git log returns error for paths with no history, which is not an error condition
	}

	var commits []*Commit
	for record := range strings.SplitSeq(string(out), "\x1e") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}

		parts := strings.Split(record, "\x00")
		if len(parts) < 9 {
			continue
		}

		authorDate, _ := time.Parse("2006-01-02 15:04:05 -0700", parts[3])
		commitDate, _ := time.Parse("2006-01-02 15:04:05 -0700", parts[6])

		commits = append(commits, &Commit{
			Hash:           parts[0],
			Author:         parts[1],
			AuthorEmail:    parts[2],
			AuthorDate:     authorDate,
			Committer:      parts[4],
			CommitterEmail: parts[5],
			CommitDate:     commitDate,
			Message:        parts[7],
			Body:           strings.TrimSpace(parts[8]),
		})
	}

	return commits, nil
}

// GetFileAtCommit retrieves the content of a file at a specific commit.
func (r *ExecRepo) GetFileAtCommit(ctx context.Context, hash, filePath string) ([]byte, error) {
	out, err := r.gitOutput(ctx, "show", hash+":"+filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file at commit: %w", err)
	}
	return out, nil
}

// SetRemote adds or updates a remote in the repository.
// If url is empty, the remote is removed. A configured token is embedded in
// HTTPS URLs.
func (r *ExecRepo) SetRemote(ctx context.Context, name, url string) error {
	out, err := r.gitCombinedOutput(ctx, "remote")
	exists := false
	if err == nil {
		for rem := range strings.SplitSeq(string(out), "\n") {
			if strings.TrimSpace(rem) == name {
				exists = true
				break
			}
		}
	}

	if url == "" {
		if exists {
			return r.gitRun(ctx, "remote", "remove", name)
		}
		return nil
	}

	url = InjectTokenInURL(url, r.opts.Auth.Token, "")
	if exists {
		return r.gitRun(ctx, "remote", "set-url", name, url)
	}
	return r.gitRun(ctx, "remote", "add", name, url)
}

// Push pushes the branch to a remote repository.
func (r *ExecRepo) Push(ctx context.Context, remoteName, branch string) error {
	branch = r.currentBranch(ctx, branch)
	out, err := r.gitCombinedOutput(ctx, "push", remoteName, branch)
	if err != nil {
		s := string(out)
		if strings.Contains(s, "[rejected]") || strings.Contains(s, "non-fast-forward") || strings.Contains(s, "fetch first") {
			return fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(s))
		}
		return fmt.Errorf("failed to push: %w\nOutput: %s", err, s)
	}
	return nil
}

// Pull fast-forwards the branch from a remote repository.
func (r *ExecRepo) Pull(ctx context.Context, remoteName, branch string) error {
	branch = r.currentBranch(ctx, branch)
	out, err := r.gitCombinedOutput(ctx, "pull", "--ff-only", remoteName, branch)
	if err != nil {
		s := string(out)
		switch {
		case strings.Contains(s, "couldn't find remote ref"):
			return nil
		case strings.Contains(s, "Not possible to fast-forward"), strings.Contains(s, "not possible to fast-forward"):
			return fmt.Errorf("%w: %s", ErrDiverged, strings.TrimSpace(s))
		}
		return fmt.Errorf("failed to pull: %w\nOutput: %s", err, s)
	}
	return nil
}

func (r *ExecRepo) currentBranch(ctx context.Context, branch string) string {
	if branch != "" {
		return branch
	}
	out, err := r.gitCombinedOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		return strings.TrimSpace(string(out))
	}
	return "master"
}

// gitCmd creates an exec.Cmd for git with standard environment settings.
func (r *ExecRepo) gitCmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(),
		"GIT_CONFIG_GLOBAL=/dev/null",
		"GIT_CONFIG_SYSTEM=/dev/null",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_COMMITTER_NAME="+r.opts.DefaultName,
		"GIT_COMMITTER_EMAIL="+r.opts.DefaultEmail,
	)
	if a := r.opts.Auth; a.SSHKeyPath != "" {
		ssh := "ssh -o IdentitiesOnly=yes -i " + shellQuote(a.SSHKeyPath)
		if a.KnownHosts != "" {
			ssh += " -o StrictHostKeyChecking=yes -o UserKnownHostsFile=" + shellQuote(a.KnownHosts)
		}
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+ssh)
	}
	return cmd
}

// gitRun executes a git command using a detached context with timeout.
func (r *ExecRepo) gitRun(ctx context.Context, args ...string) error {
	ctx, cancel := detach(ctx)
	defer cancel()
	return r.gitCmd(ctx, args...).Run()
}

// gitOutput executes a git command and returns its stdout.
func (r *ExecRepo) gitOutput(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := detach(ctx)
	defer cancel()
	return r.gitCmd(ctx, args...).Output()
}

// gitCombinedOutput executes a git command and returns combined stdout/stderr.
func (r *ExecRepo) gitCombinedOutput(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := detach(ctx)
	defer cancel()
	return r.gitCmd(ctx, args...).CombinedOutput()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
