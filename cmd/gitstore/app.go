// Command tree and per-invocation setup.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/maruel/gitstore/internal/client"
	"github.com/maruel/gitstore/internal/config"
	"github.com/maruel/gitstore/internal/content"
	"github.com/maruel/gitstore/internal/content/github"
	"github.com/maruel/gitstore/internal/content/worktree"
	"github.com/maruel/gitstore/internal/git"
	"github.com/maruel/gitstore/internal/retry"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
)

// app holds the process wide streams shared by every command.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	ll     *slog.LevelVar
}

func newApp(stdin io.Reader, stdout io.Writer, ll *slog.LevelVar) *cli.Command {
	a := &app{stdin: stdin, stdout: stdout, ll: ll}
	return &cli.Command{
		Name:  "gitstore",
		Usage: "Optimistic-concurrency storage of JSON records and blobs in a git repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				Sources: cli.EnvVars("GITSTORE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides the config file",
			},
			&cli.BoolFlag{
				Name:  "version",
				Usage: "Print version and exit",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("version") {
				printVersion(a.stdout)
				return nil
			}
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			a.recordsCommand(),
			a.blobsCommand(),
			a.historyCommand(),
			a.configCommand(),
		},
	}
}

// session is everything a command needs once the config is loaded.
type session struct {
	cfg    *config.Config
	client *client.Client
	// repo is set for the worktree backend only.
	repo   git.Repository
	policy retry.Policy
	log    *slog.Logger
}

// open loads the config and connects the configured backend.
func (a *app) open(ctx context.Context, cmd *cli.Command) (*session, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	a.ll.Set(cfg.Level())
	if v := cmd.String("log-level"); v != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("unknown log level: %q", v)
		}
		a.ll.Set(l)
	}
	logger := slog.Default()
	b, repo, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	policy := cfg.Retry.Policy()
	policy.Notify = func(err error, next time.Duration) {
		logger.WarnContext(ctx, "retrying", "err", err, "in", next)
	}
	return &session{cfg: cfg, client: client.New(b), repo: repo, policy: policy, log: logger}, nil
}

// openBackend builds the content backend described by cfg.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (content.Backend, git.Repository, error) {
	switch cfg.Backend {
	case config.BackendGitHub:
		g := &cfg.GitHub
		src, err := tokenSource(g)
		if err != nil {
			return nil, nil, err
		}
		b, err := github.New(github.Config{
			Owner:             g.Owner,
			Repo:              g.Repo,
			Branch:            g.Branch,
			BaseURL:           g.BaseURL,
			RequestsPerSecond: g.RequestsPerSecond,
			Timeout:           time.Duration(g.Timeout),
		}, src, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := b.Verify(ctx); err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case config.BackendWorktree:
		w := &cfg.Worktree
		engine, err := git.ParseEngine(w.Engine)
		if err != nil {
			return nil, nil, err
		}
		mgr := git.NewManager(w.Dir, git.Options{
			Engine:       engine,
			DefaultName:  w.Author.Name,
			DefaultEmail: w.Author.Email,
			Auth: git.Auth{
				Token:      w.Auth.Token,
				SSHKeyPath: w.Auth.SSHKeyPath,
				KnownHosts: w.Auth.KnownHosts,
			},
		})
		repo, err := mgr.Repo(ctx, "")
		if err != nil {
			return nil, nil, err
		}
		b, err := worktree.New(ctx, repo, worktree.Config{
			Remote:    w.Remote,
			RemoteURL: w.RemoteURL,
			Branch:    w.Branch,
			Pull:      w.Pull,
			Author:    git.Author{Name: w.Author.Name, Email: w.Author.Email},
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, repo, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func tokenSource(g *config.GitHubConfig) (oauth2.TokenSource, error) {
	if g.App == nil {
		return github.StaticToken(g.Token), nil
	}
	key, err := os.ReadFile(g.App.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read app private key: %w", err)
	}
	return github.NewAppTokenSource(github.AppConfig{
		AppID:          g.App.AppID,
		InstallationID: g.App.InstallationID,
		PrivateKeyPEM:  key,
		BaseURL:        g.BaseURL,
	})
}

// input returns the value of flag when set, otherwise all of stdin.
func (a *app) input(cmd *cli.Command, flag string, isFile bool) ([]byte, error) {
	v := cmd.String(flag)
	switch {
	case v != "" && isFile:
		return os.ReadFile(v)
	case v != "":
		return []byte(v), nil
	}
	data, err := io.ReadAll(a.stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("--%s or stdin is required", flag)
	}
	return data, nil
}

// args returns exactly n positional arguments.
func args(cmd *cli.Command, names ...string) ([]string, error) {
	if cmd.NArg() != len(names) {
		return nil, fmt.Errorf("%s: expected arguments <%s>", cmd.Name, strings.Join(names, "> <"))
	}
	out := make([]string, len(names))
	for i := range names {
		out[i] = cmd.Args().Get(i)
	}
	return out, nil
}

func writeOpts(cmd *cli.Command) []content.WriteOption {
	if m := cmd.String("message"); m != "" {
		return []content.WriteOption{content.WithMessage(m)}
	}
	return nil
}

func messageFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "message",
		Aliases: []string{"m"},
		Usage:   "Commit message",
	}
}

var errNeedsWorktree = errors.New("this command requires the worktree backend")
