// Package config loads the gitstore YAML configuration.
//
// The file is expanded against the environment before parsing, so secrets can
// be written as ${GITHUB_TOKEN}. A .env file next to the configuration file is
// loaded first; variables already set in the environment win.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/invopop/jsonschema"
	"github.com/joho/godotenv"
	"github.com/maruel/gitstore/internal/retry"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendGitHub   = "github"
	BackendWorktree = "worktree"
)

// Config is the root of the configuration file.
type Config struct {
	Backend  string         `yaml:"backend" jsonschema:"required,enum=github,enum=worktree,description=Content backend to use"`
	LogLevel string         `yaml:"log_level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	GitHub   GitHubConfig   `yaml:"github,omitempty" jsonschema:"description=Settings of the github backend"`
	Worktree WorktreeConfig `yaml:"worktree,omitempty" jsonschema:"description=Settings of the worktree backend"`
	Retry    RetryConfig    `yaml:"retry,omitempty"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendGitHub, BackendWorktree)),
		validation.Field(&c.LogLevel, validation.By(checkLevel)),
	); err != nil {
		return err
	}
	switch c.Backend {
	case BackendGitHub:
		if err := c.GitHub.Validate(); err != nil {
			return fmt.Errorf("github: %w", err)
		}
	case BackendWorktree:
		if err := c.Worktree.Validate(); err != nil {
			return fmt.Errorf("worktree: %w", err)
		}
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// Level returns the parsed log level. Invalid or empty values mean info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// GitHubConfig configures the GitHub contents API backend.
type GitHubConfig struct {
	Owner   string     `yaml:"owner" jsonschema:"required"`
	Repo    string     `yaml:"repo" jsonschema:"required"`
	Branch  string     `yaml:"branch,omitempty" jsonschema:"description=Defaults to the repository default branch"`
	BaseURL string     `yaml:"base_url,omitempty" jsonschema:"description=API endpoint for GitHub Enterprise"`
	Token   string     `yaml:"token,omitempty" jsonschema:"description=Personal access token"`
	App     *AppConfig `yaml:"app,omitempty" jsonschema:"description=GitHub App installation used instead of token"`
	// RequestsPerSecond paces API calls.
	RequestsPerSecond float64  `yaml:"requests_per_second,omitempty"`
	Timeout           Duration `yaml:"timeout,omitempty"`
}

// Validate validates the GitHub configuration.
func (c *GitHubConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Owner, validation.Required),
		validation.Field(&c.Repo, validation.Required),
		validation.Field(&c.BaseURL, is.URL),
		validation.Field(&c.Token, validation.When(c.App == nil, validation.Required.Error("token or app is required"))),
		validation.Field(&c.RequestsPerSecond, validation.Min(0.0)),
		validation.Field(&c.Timeout, validation.Min(Duration(0))),
	); err != nil {
		return err
	}
	if c.App != nil {
		if c.Token != "" {
			return errors.New("token and app are mutually exclusive")
		}
		return c.App.Validate()
	}
	return nil
}

// AppConfig identifies a GitHub App installation.
type AppConfig struct {
	AppID          int64  `yaml:"app_id" jsonschema:"required"`
	InstallationID int64  `yaml:"installation_id" jsonschema:"required"`
	PrivateKeyPath string `yaml:"private_key_path" jsonschema:"required,description=PEM encoded RSA key of the App"`
}

// Validate validates the GitHub App configuration.
func (c *AppConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AppID, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.InstallationID, validation.Required, validation.Min(int64(1))),
		validation.Field(&c.PrivateKeyPath, validation.Required),
	)
}

// WorktreeConfig configures the local working copy backend.
type WorktreeConfig struct {
	Dir       string       `yaml:"dir" jsonschema:"required,description=Working copy; created and initialized when missing"`
	Engine    string       `yaml:"engine,omitempty" jsonschema:"enum=exec,enum=gogit"`
	Remote    string       `yaml:"remote,omitempty"`
	RemoteURL string       `yaml:"remote_url,omitempty"`
	Branch    string       `yaml:"branch,omitempty"`
	Pull      bool         `yaml:"pull,omitempty" jsonschema:"description=Fast-forward from the remote before every operation"`
	Author    AuthorConfig `yaml:"author,omitempty"`
	Auth      AuthConfig   `yaml:"auth,omitempty"`
}

// Validate validates the worktree configuration.
func (c *WorktreeConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Engine, validation.In("exec", "gogit", "go-git")),
		validation.Field(&c.Pull, validation.When(c.Pull && c.Remote == "" && c.RemoteURL == "", validation.Empty.Error("requires a remote"))),
		validation.Field(&c.Author),
	); err != nil {
		return err
	}
	if c.Auth.Token != "" && c.Auth.SSHKeyPath != "" {
		return errors.New("auth: token and ssh_key_path are mutually exclusive")
	}
	return nil
}

// AuthorConfig is the identity recorded on commits.
type AuthorConfig struct {
	Name  string `yaml:"name,omitempty"`
	Email string `yaml:"email,omitempty"`
}

// Validate validates the author.
func (c AuthorConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Email, is.EmailFormat),
	)
}

// AuthConfig holds the credentials used to push and pull.
type AuthConfig struct {
	Token      string `yaml:"token,omitempty" jsonschema:"description=Token for HTTPS remotes"`
	SSHKeyPath string `yaml:"ssh_key_path,omitempty"`
	KnownHosts string `yaml:"known_hosts,omitempty"`
}

// RetryConfig configures how CLI operations are retried.
//
// Zero values keep the defaults of retry.DefaultPolicy.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts,omitempty"`
	InitialDelay   Duration `yaml:"initial_delay,omitempty"`
	MaxDelay       Duration `yaml:"max_delay,omitempty"`
	Multiplier     float64  `yaml:"multiplier,omitempty"`
	RetryConflicts bool     `yaml:"retry_conflicts,omitempty"`
}

// Validate validates the retry configuration.
func (c *RetryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxAttempts, validation.Min(1)),
		validation.Field(&c.InitialDelay, validation.Min(Duration(0))),
		validation.Field(&c.MaxDelay, validation.Min(Duration(0))),
		validation.Field(&c.Multiplier, validation.Min(1.0)),
	)
}

// Policy returns the retry policy described by c.
func (c *RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay > 0 {
		p.InitialDelay = time.Duration(c.InitialDelay)
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = time.Duration(c.MaxDelay)
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	p.RetryConflicts = c.RetryConflicts
	return p
}

// Duration is a time.Duration written as a Go duration string, e.g. "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:    "string",
		Pattern: `^(\d+(\.\d+)?(ns|us|µs|ms|s|m|h))+$`,
		Examples: []any{
			"30s",
		},
	}
}

// Default returns a configuration with every optional value unset.
func Default() *Config {
	return &Config{LogLevel: "info"}
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("no configuration file; pass --config or set GITSTORE_CONFIG")
	}
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates an already expanded configuration.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
	}
	s := r.Reflect(&Config{})
	s.Title = "gitstore configuration"
	return json.MarshalIndent(s, "", "  ")
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func checkLevel(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	var l slog.Level
	return l.UnmarshalText([]byte(s))
}
