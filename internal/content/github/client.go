// HTTP plumbing for the GitHub REST API: auth transport, pacing and status mapping.

package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	storeerr "github.com/maruel/gitstore/internal/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public GitHub API endpoint.
const DefaultBaseURL = "https://api.github.com"

// Config configures a Backend.
type Config struct {
	Owner string
	Repo  string
	// Branch to read from and commit to. Empty means the repository's
	// default branch.
	Branch string
	// BaseURL of the API, for GitHub Enterprise. Defaults to DefaultBaseURL.
	BaseURL string
	// RequestsPerSecond paces API calls. Zero means 10.
	RequestsPerSecond float64
	// Timeout of a single HTTP request. Zero means 30s.
	Timeout time.Duration
	// Transport is the base HTTP transport. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

func (c *Config) validate() error {
	if c.Owner == "" || c.Repo == "" {
		return errors.New("github: owner and repo are required")
	}
	if strings.Contains(c.Owner, "/") || strings.Contains(c.Repo, "/") {
		return fmt.Errorf("github: invalid repository %s/%s", c.Owner, c.Repo)
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("github: invalid base URL: %w", err)
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Transport == nil {
		c.Transport = http.DefaultTransport
	}
	return nil
}

// StaticToken returns a token source for a personal access token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// client performs paced, authenticated API calls.
type client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger
}

func newClient(cfg *Config, src oauth2.TokenSource, logger *slog.Logger) *client {
	var transport http.RoundTripper = cfg.Transport
	if src != nil {
		transport = &oauth2.Transport{Source: src, Base: cfg.Transport}
	}
	burst := max(1, int(cfg.RequestsPerSecond))
	return &client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		log:        logger,
	}
}

// response is a fully read API response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// message returns the "message" member of an API error body.
func (r *response) message() string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(r.body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return http.StatusText(r.status)
}

// do sends one request. An error is only returned for transport failures;
// API errors are reported through the response status.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body any) (*response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var bodyReader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) != 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.DebugContext(ctx, "github", "method", method, "path", path, "status", resp.StatusCode, "dur", time.Since(start).Round(time.Millisecond))
	return &response{status: resp.StatusCode, header: resp.Header, body: respBody}, nil
}

// requestError maps a failure of client.do. Credentials refused while
// minting a token are not transient.
func requestError(op, p string, err error) error {
	var te *TokenError
	if errors.As(err, &te) && te.Rejected() {
		return storeerr.Unauthorized(op, p).WithDetail("status", te.StatusCode).Wrap(err)
	}
	return storeerr.Backend(op, p, err)
}

// statusError maps a non-2xx response that has no operation specific meaning.
func statusError(op, p string, r *response) error {
	switch r.status {
	case http.StatusNotFound:
		return storeerr.NotFound(op, p)
	case http.StatusUnauthorized:
		return storeerr.Unauthorized(op, p).WithDetail("status", r.status)
	case http.StatusForbidden:
		if r.header.Get("X-RateLimit-Remaining") == "0" {
			return backendStatus(op, p, r).WithDetail("rate_limit_reset", r.header.Get("X-RateLimit-Reset"))
		}
		return storeerr.Unauthorized(op, p).WithDetail("status", r.status)
	default:
		return backendStatus(op, p, r)
	}
}

func backendStatus(op, p string, r *response) *storeerr.StoreError {
	return storeerr.Backend(op, p, fmt.Errorf("status %d: %s", r.status, r.message())).WithDetail("status", r.status)
}

// escapePath escapes each segment of a slash separated path.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, s := range parts {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}
