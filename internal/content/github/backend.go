// Package github implements content.Backend over the GitHub repository
// contents API.
//
// The API provides the concurrency control: a write carries the blob sha it
// was derived from and GitHub refuses it when the file moved on.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/maruel/gitstore/internal/content"
	storeerr "github.com/maruel/gitstore/internal/errors"
	"golang.org/x/oauth2"
)

// Backend is a content.Backend backed by a GitHub repository.
type Backend struct {
	cfg Config
	c   *client
}

// New returns a backend for the repository in cfg, authenticated with src.
//
// src may be nil for anonymous read access to public repositories. New does
// no I/O; call Verify to check connectivity and credentials.
func New(cfg Config, src oauth2.TokenSource, logger *slog.Logger) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, c: newClient(&cfg, src, logger)}, nil
}

// Verify checks that the repository is reachable with the configured
// credentials.
func (b *Backend) Verify(ctx context.Context) error {
	r, err := b.c.do(ctx, http.MethodGet, b.repoPath(), nil, nil)
	if err != nil {
		return requestError("verify", "", err)
	}
	if r.status != http.StatusOK {
		return statusError("verify", b.cfg.Owner+"/"+b.cfg.Repo, r)
	}
	return nil
}

// fileResponse is the contents API representation of a file.
type fileResponse struct {
	Type     string  `json:"type"`
	Encoding string  `json:"encoding"`
	Size     int64   `json:"size"`
	SHA      string  `json:"sha"`
	Content  *string `json:"content"`
}

// blobResponse is the git data API representation of a blob.
type blobResponse struct {
	SHA      string `json:"sha"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// writeResponse is returned by PUT contents.
type writeResponse struct {
	Content *struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// Fetch implements content.Backend.
func (b *Backend) Fetch(ctx context.Context, path string) ([]byte, content.Version, error) {
	p, err := content.CleanPath("fetch", path)
	if err != nil {
		return nil, "", err
	}
	r, err := b.c.do(ctx, http.MethodGet, b.contentsPath(p), b.refQuery(), nil)
	if err != nil {
		return nil, "", requestError("fetch", p, err)
	}
	if r.status != http.StatusOK {
		return nil, "", statusError("fetch", p, r)
	}
	var f fileResponse
	if err := json.Unmarshal(r.body, &f); err != nil {
		return nil, "", storeerr.Decode("fetch", p, err)
	}
	if f.Type != "" && f.Type != "file" {
		return nil, "", storeerr.Decode("fetch", p, fmt.Errorf("path is a %s, not a file", f.Type))
	}
	if f.SHA == "" {
		return nil, "", storeerr.Decode("fetch", p, errors.New("missing sha"))
	}
	switch {
	case f.Encoding == "none" || (f.Content != nil && *f.Content == "" && f.Size > 0):
		// Too large to be inlined.
		data, err := b.fetchBlob(ctx, p, f.SHA)
		if err != nil {
			return nil, "", err
		}
		return data, content.Version(f.SHA), nil
	case f.Content == nil:
		return nil, "", storeerr.Decode("fetch", p, errors.New("no content in response"))
	}
	data, err := decodeBase64(f.Encoding, *f.Content)
	if err != nil {
		return nil, "", storeerr.Decode("fetch", p, err)
	}
	return data, content.Version(f.SHA), nil
}

func (b *Backend) fetchBlob(ctx context.Context, p, sha string) ([]byte, error) {
	r, err := b.c.do(ctx, http.MethodGet, b.repoPath()+"/git/blobs/"+url.PathEscape(sha), nil, nil)
	if err != nil {
		return nil, requestError("fetch", p, err)
	}
	if r.status == http.StatusNotFound {
		// The file moved between both calls.
		return nil, storeerr.Backend("fetch", p, fmt.Errorf("blob %s vanished", sha))
	}
	if r.status != http.StatusOK {
		return nil, statusError("fetch", p, r)
	}
	var blob blobResponse
	if err := json.Unmarshal(r.body, &blob); err != nil {
		return nil, storeerr.Decode("fetch", p, err)
	}
	data, err := decodeBase64(blob.Encoding, blob.Content)
	if err != nil {
		return nil, storeerr.Decode("fetch", p, err)
	}
	return data, nil
}

// Store implements content.Backend.
func (b *Backend) Store(ctx context.Context, path string, data []byte, expected content.Version, message string) (content.Version, error) {
	p, err := content.CleanPath("store", path)
	if err != nil {
		return "", err
	}
	req := writeRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(data),
		SHA:     string(expected),
		Branch:  b.cfg.Branch,
	}
	r, err := b.c.do(ctx, http.MethodPut, b.contentsPath(p), nil, &req)
	if err != nil {
		return "", requestError("store", p, err)
	}
	switch r.status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return "", storeerr.Conflict("store", p)
	case http.StatusUnprocessableEntity:
		// GitHub answers 422 both when the sha is missing for an existing
		// file and when it names no current blob.
		if expected.IsZero() {
			return "", storeerr.AlreadyExists("store", p)
		}
		return "", storeerr.Conflict("store", p)
	case http.StatusNotFound:
		// Unknown repository or branch: the file itself is never required.
		return "", backendStatus("store", p, r)
	default:
		return "", statusError("store", p, r)
	}
	var w writeResponse
	if err := json.Unmarshal(r.body, &w); err != nil {
		return "", storeerr.Decode("store", p, err)
	}
	if w.Content == nil || w.Content.SHA == "" {
		return "", storeerr.Decode("store", p, errors.New("missing content sha"))
	}
	return content.Version(w.Content.SHA), nil
}

// Delete implements content.Backend.
func (b *Backend) Delete(ctx context.Context, path string, expected content.Version, message string) error {
	p, err := content.CleanPath("delete", path)
	if err != nil {
		return err
	}
	if expected.IsZero() {
		return storeerr.Conflict("delete", p).WithDetail("reason", "version required")
	}
	req := writeRequest{Message: message, SHA: string(expected), Branch: b.cfg.Branch}
	r, err := b.c.do(ctx, http.MethodDelete, b.contentsPath(p), nil, &req)
	if err != nil {
		return requestError("delete", p, err)
	}
	switch r.status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict, http.StatusUnprocessableEntity:
		return storeerr.Conflict("delete", p)
	default:
		return statusError("delete", p, r)
	}
}

func (b *Backend) repoPath() string {
	return "/repos/" + url.PathEscape(b.cfg.Owner) + "/" + url.PathEscape(b.cfg.Repo)
}

func (b *Backend) contentsPath(p string) string {
	return b.repoPath() + "/contents/" + escapePath(p)
}

func (b *Backend) refQuery() url.Values {
	if b.cfg.Branch == "" {
		return nil
	}
	return url.Values{"ref": {b.cfg.Branch}}
}

// decodeBase64 decodes API content, which is wrapped at 60 columns.
func decodeBase64(encoding, s string) ([]byte, error) {
	if encoding != "base64" {
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	s = strings.NewReplacer("\n", "", "\r", "").Replace(s)
	return base64.StdEncoding.DecodeString(s)
}
