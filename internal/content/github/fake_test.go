package github

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/maruel/gitstore/internal/content"
	"github.com/maruel/gitstore/internal/content/contenttest"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

const (
	fakeOwner = "octo"
	fakeRepo  = "data"
	fakeToken = "ghp_test"
)

// fakeGitHub serves the subset of the contents API the backend uses, on top
// of an in-memory compare-and-swap store.
type fakeGitHub struct {
	mem *contenttest.Memory
	srv *httptest.Server
	// inlineLimit makes larger files come back with encoding "none".
	inlineLimit int
	// override, when it returns true, handled the request.
	override func(w http.ResponseWriter, r *http.Request) bool

	mu       sync.Mutex
	requests []string
	bodies   []writeRequest
	paths    map[string]bool
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{mem: contenttest.NewMemory(), inlineLimit: 1 << 20, paths: map[string]bool{}}
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) backend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	cfg.Owner = fakeOwner
	cfg.Repo = fakeRepo
	cfg.BaseURL = f.srv.URL
	b, err := New(cfg, StaticToken(fakeToken), nil)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f *fakeGitHub) lastRequest() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return ""
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeGitHub) lastBody() writeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bodies) == 0 {
		return writeRequest{}
	}
	return f.bodies[len(f.bodies)-1]
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	f.mu.Unlock()
	if f.override != nil && f.override(w, r) {
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+fakeToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/repos/"+fakeOwner+"/"+fakeRepo)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	switch {
	case rest == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"full_name": fakeOwner + "/" + fakeRepo})
	case strings.HasPrefix(rest, "/git/blobs/"):
		f.serveBlob(w, strings.TrimPrefix(rest, "/git/blobs/"))
	case strings.HasPrefix(rest, "/contents/"):
		f.serveContents(w, r, strings.TrimPrefix(rest, "/contents/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (f *fakeGitHub) serveContents(w http.ResponseWriter, r *http.Request, p string) {
	switch r.Method {
	case http.MethodGet:
		f.mu.Lock()
		f.paths[p] = true
		f.mu.Unlock()
		data, v, err := f.mem.Fetch(r.Context(), p)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			return
		}
		resp := map[string]any{"type": "file", "path": p, "sha": v, "size": len(data), "encoding": "base64", "content": wrap60(base64.StdEncoding.EncodeToString(data))}
		if len(data) > f.inlineLimit {
			resp["encoding"] = "none"
			resp["content"] = ""
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPut, http.MethodDelete:
		var req writeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
			return
		}
		f.mu.Lock()
		f.bodies = append(f.bodies, req)
		f.mu.Unlock()
		if r.Method == http.MethodDelete {
			err := f.mem.Delete(r.Context(), p, content.Version(req.SHA), req.Message)
			switch {
			case errors.Is(err, storeerr.ErrNotFound):
				writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
			case err != nil:
				writeJSON(w, http.StatusConflict, map[string]string{"message": p + " does not match " + req.SHA})
			default:
				writeJSON(w, http.StatusOK, map[string]any{"content": nil, "commit": map[string]string{"message": req.Message}})
			}
			return
		}
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "content is not valid Base64"})
			return
		}
		v, err := f.mem.Store(r.Context(), p, data, content.Version(req.SHA), req.Message)
		switch {
		case errors.Is(err, storeerr.ErrAlreadyExists):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid request.\n\n\"sha\" wasn't supplied."})
		case err != nil:
			writeJSON(w, http.StatusConflict, map[string]string{"message": p + " does not match " + req.SHA})
		default:
			status := http.StatusOK
			if req.SHA == "" {
				status = http.StatusCreated
			}
			writeJSON(w, status, map[string]any{"content": map[string]any{"path": p, "sha": v}})
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeGitHub) serveBlob(w http.ResponseWriter, sha string) {
	f.mu.Lock()
	paths := slices.Collect(maps.Keys(f.paths))
	f.mu.Unlock()
	for _, p := range paths {
		if data, ok := f.mem.Get(p); ok && string(content.HashVersion(data)) == sha {
			writeJSON(w, http.StatusOK, map[string]any{"sha": sha, "size": len(data), "encoding": "base64", "content": wrap60(base64.StdEncoding.EncodeToString(data))})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wrap60 wraps base64 text the way the API does.
func wrap60(s string) string {
	var b strings.Builder
	for len(s) > 60 {
		b.WriteString(s[:60])
		b.WriteByte('\n')
		s = s[60:]
	}
	b.WriteString(s)
	b.WriteByte('\n')
	return b.String()
}
