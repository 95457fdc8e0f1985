package github

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func TestGenerateJWT(t *testing.T) {
	t.Parallel()
	key, _ := generateTestKey(t)
	a := &appTokenSource{appID: 12345, privateKey: key}

	tokenStr, err := a.generateJWT()
	if err != nil {
		t.Fatal(err)
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			t.Fatalf("unexpected signing method: %v", token.Header["alg"])
		}
		return &key.PublicKey, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		t.Fatal("invalid token claims")
	}
	iss, _ := claims.GetIssuer()
	if iss != "12345" {
		t.Fatalf("unexpected issuer: %s", iss)
	}
	exp, _ := claims.GetExpirationTime()
	if exp == nil || time.Until(exp.Time) < 9*time.Minute {
		t.Fatal("JWT expiry too short")
	}
}

func TestAppTokenSource(t *testing.T) {
	t.Parallel()
	key, keyPEM := generateTestKey(t)

	var minted atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app/installations/42/access_tokens" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			t.Error("missing Authorization header")
		}
		if _, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return &key.PublicKey, nil }); err != nil {
			t.Errorf("invalid app JWT: %v", err)
		}
		minted.Add(1)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_test_token_123",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer server.Close()

	// The default base URL is kept; requests are redirected to the test server.
	src, err := NewAppTokenSource(AppConfig{
		AppID:          12345,
		InstallationID: 42,
		PrivateKeyPEM:  keyPEM,
		Transport:      &rewriteTransport{base: server.URL},
	})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := src.Token()
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "ghs_test_token_123" { //nolint:gosec // test value
		t.Fatalf("unexpected token: %s", tok.AccessToken)
	}
	if tok.Expiry.Before(time.Now()) {
		t.Fatal("token already expired")
	}

	// Second call should use cache.
	if _, err := src.Token(); err != nil {
		t.Fatal(err)
	}
	if n := minted.Load(); n != 1 {
		t.Fatalf("expected 1 token request, got %d", n)
	}
}

func TestAppTokenSourceErrors(t *testing.T) {
	t.Parallel()
	_, keyPEM := generateTestKey(t)
	if _, err := NewAppTokenSource(AppConfig{AppID: 1, PrivateKeyPEM: keyPEM}); err == nil {
		t.Error("expected error without installation id")
	}
	if _, err := NewAppTokenSource(AppConfig{AppID: 1, InstallationID: 2, PrivateKeyPEM: []byte("nope")}); err == nil {
		t.Error("expected error for an invalid key")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Integration not found"}`, http.StatusNotFound)
	}))
	defer server.Close()
	src, err := NewAppTokenSource(AppConfig{AppID: 1, InstallationID: 2, PrivateKeyPEM: keyPEM, BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Token(); err == nil {
		t.Error("expected error")
	}
}

func TestAppTokenRejected(t *testing.T) {
	t.Parallel()
	_, keyPEM := generateTestKey(t)
	var apiCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/app/installations/") {
			http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
			return
		}
		apiCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	src, err := NewAppTokenSource(AppConfig{AppID: 1, InstallationID: 2, PrivateKeyPEM: keyPEM, BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = src.Token()
	var te *TokenError
	if !errors.As(err, &te) || te.StatusCode != http.StatusUnauthorized || !te.Rejected() {
		t.Fatalf("Token() = %v, want a rejected TokenError", err)
	}

	b, err := New(Config{Owner: "octo", Repo: "data", BaseURL: server.URL}, src, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = b.Fetch(t.Context(), "a.json")
	if !errors.Is(err, storeerr.ErrUnauthorized) {
		t.Fatalf("Fetch() = %v, want ErrUnauthorized", err)
	}
	if storeerr.Temporary(err) {
		t.Error("a credential rejection must not be temporary")
	}
	if err := b.Verify(t.Context()); !errors.Is(err, storeerr.ErrUnauthorized) {
		t.Errorf("Verify() = %v, want ErrUnauthorized", err)
	}
	if n := apiCalls.Load(); n != 0 {
		t.Errorf("API reached %d times without a token", n)
	}
}

func TestAppTokenUnavailable(t *testing.T) {
	t.Parallel()
	_, keyPEM := generateTestKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"try later"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()
	src, err := NewAppTokenSource(AppConfig{AppID: 1, InstallationID: 2, PrivateKeyPEM: keyPEM, BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{Owner: "octo", Repo: "data", BaseURL: server.URL}, src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Fetch(t.Context(), "a.json"); !errors.Is(err, storeerr.ErrBackend) {
		t.Fatalf("Fetch() = %v, want ErrBackend", err)
	}
}

// rewriteTransport rewrites requests to point at a test server.
type rewriteTransport struct {
	base string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.base[len("http://"):]
	return http.DefaultTransport.RoundTrip(req)
}
