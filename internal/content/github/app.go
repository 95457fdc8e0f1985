// GitHub App authentication: JWT generation and installation tokens.

package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AppConfig identifies a GitHub App installation.
type AppConfig struct {
	AppID          int64
	InstallationID int64
	// PrivateKeyPEM is the App's RSA private key.
	PrivateKeyPEM []byte
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// NewAppTokenSource returns a token source minting installation tokens for
// a GitHub App. Tokens are reused until 5 minutes before they expire.
func NewAppTokenSource(cfg AppConfig) (oauth2.TokenSource, error) {
	if cfg.AppID == 0 || cfg.InstallationID == 0 {
		return nil, errors.New("github: app_id and installation_id are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("github: parse app private key: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	src := &appTokenSource{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		privateKey:     key,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{Timeout: 30 * time.Second, Transport: cfg.Transport},
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, src, 5*time.Minute), nil
}

// TokenError is returned when GitHub refuses to mint an installation token.
type TokenError struct {
	StatusCode int
	Body       string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("GitHub API error %d: %s", e.StatusCode, e.Body)
}

// Rejected reports whether GitHub refused the App credentials.
func (e *TokenError) Rejected() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

type appTokenSource struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	baseURL        string
	httpClient     *http.Client
}

// generateJWT creates a signed JWT for GitHub App authentication.
// The JWT is valid for 10 minutes per GitHub's requirements.
func (a *appTokenSource) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)), // 60s clock drift
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(a.appID, 10),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}

// Token implements oauth2.TokenSource.
func (a *appTokenSource) Token() (*oauth2.Token, error) {
	jwtToken, err := a.generateJWT()
	if err != nil {
		return nil, fmt.Errorf("generate JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, a.installationID)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, &TokenError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &oauth2.Token{AccessToken: result.Token, TokenType: "Bearer", Expiry: result.ExpiresAt}, nil
}
