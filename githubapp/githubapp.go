// Package githubapp issues short-lived, repo-scoped credentials from a
// long-lived GitHub App identity. The signing key never leaves this package;
// only scoped installation tokens are handed to container runs.
package githubapp

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gogh "github.com/google/go-github/v68/github"
)

// refreshMargin is how long before expiry a cached token is proactively
// replaced.
const refreshMargin = 5 * time.Minute

// Manager holds the app identity and caches installation tokens.
type Manager struct {
	appID   int64
	key     *rsa.PrivateKey
	baseURL string
	httpc   *http.Client
	now     func() time.Time

	app *gogh.Client // JWT-authenticated, credential minting only

	mu       sync.Mutex
	slug     string
	tokens   map[string]cachedToken // cache key -> token
	installs map[string]int64       // "owner/repo" -> installation id
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Option configures the Manager.
type Option func(*Manager)

// WithBaseURL points the manager at a different API endpoint. Used in tests.
func WithBaseURL(u string) Option {
	return func(m *Manager) { m.baseURL = u }
}

// WithHTTPClient sets the transport used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpc = c }
}

// WithClock injects a clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager from the app id and its PEM-encoded RSA private key.
func New(appID int64, privateKeyPEM []byte, opts ...Option) (*Manager, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}

	m := &Manager{
		appID:    appID,
		key:      key,
		now:      time.Now,
		tokens:   make(map[string]cachedToken),
		installs: make(map[string]int64),
	}
	for _, o := range opts {
		o(m)
	}

	base := m.httpc
	if base == nil {
		base = http.DefaultClient
	}
	appHTTP := &http.Client{
		Transport: &jwtTransport{manager: m, base: base.Transport},
		Timeout:   base.Timeout,
	}
	m.app = m.newClient(appHTTP)
	return m, nil
}

func (m *Manager) newClient(hc *http.Client) *gogh.Client {
	c := gogh.NewClient(hc)
	if m.baseURL != "" {
		u, err := url.Parse(m.baseURL + "/")
		if err == nil {
			c.BaseURL = u
			c.UploadURL = u
		}
	}
	return c
}

// appJWT signs a short-lived JWT asserting the app identity.
func (m *Manager) appJWT() (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(m.appID, 10),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.key)
}

// jwtTransport signs every credential-minting request with a fresh app JWT.
type jwtTransport struct {
	manager *Manager
	base    http.RoundTripper
}

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.manager.appJWT()
	if err != nil {
		return nil, fmt.Errorf("signing app jwt: %w", err)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	rt := t.base
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(clone)
}

// AppSlug returns the app's slug ("codeclaw" for @codeclaw[bot]). Cached
// after the first lookup.
func (m *Manager) AppSlug(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.slug != "" {
		defer m.mu.Unlock()
		return m.slug, nil
	}
	m.mu.Unlock()

	app, _, err := m.app.Apps.Get(ctx, "")
	if err != nil {
		return "", fmt.Errorf("fetching app metadata: %w", err)
	}

	m.mu.Lock()
	m.slug = app.GetSlug()
	m.mu.Unlock()
	return app.GetSlug(), nil
}

// InstallationIDForRepo resolves the installation that covers owner/repo.
func (m *Manager) InstallationIDForRepo(ctx context.Context, owner, repo string) (int64, error) {
	key := owner + "/" + repo
	m.mu.Lock()
	if id, ok := m.installs[key]; ok {
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	inst, _, err := m.app.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return 0, fmt.Errorf("looking up installation for %s: %w", key, err)
	}

	m.mu.Lock()
	m.installs[key] = inst.GetID()
	m.mu.Unlock()
	return inst.GetID(), nil
}

// InstallationToken returns a cached installation token, minting a new one
// when the cached token is within the refresh margin of expiry.
func (m *Manager) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	return m.cachedOrMint(ctx, fmt.Sprintf("inst:%d", installationID), installationID, nil)
}

// ScopedTokenForRepo mints a token restricted to a single repository and the
// minimal permission set. This is the only credential ever injected into a
// container.
func (m *Manager) ScopedTokenForRepo(ctx context.Context, owner, repo string) (string, error) {
	id, err := m.InstallationIDForRepo(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	opts := &gogh.InstallationTokenOptions{
		Repositories: []string{repo},
		Permissions: &gogh.InstallationPermissions{
			Contents:     gogh.Ptr("write"),
			PullRequests: gogh.Ptr("write"),
			Issues:       gogh.Ptr("write"),
			Metadata:     gogh.Ptr("read"),
		},
	}
	return m.cachedOrMint(ctx, fmt.Sprintf("scoped:%s/%s", owner, repo), id, opts)
}

// TokenForRepo returns an installation token for the installation covering
// owner/repo.
func (m *Manager) TokenForRepo(ctx context.Context, owner, repo string) (string, error) {
	id, err := m.InstallationIDForRepo(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	return m.InstallationToken(ctx, id)
}

func (m *Manager) cachedOrMint(ctx context.Context, cacheKey string, installationID int64, opts *gogh.InstallationTokenOptions) (string, error) {
	m.mu.Lock()
	if c, ok := m.tokens[cacheKey]; ok && m.now().Before(c.expiresAt.Add(-refreshMargin)) {
		m.mu.Unlock()
		return c.token, nil
	}
	m.mu.Unlock()

	tok, _, err := m.app.Apps.CreateInstallationToken(ctx, installationID, opts)
	if err != nil {
		return "", fmt.Errorf("creating installation token: %w", err)
	}

	m.mu.Lock()
	m.tokens[cacheKey] = cachedToken{token: tok.GetToken(), expiresAt: tok.GetExpiresAt().Time}
	m.mu.Unlock()
	return tok.GetToken(), nil
}

// ClientForRepo returns a go-github client authenticated with an
// installation token for owner/repo.
func (m *Manager) ClientForRepo(ctx context.Context, owner, repo string) (*gogh.Client, error) {
	token, err := m.TokenForRepo(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return m.newClient(m.httpc).WithAuthToken(token), nil
}

// CollaboratorPermission looks up a user's permission level on owner/repo.
// A 404 means the user is not a collaborator.
func (m *Manager) CollaboratorPermission(ctx context.Context, owner, repo, username string) (string, bool, error) {
	client, err := m.ClientForRepo(ctx, owner, repo)
	if err != nil {
		return "", false, err
	}
	perm, resp, err := client.Repositories.GetPermissionLevel(ctx, owner, repo, username)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, err
	}
	return perm.GetPermission(), true, nil
}
