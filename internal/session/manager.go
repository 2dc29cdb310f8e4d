// Package session keeps the backend credential pair and signs requests with it.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/sqlite"
	"github.com/emanuelef/yt-dl-client-go/internal/metrics"
)

// Persisted keys.
const (
	KeyAccess  = "jwt_access"
	KeyRefresh = "jwt_refresh"
)

// Store persists string values. Get returns sqlite.ErrNotFound for absent keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Info describes the current session as far as the client can tell without
// the signing key.
type Info struct {
	LoggedIn  bool      `json:"logged_in"`
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Manager owns the token pair. It is safe for concurrent use.
type Manager struct {
	baseURL string
	auth    *http.Client // login and refresh
	client  *http.Client // authorized requests
	store   Store
	log     *slog.Logger
	refresh *singleflight.Group
}

// NewManager creates a Manager talking to the backend at baseURL.
func NewManager(baseURL string, client *http.Client, store Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		baseURL: baseURL,
		auth:    client,
		client:  client,
		store:   store,
		log:     log,
		refresh: &singleflight.Group{},
	}
}

// WithClient returns a Manager that sends authorized requests through client.
// It shares the token pair and in-flight refreshes with m, and keeps m's
// client for login and refresh.
func (m *Manager) WithClient(client *http.Client) *Manager {
	return &Manager{
		baseURL: m.baseURL,
		auth:    m.auth,
		client:  client,
		store:   m.store,
		log:     m.log,
		refresh: m.refresh,
	}
}

type loginRequest struct {
	Username string `json:"username"`
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login obtains and persists a new token pair. On failure any existing
// session is left untouched.
func (m *Manager) Login(ctx context.Context, username string) (domain.Session, error) {
	resp, err := m.postJSON(ctx, "/auth/login", loginRequest{Username: username})
	if err != nil {
		return domain.Session{}, &domain.Error{Kind: domain.ErrAuth, Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Session{}, &domain.Error{Kind: domain.ErrAuth, Op: "login", Status: resp.StatusCode, Detail: readText(resp.Body)}
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return domain.Session{}, &domain.Error{Kind: domain.ErrAuth, Op: "login", Detail: "malformed token response", Err: err}
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return domain.Session{}, domain.NewError(domain.ErrAuth, "login", "token response missing tokens")
	}

	if err := m.store.Set(ctx, KeyAccess, pair.AccessToken); err != nil {
		return domain.Session{}, fmt.Errorf("persist access token: %w", err)
	}
	if err := m.store.Set(ctx, KeyRefresh, pair.RefreshToken); err != nil {
		return domain.Session{}, fmt.Errorf("persist refresh token: %w", err)
	}

	m.log.Info("Logged in", "username", username)
	return domain.Session{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}, nil
}

// Logout forgets the persisted token pair.
func (m *Manager) Logout(ctx context.Context) error {
	return m.store.Delete(ctx, KeyAccess, KeyRefresh)
}

// Current returns the persisted session, which may be empty.
func (m *Manager) Current(ctx context.Context) (domain.Session, error) {
	access, err := m.lookup(ctx, KeyAccess)
	if err != nil {
		return domain.Session{}, err
	}
	refresh, err := m.lookup(ctx, KeyRefresh)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{AccessToken: access, RefreshToken: refresh}, nil
}

// HasSession reports whether an access token is persisted.
func (m *Manager) HasSession(ctx context.Context) bool {
	s, err := m.Current(ctx)
	return err == nil && s.Valid()
}

// Info decodes the access token claims without verifying the signature.
func (m *Manager) Info(ctx context.Context) (Info, error) {
	access, err := m.lookup(ctx, KeyAccess)
	if err != nil {
		return Info{}, err
	}
	if access == "" {
		return Info{}, nil
	}

	info := Info{LoggedIn: true}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		m.log.Debug("Access token is not a readable JWT", "error", err)
		return info, nil
	}
	info.Subject = claims.Subject
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}
	return info, nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one backend round trip. A missing refresh token or a backend
// rejection clears the session and returns domain.ErrAuth; transport
// failures are returned as-is and keep the session.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	v, err, _ := m.refresh.Do("refresh", func() (any, error) {
		return m.doRefresh(ctx)
	})
	if err != nil {
		metrics.IncRefresh(false)
		return "", err
	}
	metrics.IncRefresh(true)
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	refresh, err := m.lookup(ctx, KeyRefresh)
	if err != nil {
		return "", err
	}
	if refresh == "" {
		m.clear(ctx)
		return "", domain.NewError(domain.ErrAuth, "refresh", "session expired, please log in again")
	}

	resp, err := m.postJSON(ctx, "/auth/refresh", refreshRequest{RefreshToken: refresh})
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.clear(ctx)
		return "", &domain.Error{
			Kind:   domain.ErrAuth,
			Op:     "refresh",
			Status: resp.StatusCode,
			Detail: "token refresh failed, please log in again",
		}
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.AccessToken == "" {
		m.clear(ctx)
		return "", &domain.Error{Kind: domain.ErrAuth, Op: "refresh", Detail: "malformed refresh response", Err: err}
	}

	if err := m.store.Set(ctx, KeyAccess, body.AccessToken); err != nil {
		return "", fmt.Errorf("persist access token: %w", err)
	}
	m.log.Debug("Access token refreshed")
	return body.AccessToken, nil
}

// Do sends req with the bearer token. On a 401 it refreshes exactly once and
// retries exactly once. A second 401 clears the session. The request body,
// if any, must be replayable through GetBody.
func (m *Manager) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	access, err := m.lookup(ctx, KeyAccess)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, domain.NewError(domain.ErrAuth, "authorize", "login required")
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, errors.New("authorized request body is not replayable")
	}

	resp, err := m.send(ctx, req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	access, err = m.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	resp, err = m.send(ctx, req, access)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		m.clear(ctx)
		return nil, &domain.Error{
			Kind:   domain.ErrAuth,
			Op:     "authorize",
			Status: http.StatusUnauthorized,
			Detail: "session rejected, please log in again",
		}
	}
	return resp, nil
}

// send issues a fresh copy of req so the original can be replayed.
func (m *Manager) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		out.Body = body
	}
	out.Header.Set("Authorization", "Bearer "+token)
	return m.client.Do(out)
}

func (m *Manager) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.auth.Do(req)
}

func (m *Manager) lookup(ctx context.Context, key string) (string, error) {
	v, err := m.store.Get(ctx, key)
	if errors.Is(err, sqlite.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func (m *Manager) clear(ctx context.Context) {
	if err := m.store.Delete(context.WithoutCancel(ctx), KeyAccess, KeyRefresh); err != nil {
		m.log.Error("Failed to clear session", "error", err)
		return
	}
	m.log.Warn("Session cleared, login required")
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func readText(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return string(bytes.TrimSpace(data))
}
