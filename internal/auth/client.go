// Package auth performs bearer-authenticated requests and keeps the
// access token fresh.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/smart-traffic/trafficsync/internal/poller"
)

// DefaultRefreshCookie is the cookie the backend keeps the refresh credential in
const DefaultRefreshCookie = "refreshToken"

var (
	// ErrSessionExpired means the refresh credential was rejected. Local
	// session state has been cleared and the user must log in again.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidCredentials is returned by Login for a rejected user/password
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Tokens is the persisted session
type Tokens struct {
	Access    string
	Refresh   string
	UpdatedAt time.Time
}

// TokenStore persists the session between runs
type TokenStore interface {
	LoadTokens(ctx context.Context) (Tokens, error)
	SaveTokens(ctx context.Context, t Tokens) error
	ClearTokens(ctx context.Context) error
}

// User is the profile returned by the user details endpoint
type User struct {
	ID    string `json:"_id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Client wraps an http.Client with bearer auth and a single refresh retry
type Client struct {
	baseURL       string
	http          *http.Client
	store         TokenStore
	log           *slog.Logger
	refreshCookie string

	mu     sync.Mutex
	tokens Tokens
	loaded bool
}

// NewClient creates a client for the auth API rooted at baseURL
func NewClient(baseURL string, store TokenStore, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		http:          &http.Client{Timeout: 15 * time.Second},
		store:         store,
		log:           log.With("component", "auth"),
		refreshCookie: DefaultRefreshCookie,
	}
}

func (c *Client) currentTokens(ctx context.Context) Tokens {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		t, err := c.store.LoadTokens(ctx)
		if err != nil {
			c.log.Warn("auth: failed to load tokens", "error", err)
		}
		c.tokens = t
		c.loaded = true
	}
	return c.tokens
}

func (c *Client) setTokens(ctx context.Context, t Tokens) error {
	t.UpdatedAt = time.Now().UTC()
	c.mu.Lock()
	c.tokens = t
	c.loaded = true
	c.mu.Unlock()
	if err := c.store.SaveTokens(ctx, t); err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// clear drops every piece of local session state
func (c *Client) clear(ctx context.Context) {
	c.mu.Lock()
	c.tokens = Tokens{}
	c.loaded = true
	c.mu.Unlock()
	if err := c.store.ClearTokens(ctx); err != nil {
		c.log.Error("auth: failed to clear tokens", "error", err)
	}
}

// Authenticated reports whether an access token is held
func (c *Client) Authenticated(ctx context.Context) bool {
	return c.currentTokens(ctx).Access != ""
}

// Do sends req with the bearer token. On 401 or 403 it refreshes the
// access token once and retries once. If the refresh is rejected, local
// tokens are cleared and ErrSessionExpired returned.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	tokens := c.currentTokens(ctx)

	resp, err := c.send(req, tokens.Access)
	if err != nil {
		return nil, err
	}
	if !unauthorized(resp.StatusCode) {
		return resp, nil
	}
	drain(resp)
	c.log.Info("auth: access token rejected, refreshing", "status", resp.StatusCode)

	access, err := c.refresh(ctx, tokens)
	if err != nil {
		return nil, err
	}
	retry, err := rewind(req)
	if err != nil {
		return nil, err
	}
	resp, err = c.send(retry, access)
	if err != nil {
		return nil, err
	}
	if unauthorized(resp.StatusCode) {
		drain(resp)
		c.clear(ctx)
		return nil, fmt.Errorf("%w: retry rejected with status %d", ErrSessionExpired, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) send(req *http.Request, access string) (*http.Response, error) {
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", req.Method, req.URL.Path, err)
	}
	return resp, nil
}

// refresh exchanges the refresh credential for a new access token. The
// mutex is not held across the request, so concurrent refreshes may both
// hit the backend; the last response wins.
func (c *Client) refresh(ctx context.Context, prev Tokens) (string, error) {
	if current := c.currentTokens(ctx); current.Access != prev.Access && current.Access != "" {
		// another request already refreshed
		return current.Access, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/refresh", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create refresh request: %w", err)
	}
	if prev.Refresh != "" {
		req.AddCookie(&http.Cookie{Name: c.refreshCookie, Value: prev.Refresh})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		drain(resp)
		c.clear(ctx)
		c.log.Warn("auth: refresh rejected, session cleared", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: refresh returned status %d", ErrSessionExpired, resp.StatusCode)
	}
	next, err := c.decodeTokens(resp, prev.Refresh)
	if err != nil {
		c.clear(ctx)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	if err := c.setTokens(ctx, next); err != nil {
		c.log.Warn("auth: refreshed token not persisted", "error", err)
	}
	return next.Access, nil
}

// decodeTokens reads {accessToken} and picks up a rotated refresh cookie
func (c *Client) decodeTokens(resp *http.Response, refresh string) (Tokens, error) {
	var body struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Tokens{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return Tokens{}, errors.New("token response has no access token")
	}
	t := Tokens{Access: body.AccessToken, Refresh: refresh}
	if body.RefreshToken != "" {
		t.Refresh = body.RefreshToken
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == c.refreshCookie && ck.Value != "" {
			t.Refresh = ck.Value
		}
	}
	return t, nil
}

// Login exchanges credentials for a session and persists it
func (c *Client) Login(ctx context.Context, email, password string) error {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return fmt.Errorf("failed to encode login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	defer resp.Body.Close()
	if unauthorized(resp.StatusCode) || resp.StatusCode == http.StatusBadRequest {
		drain(resp)
		return ErrInvalidCredentials
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return &poller.StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode}
	}
	t, err := c.decodeTokens(resp, "")
	if err != nil {
		return err
	}
	c.log.Info("auth: logged in", "email", email)
	return c.setTokens(ctx, t)
}

// UserDetails fetches the logged in user's profile
func (c *Client) UserDetails(ctx context.Context) (User, error) {
	body, err := c.Fetcher(c.baseURL).Get(ctx, "/auth/getUserDetails")
	if err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return User{}, fmt.Errorf("failed to decode user details: %w", err)
	}
	return u, nil
}

// Logout ends the session on the backend and clears local tokens. Local
// state is cleared even if the backend call fails.
func (c *Client) Logout(ctx context.Context) error {
	defer c.clear(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/logout", http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	if refresh := c.currentTokens(ctx).Refresh; refresh != "" {
		req.AddCookie(&http.Cookie{Name: c.refreshCookie, Value: refresh})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	drain(resp)
	return nil
}

// Fetcher adapts the client to the poller, rooted at baseURL
func (c *Client) Fetcher(baseURL string) poller.Fetcher {
	return &fetcher{client: c, baseURL: strings.TrimRight(baseURL, "/")}
}

type fetcher struct {
	client  *Client
	baseURL string
}

func (f *fetcher) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return poller.ReadBody(resp)
}

func unauthorized(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

// rewind clones req with a fresh body for the retry
func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	retry.Body = body
	return retry, nil
}
