// Package api is the HTTP client of the authkeeper JSON API.
//
// The client owns the token pair through a TokenStore. Me transparently
// renews an expired access token once with the stored refresh token,
// persists the rotated pair and retries; if the refresh is rejected the
// stored session is cleared and ErrSessionExpired is returned.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/client/session"
	"github.com/dmitrijs2005/authkeeper/internal/common"
)

const maxResponseBytes = 1 << 20

// TokenStore persists the session between runs.
type TokenStore interface {
	Load() (*session.State, error)
	Save(st *session.State) error
	Clear() error
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type userEnvelope struct {
	User    User   `json:"user"`
	Message string `json:"message,omitempty"`
}

type loginEnvelope struct {
	User   User       `json:"user"`
	Tokens *TokenPair `json:"tokens"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

type Client struct {
	baseURL string
	http    *http.Client
	store   TokenStore

	// refreshMu serialises rotations so two callers never redeem
	// the same refresh token.
	refreshMu sync.Mutex
}

// NewClient returns a client for the server at baseURL. A nil httpClient
// means http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, store TokenStore) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		store:   store,
	}
}

// Register creates an account. It does not log the user in.
func (c *Client) Register(ctx context.Context, email, password, name string) (*User, string, error) {
	in := map[string]string{"email": email, "password": password, "name": name}

	var out userEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", "", in, &out); err != nil {
		return nil, "", err
	}
	return &out.User, out.Message, nil
}

// Login authenticates and stores the issued token pair.
func (c *Client) Login(ctx context.Context, email, password string) (*User, error) {
	in := map[string]string{"email": email, "password": password}

	var out loginEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "", in, &out); err != nil {
		return nil, err
	}
	if out.Tokens == nil {
		return nil, errors.New("login response carries no tokens")
	}

	st := &session.State{
		Email:        out.User.Email,
		AccessToken:  out.Tokens.AccessToken,
		RefreshToken: out.Tokens.RefreshToken,
	}
	if err := c.store.Save(st); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// Refresh rotates the stored token pair explicitly.
func (c *Client) Refresh(ctx context.Context) error {
	st, err := c.loadSession()
	if err != nil {
		return err
	}
	_, err = c.refresh(ctx, st)
	return err
}

// Logout revokes the stored refresh token on the server and forgets the
// local session. The local session is dropped even if the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	st, err := c.loadSession()
	if err != nil {
		return err
	}

	in := map[string]string{"refresh_token": st.RefreshToken}
	callErr := c.do(ctx, http.MethodPost, "/api/auth/logout", "", in, nil)

	if err := c.store.Clear(); err != nil {
		return err
	}
	return callErr
}

// Me returns the logged-in user, renewing the access token once if the
// server rejects it.
func (c *Client) Me(ctx context.Context) (*User, error) {
	st, err := c.loadSession()
	if err != nil {
		return nil, err
	}

	var out userEnvelope
	err = c.do(ctx, http.MethodGet, "/api/auth/me", st.AccessToken, nil, &out)
	if !errors.Is(err, ErrUnauthorized) {
		if err != nil {
			return nil, err
		}
		return &out.User, nil
	}

	st, err = c.refresh(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", st.AccessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LoggedIn reports whether a session is stored locally.
func (c *Client) LoggedIn() (string, bool) {
	st, err := c.store.Load()
	if err != nil {
		return "", false
	}
	return st.Email, true
}

func (c *Client) loadSession() (*session.State, error) {
	st, err := c.store.Load()
	if errors.Is(err, session.ErrNoSession) {
		return nil, ErrNotLoggedIn
	}
	return st, err
}

// refresh redeems stale.RefreshToken. If another caller already rotated
// the pair, the newer stored pair is returned without a server round trip.
func (c *Client) refresh(ctx context.Context, stale *session.State) (*session.State, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current, err := c.loadSession()
	if err != nil {
		return nil, err
	}
	if current.RefreshToken != stale.RefreshToken {
		return current, nil
	}

	in := map[string]string{"refresh_token": current.RefreshToken}
	var pair TokenPair
	err = c.do(ctx, http.MethodPost, "/api/auth/refresh", "", in, &pair)
	if errors.Is(err, ErrUnauthorized) {
		if clearErr := c.store.Clear(); clearErr != nil {
			return nil, clearErr
		}
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}

	next := &session.State{
		Email:        current.Email,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}
	if err := c.store.Save(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set(common.AuthorizationHeaderName, common.BearerScheme+" "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorEnvelope
		_ = json.NewDecoder(limited).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, limited)
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
