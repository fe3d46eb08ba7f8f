package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/server/auth"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authkeeper/internal/server/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newStack(t *testing.T) *httptest.Server {
	t.Helper()
	codec := auth.NewCodec(auth.Options{
		AccessSecret:  []byte("access"),
		RefreshSecret: []byte("refresh"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    time.Hour,
	})
	svc := services.NewSessionService(repomanager.NewMemoryRepositoryManager(), codec, bcrypt.MinCost, logging.Nop())
	srv := httptest.NewServer(NewServer(":0", svc, codec, logging.Nop(), time.Second).Router())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, bearer string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestEndToEnd_SessionLifecycle(t *testing.T) {
	srv := newStack(t)
	creds := map[string]string{"email": "alice@example.com", "password": "Str0ngPassword", "name": "Alice"}

	status, _ := call(t, srv, http.MethodPost, "/api/auth/register", creds, "")
	require.Equal(t, http.StatusCreated, status)

	status, out := call(t, srv, http.MethodPost, "/api/auth/register", creds, "")
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Email already exists", out["error"])

	status, out = call(t, srv, http.MethodPost, "/api/auth/login", creds, "")
	require.Equal(t, http.StatusOK, status)
	tokens := out["tokens"].(map[string]any)
	access := tokens["access_token"].(string)
	refresh := tokens["refresh_token"].(string)

	status, out = call(t, srv, http.MethodGet, "/api/auth/me", nil, access)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice@example.com", out["user"].(map[string]any)["email"])

	status, out = call(t, srv, http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": refresh}, "")
	require.Equal(t, http.StatusOK, status)
	rotated := out["refresh_token"].(string)
	assert.NotEqual(t, refresh, rotated)

	status, _ = call(t, srv, http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": refresh}, "")
	assert.Equal(t, http.StatusUnauthorized, status, "replayed refresh token")

	status, out = call(t, srv, http.MethodPost, "/api/auth/logout", map[string]string{"refresh_token": rotated}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])

	status, _ = call(t, srv, http.MethodPost, "/api/auth/refresh", map[string]string{"refresh_token": rotated}, "")
	assert.Equal(t, http.StatusUnauthorized, status, "revoked refresh token")

	status, _ = call(t, srv, http.MethodGet, "/api/auth/me", nil, refresh)
	assert.Equal(t, http.StatusUnauthorized, status, "refresh token is not an access token")

	status, out = call(t, srv, http.MethodPost, "/api/auth/login", map[string]string{"email": "alice@example.com", "password": "Wr0ngPassword"}, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid credentials", out["error"])
}

func TestServe_StopsOnCancel(t *testing.T) {
	listen, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := newTestServer(&fakeSessions{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, listen) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listen.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRun_BadAddress(t *testing.T) {
	s := NewServer("256.0.0.1:bad", &fakeSessions{}, fakeVerifier{}, logging.Nop(), time.Second)
	assert.Error(t, s.Run(context.Background()))
}
