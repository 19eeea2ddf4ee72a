package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairwise/authd/internal/auth"
	"github.com/pairwise/authd/internal/kvstore/memory"
	"github.com/pairwise/authd/internal/session"
	"github.com/pairwise/authd/internal/token"
)

const testUserAgent = "test-agent"

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	kv := memory.NewStore()
	sessions, err := session.NewStore(kv, session.Config{TTL: 7 * 24 * time.Hour})
	require.NoError(t, err)

	codec, err := token.NewCodec(token.CodecConfig{
		AccessSecret:  []byte("access-secret-key-minimum-32-characters"),
		RefreshSecret: []byte("refresh-secret-key-minimum-32-characters"),
		Issuer:        "authd",
		Audience:      "pairwise",
	})
	require.NoError(t, err)

	m, err := token.NewManager(codec, kv, sessions, token.ManagerConfig{
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)

	authenticator := NewStaticAuthenticator()
	authenticator.AddUser("alice@example.com", "hunter22hunter22", "u1", "member")

	cookies := auth.CookieConfig{Secure: true}
	srv := New(m, kv, authenticator, auth.NewMiddleware(m, cookies), cookies)
	return srv, kv
}

func newMux(t *testing.T) (*http.ServeMux, *Server, *memory.Store) {
	t.Helper()

	srv, kv := newTestServer(t)
	mux := http.NewServeMux()
	srv.Routes(mux)
	return mux, srv, kv
}

func doJSON(mux *http.ServeMux, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("User-Agent", testUserAgent)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func cookieMap(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func login(t *testing.T, mux *http.ServeMux) map[string]*http.Cookie {
	t.Helper()

	rec := doJSON(mux, http.MethodPost, "/v1/auth/login", map[string]string{
		"email":     "alice@example.com",
		"password":  "hunter22hunter22",
		"device_id": "d1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	return cookieMap(rec)
}

func TestLogin(t *testing.T) {
	mux, _, _ := newMux(t)

	t.Run("valid credentials set both cookies", func(t *testing.T) {
		rec := doJSON(mux, http.MethodPost, "/v1/auth/login", map[string]string{
			"email":     "alice@example.com",
			"password":  "hunter22hunter22",
			"device_id": "d1",
		})

		require.Equal(t, http.StatusOK, rec.Code)

		cookies := cookieMap(rec)
		require.Contains(t, cookies, auth.AccessCookieName)
		require.Contains(t, cookies, auth.RefreshCookieName)
		require.True(t, cookies[auth.AccessCookieName].HttpOnly)

		var resp loginResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "u1", resp.UserID)
		require.Equal(t, "member", resp.Role)
		require.NotEmpty(t, resp.TokenID)
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		rec := doJSON(mux, http.MethodPost, "/v1/auth/login", map[string]string{
			"email":    "alice@example.com",
			"password": "wrong",
		})

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Empty(t, rec.Result().Cookies())
	})

	t.Run("device id with key metacharacters rejected", func(t *testing.T) {
		for _, deviceID := range []string{"d:1", "d*", "d?", "d[1]", "d%"} {
			rec := doJSON(mux, http.MethodPost, "/v1/auth/login", map[string]string{
				"email":     "alice@example.com",
				"password":  "hunter22hunter22",
				"device_id": deviceID,
			})

			require.Equal(t, http.StatusBadRequest, rec.Code, "device id %q", deviceID)
			require.Empty(t, rec.Result().Cookies())
		}
	})

	t.Run("missing fields rejected", func(t *testing.T) {
		rec := doJSON(mux, http.MethodPost, "/v1/auth/login", map[string]string{
			"email": "alice@example.com",
		})

		require.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRefresh(t *testing.T) {
	mux, _, _ := newMux(t)
	cookies := login(t, mux)

	rec := doJSON(mux, http.MethodPost, "/v1/auth/refresh", nil, cookies[auth.RefreshCookieName])
	require.Equal(t, http.StatusOK, rec.Code)

	rotated := cookieMap(rec)
	require.Contains(t, rotated, auth.AccessCookieName)
	require.Contains(t, rotated, auth.RefreshCookieName)
	require.NotEqual(t, cookies[auth.RefreshCookieName].Value, rotated[auth.RefreshCookieName].Value)

	// The old refresh token was consumed.
	rec = doJSON(mux, http.MethodPost, "/v1/auth/refresh", nil, cookies[auth.RefreshCookieName])
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), auth.SessionExpiredMessage)

	// The rotated one still works.
	rec = doJSON(mux, http.MethodPost, "/v1/auth/refresh", nil, rotated[auth.RefreshCookieName])
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshWithoutCookie(t *testing.T) {
	mux, _, _ := newMux(t)

	rec := doJSON(mux, http.MethodPost, "/v1/auth/refresh", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Failure clears both cookies.
	for _, c := range rec.Result().Cookies() {
		require.Equal(t, -1, c.MaxAge)
	}
}

func TestLogout(t *testing.T) {
	mux, _, _ := newMux(t)
	cookies := login(t, mux)

	rec := doJSON(mux, http.MethodPost, "/v1/auth/logout", nil,
		cookies[auth.AccessCookieName], cookies[auth.RefreshCookieName])
	require.Equal(t, http.StatusNoContent, rec.Code)

	for _, c := range rec.Result().Cookies() {
		require.Equal(t, -1, c.MaxAge)
	}

	// The session is gone: neither the access nor the refresh token works.
	rec = doJSON(mux, http.MethodGet, "/v1/me", nil, cookies[auth.AccessCookieName])
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(mux, http.MethodPost, "/v1/auth/refresh", nil, cookies[auth.RefreshCookieName])
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutWithoutSession(t *testing.T) {
	mux, _, _ := newMux(t)

	// Logout never fails, even with no cookies at all.
	rec := doJSON(mux, http.MethodPost, "/v1/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogoutAll(t *testing.T) {
	mux, _, _ := newMux(t)

	// Two devices for the same user.
	cookiesD1 := login(t, mux)
	rec := doJSON(mux, http.MethodPost, "/v1/auth/login", map[string]string{
		"email":     "alice@example.com",
		"password":  "hunter22hunter22",
		"device_id": "d2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	cookiesD2 := cookieMap(rec)

	rec = doJSON(mux, http.MethodPost, "/v1/auth/logout_all", nil, cookiesD1[auth.AccessCookieName])
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp["sessions_revoked"])

	// Both devices are now logged out.
	rec = doJSON(mux, http.MethodGet, "/v1/me", nil, cookiesD1[auth.AccessCookieName])
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doJSON(mux, http.MethodGet, "/v1/me", nil, cookiesD2[auth.AccessCookieName])
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessions(t *testing.T) {
	mux, _, _ := newMux(t)
	cookiesD1 := login(t, mux)

	rec := doJSON(mux, http.MethodPost, "/v1/auth/login", map[string]string{
		"email":     "alice@example.com",
		"password":  "hunter22hunter22",
		"device_id": "d2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(mux, http.MethodGet, "/v1/auth/sessions", nil, cookiesD1[auth.AccessCookieName])
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []sessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)

	byDevice := make(map[string]sessionInfo)
	for _, s := range sessions {
		byDevice[s.DeviceID] = s
	}
	require.True(t, byDevice["d1"].Current)
	require.False(t, byDevice["d2"].Current)
	require.Equal(t, "10.0.0.1", byDevice["d1"].IP)
}

func TestMe(t *testing.T) {
	mux, _, _ := newMux(t)
	cookies := login(t, mux)

	rec := doJSON(mux, http.MethodGet, "/v1/me", nil, cookies[auth.AccessCookieName])
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "u1", resp["user_id"])
	require.Equal(t, "member", resp["role"])
	require.Equal(t, "d1", resp["device_id"])
}

func TestHealth(t *testing.T) {
	mux, _, _ := newMux(t)

	rec := doJSON(mux, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator()
	a.AddUser("bob@example.com", "correct-horse-battery", "u2", "admin")

	identity, err := a.VerifyCredentials(context.Background(), "bob@example.com", "correct-horse-battery")
	require.NoError(t, err)
	require.Equal(t, "u2", identity.UserID)
	require.Equal(t, "admin", identity.Role)

	_, err = a.VerifyCredentials(context.Background(), "bob@example.com", "nope")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.VerifyCredentials(context.Background(), "nobody@example.com", "nope")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}
