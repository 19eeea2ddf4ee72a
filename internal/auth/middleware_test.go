package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pairwise/authd/internal/kvstore"
	"github.com/pairwise/authd/internal/kvstore/memory"
	"github.com/pairwise/authd/internal/metadata"
	"github.com/pairwise/authd/internal/session"
	"github.com/pairwise/authd/internal/token"
)

const testUserAgent = "test-agent"

func newTestManager(t *testing.T) (*token.Manager, *memory.Store) {
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

	return m, kv
}

// issueFor issues a pair for the canonical test device. The device metadata
// must line up with what newRequest presents, otherwise rotation will
// reject the session.
func issueFor(t *testing.T, m *token.Manager, userID string) *token.Pair {
	t.Helper()

	device := metadata.Enrich("d1", "10.0.0.1", testUserAgent)
	pair, err := m.Issue(context.Background(), userID, "member", device)
	require.NoError(t, err)
	return pair
}

func newRequest(cookies ...*http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	r.Header.Set("User-Agent", testUserAgent)
	r.Header.Set("X-Real-IP", "10.0.0.1")
	for _, c := range cookies {
		r.AddCookie(c)
	}
	return r
}

func echoPrincipal(captured **Principal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireWithValidToken(t *testing.T) {
	m, _ := newTestManager(t)
	mw := NewMiddleware(m, CookieConfig{Secure: true})
	pair := issueFor(t, m, "u1")

	var principal *Principal
	rec := httptest.NewRecorder()
	req := newRequest(&http.Cookie{Name: AccessCookieName, Value: pair.AccessToken})

	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)
	require.Equal(t, "u1", principal.UserID)
	require.Equal(t, "d1", principal.DeviceID)
	require.Equal(t, pair.TokenID, principal.TokenID)

	// Far from expiry: no renewal cookie.
	require.Empty(t, rec.Result().Cookies())
}

func TestRequireWithoutCookies(t *testing.T) {
	m, _ := newTestManager(t)
	mw := NewMiddleware(m, CookieConfig{Secure: true})

	var principal *Principal
	rec := httptest.NewRecorder()

	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, newRequest())

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, principal)

	// Cookies are cleared on auth failure.
	for _, c := range rec.Result().Cookies() {
		require.Equal(t, -1, c.MaxAge)
	}
}

func TestRequireRevokedTokenRotates(t *testing.T) {
	m, kv := newTestManager(t)
	mw := NewMiddleware(m, CookieConfig{Secure: true})
	pair := issueFor(t, m, "u1")

	// Revoke the access registration; the signed token is still unexpired.
	_, err := kv.Delete(context.Background(), "access_token:"+pair.TokenID)
	require.NoError(t, err)

	var principal *Principal
	rec := httptest.NewRecorder()
	req := newRequest(
		&http.Cookie{Name: AccessCookieName, Value: pair.AccessToken},
		&http.Cookie{Name: RefreshCookieName, Value: pair.RefreshToken},
	)

	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)
	require.NotEqual(t, pair.TokenID, principal.TokenID, "rotation must mint a new token id")

	// Both cookies were rewritten.
	cookies := rec.Result().Cookies()
	names := make(map[string]string)
	for _, c := range cookies {
		names[c.Name] = c.Value
	}
	require.Contains(t, names, AccessCookieName)
	require.Contains(t, names, RefreshCookieName)

	// The new access token authenticates.
	claims, err := m.VerifyAccess(names[AccessCookieName])
	require.NoError(t, err)
	ok, err := m.IsAccessValid(context.Background(), claims.TokenID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRequireRevokedTokenWithoutRefreshFails(t *testing.T) {
	m, kv := newTestManager(t)
	mw := NewMiddleware(m, CookieConfig{Secure: true})
	pair := issueFor(t, m, "u1")

	_, err := kv.Delete(context.Background(), "access_token:"+pair.TokenID)
	require.NoError(t, err)

	var principal *Principal
	rec := httptest.NewRecorder()
	req := newRequest(&http.Cookie{Name: AccessCookieName, Value: pair.AccessToken})

	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Nil(t, principal)
}

func TestRefreshReplayFails(t *testing.T) {
	m, _ := newTestManager(t)
	mw := NewMiddleware(m, CookieConfig{Secure: true})
	pair := issueFor(t, m, "u1")

	// First rotation through the middleware succeeds.
	rec := httptest.NewRecorder()
	req := newRequest(&http.Cookie{Name: RefreshCookieName, Value: pair.RefreshToken})
	var principal *Principal
	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Replaying the same refresh token is fatal.
	rec = httptest.NewRecorder()
	req = newRequest(&http.Cookie{Name: RefreshCookieName, Value: pair.RefreshToken})
	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlidingRenewalSetsCookie(t *testing.T) {
	m, _ := newTestManager(t)
	mw := NewMiddleware(m, CookieConfig{Secure: true})
	pair := issueFor(t, m, "u1")

	// Move the manager's clock to 5 seconds before the access token expires.
	claims, err := m.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	m.SetClock(func() time.Time { return claims.ExpiresAt.Add(-5 * time.Second) })

	var principal *Principal
	rec := httptest.NewRecorder()
	req := newRequest(&http.Cookie{Name: AccessCookieName, Value: pair.AccessToken})

	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, principal)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, AccessCookieName, cookies[0].Name)

	renewed, err := m.VerifyAccess(cookies[0].Value)
	require.NoError(t, err)
	require.NotEqual(t, pair.TokenID, renewed.TokenID)

	// The superseded token is still independently honoured for its grace.
	ok, err := m.IsAccessValid(context.Background(), pair.TokenID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
}

// unavailableStore simulates a backend outage: every operation fails with
// kvstore.ErrUnavailable, the way the redis and postgres stores report
// transport failures.
type unavailableStore struct{}

func (unavailableStore) Get(ctx context.Context, key string) (string, error) {
	return "", kvstore.ErrUnavailable
}

func (unavailableStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return kvstore.ErrUnavailable
}

func (unavailableStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	return 0, kvstore.ErrUnavailable
}

func (unavailableStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, kvstore.ErrUnavailable
}

func (unavailableStore) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	return nil, kvstore.ErrUnavailable
}

func (unavailableStore) Ping(ctx context.Context) error { return kvstore.ErrUnavailable }

func (unavailableStore) Close() error { return nil }

func TestRequireStoreOutageIs503(t *testing.T) {
	// Mint a valid pair against a healthy store.
	m, _ := newTestManager(t)
	pair := issueFor(t, m, "u1")

	// Serve the request through a manager whose store is down. The codec
	// config matches, so the token itself verifies.
	sessions, err := session.NewStore(unavailableStore{}, session.Config{TTL: 7 * 24 * time.Hour})
	require.NoError(t, err)

	codec, err := token.NewCodec(token.CodecConfig{
		AccessSecret:  []byte("access-secret-key-minimum-32-characters"),
		RefreshSecret: []byte("refresh-secret-key-minimum-32-characters"),
		Issuer:        "authd",
		Audience:      "pairwise",
	})
	require.NoError(t, err)

	down, err := token.NewManager(codec, unavailableStore{}, sessions, token.ManagerConfig{
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)

	mw := NewMiddleware(down, CookieConfig{Secure: true})

	var principal *Principal
	rec := httptest.NewRecorder()
	req := newRequest(&http.Cookie{Name: AccessCookieName, Value: pair.AccessToken})

	mw.Require(echoPrincipal(&principal)).ServeHTTP(rec, req)

	// An outage must not masquerade as "not authenticated": no 401, and the
	// client keeps its cookies for when the store comes back.
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Nil(t, principal)
	require.Empty(t, rec.Result().Cookies())
}

func TestOptionalNeverFails(t *testing.T) {
	m, _ := newTestManager(t)
	mw := NewMiddleware(m, CookieConfig{Secure: true})

	t.Run("no cookies", func(t *testing.T) {
		var principal *Principal
		rec := httptest.NewRecorder()

		mw.Optional(echoPrincipal(&principal)).ServeHTTP(rec, newRequest())

		require.Equal(t, http.StatusOK, rec.Code)
		require.Nil(t, principal)
	})

	t.Run("garbage token", func(t *testing.T) {
		var principal *Principal
		rec := httptest.NewRecorder()
		req := newRequest(&http.Cookie{Name: AccessCookieName, Value: "garbage"})

		mw.Optional(echoPrincipal(&principal)).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Nil(t, principal)
	})

	t.Run("valid token injects principal", func(t *testing.T) {
		pair := issueFor(t, m, "u1")

		var principal *Principal
		rec := httptest.NewRecorder()
		req := newRequest(&http.Cookie{Name: AccessCookieName, Value: pair.AccessToken})

		mw.Optional(echoPrincipal(&principal)).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, principal)
		require.Equal(t, "u1", principal.UserID)
	})
}
