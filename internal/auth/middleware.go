package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/pairwise/authd/internal/kvstore"
	"github.com/pairwise/authd/internal/metadata"
	"github.com/pairwise/authd/internal/token"
)

// Sentinel errors for common error conditions
var (
	// ErrMissingToken is returned when a mandatory route has no access cookie.
	ErrMissingToken = errors.New("missing token")

	// ErrSessionExpired is returned when neither validation nor rotation
	// could authenticate the request. The client must log in again.
	ErrSessionExpired = errors.New("session expired")
)

// SessionExpiredMessage is the only failure detail exposed to clients.
// Internal distinctions (replay, metadata mismatch, revocation) are logged
// server-side only.
const SessionExpiredMessage = "session expired, please log in again"

// Principal is the authenticated identity attached to the request context.
type Principal struct {
	UserID   string
	Role     string
	DeviceID string
	TokenID  string
}

type contextKey int

const principalContextKey contextKey = iota

// PrincipalFromContext extracts the authenticated principal from the request
// context. Returns nil if no principal is present (unauthenticated request).
func PrincipalFromContext(ctx context.Context) *Principal {
	principal, _ := ctx.Value(principalContextKey).(*Principal)
	return principal
}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// Middleware is the per-request auth gate. It extracts the bearer token from
// the access cookie, validates it against the token lifecycle manager,
// silently renews tokens close to expiry, falls back to refresh-token
// rotation when the access token is no longer honoured, and rewrites the
// response cookies whenever new tokens are minted.
type Middleware struct {
	manager *token.Manager
	cookies CookieConfig
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(manager *token.Manager, cookies CookieConfig) *Middleware {
	return &Middleware{manager: manager, cookies: cookies}
}

// Require wraps a handler that fails closed: requests without a valid
// session get their cookies cleared and a 401.
func (m *Middleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.authenticate(w, r)
		if err != nil {
			if errors.Is(err, kvstore.ErrUnavailable) {
				// A store outage is not "not authenticated" - failing with
				// 401 here would log users out on a transient blip.
				log.Error().Err(err).Str("path", r.URL.Path).Msg("Auth store unavailable")
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			m.cookies.ClearCookies(w)
			http.Error(w, SessionExpiredMessage, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// Optional wraps a handler that never fails: the principal is injected when
// a valid session is present and omitted otherwise.
func (m *Middleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := m.authenticate(w, r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Optional auth: no session")
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// authenticate runs the full per-request state machine:
// extract -> verify -> registration check -> sliding renewal, with
// refresh-token rotation as the fallback when the access token is expired
// or no longer honoured.
func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request) (*Principal, error) {
	cookie, err := r.Cookie(AccessCookieName)
	if err != nil || cookie.Value == "" {
		// No access token at all; a refresh cookie alone can still recover
		// the session.
		if _, rerr := r.Cookie(RefreshCookieName); rerr == nil {
			return m.rotate(w, r)
		}
		return nil, ErrMissingToken
	}

	claims, err := m.manager.VerifyAccess(cookie.Value)
	if err != nil {
		if errors.Is(err, token.ErrTokenExpired) {
			return m.rotate(w, r)
		}
		return nil, err
	}

	ok, err := m.manager.IsAccessValid(r.Context(), claims.TokenID, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Structurally valid but revoked or superseded; try the refresh path.
		return m.rotate(w, r)
	}

	// Valid request: check whether the token is close enough to expiry to
	// renew silently. Runs on every authenticated request, so it is a single
	// conditional store write at most.
	device := metadata.FromRequest(r, claims.DeviceID)
	renewed, err := m.manager.SlidingRenewal(r.Context(), claims, device)
	if err != nil {
		// Renewal is best-effort; the presented token is still valid.
		log.Warn().Err(err).Str("user_id", claims.UserID).Msg("Sliding renewal failed")
	} else if renewed != "" {
		http.SetCookie(w, m.cookies.AccessCookie(renewed, m.manager.AccessTTL()))
	}

	return &Principal{
		UserID:   claims.UserID,
		Role:     claims.Role,
		DeviceID: claims.DeviceID,
		TokenID:  claims.TokenID,
	}, nil
}

// rotate attempts to recover the session from the refresh cookie. On success
// both cookies are rewritten; on failure the caller clears them.
func (m *Middleware) rotate(w http.ResponseWriter, r *http.Request) (*Principal, error) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrSessionExpired
	}

	claims, err := m.manager.VerifyRefresh(cookie.Value)
	if err != nil {
		return nil, err
	}

	device := metadata.FromRequest(r, claims.DeviceID)
	pair, err := m.manager.Rotate(r.Context(), claims.UserID, claims.DeviceID, claims.TokenID, claims.Role, device)
	if err != nil {
		return nil, err
	}

	http.SetCookie(w, m.cookies.AccessCookie(pair.AccessToken, m.manager.AccessTTL()))
	http.SetCookie(w, m.cookies.RefreshCookie(pair.RefreshToken, m.manager.RefreshTTL()))

	return &Principal{
		UserID:   claims.UserID,
		Role:     claims.Role,
		DeviceID: claims.DeviceID,
		TokenID:  pair.TokenID,
	}, nil
}
