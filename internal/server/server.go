package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairwise/authd/internal/auth"
	"github.com/pairwise/authd/internal/kvstore"
	"github.com/pairwise/authd/internal/metadata"
	"github.com/pairwise/authd/internal/token"
)

// Server exposes the session-management HTTP surface: login, refresh,
// logout (this device and everywhere), session listing and health. All token
// state changes go through the lifecycle manager; handlers only translate
// HTTP to manager calls and rewrite cookies.
type Server struct {
	manager       *token.Manager
	kv            kvstore.Store
	authenticator Authenticator
	mw            *auth.Middleware
	cookies       auth.CookieConfig
}

// New creates the HTTP server surface.
func New(manager *token.Manager, kv kvstore.Store, authenticator Authenticator, mw *auth.Middleware, cookies auth.CookieConfig) *Server {
	return &Server{
		manager:       manager,
		kv:            kv,
		authenticator: authenticator,
		mw:            mw,
		cookies:       cookies,
	}
}

// Routes registers all endpoints on the mux.
func (s *Server) Routes(mux *http.ServeMux) {
	// Public routes - no auth attempted.
	mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	mux.HandleFunc("POST /v1/auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Logout works with or without a live session; it always clears cookies.
	mux.Handle("POST /v1/auth/logout", s.mw.Optional(http.HandlerFunc(s.handleLogout)))

	// Mandatory-auth routes.
	mux.Handle("POST /v1/auth/logout_all", s.mw.Require(http.HandlerFunc(s.handleLogoutAll)))
	mux.Handle("GET /v1/auth/sessions", s.mw.Require(http.HandlerFunc(s.handleSessions)))
	mux.Handle("GET /v1/me", s.mw.Require(http.HandlerFunc(s.handleMe)))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

type loginResponse struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	TokenID string `json:"token_id"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Email == "" || req.Password == "" {
		http.Error(w, "email and password are required", http.StatusBadRequest)
		return
	}
	if !metadata.ValidDeviceID(req.DeviceID) {
		http.Error(w, "invalid device_id", http.StatusBadRequest)
		return
	}

	identity, err := s.authenticator.VerifyCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			log.Warn().Str("email", req.Email).Str("ip", metadata.ClientIP(r)).Msg("Login failed")
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.internalError(w, r, err)
		return
	}

	device := metadata.FromRequest(r, req.DeviceID)
	pair, err := s.manager.Issue(r.Context(), identity.UserID, identity.Role, device)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.setPairCookies(w, pair)
	writeJSON(w, http.StatusOK, loginResponse{
		UserID:  identity.UserID,
		Role:    identity.Role,
		TokenID: pair.TokenID,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.RefreshCookieName)
	if err != nil || cookie.Value == "" {
		s.cookies.ClearCookies(w)
		http.Error(w, auth.SessionExpiredMessage, http.StatusUnauthorized)
		return
	}

	claims, err := s.manager.VerifyRefresh(cookie.Value)
	if err != nil {
		s.cookies.ClearCookies(w)
		http.Error(w, auth.SessionExpiredMessage, http.StatusUnauthorized)
		return
	}

	device := metadata.FromRequest(r, claims.DeviceID)
	pair, err := s.manager.Rotate(r.Context(), claims.UserID, claims.DeviceID, claims.TokenID, claims.Role, device)
	if err != nil {
		if errors.Is(err, token.ErrUnauthorizedRotation) {
			log.Warn().Str("user_id", claims.UserID).Str("device_id", claims.DeviceID).Msg("Refresh rejected")
			s.cookies.ClearCookies(w)
			http.Error(w, auth.SessionExpiredMessage, http.StatusUnauthorized)
			return
		}
		s.internalError(w, r, err)
		return
	}

	s.setPairCookies(w, pair)
	writeJSON(w, http.StatusOK, map[string]string{"token_id": pair.TokenID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if principal := auth.PrincipalFromContext(r.Context()); principal != nil {
		if err := s.manager.InvalidateDeviceSession(r.Context(), principal.UserID, principal.DeviceID); err != nil {
			// Still clear the cookies; the registrations will expire on TTL.
			log.Error().Err(err).Str("user_id", principal.UserID).Msg("Failed to invalidate device session")
		}
	}

	s.cookies.ClearCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	count, err := s.manager.InvalidateAllSessions(r.Context(), principal.UserID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.cookies.ClearCookies(w)
	writeJSON(w, http.StatusOK, map[string]int{"sessions_revoked": count})
}

type sessionInfo struct {
	DeviceID     string    `json:"device_id"`
	IP           string    `json:"ip"`
	Browser      string    `json:"browser,omitempty"`
	OS           string    `json:"os,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Current      bool      `json:"current"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	recs, err := s.manager.ListSessions(r.Context(), principal.UserID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	out := make([]sessionInfo, 0, len(recs))
	for _, rec := range recs {
		if !rec.IsActive {
			continue
		}
		out = append(out, sessionInfo{
			DeviceID:     rec.DeviceID,
			IP:           rec.IssuingIP,
			Browser:      rec.Browser,
			OS:           rec.OS,
			CreatedAt:    rec.CreatedAt,
			LastActiveAt: rec.LastActiveAt,
			Current:      rec.DeviceID == principal.DeviceID,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFromContext(r.Context())

	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":   principal.UserID,
		"role":      principal.Role,
		"device_id": principal.DeviceID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setPairCookies(w http.ResponseWriter, pair *token.Pair) {
	http.SetCookie(w, s.cookies.AccessCookie(pair.AccessToken, s.manager.AccessTTL()))
	http.SetCookie(w, s.cookies.RefreshCookie(pair.RefreshToken, s.manager.RefreshTTL()))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
