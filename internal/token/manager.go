package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pairwise/authd/internal/kvstore"
	"github.com/pairwise/authd/internal/metadata"
	"github.com/pairwise/authd/internal/session"
)

// ErrUnauthorizedRotation is returned when a presented refresh token cannot
// be rotated: the registration is missing (already used or revoked), the
// token id does not match, or the session metadata check failed. Fatal for
// the session - the caller must force a re-login.
var ErrUnauthorizedRotation = errors.New("unauthorized rotation")

// Pair is a freshly issued access/refresh token pair. Both tokens carry the
// same token id at issue time.
type Pair struct {
	AccessToken  string
	RefreshToken string
	TokenID      string
}

const (
	accessKeyPrefix  = "access_token:"
	refreshKeyPrefix = "refresh:"
)

func accessKey(tokenID string) string {
	return accessKeyPrefix + tokenID
}

func refreshKey(userID, deviceID, tokenID string) string {
	return fmt.Sprintf("%s%s:%s:%s", refreshKeyPrefix, userID, deviceID, tokenID)
}

func refreshDevicePrefix(userID, deviceID string) string {
	return fmt.Sprintf("%s%s:%s:", refreshKeyPrefix, userID, deviceID)
}

// ManagerConfig configures token lifetimes and the sliding-renewal policy.
type ManagerConfig struct {
	// AccessTTL is the access-token lifetime.
	AccessTTL time.Duration

	// RefreshTTL is the refresh-token and session lifetime.
	RefreshTTL time.Duration

	// RenewalWindow is how close to expiry an access token must be before a
	// request triggers silent re-issuance. Default: 5m.
	RenewalWindow time.Duration

	// RenewalGrace bounds how long a superseded access-token registration
	// stays honoured after sliding renewal. Default: 60s.
	RenewalGrace time.Duration
}

// Validate checks the configuration is usable.
func (c *ManagerConfig) Validate() error {
	if c.AccessTTL <= 0 {
		return errors.New("access token ttl must be positive")
	}
	if c.RefreshTTL <= 0 {
		return errors.New("refresh token ttl must be positive")
	}
	if c.RefreshTTL < c.AccessTTL {
		return errors.New("refresh token ttl must not be shorter than access token ttl")
	}
	if c.RenewalWindow >= c.AccessTTL {
		return errors.New("renewal window must be shorter than the access token ttl")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *ManagerConfig) ApplyDefaults() {
	if c.RenewalWindow == 0 {
		c.RenewalWindow = 5 * time.Minute
	}
	if c.RenewalGrace == 0 {
		c.RenewalGrace = 60 * time.Second
	}
}

// Manager orchestrates issuance, rotation and revocation of token pairs.
// It is the only writer of access/refresh registrations and session records;
// all shared state lives in the key-value store, so no in-process locks are
// needed - correctness rests on per-key atomicity of the store.
type Manager struct {
	codec    *Codec
	kv       kvstore.Store
	sessions *session.Store
	cfg      ManagerConfig
	now      func() time.Time
}

// NewManager creates a token lifecycle manager.
func NewManager(codec *Codec, kv kvstore.Store, sessions *session.Store, cfg ManagerConfig) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}
	return &Manager{
		codec:    codec,
		kv:       kv,
		sessions: sessions,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// SetClock overrides the time source. Test use only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// AccessTTL returns the configured access-token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.cfg.AccessTTL }

// RefreshTTL returns the configured refresh-token lifetime.
func (m *Manager) RefreshTTL() time.Duration { return m.cfg.RefreshTTL }

// VerifyAccess verifies a presented access token string.
func (m *Manager) VerifyAccess(tokenStr string) (*Claims, error) {
	return m.codec.Verify(tokenStr, KindAccess)
}

// VerifyRefresh verifies a presented refresh token string.
func (m *Manager) VerifyRefresh(tokenStr string) (*Claims, error) {
	return m.codec.Verify(tokenStr, KindRefresh)
}

// Issue mints a new access/refresh pair for (user, device), superseding any
// existing session for that device. The new refresh registration is written
// last-writer-wins, so a device can never hold two valid refresh tokens.
func (m *Manager) Issue(ctx context.Context, userID, role string, device metadata.Device) (*Pair, error) {
	if err := m.sweepDevice(ctx, userID, device.DeviceID); err != nil {
		return nil, err
	}

	tokenID := uuid.NewString()

	accessToken, err := m.codec.Issue(userID, role, KindAccess, tokenID, device.DeviceID, m.cfg.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	refreshToken, err := m.codec.Issue(userID, role, KindRefresh, tokenID, device.DeviceID, m.cfg.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mint refresh token: %w", err)
	}

	if err := m.kv.SetWithTTL(ctx, accessKey(tokenID), userID, m.cfg.AccessTTL); err != nil {
		return nil, fmt.Errorf("failed to register access token: %w", err)
	}

	if err := m.kv.SetWithTTL(ctx, refreshKey(userID, device.DeviceID, tokenID), tokenID, m.cfg.RefreshTTL); err != nil {
		return nil, fmt.Errorf("failed to register refresh token: %w", err)
	}

	if _, err := m.sessions.Create(ctx, userID, tokenID, device); err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID).
		Str("device_id", device.DeviceID).
		Str("token_id", tokenID).
		Msg("Issued token pair")

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenID:      tokenID,
	}, nil
}

// IsAccessValid is the sole authority on access-token validity: the
// registration key must exist and its stored value must equal the user id.
// A well-signed, unexpired token with no registration has been revoked.
func (m *Manager) IsAccessValid(ctx context.Context, tokenID, userID string) (bool, error) {
	val, err := m.kv.Get(ctx, accessKey(tokenID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return val == userID, nil
}

// Rotate exchanges a valid refresh token for a fresh pair. The old
// registration is deleted before the new one is issued; the delete doubles
// as the race arbiter - when two requests race on the same stale token id,
// only the one that observes a successful delete proceeds.
func (m *Manager) Rotate(ctx context.Context, userID, deviceID, oldTokenID, role string, device metadata.Device) (*Pair, error) {
	oldKey := refreshKey(userID, deviceID, oldTokenID)

	val, err := m.kv.Get(ctx, oldKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			log.Warn().
				Str("user_id", userID).
				Str("device_id", deviceID).
				Str("token_id", oldTokenID).
				Msg("Refresh token not registered - reuse or revocation")
			return nil, ErrUnauthorizedRotation
		}
		return nil, err
	}
	if val != oldTokenID {
		return nil, ErrUnauthorizedRotation
	}

	ok, err := m.sessions.Validate(ctx, userID, deviceID, oldTokenID, device)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn().
			Str("user_id", userID).
			Str("device_id", deviceID).
			Msg("Session validation failed during rotation")
		return nil, ErrUnauthorizedRotation
	}

	// Single-use enforcement: whoever deletes the old registration wins.
	removed, err := m.kv.Delete(ctx, oldKey)
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, ErrUnauthorizedRotation
	}

	if _, err := m.kv.Delete(ctx, session.Key(userID, deviceID, oldTokenID)); err != nil {
		return nil, err
	}

	return m.Issue(ctx, userID, role, device)
}

// SlidingRenewal re-issues the access token when the presented one is inside
// the renewal window. Returns the new signed token, or "" when no action is
// needed. Expired tokens are never renewed here; they go through Rotate.
//
// The superseded registration is not deleted - in-flight requests may still
// carry the old token - but its TTL is cut down to the renewal grace so the
// overlap stays short.
func (m *Manager) SlidingRenewal(ctx context.Context, claims *Claims, device metadata.Device) (string, error) {
	remaining := claims.ExpiresAt.Sub(m.now())
	if remaining <= 0 || remaining > m.cfg.RenewalWindow {
		return "", nil
	}

	newTokenID := uuid.NewString()
	accessToken, err := m.codec.Issue(claims.UserID, claims.Role, KindAccess, newTokenID, claims.DeviceID, m.cfg.AccessTTL)
	if err != nil {
		return "", fmt.Errorf("failed to mint renewal access token: %w", err)
	}

	if err := m.kv.SetWithTTL(ctx, accessKey(newTokenID), claims.UserID, m.cfg.AccessTTL); err != nil {
		return "", fmt.Errorf("failed to register renewal access token: %w", err)
	}

	// Bound the overlap of the superseded token. Skip when the registration
	// is already gone - re-writing it would resurrect a revoked token.
	if remaining > m.cfg.RenewalGrace {
		val, err := m.kv.Get(ctx, accessKey(claims.TokenID))
		if err == nil && val == claims.UserID {
			if err := m.kv.SetWithTTL(ctx, accessKey(claims.TokenID), val, m.cfg.RenewalGrace); err != nil {
				return "", fmt.Errorf("failed to rearm superseded access token: %w", err)
			}
		} else if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return "", err
		}
	}

	log.Debug().
		Str("user_id", claims.UserID).
		Str("old_token_id", claims.TokenID).
		Str("new_token_id", newTokenID).
		Dur("remaining", remaining).
		Msg("Sliding renewal issued access token")

	return accessToken, nil
}

// InvalidateDeviceSession revokes everything held by one device: the refresh
// registration, the access registrations recorded in its sessions, and the
// session records themselves (deactivated with a short grace).
func (m *Manager) InvalidateDeviceSession(ctx context.Context, userID, deviceID string) error {
	recs, err := m.sessions.ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	var keys []string
	for _, rec := range recs {
		if rec.DeviceID != deviceID {
			continue
		}
		keys = append(keys, accessKey(rec.TokenID), refreshKey(userID, deviceID, rec.TokenID))
	}
	if _, err := m.kv.Delete(ctx, keys...); err != nil {
		return err
	}

	if err := m.sessions.Deactivate(ctx, userID, deviceID); err != nil {
		return err
	}

	log.Info().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Msg("Invalidated device session")

	return nil
}

// InvalidateAllSessions revokes every session the user holds, across all
// devices, and returns how many sessions were affected. The sweep is scoped
// to the user's own keys.
func (m *Manager) InvalidateAllSessions(ctx context.Context, userID string) (int, error) {
	recs, err := m.sessions.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	devices := make(map[string]bool)
	var keys []string
	for _, rec := range recs {
		devices[rec.DeviceID] = true
		keys = append(keys, accessKey(rec.TokenID), refreshKey(userID, rec.DeviceID, rec.TokenID))
	}
	if _, err := m.kv.Delete(ctx, keys...); err != nil {
		return 0, err
	}

	for deviceID := range devices {
		if err := m.sessions.Deactivate(ctx, userID, deviceID); err != nil {
			return 0, err
		}
	}

	log.Info().
		Str("user_id", userID).
		Int("count", len(recs)).
		Msg("Invalidated all sessions for user")

	return len(recs), nil
}

// ListSessions enumerates the user's sessions for audit and the
// "log out everywhere" surface.
func (m *Manager) ListSessions(ctx context.Context, userID string) ([]*session.Record, error) {
	return m.sessions.ListByUser(ctx, userID)
}

// sweepDevice removes any prior refresh registrations and session records
// for the device before a new pair is issued.
func (m *Manager) sweepDevice(ctx context.Context, userID, deviceID string) error {
	keys, err := m.kv.ListKeysByPrefix(ctx, refreshDevicePrefix(userID, deviceID))
	if err != nil {
		return fmt.Errorf("failed to list refresh registrations: %w", err)
	}
	if len(keys) > 0 {
		if _, err := m.kv.Delete(ctx, keys...); err != nil {
			return err
		}
	}

	if _, err := m.sessions.DeleteByDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	return nil
}
