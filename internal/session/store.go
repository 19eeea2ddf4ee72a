package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pairwise/authd/internal/kvstore"
	"github.com/pairwise/authd/internal/metadata"
)

// Config configures session lifetimes.
type Config struct {
	// TTL is the session record lifetime, equal to the refresh-token lifetime.
	TTL time.Duration

	// MaxAge caps how old a session may grow before validation fails even if
	// the record is still present. Zero means no cap beyond the TTL.
	MaxAge time.Duration

	// DeactivateGrace is how long a deactivated record lingers so in-flight
	// requests see an explicit inactive record instead of a missing one.
	// Default: 30s.
	DeactivateGrace time.Duration
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.MaxAge < 0 {
		return errors.New("session max age must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.DeactivateGrace == 0 {
		c.DeactivateGrace = 30 * time.Second
	}
}

// Store persists session records in the key-value store. All writes go
// through the token lifecycle manager; nothing here is cached in-process.
type Store struct {
	kv  kvstore.Store
	cfg Config
	now func() time.Time
}

// NewStore creates a session store over the given key-value backend.
func NewStore(kv kvstore.Store, cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	return &Store{kv: kv, cfg: cfg, now: time.Now}, nil
}

// SetClock overrides the time source. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Create writes a new active record for (user, device, token). Any prior
// record at the same key is overwritten; records for other token ids on the
// same device are the caller's responsibility to sweep.
func (s *Store) Create(ctx context.Context, userID, tokenID string, device metadata.Device) (*Record, error) {
	now := s.now()
	rec := &Record{
		UserID:       userID,
		DeviceID:     device.DeviceID,
		TokenID:      tokenID,
		IssuingIP:    device.IP,
		UserAgent:    device.UserAgent,
		Browser:      device.Browser,
		OS:           device.OS,
		DeviceName:   device.Name,
		CreatedAt:    now,
		LastActiveAt: now,
		IsActive:     true,
	}

	if err := s.put(ctx, rec, s.cfg.TTL); err != nil {
		return nil, err
	}

	log.Debug().
		Str("user_id", userID).
		Str("device_id", device.DeviceID).
		Str("token_id", tokenID).
		Msg("Created session")

	return rec, nil
}

// Get retrieves the record for (user, device, token), or kvstore.ErrNotFound.
func (s *Store) Get(ctx context.Context, userID, deviceID, tokenID string) (*Record, error) {
	return s.getByKey(ctx, Key(userID, deviceID, tokenID))
}

// Validate reports whether the session at (user, device, token) is live and
// the presented metadata matches what was stored at creation. Absence,
// inactivity, exceeding max age, and metadata mismatch all yield false; only
// store failures yield an error.
func (s *Store) Validate(ctx context.Context, userID, deviceID, tokenID string, presented metadata.Device) (bool, error) {
	rec, err := s.Get(ctx, userID, deviceID, tokenID)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if !rec.IsActive {
		return false, nil
	}

	if s.cfg.MaxAge > 0 && s.now().Sub(rec.CreatedAt) > s.cfg.MaxAge {
		log.Debug().Str("user_id", userID).Str("device_id", deviceID).Msg("Session exceeded max age")
		return false, nil
	}

	if !rec.MatchesMetadata(presented) {
		log.Warn().
			Str("user_id", userID).
			Str("device_id", deviceID).
			Str("stored_ip", rec.IssuingIP).
			Str("presented_ip", presented.IP).
			Msg("Session metadata mismatch")
		return false, nil
	}

	return true, nil
}

// Deactivate flips every record for (user, device) to inactive and re-arms
// it with the short grace TTL instead of deleting it outright.
func (s *Store) Deactivate(ctx context.Context, userID, deviceID string) error {
	recs, err := s.listByPrefix(ctx, DevicePrefix(userID, deviceID))
	if err != nil {
		return err
	}

	for _, rec := range recs {
		rec.IsActive = false
		if err := s.put(ctx, rec, s.cfg.DeactivateGrace); err != nil {
			return err
		}
	}

	log.Debug().
		Str("user_id", userID).
		Str("device_id", deviceID).
		Int("count", len(recs)).
		Msg("Deactivated device sessions")

	return nil
}

// DeleteByDevice removes every record for (user, device) and returns how
// many existed.
func (s *Store) DeleteByDevice(ctx context.Context, userID, deviceID string) (int64, error) {
	keys, err := s.kv.ListKeysByPrefix(ctx, DevicePrefix(userID, deviceID))
	if err != nil {
		return 0, fmt.Errorf("failed to list device sessions: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.kv.Delete(ctx, keys...)
}

// ListByUser enumerates every session record for the user, one per device.
// The enumeration is a prefix scan over the user's own keyspace, never a
// store-wide sweep.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	return s.listByPrefix(ctx, UserPrefix(userID))
}

func (s *Store) put(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := s.kv.SetWithTTL(ctx, rec.Key(), string(data), ttl); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	return nil
}

func (s *Store) getByKey(ctx context.Context, key string) (*Record, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record at %q: %w", key, err)
	}
	return &rec, nil
}

func (s *Store) listByPrefix(ctx context.Context, prefix string) ([]*Record, error) {
	keys, err := s.kv.ListKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	recs := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.getByKey(ctx, key)
		if err != nil {
			if errors.Is(err, kvstore.ErrNotFound) {
				// Expired between listing and fetch.
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
