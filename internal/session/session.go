package session

import (
	"fmt"
	"time"

	"github.com/pairwise/authd/internal/metadata"
)

// Record binds one authenticated device to a user and the currently valid
// refresh token identifier, with the connection metadata captured at issue.
type Record struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`

	// TokenID identifies the currently valid refresh token for this device.
	TokenID string `json:"token_id"`

	IssuingIP string `json:"issuing_ip"`
	UserAgent string `json:"user_agent"`

	// Parsed device description, audit only.
	Browser    string `json:"browser,omitempty"`
	OS         string `json:"os,omitempty"`
	DeviceName string `json:"device_name,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	IsActive bool `json:"is_active"`
}

// Key returns the storage key for this record.
func (r *Record) Key() string {
	return Key(r.UserID, r.DeviceID, r.TokenID)
}

// MatchesMetadata reports whether the presented connection metadata matches
// what was captured when the session was created. A mismatch on either IP or
// user-agent invalidates the session rather than triggering a step-up
// challenge; see the policy note in DESIGN.md.
func (r *Record) MatchesMetadata(presented metadata.Device) bool {
	return r.IssuingIP == presented.IP && r.UserAgent == presented.UserAgent
}

const keyPrefix = "session:"

// Key builds the storage key for a (user, device, token) binding.
func Key(userID, deviceID, tokenID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, userID, deviceID, tokenID)
}

// UserPrefix returns the key prefix covering all of a user's sessions.
func UserPrefix(userID string) string {
	return fmt.Sprintf("%s%s:", keyPrefix, userID)
}

// DevicePrefix returns the key prefix covering one device's sessions.
// At most one live key ever matches it.
func DevicePrefix(userID, deviceID string) string {
	return fmt.Sprintf("%s%s:%s:", keyPrefix, userID, deviceID)
}
