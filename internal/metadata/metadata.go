// Package metadata captures the connection metadata bound to a session:
// client IP, raw user-agent, and the parsed device description used for
// audit records. Parsing happens here, at the edge - the token lifecycle
// layer only ever sees the pre-parsed struct.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	ua "github.com/mileusna/useragent"
)

// Device describes the client a token pair was issued to.
type Device struct {
	// DeviceID identifies the device for session scoping. Client-supplied
	// where possible, otherwise derived from the user-agent.
	DeviceID string `json:"device_id"`

	// IP is the issuing client IP address.
	IP string `json:"ip"`

	// UserAgent is the raw User-Agent header.
	UserAgent string `json:"user_agent"`

	// Browser, OS and Name are parsed from the user-agent for audit records.
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Name    string `json:"name,omitempty"`
}

// FromRequest builds a Device from an incoming request. deviceID may be
// empty, in which case a stable identifier is derived from the user-agent.
func FromRequest(r *http.Request, deviceID string) Device {
	return Enrich(deviceID, ClientIP(r), r.UserAgent())
}

// Enrich parses the user-agent and fills in the derived fields.
func Enrich(deviceID, ip, userAgent string) Device {
	parsed := ua.Parse(userAgent)

	if deviceID == "" {
		deviceID = deriveDeviceID(userAgent)
	}

	return Device{
		DeviceID:  deviceID,
		IP:        ip,
		UserAgent: userAgent,
		Browser:   parsed.Name,
		OS:        parsed.OS,
		Name:      parsed.Device,
	}
}

// maxDeviceIDLen bounds client-supplied device identifiers.
const maxDeviceIDLen = 64

// ValidDeviceID reports whether a client-supplied device identifier is safe
// to embed in store keys. Device ids become key segments delimited by ':'
// and feed Redis SCAN patterns and SQL LIKE prefixes, so only an allowlist
// of plain characters is accepted. Empty is fine; one gets derived.
func ValidDeviceID(deviceID string) bool {
	if len(deviceID) > maxDeviceIDLen {
		return false
	}
	for i := 0; i < len(deviceID); i++ {
		c := deviceID[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

// deriveDeviceID produces a stable identifier for clients that do not supply
// one. Two browsers with identical user-agents collapse into one device,
// which matches the single-session-per-device policy.
func deriveDeviceID(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:8])
}

// ClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (for proxied requests), then X-Real-IP,
// finally RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list (comma-separated)
		if before, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(before)
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// SplitHostPort strips the brackets from IPv6 literals, keeping the
	// stored form consistent with header-derived addresses.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
