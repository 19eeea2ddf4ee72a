package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes the two bearer token flavours.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Sentinel errors for common error conditions
var (
	// ErrTokenInvalid is returned for signature, shape or kind failures.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrTokenExpired is returned when the token is past its expiry.
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the verified content of a bearer token.
type Claims struct {
	UserID    string
	Role      string
	Kind      Kind
	TokenID   string
	DeviceID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type jwtClaims struct {
	Role     string `json:"role,omitempty"`
	Kind     string `json:"type"`
	DeviceID string `json:"did,omitempty"`
	jwt.RegisteredClaims
}

// CodecConfig configures token signing and verification.
// Access and refresh tokens are signed with distinct secrets so a leaked
// access secret cannot be used to forge refresh tokens.
type CodecConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Audience      string
}

// Validate checks the configuration is usable. Called at startup; a codec is
// never constructed from a bad config.
func (c *CodecConfig) Validate() error {
	if len(c.AccessSecret) < 32 {
		return errors.New("access token secret must be at least 32 bytes")
	}
	if len(c.RefreshSecret) < 32 {
		return errors.New("refresh token secret must be at least 32 bytes")
	}
	if c.Issuer == "" {
		return errors.New("token issuer is required")
	}
	if c.Audience == "" {
		return errors.New("token audience is required")
	}
	return nil
}

// Codec signs and verifies bearer tokens. It is a pure function over the
// secret configuration - no I/O, no state.
type Codec struct {
	cfg CodecConfig
}

// NewCodec creates a codec after validating the configuration.
func NewCodec(cfg CodecConfig) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid codec config: %w", err)
	}
	return &Codec{cfg: cfg}, nil
}

func (c *Codec) secretFor(kind Kind) ([]byte, error) {
	switch kind {
	case KindAccess:
		return c.cfg.AccessSecret, nil
	case KindRefresh:
		return c.cfg.RefreshSecret, nil
	default:
		return nil, fmt.Errorf("unknown token kind %q", kind)
	}
}

// Issue builds and signs a token of the given kind.
func (c *Codec) Issue(userID, role string, kind Kind, tokenID, deviceID string, ttl time.Duration) (string, error) {
	secret, err := c.secretFor(kind)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := &jwtClaims{
		Role:     role,
		Kind:     string(kind),
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        tokenID,
			Issuer:    c.cfg.Issuer,
			Audience:  jwt.ClaimStrings{c.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Verify checks signature, expiry, issuer, audience and token kind.
// Fails with ErrTokenExpired past expiry, ErrTokenInvalid for everything
// else. Business-level validity (revocation) is not checked here.
func (c *Codec) Verify(tokenStr string, expected Kind) (*Claims, error) {
	secret, err := c.secretFor(expected)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.ParseWithClaims(tokenStr, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithAudience(c.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Kind != string(expected) {
		return nil, fmt.Errorf("%w: kind %q, expected %q", ErrTokenInvalid, claims.Kind, expected)
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or token id", ErrTokenInvalid)
	}

	return toClaims(claims), nil
}

// DecodeUnverified extracts claims without checking the signature. For
// diagnostics and tooling only; never a substitute for Verify.
func (c *Codec) DecodeUnverified(tokenStr string) (*Claims, error) {
	var claims jwtClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return toClaims(&claims), nil
}

func toClaims(c *jwtClaims) *Claims {
	out := &Claims{
		UserID:   c.Subject,
		Role:     c.Role,
		Kind:     Kind(c.Kind),
		TokenID:  c.ID,
		DeviceID: c.DeviceID,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out
}
