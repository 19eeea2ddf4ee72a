package server

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/rs/zerolog/log"
)

// ErrInvalidCredentials indicates the provided email or password are incorrect.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Identity is the verified account a login resolves to.
type Identity struct {
	UserID string
	Role   string
}

// Authenticator verifies login credentials. Account storage and password
// hashing live with the identity service, not here - this daemon only needs
// a yes/no plus the resolved identity.
type Authenticator interface {
	VerifyCredentials(ctx context.Context, email, password string) (*Identity, error)
}

// StaticAuthenticator verifies credentials against a fixed in-memory set.
// Development and testing only.
type StaticAuthenticator struct {
	users map[string]staticUser
}

type staticUser struct {
	password string
	identity Identity
}

// NewStaticAuthenticator creates an authenticator over a fixed user set.
func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{users: make(map[string]staticUser)}
}

// AddUser registers a user. Not safe for concurrent use with VerifyCredentials;
// call during setup only.
func (a *StaticAuthenticator) AddUser(email, password, userID, role string) {
	a.users[email] = staticUser{
		password: password,
		identity: Identity{UserID: userID, Role: role},
	}
}

// VerifyCredentials implements Authenticator.
func (a *StaticAuthenticator) VerifyCredentials(ctx context.Context, email, password string) (*Identity, error) {
	u, ok := a.users[email]
	if !ok {
		log.Debug().Str("email", email).Msg("Unknown user")
		return nil, ErrInvalidCredentials
	}

	if subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) != 1 {
		return nil, ErrInvalidCredentials
	}

	identity := u.identity
	return &identity, nil
}
