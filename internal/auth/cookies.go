package auth

import (
	"net/http"
	"time"
)

// Cookie names on the wire.
const (
	AccessCookieName  = "accessToken"
	RefreshCookieName = "refreshToken"
)

// CookieConfig controls the attributes of the auth cookies.
type CookieConfig struct {
	// Domain is the cookie domain; empty means host-only.
	Domain string

	// Secure marks the cookies HTTPS-only. Disable only in development.
	Secure bool
}

func (c CookieConfig) build(name, value string, maxAge time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Domain:   c.Domain,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(maxAge.Seconds()),
	}
}

// AccessCookie builds the access-token cookie.
func (c CookieConfig) AccessCookie(value string, ttl time.Duration) *http.Cookie {
	return c.build(AccessCookieName, value, ttl)
}

// RefreshCookie builds the refresh-token cookie.
func (c CookieConfig) RefreshCookie(value string, ttl time.Duration) *http.Cookie {
	return c.build(RefreshCookieName, value, ttl)
}

// LogoutCookies returns expired cookies that clear both tokens on the client.
func (c CookieConfig) LogoutCookies() []*http.Cookie {
	access := c.build(AccessCookieName, "", 0)
	access.MaxAge = -1
	refresh := c.build(RefreshCookieName, "", 0)
	refresh.MaxAge = -1
	return []*http.Cookie{access, refresh}
}

// ClearCookies writes the logout cookies to the response.
func (c CookieConfig) ClearCookies(w http.ResponseWriter) {
	for _, cookie := range c.LogoutCookies() {
		http.SetCookie(w, cookie)
	}
}
