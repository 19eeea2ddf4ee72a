package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/pairwise/authd/internal/auth"
	"github.com/pairwise/authd/internal/kvstore"
	memorystore "github.com/pairwise/authd/internal/kvstore/memory"
	postgresstore "github.com/pairwise/authd/internal/kvstore/postgres"
	redisstore "github.com/pairwise/authd/internal/kvstore/redis"
	"github.com/pairwise/authd/internal/logger"
	"github.com/pairwise/authd/internal/server"
	"github.com/pairwise/authd/internal/session"
	"github.com/pairwise/authd/internal/token"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"AUTHD_LISTEN"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins" default:"https://localhost" env:"AUTHD_CORS_ORIGINS"`

	// Token configuration
	AccessSecret  string `help:"HMAC secret for access tokens (min 32 bytes)" env:"AUTHD_ACCESS_SECRET"`
	RefreshSecret string `help:"HMAC secret for refresh tokens (min 32 bytes)" env:"AUTHD_REFRESH_SECRET"`
	Issuer        string `help:"JWT issuer claim" default:"authd" env:"AUTHD_ISSUER"`
	Audience      string `help:"JWT audience claim" default:"pairwise" env:"AUTHD_AUDIENCE"`
	AccessTTL     string `help:"access token lifetime (e.g. 30m)" default:"30m" env:"AUTHD_ACCESS_TTL"`
	RefreshTTL    string `help:"refresh token lifetime (e.g. 7d)" default:"7d" env:"AUTHD_REFRESH_TTL"`
	RenewalWindow string `help:"sliding renewal window before access expiry" default:"5m" env:"AUTHD_RENEWAL_WINDOW"`
	RenewalGrace  string `help:"grace period for superseded access tokens" default:"60s" env:"AUTHD_RENEWAL_GRACE"`

	// Session configuration
	SessionMaxAge string `help:"absolute session age cap, 0 disables" default:"0s" env:"AUTHD_SESSION_MAX_AGE"`

	// Cookie configuration
	CookieDomain string `help:"cookie domain" default:"" env:"AUTHD_COOKIE_DOMAIN"`
	CookieSecure bool   `help:"set the Secure attribute on cookies" default:"true" env:"AUTHD_COOKIE_SECURE"`

	// Store configuration
	StoreType string        `help:"store type (memory, redis or postgres)" default:"memory" env:"AUTHD_STORE_TYPE" enum:"memory,redis,postgres"`
	Redis     RedisFlags    `embed:"" prefix:"redis-"`
	Postgres  PostgresFlags `embed:"" prefix:"postgres-"`
	DevUsers  DevUsersFlags `embed:"" prefix:"dev-"`
}

type RedisFlags struct {
	Addr     string `help:"Redis host:port" default:"localhost:6379" env:"AUTHD_REDIS_ADDR"`
	Password string `help:"Redis password" default:"" env:"AUTHD_REDIS_PASSWORD"`
	DB       int    `help:"Redis logical database" default:"0" env:"AUTHD_REDIS_DB"`
}

type PostgresFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// SweepInterval is how often expired rows are reclaimed.
	SweepInterval int32 `help:"expired-entry sweep interval in seconds" default:"300"`
}

// DevUsersFlags seeds the static in-memory authenticator. Development only;
// production deployments put a real identity service behind the login route.
type DevUsersFlags struct {
	UserEmail    string `help:"static dev user email (development only)" default:"" env:"AUTHD_DEV_USER_EMAIL"`
	UserPassword string `help:"static dev user password (development only)" default:"" env:"AUTHD_DEV_USER_PASSWORD"`
	UserID       string `help:"static dev user id" default:"dev-user" env:"AUTHD_DEV_USER_ID"`
	UserRole     string `help:"static dev user role" default:"member" env:"AUTHD_DEV_USER_ROLE"`
}

func (c *ServerCmd) Validate() error {
	if len(c.AccessSecret) < 32 {
		return errors.New("access secret must be at least 32 bytes (--access-secret or AUTHD_ACCESS_SECRET)")
	}
	if len(c.RefreshSecret) < 32 {
		return errors.New("refresh secret must be at least 32 bytes (--refresh-secret or AUTHD_REFRESH_SECRET)")
	}
	if c.StoreType == "postgres" && c.Postgres.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	accessTTL, err := token.ParseTTL(c.AccessTTL)
	if err != nil {
		return fmt.Errorf("invalid access ttl: %w", err)
	}
	refreshTTL, err := token.ParseTTL(c.RefreshTTL)
	if err != nil {
		return fmt.Errorf("invalid refresh ttl: %w", err)
	}
	renewalWindow, err := token.ParseTTL(c.RenewalWindow)
	if err != nil {
		return fmt.Errorf("invalid renewal window: %w", err)
	}
	renewalGrace, err := token.ParseTTL(c.RenewalGrace)
	if err != nil {
		return fmt.Errorf("invalid renewal grace: %w", err)
	}

	var sessionMaxAge time.Duration
	if c.SessionMaxAge != "" && c.SessionMaxAge != "0s" {
		sessionMaxAge, err = token.ParseTTL(c.SessionMaxAge)
		if err != nil {
			return fmt.Errorf("invalid session max age: %w", err)
		}
	}

	// Create the key-value store based on store type
	var kv kvstore.Store

	switch c.StoreType {
	case "redis":
		kv, err = redisstore.NewStore(ctx, &redisstore.Config{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to create redis store: %w", err)
		}
		log.Info().Str("addr", c.Redis.Addr).Msg("Using Redis store")

	case "postgres":
		pool, perr := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.Postgres.ConnString,
			MaxConns:        c.Postgres.MaxConns,
			MinConns:        c.Postgres.MinConns,
			MaxConnLifetime: c.Postgres.MaxConnLifetime,
			MaxConnIdleTime: c.Postgres.MaxConnIdleTime,
		})
		if perr != nil {
			return fmt.Errorf("failed to create connection pool: %w", perr)
		}

		pgStore, perr := postgresstore.NewStore(ctx, pool)
		if perr != nil {
			pool.Close()
			return fmt.Errorf("failed to create postgres store: %w", perr)
		}
		kv = pgStore

		// Postgres expiry is lazy; reclaim dead rows in the background.
		go func() {
			ticker := time.NewTicker(time.Duration(c.Postgres.SweepInterval) * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				n, serr := pgStore.DeleteExpired(ctx)
				if serr != nil {
					log.Error().Err(serr).Msg("Expired-entry sweep failed")
					continue
				}
				if n > 0 {
					log.Debug().Int("removed", n).Msg("Swept expired entries")
				}
			}
		}()

		log.Info().Msg("Using PostgreSQL store")

	default:
		kv = memorystore.NewStore()
		log.Warn().Msg("Using in-memory store. Sessions will not survive a restart!")
	}

	defer func() {
		if cerr := kv.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to close store")
		}
	}()

	sessions, err := session.NewStore(kv, session.Config{
		TTL:    refreshTTL,
		MaxAge: sessionMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}

	codec, err := token.NewCodec(token.CodecConfig{
		AccessSecret:  []byte(c.AccessSecret),
		RefreshSecret: []byte(c.RefreshSecret),
		Issuer:        c.Issuer,
		Audience:      c.Audience,
	})
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}

	manager, err := token.NewManager(codec, kv, sessions, token.ManagerConfig{
		AccessTTL:     accessTTL,
		RefreshTTL:    refreshTTL,
		RenewalWindow: renewalWindow,
		RenewalGrace:  renewalGrace,
	})
	if err != nil {
		return fmt.Errorf("failed to create token manager: %w", err)
	}

	authenticator := server.NewStaticAuthenticator()
	if c.DevUsers.UserEmail != "" {
		log.Warn().Str("email", c.DevUsers.UserEmail).Msg("Static dev user enabled. This should only be used in development!")
		authenticator.AddUser(c.DevUsers.UserEmail, c.DevUsers.UserPassword, c.DevUsers.UserID, c.DevUsers.UserRole)
	}

	cookies := auth.CookieConfig{
		Domain: c.CookieDomain,
		Secure: c.CookieSecure,
	}
	mw := auth.NewMiddleware(manager, cookies)

	mux := http.NewServeMux()
	srv := server.New(manager, kv, authenticator, mw, cookies)
	srv.Routes(mux)

	handler := withCORS(c.CORSOrigins, mux)
	handler = logger.RequestLogging(log)(handler)

	log.Info().Str("addr", c.Listen).Str("store", c.StoreType).Msg("Starting HTTP server")
	return configureHTTPServer(c.Listen, handler).ListenAndServe()
}

// withCORS adds CORS support with credentials enabled, which cookie-based
// authentication requires.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}
