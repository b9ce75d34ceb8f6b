package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
	keyUsername     = "username"
	keyUser         = "user"

	DefaultRefreshSkew = 30 * time.Second
)

// TokenSource supplies bearer tokens to the REST client and the realtime
// channel.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
}

// StaticToken is a TokenSource that never refreshes.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNotAuthenticated
	}
	return string(s), nil
}

func (s StaticToken) Refresh(ctx context.Context) (string, error) {
	return "", ErrNoRefreshToken
}

// CredentialConfig configures a CredentialStore.
type CredentialConfig struct {
	Store      SharedStore
	SessionKey string
	Refresher  TokenRefresher

	// AllowSharedFallback reads the unscoped shared credentials when this
	// session has none. Off by default: another instance may be signed in as
	// a different user.
	AllowSharedFallback bool
	// WriteShared mirrors saved credentials into the unscoped shared keys.
	WriteShared bool

	RefreshSkew time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// CredentialStore keeps auth state under "{sessionKey}_<name>" keys so that
// concurrent instances signed in as different users never overwrite each
// other's tokens.
type CredentialStore struct {
	store      SharedStore
	sessionKey string
	refresher  TokenRefresher
	fallback   bool
	mirror     bool
	skew       time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	refreshMu sync.Mutex
}

// NewCredentialStore validates cfg and returns a store bound to one session.
func NewCredentialStore(cfg CredentialConfig) (*CredentialStore, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.SessionKey == "" {
		return nil, errors.New("session key is required")
	}
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &CredentialStore{
		store:      cfg.Store,
		sessionKey: cfg.SessionKey,
		refresher:  cfg.Refresher,
		fallback:   cfg.AllowSharedFallback,
		mirror:     cfg.WriteShared,
		skew:       skew,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SetRefresher installs the refresher after construction, for callers whose
// REST client itself depends on this store.
func (c *CredentialStore) SetRefresher(r TokenRefresher) {
	c.refreshMu.Lock()
	c.refresher = r
	c.refreshMu.Unlock()
}

func (c *CredentialStore) scoped(name string) string {
	return c.sessionKey + "_" + name
}

// Save stores tokens for this session.
func (c *CredentialStore) Save(ctx context.Context, tokens Tokens) error {
	if tokens.Access == "" {
		return errors.New("access token is required")
	}
	values := map[string]string{keyAccessToken: tokens.Access}
	if tokens.Refresh != "" {
		values[keyRefreshToken] = tokens.Refresh
	}
	if tokens.Username != "" {
		values[keyUsername] = tokens.Username
	}
	for name, v := range values {
		if err := c.store.SetSessionValue(ctx, c.sessionKey, c.scoped(name), v); err != nil {
			return fmt.Errorf("save %s: %w", name, err)
		}
		if c.mirror {
			if err := c.store.SetSharedValue(ctx, name, v); err != nil {
				return fmt.Errorf("save shared %s: %w", name, err)
			}
		}
	}
	return nil
}

// Adopt explicitly imports credentials obtained elsewhere, such as a saved
// CLI login, into this session.
func (c *CredentialStore) Adopt(ctx context.Context, tokens Tokens) error {
	if err := c.Save(ctx, tokens); err != nil {
		return err
	}
	c.logger.Debug("adopted credentials", zap.String("session_key", c.sessionKey), zap.String("username", tokens.Username))
	return nil
}

// SaveUser stores the signed-in user's profile for this session.
func (c *CredentialStore) SaveUser(ctx context.Context, user User) error {
	b, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := c.store.SetSessionValue(ctx, c.sessionKey, c.scoped(keyUser), string(b)); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if user.Username != "" {
		return c.store.SetSessionValue(ctx, c.sessionKey, c.scoped(keyUsername), user.Username)
	}
	return nil
}

// User returns the stored profile, or nil when none is stored.
func (c *CredentialStore) User(ctx context.Context) (*User, error) {
	raw, err := c.lookup(ctx, keyUser, false)
	if err != nil || raw == "" {
		return nil, err
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// Username returns the stored username.
func (c *CredentialStore) Username(ctx context.Context) (string, error) {
	return c.lookup(ctx, keyUsername, c.fallback)
}

// lookup reads the session-scoped value and, when allowed, the shared one.
func (c *CredentialStore) lookup(ctx context.Context, name string, shared bool) (string, error) {
	v, ok, err := c.store.SessionValue(ctx, c.sessionKey, c.scoped(name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	if ok && v != "" {
		return v, nil
	}
	if !shared {
		return "", nil
	}
	v, _, err = c.store.SharedValue(ctx, name)
	if err != nil {
		return "", fmt.Errorf("read shared %s: %w", name, err)
	}
	if v != "" {
		c.logger.Debug("using shared credential", zap.String("name", name))
	}
	return v, nil
}

// Token returns a usable access token, refreshing it first when it expires
// within the refresh skew. A session without a token is unauthenticated.
func (c *CredentialStore) Token(ctx context.Context) (string, error) {
	access, err := c.lookup(ctx, keyAccessToken, c.fallback)
	if err != nil {
		return "", err
	}
	if access == "" {
		return "", ErrNotAuthenticated
	}

	exp, ok := TokenExpiry(access)
	if !ok || c.clock().Add(c.skew).Before(exp) {
		return access, nil
	}

	fresh, err := c.Refresh(ctx)
	if err == nil {
		return fresh, nil
	}
	if c.clock().Before(exp) {
		c.logger.Warn("token refresh failed, using current token", zap.Error(err))
		return access, nil
	}
	return "", fmt.Errorf("access token expired: %w", err)
}

// Refresh exchanges the stored refresh token for a new access token and
// stores it for this session.
func (c *CredentialStore) Refresh(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if c.refresher == nil {
		return "", ErrNoRefreshToken
	}
	refresh, err := c.lookup(ctx, keyRefreshToken, c.fallback)
	if err != nil {
		return "", err
	}
	if refresh == "" {
		return "", ErrNoRefreshToken
	}

	tokens, err := c.refresher.Refresh(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if tokens.Refresh == "" {
		tokens.Refresh = refresh
	}
	if err := c.Save(ctx, *tokens); err != nil {
		return "", err
	}
	c.logger.Info("access token refreshed", zap.String("session_key", c.sessionKey))
	return tokens.Access, nil
}

// Clear signs this session out without touching other sessions.
func (c *CredentialStore) Clear(ctx context.Context) error {
	for _, name := range []string{keyAccessToken, keyRefreshToken, keyUsername, keyUser} {
		if err := c.store.DeleteSessionValue(ctx, c.sessionKey, c.scoped(name)); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
	}
	return nil
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
func TokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
