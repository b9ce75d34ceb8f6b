package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/campuslink/chatsync"
	"github.com/campuslink/chatsync/sqlitestore"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger returns a zap logger configured for structured production logging.
func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()

	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning", "":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}

	return cfg.Build()
}

// session is one CLI process acting as a tab: its identity in the shared
// store, its own credentials and a client bound to both.
type session struct {
	cfg    *Config
	logger *zap.Logger
	store  *sqlitestore.Store
	tab    *chatsync.TabSession
	creds  *chatsync.CredentialStore
	client *chatsync.Client
}

func storePath(cfg *Config) (string, error) {
	if cfg.Default.StorePath != "" {
		return cfg.Default.StorePath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shared.db"), nil
}

func clientOptions(cfg *Config, logger *zap.Logger) []chatsync.ClientOption {
	opts := []chatsync.ClientOption{chatsync.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, chatsync.WithWSBaseURL(cfg.Default.WSURL))
	}
	return opts
}

// anonymousClient is a client for endpoints that need no login.
func anonymousClient() (*chatsync.Client, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Default.LogLevel)
	if err != nil {
		return nil, err
	}
	return chatsync.NewClient(clientOptions(cfg, logger)...), nil
}

// openSession registers this process in the shared store and adopts the
// saved login into its own credential namespace.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.AccessToken == "" {
		return nil, fmt.Errorf("not logged in; run 'chatsync login <username>' first")
	}

	logger, err := newLogger(cfg.Default.LogLevel)
	if err != nil {
		return nil, err
	}
	path, err := storePath(cfg)
	if err != nil {
		return nil, err
	}
	store, err := sqlitestore.Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open shared store: %w", err)
	}

	tab, err := chatsync.NewTabSession(chatsync.TabSessionConfig{
		Store:     store,
		UserAgent: chatsync.DefaultUserAgent + " (cli)",
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := tab.Start(ctx); err != nil {
		store.Close()
		return nil, err
	}

	creds, err := chatsync.NewCredentialStore(chatsync.CredentialConfig{
		Store:               store,
		SessionKey:          tab.SessionKey(),
		AllowSharedFallback: cfg.Default.SharedFallback,
		Logger:              logger,
	})
	if err != nil {
		tab.Close(ctx)
		store.Close()
		return nil, err
	}
	if err := creds.Adopt(ctx, chatsync.Tokens{
		Access:   cfg.Auth.AccessToken,
		Refresh:  cfg.Auth.RefreshToken,
		Username: cfg.Auth.Username,
	}); err != nil {
		tab.Close(ctx)
		store.Close()
		return nil, err
	}

	opts := append(clientOptions(cfg, logger),
		chatsync.WithTokenSource(creds),
		chatsync.WithTabSession(tab),
	)
	client := chatsync.NewClient(opts...)
	creds.SetRefresher(client.Auth)

	return &session{cfg: cfg, logger: logger, store: store, tab: tab, creds: creds, client: client}, nil
}

// close persists a refreshed access token and removes this tab from the
// shared store.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if tok, err := s.creds.Token(ctx); err == nil && tok != s.cfg.Auth.AccessToken {
		if saved, err := loadConfig(); err == nil {
			saved.Auth.AccessToken = tok
			if err := saveConfig(saved); err != nil {
				s.logger.Warn("failed to persist refreshed token", zap.Error(err))
			}
		}
	}
	if err := s.creds.Clear(ctx); err != nil {
		s.logger.Debug("credential cleanup failed", zap.Error(err))
	}
	if err := s.tab.Close(ctx); err != nil {
		s.logger.Debug("tab cleanup failed", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Debug("store close failed", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// username is the signed-in user, from the config or the token subject.
func (s *session) username(ctx context.Context) (string, error) {
	if s.cfg.Auth.Username != "" {
		return s.cfg.Auth.Username, nil
	}
	me, err := s.client.Profile.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("look up current user: %w", err)
	}
	return me.Username, nil
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "..."
	}
	if len(token) <= 16 {
		return token[:2] + "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(ts chatsync.Timestamp) string {
	if ts.IsZero() {
		return "--:--"
	}
	local := ts.Local()
	if time.Since(local) > 24*time.Hour {
		return local.Format("Jan 2 15:04")
	}
	return local.Format("15:04")
}
