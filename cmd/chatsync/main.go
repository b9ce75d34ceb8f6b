package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL        string `toml:"base_url"`
	WSURL          string `toml:"ws_url"`
	LogLevel       string `toml:"log_level"`
	StorePath      string `toml:"store_path"`
	SharedFallback bool   `toml:"shared_fallback"`
}

// ConfigAuth holds the saved login.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token"`
	RefreshToken string `toml:"refresh_token"`
	Username     string `toml:"username"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file, honouring --config.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "log_level":
			cfg.Default.LogLevel = value
		case "store_path":
			cfg.Default.StorePath = value
		case "shared_fallback":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("shared_fallback must be true or false")
			}
			cfg.Default.SharedFallback = b
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "refresh_token":
			cfg.Auth.RefreshToken = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Runtime overrides
// ============================================================================

const envPrefix = "CHATSYNC"

var (
	cfgFile   string
	overrides = viper.New()
)

// applyOverrides layers CHATSYNC_* environment variables and persistent
// flags over the config file.
func applyOverrides(cfg *Config) {
	if v := overrides.GetString("default.base_url"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := overrides.GetString("default.ws_url"); v != "" {
		cfg.Default.WSURL = v
	}
	if v := overrides.GetString("default.log_level"); v != "" {
		cfg.Default.LogLevel = v
	}
	if v := overrides.GetString("default.store_path"); v != "" {
		cfg.Default.StorePath = v
	}
	if overrides.IsSet("default.shared_fallback") {
		cfg.Default.SharedFallback = overrides.GetBool("default.shared_fallback")
	}
	if v := overrides.GetString("auth.access_token"); v != "" {
		cfg.Auth.AccessToken = v
	}
}

// effectiveConfig is the config file with overrides applied.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, nil
}

func setupFlags(cmd *cobra.Command) {
	overrides.SetEnvPrefix(envPrefix)
	overrides.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	overrides.AutomaticEnv()

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("base-url", "", "REST API base URL")
	cmd.PersistentFlags().String("ws-url", "", "WebSocket base URL")
	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("store", "", "Shared store database path")

	bindFlag(cmd, "default.base_url", "base-url")
	bindFlag(cmd, "default.ws_url", "ws-url")
	bindFlag(cmd, "default.log_level", "log-level")
	bindFlag(cmd, "default.store_path", "store")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := overrides.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Campus chat CLI",
	Long:          "Command-line client for the campus chat backend.\nSign in, browse conversations and groups, and chat in real time.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	setupFlags(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
