package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/plumesign/internal/anisette"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// appDirName is the directory created under the user config dir.
	appDirName = "plumesign"

	configDirPerm = 0o700

	ProtocolV1 = "v1"
	ProtocolV3 = "v3"
)

// Config holds all environment-based configuration for plumesign.
type Config struct {
	// Apple account. The password is optional and prompted for when
	// empty; it is never written anywhere.
	AppleID       string `env:"APPLE_ID"`
	ApplePassword string `env:"APPLE_PASSWORD"`

	// Team to operate on. When empty a single team is used as is and
	// several teams require a choice.
	TeamID string `env:"APPLE_TEAM_ID"`

	// Directory holding identity state and downloaded libraries. Defaults
	// to <user config dir>/plumesign.
	ConfigDir string `env:"PLUME_CONFIG_DIR"`

	// Anisette server settings.
	AnisetteURL      string `env:"ANISETTE_URL" envDefault:"https://ani.sidestore.io"`
	AnisetteProtocol string `env:"ANISETTE_PROTOCOL" envDefault:"v3"`
	AnisetteLocale   string `env:"ANISETTE_LOCALE" envDefault:"en-GB"`

	// ProvisionLibs controls the identity library download. Empty means
	// enabled on linux only.
	ProvisionLibs string `env:"ANISETTE_PROVISION_LIBS"`
	LibrariesURL  string `env:"ANISETTE_LIBS_URL"`

	// Service endpoints, overridable for testing against a simulation.
	GSAURL               string `env:"GSA_URL"`
	DeveloperServicesURL string `env:"DEVELOPER_SERVICES_URL"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// Locale is AnisetteLocale in provider form ("en_GB"), set by Load.
	Locale string
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ConfigDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}

		cfg.ConfigDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	locale, err := anisette.ParseLocale(cfg.AnisetteLocale)
	if err != nil {
		return nil, fmt.Errorf("validating config: ANISETTE_LOCALE: %w", err)
	}

	cfg.Locale = locale

	absDir, err := filepath.Abs(cfg.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir to absolute path: %w", err)
	}

	cfg.ConfigDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AnisetteProtocol {
	case ProtocolV1, ProtocolV3:
	default:
		return fmt.Errorf("ANISETTE_PROTOCOL must be %q or %q, got %q", ProtocolV1, ProtocolV3, c.AnisetteProtocol)
	}

	if err := validateURL(c.AnisetteURL); err != nil {
		return fmt.Errorf("ANISETTE_URL: %w", err)
	}

	for name, value := range map[string]string{
		"ANISETTE_LIBS_URL":      c.LibrariesURL,
		"GSA_URL":                c.GSAURL,
		"DEVELOPER_SERVICES_URL": c.DeveloperServicesURL,
	} {
		if value == "" {
			continue
		}

		if err := validateURL(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	if c.ProvisionLibs != "" {
		if _, err := strconv.ParseBool(c.ProvisionLibs); err != nil {
			return fmt.Errorf("ANISETTE_PROVISION_LIBS must be a boolean, got %q", c.ProvisionLibs)
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https, got %q", raw)
	}

	if u.Host == "" {
		return fmt.Errorf("URL has no host: %q", raw)
	}

	return nil
}

// DefaultConfigDir returns <user config dir>/plumesign.
func DefaultConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determining config directory: %w", err)
	}

	return filepath.Join(base, appDirName), nil
}

// EnsureConfigDir creates the config directory on first use.
func (c *Config) EnsureConfigDir() error {
	if err := os.MkdirAll(c.ConfigDir, configDirPerm); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	return nil
}

// ShouldProvisionLibs reports whether identity libraries are downloaded.
func (c *Config) ShouldProvisionLibs() bool {
	if v, err := strconv.ParseBool(c.ProvisionLibs); err == nil {
		return v
	}

	return runtime.GOOS == "linux"
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
