package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"APPLE_ID",
		"APPLE_PASSWORD",
		"APPLE_TEAM_ID",
		"PLUME_CONFIG_DIR",
		"ANISETTE_URL",
		"ANISETTE_PROTOCOL",
		"ANISETTE_LOCALE",
		"ANISETTE_PROVISION_LIBS",
		"ANISETTE_LIBS_URL",
		"GSA_URL",
		"DEVELOPER_SERVICES_URL",
		"ENVIRONMENT",
		"LOG_LEVEL",
		"HTTP_TIMEOUT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PLUME_CONFIG_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://ani.sidestore.io", cfg.AnisetteURL)
	assert.Equal(t, ProtocolV3, cfg.AnisetteProtocol)
	assert.Equal(t, "en-GB", cfg.AnisetteLocale)
	assert.Equal(t, "en_GB", cfg.Locale)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Empty(t, cfg.ProvisionLibs)
	assert.Equal(t, runtime.GOOS == "linux", cfg.ShouldProvisionLibs())
	assert.Empty(t, cfg.GSAURL)
	assert.Empty(t, cfg.DeveloperServicesURL)
}

func TestLoad_AccountSettings(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PLUME_CONFIG_DIR", t.TempDir())
	t.Setenv("APPLE_ID", "user@example.com")
	t.Setenv("APPLE_PASSWORD", "correct-password")
	t.Setenv("APPLE_TEAM_ID", "TEAM000001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", cfg.AppleID)
	assert.Equal(t, "correct-password", cfg.ApplePassword)
	assert.Equal(t, "TEAM000001", cfg.TeamID)
}

func TestLoad_DefaultConfigDir(t *testing.T) {
	clearConfigEnv(t)

	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	t.Setenv("HOME", base)

	cfg, err := Load()
	require.NoError(t, err)

	want, err := DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, want, cfg.ConfigDir)
	assert.Equal(t, "plumesign", filepath.Base(cfg.ConfigDir))
}

func TestLoad_ResolvesRelativeConfigDir(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PLUME_CONFIG_DIR", "relative/dir")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.ConfigDir))
}

func TestLoad_ProvisionLibsOverride(t *testing.T) {
	for _, value := range []string{"true", "false"} {
		t.Run(value, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("PLUME_CONFIG_DIR", t.TempDir())
			t.Setenv("ANISETTE_PROVISION_LIBS", value)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, value == "true", cfg.ShouldProvisionLibs())
		})
	}
}

func TestLoad_Locale(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PLUME_CONFIG_DIR", t.TempDir())
	t.Setenv("ANISETTE_LOCALE", "fr-FR")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "fr_FR", cfg.Locale)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"ANISETTE_PROTOCOL", "v2"},
		{"ANISETTE_URL", "ftp://ani.example.com"},
		{"ANISETTE_URL", "https://"},
		{"ANISETTE_LIBS_URL", "not a url"},
		{"GSA_URL", "gsa.example.com"},
		{"DEVELOPER_SERVICES_URL", "file:///tmp"},
		{"ANISETTE_LOCALE", "???"},
		{"ANISETTE_PROVISION_LIBS", "sometimes"},
		{"LOG_LEVEL", "verbose"},
		{"HTTP_TIMEOUT", "-1s"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv("PLUME_CONFIG_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoad_UnparsableTimeout(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PLUME_CONFIG_DIR", t.TempDir())
	t.Setenv("HTTP_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

// --- helpers ---

func TestEnsureConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "plumesign")
	cfg := &Config{ConfigDir: dir}

	require.NoError(t, cfg.EnsureConfigDir())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}

	require.NoError(t, cfg.EnsureConfigDir())
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}
