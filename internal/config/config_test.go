package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/lifetrack/internal/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultProfile: "work"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestLoadSettingsMissingFileGivesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "settings.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), *s)
	assert.Equal(t, time.Minute, s.Sync.Interval.Duration)
	assert.Equal(t, 6, s.Retry.MaxAttempts)
}

func TestLoadSettingsOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
viewer_user_id = "A"
mode = "self_hosted"
server_url = "https://relay.example"

[sync]
interval = "30s"
pull_concurrency = 8

[retry]
base_delay = "5s"
`), 0600))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "A", s.ViewerUserID)
	assert.Equal(t, 30*time.Second, s.Sync.Interval.Duration)
	assert.Equal(t, 8, s.Sync.PullConcurrency)
	assert.Equal(t, 200, s.Sync.PageSize, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, s.Retry.BaseDelay.Duration)
	assert.Equal(t, time.Hour, s.Retry.MaxDelay.Duration)
}

func TestLoadSettingsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	require.NoError(t, os.WriteFile(path, []byte("[sync]\ninterval = \"soon\"\n"), 0600))

	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p", "settings.toml")
	s := DefaultSettings()
	s.ViewerUserID = "A"
	s.Retry.MaxDelay = Duration{90 * time.Minute}
	require.NoError(t, SaveSettings(path, &s))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, s, *loaded)
}

func TestValidate(t *testing.T) {
	s := DefaultSettings()
	assert.NoError(t, s.Validate())

	bad := DefaultSettings()
	bad.Retry.MaxDelay = Duration{time.Second}
	assert.Error(t, bad.Validate())

	bad = DefaultSettings()
	bad.Tracing.SampleRate = 2
	assert.Error(t, bad.Validate())

	bad = DefaultSettings()
	bad.Sync.PageSize = -1
	assert.Error(t, bad.Validate())
}

func TestApplyEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("LIFETRACK_MODE=self_hosted\nLIFETRACK_SERVER_URL=https://from-file.example\nLIFETRACK_VIEWER=A\n"), 0600))
	t.Setenv(EnvServerURL, "https://from-env.example")

	s := DefaultSettings()
	require.NoError(t, ApplyEnv(&s, envPath))
	assert.Equal(t, "self_hosted", s.Mode)
	assert.Equal(t, "https://from-env.example", s.ServerURL, "process env wins over .env")
	assert.Equal(t, "A", s.ViewerUserID)
}

func TestApplyEnvMissingFile(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, ApplyEnv(&s, filepath.Join(t.TempDir(), ".env")))
	assert.Equal(t, "local", s.Mode)
}

func TestLiveSetEndpointPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.toml")
	live := NewLive(path, DefaultSettings())
	assert.Equal(t, endpoint.ModeLocal, live.Mode())

	require.NoError(t, live.SetEndpoint("self-hosted", "https://relay.example"))
	assert.Equal(t, endpoint.ModeSelfHosted, live.Mode())
	assert.Equal(t, "https://relay.example", live.ServerURL())

	saved, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "self_hosted", saved.Mode)
	assert.Equal(t, "https://relay.example", saved.ServerURL)

	assert.Error(t, live.SetEndpoint("carrier-pigeon", ""))
	assert.Equal(t, endpoint.ModeSelfHosted, live.Mode(), "rejected change leaves settings alone")

	require.NoError(t, live.SetViewer("A"))
	assert.Equal(t, "A", live.Viewer())
	assert.Error(t, live.SetViewer(""))
}

func TestLiveUnknownModePassesThrough(t *testing.T) {
	s := DefaultSettings()
	s.Mode = "satellite"
	live := NewLive("", s)

	got := endpoint.Resolver{}.ResolveSource(live)
	assert.False(t, got.Reachable)
	assert.Equal(t, endpoint.ReasonUnknownMode, got.Reason)
}
