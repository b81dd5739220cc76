package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/v0", cfg.Server.BasePath)
	require.Equal(t, 15, cfg.Gameplay.MaxPrepMinutes)
	require.True(t, cfg.GuardReadyStatus())
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
render:
  guard_ready: false
  callback_secret: s3cret
webhooks:
  - url: https://hooks.example.com/questline
    events: [event.compiled]
`))
	require.NoError(t, err)
	require.False(t, cfg.GuardReadyStatus())
	require.Equal(t, "s3cret", cfg.Render.CallbackSecret)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Len(t, cfg.Webhooks, 1)
}

func TestValidateRejectsBadWebhook(t *testing.T) {
	_, err := FromYAML([]byte("webhooks:\n  - url: ftp://nope\n"))
	require.Error(t, err)
	_, err = FromYAML([]byte("gameplay:\n  max_prep_minutes: -1\n"))
	require.Error(t, err)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte("server:\n  base_path: api\n"), 0o644))
	_, err = Load(dir)
	require.Error(t, err)
}
