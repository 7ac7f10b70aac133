package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/lanmesh/internal/config"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1234, cfg.DiscoveryPort)
	assert.Equal(t, 2*time.Second, cfg.LivenessTimeout)
	assert.Equal(t, 1<<20, cfg.MaxFragmentSize)
}

func TestBindFlags(t *testing.T) {
	cfg := config.Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	err := fs.Parse([]string{"-discovery-port", "4321", "-max-fragment", "512", "-gateway", ""})
	require.NoError(t, err)

	assert.Equal(t, 4321, cfg.DiscoveryPort)
	assert.Equal(t, 512, cfg.MaxFragmentSize)
	assert.Empty(t, cfg.GatewayAddr)
	assert.Equal(t, "0.0.0.0:0", cfg.ListenAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad port", func(c *config.Config) { c.DiscoveryPort = 70000 }},
		{"zero heartbeat", func(c *config.Config) { c.HeartbeatInterval = 0 }},
		{"zero timeout", func(c *config.Config) { c.LivenessTimeout = 0 }},
		{"zero fragment", func(c *config.Config) { c.MaxFragmentSize = 0 }},
		{"frame smaller than fragment", func(c *config.Config) { c.MaxFrameSize = c.MaxFragmentSize - 1 }},
		{"frame without room for headers", func(c *config.Config) { c.MaxFrameSize = c.MaxFragmentSize }},
		{"no files dir", func(c *config.Config) { c.FilesDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_DiscoveryDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.DiscoveryPort = 0
	assert.NoError(t, cfg.Validate())
}

func TestSettings_MissingFileGeneratesIdentity(t *testing.T) {
	s, err := config.LoadSettings(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	_, err = uuid.Parse(s.ID)
	assert.NoError(t, err)
	assert.NotEmpty(t, s.Name)
}

func TestSettings_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lanmesh.json")
	want := config.Settings{ID: config.NewID(), Name: "alice"}

	require.NoError(t, config.SaveSettings(path, want))
	got, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSettings_InvalidIDIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanmesh.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"not-a-uuid","name":"bob"}`), 0o644))

	got, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", got.ID)
	assert.Equal(t, "bob", got.Name)
}

func TestSettings_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanmesh.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	_, err := config.LoadSettings(path)
	assert.Error(t, err)
}
