package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"No Brain Aneurysm", "Brain Aneurysm Detected!"}, cfg.Model.Labels)
	assert.Equal(t, 256, cfg.Model.InputSize)
	assert.Equal(t, "uploads", cfg.Uploads.Dir)
	assert.True(t, cfg.Uploads.Keep)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  addr: ":9090"
  shutdownTimeout: 3s
model:
  path: models/classifier.onnx
  labels: ["negative", "positive", "unsure"]
uploads:
  keep: false
auth:
  tokenTTL: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "models/classifier.onnx", cfg.Model.Path)
	assert.Len(t, cfg.Model.Labels, 3)
	assert.False(t, cfg.Uploads.Keep)
	assert.Equal(t, 30*time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, []string{".nii", ".nii.gz"}, cfg.Uploads.AllowedExtensions)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ANEURYSM_ADDR":   ":7000",
		"ANEURYSM_DEBUG":  "true",
		"DATABASE_DRIVER": "postgres",
		"DATABASE_DSN":    "host=db",
		"ANEURYSM_LABELS": "healthy, aneurysm",
		"REDIS_ADDR":      "redis:6379",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "host=db", cfg.Database.DSN)
	assert.Equal(t, []string{"healthy", "aneurysm"}, cfg.Model.Labels)
	assert.Equal(t, "redis:6379", cfg.Auth.RedisAddr)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsBadBool(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(key string) (string, bool) {
		if key == "ANEURYSM_DEBUG" {
			return "maybe", true
		}
		return "", false
	})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"single label", func(c *Config) { c.Model.Labels = []string{"only"} }},
		{"empty label", func(c *Config) { c.Model.Labels = []string{"a", ""} }},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"no model", func(c *Config) { c.Model.Path = "" }},
		{"zero input size", func(c *Config) { c.Model.InputSize = 0 }},
		{"no extensions", func(c *Config) { c.Uploads.AllowedExtensions = nil }},
		{"no secret", func(c *Config) { c.Auth.JWTSecret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
