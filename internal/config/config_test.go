package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 3, cfg.Generation.BatchSize)
	assert.Equal(t, 3, cfg.Generation.MaxRegenerationAttempts)
	assert.Equal(t, 27, cfg.Pricing["image"])
	assert.Equal(t, 125, cfg.Pricing["video"])
	assert.Equal(t, 6, cfg.Pricing["voiceover"])
	assert.Equal(t, 10, cfg.Pricing["music"])
	assert.Equal(t, 2, cfg.Pricing["scene"])
	assert.Equal(t, 5, cfg.Pricing["character"])
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
jwt:
  secret: from-file
pricing:
  image: 30
generation:
  poll_interval: 2s
  default_providers:
    image: modal-image
providers:
  modal-image:
    kind: image
    base_url: https://example.test
    submit_path: /generate
    result_path: url
`)
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("PORT", "7000")
	t.Setenv("PROVIDER_MODAL_IMAGE_API_KEY", "pk")
	t.Setenv("PAYMENTS_WEBHOOK_SECRET", "whsec")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 30, cfg.Pricing["image"])
	assert.Equal(t, 125, cfg.Pricing["video"], "unset prices fall back to defaults")
	assert.Equal(t, 2*time.Second, cfg.Generation.PollInterval)
	assert.Equal(t, "pk", cfg.Providers["modal-image"].APIKey)
	assert.Equal(t, "Authorization", cfg.Providers["modal-image"].AuthHeader)
	assert.Equal(t, "prompt", cfg.Providers["modal-image"].PromptPath)
	assert.Equal(t, "whsec", cfg.Payments.WebhookSecret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing secret", `log: {level: info}`},
		{"redis without url", "jwt: {secret: x}\ncache: {backend: redis}"},
		{"negative price", "jwt: {secret: x}\npricing: {image: -1}"},
		{"provider without result path", "jwt: {secret: x}\nproviders: {p: {kind: image, base_url: http://x}}"},
		{"async provider without task id", "jwt: {secret: x}\nproviders: {p: {kind: image, base_url: http://x, result_path: u, status_path: /s}}"},
		{"default provider unknown", "jwt: {secret: x}\ngeneration: {default_providers: {image: nope}}"},
		{"default provider wrong kind", "jwt: {secret: x}\nproviders: {p: {kind: video, base_url: http://x, result_path: u}}\ngeneration: {default_providers: {image: p}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
