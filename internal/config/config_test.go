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
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: test-secret\n")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local", conf.Env)
	assert.Equal(t, 80, conf.Chat.PreviewLength)
	assert.Equal(t, 90*time.Second, conf.Chat.IdleTimeout)
	assert.Equal(t, "@every 30s", conf.Chat.SweepSchedule)
	assert.False(t, conf.Mongo.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
env: prod
auth:
  secret: s3cret
  issuer: helpdesk
chat:
  preview_length: 20
  idle_timeout: 2m
mongo:
  enabled: true
  database: chat
`)

	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", conf.Env)
	assert.Equal(t, "helpdesk", conf.Auth.Issuer)
	assert.Equal(t, 20, conf.Chat.PreviewLength)
	assert.Equal(t, 2*time.Minute, conf.Chat.IdleTimeout)
	assert.True(t, conf.Mongo.Enabled)
	assert.Equal(t, "chat", conf.Mongo.Database)
}

func TestLoadRequiresSecret(t *testing.T) {
	path := writeConfig(t, "env: local\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "auth.secret")
}

func TestValidateTelegram(t *testing.T) {
	path := writeConfig(t, "auth:\n  secret: x\ntelegram:\n  enabled: true\n")

	_, err := Load(path)
	assert.ErrorContains(t, err, "telegram")
}
