package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValidWhenAtLeastOneClientEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients.Hardcover.Token = "test-hardcover-token"

	err := cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 45, cfg.Transcription.ChunkMinutes)
}

func TestValidateFailsWithNoClientConfigured(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no client is configured")
}

func TestLoadConfigFromFile(t *testing.T) {
	yamlContent := `
server:
  health_port: "9090"

logging:
  level: "debug"
  format: "console"

store:
  driver: "postgres"
  dsn: "postgres://localhost/readbridge"

clients:
  abs:
    url: "https://abs.example.com"
    token: "abs-token"
    mode: "custom"
    poll_interval: "2m"
  storyteller:
    url: "https://storyteller.example.com"
    token: "storyteller-user"
    password: "storyteller-pass"
  hardcover:
    token: "hardcover-token"

transcription:
  chunk_minutes: 30
  transcriber_url: "http://localhost:8081/transcribe"

app:
  dry_run: true
  delta_abs_seconds: 10
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/readbridge", cfg.Store.DSN)

	assert.Equal(t, "https://abs.example.com", cfg.Clients.ABS.URL)
	assert.Equal(t, "abs-token", cfg.Clients.ABS.Token)
	assert.Equal(t, "custom", cfg.Clients.ABS.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Clients.ABS.PollSeconds)

	assert.Equal(t, "storyteller-user", cfg.Clients.Storyteller.Token)
	assert.Equal(t, "storyteller-pass", cfg.Clients.Storyteller.Password)
	assert.Equal(t, "hardcover-token", cfg.Clients.Hardcover.Token)

	assert.Equal(t, 30, cfg.Transcription.ChunkMinutes)
	assert.Equal(t, "http://localhost:8081/transcribe", cfg.Transcription.TranscriberURL)

	assert.True(t, cfg.App.DryRun)
	assert.Equal(t, 10.0, cfg.App.DeltaABSSeconds)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Transcription.JobMaxRetries)
	assert.Equal(t, 0.15, cfg.Locate.WindowFraction)
}

func TestEnvOverridesDisambiguateBetweenClients(t *testing.T) {
	t.Setenv("HARDCOVER_TOKEN", "hardcover-token")

	// ABS_TOKEN and STORYTELLER_TOKEN must land on their own ClientConfig
	// block rather than colliding on the shared relative "TOKEN" tag.
	t.Setenv("ABS_TOKEN", "abs-env-token")
	t.Setenv("ABS_URL", "https://abs.env.example.com")
	t.Setenv("STORYTELLER_TOKEN", "storyteller-env-user")
	t.Setenv("STORYTELLER_PASSWORD", "storyteller-env-pass")
	t.Setenv("BOOKLORE_TOKEN", "booklore-env-token")
	t.Setenv("KOSYNC_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "hardcover-token", cfg.Clients.Hardcover.Token)
	assert.Equal(t, "abs-env-token", cfg.Clients.ABS.Token)
	assert.Equal(t, "https://abs.env.example.com", cfg.Clients.ABS.URL)
	assert.Equal(t, "storyteller-env-user", cfg.Clients.Storyteller.Token)
	assert.Equal(t, "storyteller-env-pass", cfg.Clients.Storyteller.Password)
	assert.Equal(t, "booklore-env-token", cfg.Clients.Booklore.Token)
	assert.True(t, cfg.Clients.KoReaderSync.Enabled)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Fields never set on other clients stay at their zero/default value,
	// proving the env prefixes didn't bleed across ClientConfig blocks.
	assert.Empty(t, cfg.Clients.Booklore.Password)
	assert.Empty(t, cfg.Clients.Hardcover.URL)
}

func TestEnvOverridesWinOverFileValues(t *testing.T) {
	yamlContent := `
clients:
  hardcover:
    token: "file-token"
`
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())
	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	t.Setenv("HARDCOVER_TOKEN", "env-token")

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Clients.Hardcover.Token)
}

func TestSetFieldFromStringParsesDurationFromSecondsFallback(t *testing.T) {
	t.Setenv("HARDCOVER_TOKEN", "test-hardcover-token")
	t.Setenv("SUPPRESSION_TTL", "45")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Suppression.TTL)
}
