package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHATRELAY_TWILIO_FROM_NUMBER", "whatsapp:+14155238886")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "dynamodb", cfg.Store.Backend)
	require.Equal(t, "chat-relay-conversations", cfg.Store.ConversationsTable)
	require.Equal(t, "chat-relay-queue", cfg.Store.QueueTable)
	require.Equal(t, 10*time.Second, cfg.Queue.PollInterval)
	require.Equal(t, 5, cfg.Queue.BatchSize)
	require.Equal(t, 7*24*time.Hour, cfg.Queue.Retention)
	require.Equal(t, "anthropic", cfg.Backend.Provider)
	require.Equal(t, 180*time.Second, cfg.Backend.Timeout)
	require.Equal(t, 8192, cfg.Backend.MaxOutputTokens)
	require.Equal(t, "claude-haiku-4-5", cfg.Backend.Anthropic.BaseModel)
	require.Equal(t, "claude-sonnet-4-5", cfg.Backend.Anthropic.ElevatedModel)
	require.Equal(t, 10, cfg.Processor.ContextTurns)
	require.Equal(t, 1600, cfg.Processor.MaxMessageLen)
	require.Equal(t, 500*time.Millisecond, cfg.Processor.SegmentPause)
	require.Equal(t, "whatsapp:+14155238886", cfg.Twilio.FromNumber)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CHATRELAY_TWILIO_FROM_NUMBER", "whatsapp:+14155238886")
	t.Setenv("CHATRELAY_STORE_BACKEND", "sqlite")
	t.Setenv("CHATRELAY_BACKEND_PROVIDER", "openai")
	t.Setenv("CHATRELAY_QUEUE_POLL_INTERVAL", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "openai", cfg.Backend.Provider)
	require.Equal(t, 2*time.Second, cfg.Queue.PollInterval)
	require.Equal(t, "gpt-4o-mini", cfg.Provider().BaseModel)
	require.Equal(t, "gpt-4o", cfg.Provider().ElevatedModel)
}

func TestLoad_ConfigFile(t *testing.T) {
	t.Setenv("CHATRELAY_TWILIO_FROM_NUMBER", "whatsapp:+14155238886")

	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := []byte(`
store:
  backend: sqlite
  sqlite_path: /tmp/relay.db
queue:
  batch_size: 20
processor:
  max_message_len: 320
`)
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "sqlite", cfg.Store.Backend)
	require.Equal(t, "/tmp/relay.db", cfg.Store.SQLitePath)
	require.Equal(t, 20, cfg.Queue.BatchSize)
	require.Equal(t, 320, cfg.Processor.MaxMessageLen)
	// untouched keys keep their defaults
	require.Equal(t, 10*time.Second, cfg.Queue.PollInterval)
}

func TestLoad_MissingFileIsAnErrorWhenExplicit(t *testing.T) {
	t.Setenv("CHATRELAY_TWILIO_FROM_NUMBER", "whatsapp:+14155238886")

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("CHATRELAY_TWILIO_FROM_NUMBER", "whatsapp:+14155238886")
	t.Setenv("CHATRELAY_STORE_BACKEND", "postgres")
	_, err := Load("")
	require.ErrorContains(t, err, "unknown store backend")
}

func TestLoad_RequiresFromNumber(t *testing.T) {
	_, err := Load("")
	require.ErrorContains(t, err, "from number")
}
