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

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "openai:\n  api_key: sk-test\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Search.Limit)
	assert.Equal(t, "postgres", cfg.Search.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Usage.RefreshInterval)
	assert.Equal(t, "openai:gpt-4o-mini", cfg.Models["chat-model"])
	assert.Equal(t, 20, cfg.Limits.QuotaFor("guest"))
	assert.Equal(t, 100, cfg.Limits.QuotaFor("regular"))
	assert.Equal(t, 20, cfg.Limits.QuotaFor("unknown"))
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileValues(t *testing.T) {
	path := writeConfig(t, `
openai:
  api_key: sk-file
search:
  backend: memory
  limit: 3
database:
  use_in_memory: true
auth:
  tokens:
    - token: secret
      user_id: alice
      user_type: regular
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Search.Backend)
	assert.Equal(t, 3, cfg.Search.Limit)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "alice", cfg.Auth.Tokens[0].UserID)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("DATABASE_URL", "postgres://bob:pw@db.internal:6543/scents?sslmode=require")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := LoadConfig(writeConfig(t, "openai:\n  api_key: sk-file\n"))
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "bob", cfg.Database.User)
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, "scents", cfg.Database.DBName)
	assert.Equal(t, "require", cfg.Database.SSLMode)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "search:\n  limit: 5\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "api_key")

	cfg.OpenAI.APIKey = "sk"
	cfg.Search.Backend = "elastic"
	assert.ErrorContains(t, cfg.Validate(), "unknown search.backend")

	cfg.Search.Backend = "postgres"
	cfg.Database.UseInMemory = true
	assert.Error(t, cfg.Validate())
}

func TestParseDatabaseURL_DefaultPort(t *testing.T) {
	db, err := parseDatabaseURL("postgres://u@localhost/app")
	require.NoError(t, err)
	assert.Equal(t, 5432, db.Port)
	assert.Equal(t, "disable", db.SSLMode)
	assert.Equal(t, "host=localhost port=5432 user=u password= dbname=app sslmode=disable", db.ConnString())
}
