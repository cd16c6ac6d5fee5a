package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "local", cfg.Dispatch.Driver)
	assert.Equal(t, 0.8, cfg.Engine.ReviewThreshold)
	assert.True(t, cfg.Engine.ParallelVerification)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "onboarder.yaml")
	yaml := `
storage:
  driver: redis
  redis:
    addr: redis:6379
engine:
  parallel_verification: false
  review_threshold: 0.7
server:
  shutdown_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("ONBOARDER_DISPATCH_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Storage.Driver)
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.False(t, cfg.Engine.ParallelVerification)
	assert.Equal(t, 0.7, cfg.Engine.ReviewThreshold)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.Driver = "cassandra"
	cfg.Dispatch.Driver = "local"
	assert.ErrorContains(t, cfg.Validate(), "unknown storage driver")

	cfg.Storage.Driver = "postgres"
	cfg.Engine.ReviewThreshold = 1.5
	assert.ErrorContains(t, cfg.Validate(), "review_threshold")

	cfg.Engine.ReviewThreshold = 0.8
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Dispatch.Workers)
}

func TestStorageConfig_DSN(t *testing.T) {
	var s StorageConfig
	s.Postgres.Host = "db"
	s.Postgres.Port = 5432
	s.Postgres.User = "u"
	s.Postgres.Password = "p"
	s.Postgres.Name = "n"
	s.Postgres.SSLMode = "disable"
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", s.DSN())
}
