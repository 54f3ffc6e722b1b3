package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SERVER_ADDR", "STORAGE_BACKEND", "DATABASE_URL", "REDIS_URL", "TYPING_QUIET",
		"JWT_SECRET", "AUTH_SERVICE_URL", "PUSH_SERVICE_URL", "NATS_URL",
		"RATE_LIMIT_PER_IP", "RATE_LIMIT_PER_USER", "READ_TIMEOUT", "CONFIG_PATH",
	} {
		t.Setenv(k, "")
	}
	// production отключает чтение .env из рабочего каталога
	t.Setenv("APP_ENV", "production")
}

func TestLoadDefaults(t *testing.T) {
	cleanEnv(t)
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, 2*time.Second, cfg.TypingQuiet)
	assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 20, cfg.DBMaxConnections())
	assert.ErrorIs(t, cfg.Validate(), ErrNoIdentity)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	cleanEnv(t)
	path := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
storage_backend: redis
redis_url: redis://cache:6379/2
typing_quiet_ms: 1500
nats_url: nats://bus:4222
rate_limit_per_user: 7
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SERVER_ADDR", ":9100")
	t.Setenv("READ_TIMEOUT", "30")
	t.Setenv("JWT_SECRET", "0123456789abcdef")

	cfg := Load()
	assert.Equal(t, ":9100", cfg.ServerAddr, "env wins over yaml")
	assert.Equal(t, BackendRedis, cfg.StorageBackend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, 1500*time.Millisecond, cfg.TypingQuiet)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, "nats://bus:4222", cfg.NATSURL)
	assert.Equal(t, 7, cfg.RateLimit.PerUser)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := &Config{StorageBackend: "mongo", JWTSecret: "x", TypingQuiet: time.Second}
	assert.ErrorIs(t, cfg.Validate(), ErrUnknownBackend)

	cfg.StorageBackend = BackendPostgres
	cfg.TypingQuiet = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("PLAYCHAT_D", "250ms")
	assert.Equal(t, 250*time.Millisecond, envDuration("PLAYCHAT_D", time.Second))
	t.Setenv("PLAYCHAT_D", "4")
	assert.Equal(t, 4*time.Second, envDuration("PLAYCHAT_D", time.Second))
	t.Setenv("PLAYCHAT_D", "soon")
	assert.Equal(t, time.Second, envDuration("PLAYCHAT_D", time.Second))
}

func TestLoadEnvFrom(t *testing.T) {
	t.Setenv("PLAYCHAT_A", "")
	t.Setenv("PLAYCHAT_B", "kept")

	loadEnvFrom(strings.NewReader("# comment\nPLAYCHAT_A=\"quoted value\"\nPLAYCHAT_B=other\nbroken line\n"))
	assert.Equal(t, "quoted value", os.Getenv("PLAYCHAT_A"))
	assert.Equal(t, "kept", os.Getenv("PLAYCHAT_B"))
}
