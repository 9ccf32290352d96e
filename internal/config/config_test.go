package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("PRESENCE_TIMEOUT_SECONDS", "")
	t.Setenv("CONFLICT_STRICT", "")

	cfg := Load()
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 30*time.Second, cfg.PresenceTimeout)
	assert.False(t, cfg.ConflictStrict)
	assert.Equal(t, 4, cfg.PersistWorkers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("PRESENCE_TIMEOUT_SECONDS", "90")
	t.Setenv("PERSIST_WORKERS", "not-a-number")
	t.Setenv("CONFLICT_STRICT", "true")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 90*time.Second, cfg.PresenceTimeout)
	assert.Equal(t, 4, cfg.PersistWorkers)
	assert.True(t, cfg.ConflictStrict)
}
