package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("VAULT_MASTER_KEY", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadValidatesVaultKeyLength(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("VAULT_MASTER_KEY", "tooshort")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_MASTER_KEY")
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("VAULT_MASTER_KEY", "aa0000000000000000000000000000000000000000000000000000000000000b"[:64])
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 5672, cfg.QueueBrokerPort) // default retained
	assert.Equal(t, "production", cfg.NodeEnv)
}
