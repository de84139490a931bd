package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ADMIN_ADDRESS", "")
	t.Setenv("CMT_HOME", "")
	t.Setenv("HTTP_PORT", "")
	t.Setenv("DB_HOST", "")

	cfg := LoadConfig()
	assert.Equal(t, "", cfg.AdminAddress)
	assert.Equal(t, "./node-config/ledger-node", cfg.CmtHome)
	assert.Equal(t, "5000", cfg.HTTPPort)
	assert.Equal(t, "localhost", cfg.DatabaseHost)
	assert.Equal(t, "5432", cfg.DatabasePort)
	assert.Equal(t, "carbon_ledger", cfg.DatabaseName)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ADMIN_ADDRESS", "0xad000000000000000000000000000000000000a1")
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "carbon_test")

	cfg := LoadConfig()
	assert.Equal(t, "0xad000000000000000000000000000000000000a1", cfg.AdminAddress)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "db.internal", cfg.DatabaseHost)
	assert.Equal(t, "carbon_test", cfg.DatabaseName)
}

func TestGetDSN(t *testing.T) {
	cfg := &Config{
		DatabaseHost: "localhost",
		DatabasePort: "5432",
		DatabaseUser: "postgres",
		DatabasePass: "secret",
		DatabaseName: "carbon_ledger",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=carbon_ledger sslmode=disable",
		cfg.GetDSN())
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		AdminAddress: "0xad000000000000000000000000000000000000a1",
		CmtHome:      "./node-config/ledger-node",
		HTTPPort:     "5000",
	}
	require.NoError(t, cfg.Validate())

	missingAdmin := *cfg
	missingAdmin.AdminAddress = ""
	assert.Error(t, missingAdmin.Validate())

	missingHome := *cfg
	missingHome.CmtHome = ""
	assert.Error(t, missingHome.Validate())

	missingPort := *cfg
	missingPort.HTTPPort = ""
	assert.Error(t, missingPort.Validate())
}
