package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ECONOS_RPC_URL", "http://alias:8545")
	t.Setenv("ECONOS_CHAIN_ID", "31337")
	t.Setenv("ECONOS_ESCROW", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("ECONOS_REGISTRY_ADDRESS", "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	t.Setenv("ECONOS_MASTER_PRIVATE_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
}

func TestLoadConfigResolvesViperEnvAliases(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := loadConfig()
	require.NoError(t, err)

	// ECONOS_RPC_URL and ECONOS_ESCROW are the flag-shaped aliases
	// resolved through viper; the registry came from the canonical
	// variable config.Load reads itself.
	assert.Equal(t, "http://alias:8545", cfg.ChainRPCURL)
	assert.Equal(t, int64(31337), cfg.ChainID)
	assert.Equal(t, "0x5FbDB2315678afecb367f032d93F642f64180aa3", cfg.EscrowAddress)
	assert.Equal(t, "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512", cfg.RegistryAddress)
}

func TestLoadConfigFlagBeatsEnvAlias(t *testing.T) {
	setRequiredEnv(t)

	pf := rootCmd.PersistentFlags()
	require.NoError(t, pf.Set("rpc-url", "http://flag:8545"))
	t.Cleanup(func() {
		flag := pf.Lookup("rpc-url")
		_ = flag.Value.Set("")
		flag.Changed = false
	})

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://flag:8545", cfg.ChainRPCURL)
}
