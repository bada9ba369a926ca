package config

import (
	"errors"
	"os"
	"testing"
	"time"

	econoserrors "econos/internal/errors"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func noFile(string) ([]byte, error) { return nil, os.ErrNotExist }

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader(noFile),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BlockConfirmations != 2 {
		t.Fatalf("expected default block confirmations 2, got %d", cfg.BlockConfirmations)
	}
	if cfg.MinReputation != 50 {
		t.Fatalf("expected default min reputation 50, got %d", cfg.MinReputation)
	}
	if cfg.ExpirationCheckInterval() != 60*time.Second {
		t.Fatalf("expected 60s sweeper interval, got %v", cfg.ExpirationCheckInterval())
	}
	if cfg.CapabilityCacheTTL() != 60*time.Second {
		t.Fatalf("expected 60s capability cache, got %v", cfg.CapabilityCacheTTL())
	}
	if cfg.AuthValidity() != time.Hour {
		t.Fatalf("expected 1h authorization validity, got %v", cfg.AuthValidity())
	}
	if cfg.NonceRetention() != 24*time.Hour {
		t.Fatalf("expected 24h nonce retention, got %v", cfg.NonceRetention())
	}
	if cfg.ListenAddr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddr())
	}
	if got := meta.Source("chain_rpc_url"); got != SourceDefault {
		t.Fatalf("expected default source, got %s", got)
	}
	if cfg.Environment != "development" {
		t.Fatalf("expected default environment 'development', got %q", cfg.Environment)
	}
}

func TestLoadFromFile(t *testing.T) {
	fileData := []byte(`{
                "chain_rpc_url": "https://rollup.example/rpc",
                "chain_id": 240,
                "block_confirmations": 3,
                "master_private_key": "0xabc123",
                "escrow_address": "0x1111111111111111111111111111111111111111",
                "registry_address": "0x2222222222222222222222222222222222222222",
                "min_reputation": 60,
                "known_workers": ["http://worker-a:4021/", "http://worker-b:4021"],
                "expiration_check_seconds": 30,
                "database_url": "postgres://econos@localhost:5432/econos",
                "server_port": 9090,
                "verbose": true
        }`)
	cfg, meta, err := Load(
		WithEnv(envMap{}.Lookup),
		WithFileReader(func(string) ([]byte, error) { return fileData, nil }),
		WithHomeDir(func() (string, error) { return "/home/test", nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ChainRPCURL != "https://rollup.example/rpc" || cfg.ChainID != 240 {
		t.Fatalf("unexpected chain settings from file: %#v", cfg)
	}
	if cfg.BlockConfirmations != 3 {
		t.Fatalf("expected block_confirmations=3, got %d", cfg.BlockConfirmations)
	}
	if cfg.MasterPrivateKey != "abc123" {
		t.Fatalf("expected 0x prefix stripped from private key, got %q", cfg.MasterPrivateKey)
	}
	if len(cfg.KnownWorkers) != 2 || cfg.KnownWorkers[0] != "http://worker-a:4021" {
		t.Fatalf("expected trailing slash trimmed from known workers, got %v", cfg.KnownWorkers)
	}
	if cfg.ExpirationCheckSeconds != 30 {
		t.Fatalf("expected expiration_check_seconds=30, got %d", cfg.ExpirationCheckSeconds)
	}
	if cfg.ServerPort != 9090 {
		t.Fatalf("expected server_port=9090, got %d", cfg.ServerPort)
	}
	if !cfg.Verbose {
		t.Fatal("expected verbose from file")
	}
	if got := meta.Source("chain_id"); got != SourceFile {
		t.Fatalf("expected file source for chain_id, got %s", got)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	fileData := []byte(`{"chain_id": 240, "min_reputation": 60}`)
	env := envMap{
		"ECONOS_CHAIN_ID":       "241",
		"ECONOS_CHAIN_RPC_URL":  "https://rollup.example/rpc",
		"ECONOS_KNOWN_WORKERS":  "http://w1:4021,http://w2:4021 http://w1:4021",
		"ECONOS_MIN_REPUTATION": "70",
	}
	cfg, meta, err := Load(
		WithEnv(env.Lookup),
		WithFileReader(func(string) ([]byte, error) { return fileData, nil }),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ChainID != 241 {
		t.Fatalf("expected env to win over file, got chain id %d", cfg.ChainID)
	}
	if cfg.MinReputation != 70 {
		t.Fatalf("expected env min reputation 70, got %d", cfg.MinReputation)
	}
	if len(cfg.KnownWorkers) != 2 {
		t.Fatalf("expected duplicate worker endpoints collapsed, got %v", cfg.KnownWorkers)
	}
	if got := meta.Source("chain_id"); got != SourceEnv {
		t.Fatalf("expected env source for chain_id, got %s", got)
	}
}

func TestOverridesWinOverEnv(t *testing.T) {
	port := 18080
	rpc := "https://override.example/rpc"
	cfg, meta, err := Load(
		WithEnv(envMap{"ECONOS_SERVER_PORT": "9090", "ECONOS_CHAIN_RPC_URL": "https://env.example/rpc"}.Lookup),
		WithFileReader(noFile),
		WithOverrides(Overrides{ServerPort: &port, ChainRPCURL: &rpc}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ServerPort != 18080 {
		t.Fatalf("expected override port, got %d", cfg.ServerPort)
	}
	if cfg.ChainRPCURL != rpc {
		t.Fatalf("expected override rpc url, got %q", cfg.ChainRPCURL)
	}
	if got := meta.Source("server_port"); got != SourceOverride {
		t.Fatalf("expected override source, got %s", got)
	}
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	_, _, err := Load(
		WithEnv(envMap{"ECONOS_CHAIN_ID": "not-a-number"}.Lookup),
		WithFileReader(noFile),
	)
	if err == nil {
		t.Fatal("expected error for malformed ECONOS_CHAIN_ID")
	}
}

func TestNormalizeClampsAndDefaults(t *testing.T) {
	cfg, _, err := Load(
		WithEnv(envMap{
			"ECONOS_MIN_REPUTATION":            "120",
			"ECONOS_EXPIRATION_CHECK_INTERVAL": "-5",
			"ECONOS_SERVER_PORT":               "70000",
		}.Lookup),
		WithFileReader(noFile),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MinReputation != 100 {
		t.Fatalf("expected min reputation clamped to 100, got %d", cfg.MinReputation)
	}
	if cfg.ExpirationCheckSeconds != DefaultExpirationCheckSeconds {
		t.Fatalf("expected non-positive interval replaced with default, got %d", cfg.ExpirationCheckSeconds)
	}
	if cfg.ServerPort != DefaultServerPort {
		t.Fatalf("expected out-of-range port replaced with default, got %d", cfg.ServerPort)
	}
}

func TestTaskDurationIndependentOfAuthValidity(t *testing.T) {
	cfg, _, err := Load(WithEnv(envMap{}.Lookup), WithFileReader(noFile))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TaskDurationSeconds != DefaultTaskDurationSeconds {
		t.Fatalf("expected default task duration %d, got %d", DefaultTaskDurationSeconds, cfg.TaskDurationSeconds)
	}

	// Shortening the authorization window must leave the hired
	// duration at a value Create accepts.
	cfg, _, err = Load(
		WithEnv(envMap{"ECONOS_AUTHORIZATION_VALIDITY": "600"}.Lookup),
		WithFileReader(noFile),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.AuthValiditySeconds != 600 {
		t.Fatalf("expected auth validity 600, got %d", cfg.AuthValiditySeconds)
	}
	if cfg.TaskDurationSeconds != DefaultTaskDurationSeconds {
		t.Fatalf("expected task duration untouched by auth validity, got %d", cfg.TaskDurationSeconds)
	}

	cfg, _, err = Load(
		WithEnv(envMap{"ECONOS_TASK_DURATION": "7200"}.Lookup),
		WithFileReader(noFile),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TaskDurationSeconds != 7200 || cfg.TaskDuration() != 2*time.Hour {
		t.Fatalf("expected task duration 7200s, got %d", cfg.TaskDurationSeconds)
	}

	cfg, _, err = Load(
		WithEnv(envMap{"ECONOS_TASK_DURATION": "600"}.Lookup),
		WithFileReader(noFile),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.TaskDurationSeconds != 3600 {
		t.Fatalf("expected sub-hour task duration clamped to 3600, got %d", cfg.TaskDurationSeconds)
	}
}

func TestValidateReportsFirstMissingKey(t *testing.T) {
	cfg, _, err := Load(WithEnv(envMap{}.Lookup), WithFileReader(noFile))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	err = Validate(cfg)
	var missing *econoserrors.ConfigMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected ConfigMissingError, got %v", err)
	}
	if missing.Key != "ECONOS_CHAIN_RPC_URL" {
		t.Fatalf("expected first missing key to be the RPC URL, got %s", missing.Key)
	}

	cfg.ChainRPCURL = "https://rollup.example/rpc"
	cfg.ChainID = 240
	cfg.MasterPrivateKey = "abc123"
	cfg.EscrowAddress = "0x1111111111111111111111111111111111111111"
	cfg.RegistryAddress = "0x2222222222222222222222222222222222222222"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected fully populated config to validate, got %v", err)
	}
}

func TestAliasEnvLookup(t *testing.T) {
	base := envMap{"DATABASE_URL": "postgres://fallback"}.Lookup
	lookup := AliasEnvLookup(base, map[string][]string{
		"ECONOS_DATABASE_URL": {"DATABASE_URL"},
	})

	value, ok := lookup("ECONOS_DATABASE_URL")
	if !ok || value != "postgres://fallback" {
		t.Fatalf("expected alias fallback, got %q (ok=%v)", value, ok)
	}

	direct := envMap{"ECONOS_DATABASE_URL": "postgres://primary", "DATABASE_URL": "postgres://fallback"}.Lookup
	lookup = AliasEnvLookup(direct, map[string][]string{
		"ECONOS_DATABASE_URL": {"DATABASE_URL"},
	})
	value, _ = lookup("ECONOS_DATABASE_URL")
	if value != "postgres://primary" {
		t.Fatalf("expected primary key to win over alias, got %q", value)
	}
}
