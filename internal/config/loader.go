package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	econoserrors "econos/internal/errors"
	"econos/internal/task"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Defaults for tunables that are safe to run with out of the box.
const (
	DefaultBlockConfirmations      = 2
	DefaultMinReputation           = 50
	DefaultExpirationCheckSeconds  = 60
	DefaultCapabilityCacheMs       = 60000
	DefaultAuthValiditySeconds     = 3600
	DefaultTaskDurationSeconds     = 86400
	DefaultNonceRetentionSeconds   = 86400
	DefaultServerHost              = "0.0.0.0"
	DefaultServerPort              = 8080
	DefaultPlannerModel            = "deepseek/deepseek-chat"
	DefaultPlannerBaseURL          = "https://openrouter.ai/api/v1"
	DefaultWorkerDispatchTimeoutMs = 30000
)

// RuntimeConfig captures the master engine settings shared across binaries.
type RuntimeConfig struct {
	// Chain access
	ChainRPCURL        string
	ChainID            int64
	BlockConfirmations uint64
	MasterPrivateKey   string
	MasterAddress      string
	EscrowAddress      string
	RegistryAddress    string

	// Worker selection
	MinReputation int
	KnownWorkers  []string

	// Lifecycle and authorization
	ExpirationCheckSeconds int
	CapabilityCacheMs      int
	AuthValiditySeconds    int
	// TaskDurationSeconds is the hired duration applied when a request
	// names none. Independent of the authorization validity window.
	TaskDurationSeconds   int
	NonceRetentionSeconds int

	// Persistence (empty selects the in-memory store)
	DatabaseURL string

	// HTTP surface
	ServerHost string
	ServerPort int

	// Planner backend
	PlannerBaseURL string
	PlannerAPIKey  string
	PlannerModel   string

	// Worker HTTP client
	WorkerDispatchTimeoutMs int

	Environment string
	Verbose     bool
}

// ExpirationCheckInterval returns the sweeper period.
func (c RuntimeConfig) ExpirationCheckInterval() time.Duration {
	return time.Duration(c.ExpirationCheckSeconds) * time.Second
}

// CapabilityCacheTTL returns how long polled manifests stay fresh.
func (c RuntimeConfig) CapabilityCacheTTL() time.Duration {
	return time.Duration(c.CapabilityCacheMs) * time.Millisecond
}

// AuthValidity returns the default authorization validity window.
func (c RuntimeConfig) AuthValidity() time.Duration {
	return time.Duration(c.AuthValiditySeconds) * time.Second
}

// TaskDuration returns the default hired duration for requests that
// carry none.
func (c RuntimeConfig) TaskDuration() time.Duration {
	return time.Duration(c.TaskDurationSeconds) * time.Second
}

// NonceRetention returns how long consumed nonces are remembered.
func (c RuntimeConfig) NonceRetention() time.Duration {
	return time.Duration(c.NonceRetentionSeconds) * time.Second
}

// WorkerDispatchTimeout returns the per-request timeout for worker calls.
func (c RuntimeConfig) WorkerDispatchTimeout() time.Duration {
	return time.Duration(c.WorkerDispatchTimeoutMs) * time.Millisecond
}

// ListenAddr returns the host:port the API server binds to.
func (c RuntimeConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides conveys caller-specified values that should win over env/file sources.
type Overrides struct {
	ChainRPCURL             *string
	ChainID                 *int64
	BlockConfirmations      *uint64
	MasterPrivateKey        *string
	MasterAddress           *string
	EscrowAddress           *string
	RegistryAddress         *string
	MinReputation           *int
	KnownWorkers            *[]string
	ExpirationCheckSeconds  *int
	CapabilityCacheMs       *int
	AuthValiditySeconds     *int
	TaskDurationSeconds     *int
	NonceRetentionSeconds   *int
	DatabaseURL             *string
	ServerHost              *string
	ServerPort              *int
	PlannerBaseURL          *string
	PlannerAPIKey           *string
	PlannerModel            *string
	WorkerDispatchTimeoutMs *int
	Environment             *string
	Verbose                 *bool
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// AliasEnvLookup wraps an EnvLookup with additional alias keys.
func AliasEnvLookup(base EnvLookup, aliases map[string][]string) EnvLookup {
	return func(key string) (string, bool) {
		if base == nil {
			base = DefaultEnvLookup
		}
		if value, ok := base(key); ok && value != "" {
			return value, true
		}
		if list, ok := aliases[key]; ok {
			for _, alias := range list {
				if value, ok := base(alias); ok && value != "" {
					return value, true
				}
			}
		}
		return "", false
	}
}

// Load constructs the runtime configuration by merging defaults, file, env and overrides.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := RuntimeConfig{
		BlockConfirmations:      DefaultBlockConfirmations,
		MinReputation:           DefaultMinReputation,
		ExpirationCheckSeconds:  DefaultExpirationCheckSeconds,
		CapabilityCacheMs:       DefaultCapabilityCacheMs,
		AuthValiditySeconds:     DefaultAuthValiditySeconds,
		TaskDurationSeconds:     DefaultTaskDurationSeconds,
		NonceRetentionSeconds:   DefaultNonceRetentionSeconds,
		ServerHost:              DefaultServerHost,
		ServerPort:              DefaultServerPort,
		PlannerBaseURL:          DefaultPlannerBaseURL,
		PlannerModel:            DefaultPlannerModel,
		WorkerDispatchTimeoutMs: DefaultWorkerDispatchTimeoutMs,
		Environment:             "development",
	}

	// Load from config file if present.
	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}

	// Apply environment overrides next.
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}

	// Apply caller overrides last.
	applyOverrides(&cfg, &meta, options.overrides)

	normalizeRuntimeConfig(&cfg)

	return cfg, meta, nil
}

// Validate checks that every key required for chain access is set.
// The serve and hire paths refuse to start without these.
func Validate(cfg RuntimeConfig) error {
	required := []struct {
		key   string
		empty bool
	}{
		{"ECONOS_CHAIN_RPC_URL", cfg.ChainRPCURL == ""},
		{"ECONOS_CHAIN_ID", cfg.ChainID == 0},
		{"ECONOS_MASTER_PRIVATE_KEY", cfg.MasterPrivateKey == ""},
		{"ECONOS_ESCROW_ADDRESS", cfg.EscrowAddress == ""},
		{"ECONOS_REGISTRY_ADDRESS", cfg.RegistryAddress == ""},
	}
	for _, r := range required {
		if r.empty {
			return &econoserrors.ConfigMissingError{Key: r.key}
		}
	}
	return nil
}

func normalizeRuntimeConfig(cfg *RuntimeConfig) {
	cfg.ChainRPCURL = strings.TrimSpace(cfg.ChainRPCURL)
	cfg.MasterPrivateKey = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(cfg.MasterPrivateKey), "0x"))
	cfg.MasterAddress = strings.TrimSpace(cfg.MasterAddress)
	cfg.EscrowAddress = strings.TrimSpace(cfg.EscrowAddress)
	cfg.RegistryAddress = strings.TrimSpace(cfg.RegistryAddress)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.ServerHost = strings.TrimSpace(cfg.ServerHost)
	cfg.PlannerBaseURL = strings.TrimSpace(strings.TrimRight(cfg.PlannerBaseURL, "/"))
	cfg.PlannerAPIKey = strings.TrimSpace(cfg.PlannerAPIKey)
	cfg.PlannerModel = strings.TrimSpace(cfg.PlannerModel)
	cfg.Environment = strings.TrimSpace(cfg.Environment)

	if cfg.MinReputation < 0 {
		cfg.MinReputation = 0
	}
	if cfg.MinReputation > 100 {
		cfg.MinReputation = 100
	}
	if cfg.ExpirationCheckSeconds <= 0 {
		cfg.ExpirationCheckSeconds = DefaultExpirationCheckSeconds
	}
	if cfg.CapabilityCacheMs <= 0 {
		cfg.CapabilityCacheMs = DefaultCapabilityCacheMs
	}
	if cfg.AuthValiditySeconds <= 0 {
		cfg.AuthValiditySeconds = DefaultAuthValiditySeconds
	}
	if cfg.TaskDurationSeconds <= 0 {
		cfg.TaskDurationSeconds = DefaultTaskDurationSeconds
	}
	if cfg.TaskDurationSeconds < int(task.MinDurationSeconds) {
		cfg.TaskDurationSeconds = int(task.MinDurationSeconds)
	}
	if cfg.TaskDurationSeconds > int(task.MaxDurationSeconds) {
		cfg.TaskDurationSeconds = int(task.MaxDurationSeconds)
	}
	if cfg.NonceRetentionSeconds <= 0 {
		cfg.NonceRetentionSeconds = DefaultNonceRetentionSeconds
	}
	if cfg.WorkerDispatchTimeoutMs <= 0 {
		cfg.WorkerDispatchTimeoutMs = DefaultWorkerDispatchTimeoutMs
	}
	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		cfg.ServerPort = DefaultServerPort
	}

	if len(cfg.KnownWorkers) > 0 {
		filtered := cfg.KnownWorkers[:0]
		seen := make(map[string]struct{}, len(cfg.KnownWorkers))
		for _, endpoint := range cfg.KnownWorkers {
			trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filtered = append(filtered, trimmed)
		}
		cfg.KnownWorkers = filtered
	}
}

type fileConfig struct {
	ChainRPCURL             string   `json:"chain_rpc_url"`
	ChainID                 *int64   `json:"chain_id"`
	BlockConfirmations      *uint64  `json:"block_confirmations"`
	MasterPrivateKey        string   `json:"master_private_key"`
	MasterAddress           string   `json:"master_address"`
	EscrowAddress           string   `json:"escrow_address"`
	RegistryAddress         string   `json:"registry_address"`
	MinReputation           *int     `json:"min_reputation"`
	KnownWorkers            []string `json:"known_workers"`
	ExpirationCheckSeconds  *int     `json:"expiration_check_seconds"`
	CapabilityCacheMs       *int     `json:"capability_cache_ms"`
	AuthValiditySeconds     *int     `json:"auth_validity_seconds"`
	TaskDurationSeconds     *int     `json:"task_duration_seconds"`
	NonceRetentionSeconds   *int     `json:"nonce_retention_seconds"`
	DatabaseURL             string   `json:"database_url"`
	ServerHost              string   `json:"server_host"`
	ServerPort              *int     `json:"server_port"`
	PlannerBaseURL          string   `json:"planner_base_url"`
	PlannerAPIKey           string   `json:"planner_api_key"`
	PlannerModel            string   `json:"planner_model"`
	WorkerDispatchTimeoutMs *int     `json:"worker_dispatch_timeout_ms"`
	Environment             string   `json:"environment"`
	Verbose                 *bool    `json:"verbose"`
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	configPath := opts.configPath
	if configPath == "" {
		home, err := opts.homeDir()
		if err != nil {
			return nil
		}
		configPath = filepath.Join(home, ".econos-config.json")
	}

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if parsed.ChainRPCURL != "" {
		cfg.ChainRPCURL = parsed.ChainRPCURL
		meta.sources["chain_rpc_url"] = SourceFile
	}
	if parsed.ChainID != nil {
		cfg.ChainID = *parsed.ChainID
		meta.sources["chain_id"] = SourceFile
	}
	if parsed.BlockConfirmations != nil {
		cfg.BlockConfirmations = *parsed.BlockConfirmations
		meta.sources["block_confirmations"] = SourceFile
	}
	if parsed.MasterPrivateKey != "" {
		cfg.MasterPrivateKey = parsed.MasterPrivateKey
		meta.sources["master_private_key"] = SourceFile
	}
	if parsed.MasterAddress != "" {
		cfg.MasterAddress = parsed.MasterAddress
		meta.sources["master_address"] = SourceFile
	}
	if parsed.EscrowAddress != "" {
		cfg.EscrowAddress = parsed.EscrowAddress
		meta.sources["escrow_address"] = SourceFile
	}
	if parsed.RegistryAddress != "" {
		cfg.RegistryAddress = parsed.RegistryAddress
		meta.sources["registry_address"] = SourceFile
	}
	if parsed.MinReputation != nil {
		cfg.MinReputation = *parsed.MinReputation
		meta.sources["min_reputation"] = SourceFile
	}
	if len(parsed.KnownWorkers) > 0 {
		cfg.KnownWorkers = append([]string(nil), parsed.KnownWorkers...)
		meta.sources["known_workers"] = SourceFile
	}
	if parsed.ExpirationCheckSeconds != nil {
		cfg.ExpirationCheckSeconds = *parsed.ExpirationCheckSeconds
		meta.sources["expiration_check_seconds"] = SourceFile
	}
	if parsed.CapabilityCacheMs != nil {
		cfg.CapabilityCacheMs = *parsed.CapabilityCacheMs
		meta.sources["capability_cache_ms"] = SourceFile
	}
	if parsed.AuthValiditySeconds != nil {
		cfg.AuthValiditySeconds = *parsed.AuthValiditySeconds
		meta.sources["auth_validity_seconds"] = SourceFile
	}
	if parsed.TaskDurationSeconds != nil {
		cfg.TaskDurationSeconds = *parsed.TaskDurationSeconds
		meta.sources["task_duration_seconds"] = SourceFile
	}
	if parsed.NonceRetentionSeconds != nil {
		cfg.NonceRetentionSeconds = *parsed.NonceRetentionSeconds
		meta.sources["nonce_retention_seconds"] = SourceFile
	}
	if parsed.DatabaseURL != "" {
		cfg.DatabaseURL = parsed.DatabaseURL
		meta.sources["database_url"] = SourceFile
	}
	if parsed.ServerHost != "" {
		cfg.ServerHost = parsed.ServerHost
		meta.sources["server_host"] = SourceFile
	}
	if parsed.ServerPort != nil {
		cfg.ServerPort = *parsed.ServerPort
		meta.sources["server_port"] = SourceFile
	}
	if parsed.PlannerBaseURL != "" {
		cfg.PlannerBaseURL = parsed.PlannerBaseURL
		meta.sources["planner_base_url"] = SourceFile
	}
	if parsed.PlannerAPIKey != "" {
		cfg.PlannerAPIKey = parsed.PlannerAPIKey
		meta.sources["planner_api_key"] = SourceFile
	}
	if parsed.PlannerModel != "" {
		cfg.PlannerModel = parsed.PlannerModel
		meta.sources["planner_model"] = SourceFile
	}
	if parsed.WorkerDispatchTimeoutMs != nil {
		cfg.WorkerDispatchTimeoutMs = *parsed.WorkerDispatchTimeoutMs
		meta.sources["worker_dispatch_timeout_ms"] = SourceFile
	}
	if parsed.Environment != "" {
		cfg.Environment = parsed.Environment
		meta.sources["environment"] = SourceFile
	}
	if parsed.Verbose != nil {
		cfg.Verbose = *parsed.Verbose
		meta.sources["verbose"] = SourceFile
	}

	return nil
}

func applyEnv(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	if value, ok := lookup("ECONOS_CHAIN_RPC_URL"); ok && value != "" {
		cfg.ChainRPCURL = value
		meta.sources["chain_rpc_url"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_CHAIN_ID"); ok && value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse ECONOS_CHAIN_ID: %w", err)
		}
		cfg.ChainID = parsed
		meta.sources["chain_id"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_BLOCK_CONFIRMATIONS"); ok && value != "" {
		parsed, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("parse ECONOS_BLOCK_CONFIRMATIONS: %w", err)
		}
		cfg.BlockConfirmations = parsed
		meta.sources["block_confirmations"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_MASTER_PRIVATE_KEY"); ok && value != "" {
		cfg.MasterPrivateKey = value
		meta.sources["master_private_key"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_MASTER_ADDRESS"); ok && value != "" {
		cfg.MasterAddress = value
		meta.sources["master_address"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_ESCROW_ADDRESS"); ok && value != "" {
		cfg.EscrowAddress = value
		meta.sources["escrow_address"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_REGISTRY_ADDRESS"); ok && value != "" {
		cfg.RegistryAddress = value
		meta.sources["registry_address"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_MIN_REPUTATION"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_MIN_REPUTATION: %w", err)
		}
		cfg.MinReputation = parsed
		meta.sources["min_reputation"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_KNOWN_WORKERS"); ok && value != "" {
		cfg.KnownWorkers = splitList(value)
		meta.sources["known_workers"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_EXPIRATION_CHECK_INTERVAL"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_EXPIRATION_CHECK_INTERVAL: %w", err)
		}
		cfg.ExpirationCheckSeconds = parsed
		meta.sources["expiration_check_seconds"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_CAPABILITY_CACHE_MS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_CAPABILITY_CACHE_MS: %w", err)
		}
		cfg.CapabilityCacheMs = parsed
		meta.sources["capability_cache_ms"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_AUTHORIZATION_VALIDITY"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_AUTHORIZATION_VALIDITY: %w", err)
		}
		cfg.AuthValiditySeconds = parsed
		meta.sources["auth_validity_seconds"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_TASK_DURATION"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_TASK_DURATION: %w", err)
		}
		cfg.TaskDurationSeconds = parsed
		meta.sources["task_duration_seconds"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_NONCE_RETENTION"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_NONCE_RETENTION: %w", err)
		}
		cfg.NonceRetentionSeconds = parsed
		meta.sources["nonce_retention_seconds"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_DATABASE_URL"); ok && value != "" {
		cfg.DatabaseURL = value
		meta.sources["database_url"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_SERVER_HOST"); ok && value != "" {
		cfg.ServerHost = value
		meta.sources["server_host"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_SERVER_PORT"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_SERVER_PORT: %w", err)
		}
		cfg.ServerPort = parsed
		meta.sources["server_port"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_PLANNER_BASE_URL"); ok && value != "" {
		cfg.PlannerBaseURL = value
		meta.sources["planner_base_url"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_PLANNER_API_KEY"); ok && value != "" {
		cfg.PlannerAPIKey = value
		meta.sources["planner_api_key"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_PLANNER_MODEL"); ok && value != "" {
		cfg.PlannerModel = value
		meta.sources["planner_model"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_WORKER_DISPATCH_TIMEOUT_MS"); ok && value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_WORKER_DISPATCH_TIMEOUT_MS: %w", err)
		}
		cfg.WorkerDispatchTimeoutMs = parsed
		meta.sources["worker_dispatch_timeout_ms"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_ENV"); ok && value != "" {
		cfg.Environment = value
		meta.sources["environment"] = SourceEnv
	}
	if value, ok := lookup("ECONOS_VERBOSE"); ok && value != "" {
		parsed, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("parse ECONOS_VERBOSE: %w", err)
		}
		cfg.Verbose = parsed
		meta.sources["verbose"] = SourceEnv
	}

	return nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	if overrides.ChainRPCURL != nil {
		cfg.ChainRPCURL = *overrides.ChainRPCURL
		meta.sources["chain_rpc_url"] = SourceOverride
	}
	if overrides.ChainID != nil {
		cfg.ChainID = *overrides.ChainID
		meta.sources["chain_id"] = SourceOverride
	}
	if overrides.BlockConfirmations != nil {
		cfg.BlockConfirmations = *overrides.BlockConfirmations
		meta.sources["block_confirmations"] = SourceOverride
	}
	if overrides.MasterPrivateKey != nil {
		cfg.MasterPrivateKey = *overrides.MasterPrivateKey
		meta.sources["master_private_key"] = SourceOverride
	}
	if overrides.MasterAddress != nil {
		cfg.MasterAddress = *overrides.MasterAddress
		meta.sources["master_address"] = SourceOverride
	}
	if overrides.EscrowAddress != nil {
		cfg.EscrowAddress = *overrides.EscrowAddress
		meta.sources["escrow_address"] = SourceOverride
	}
	if overrides.RegistryAddress != nil {
		cfg.RegistryAddress = *overrides.RegistryAddress
		meta.sources["registry_address"] = SourceOverride
	}
	if overrides.MinReputation != nil {
		cfg.MinReputation = *overrides.MinReputation
		meta.sources["min_reputation"] = SourceOverride
	}
	if overrides.KnownWorkers != nil {
		cfg.KnownWorkers = append([]string(nil), *overrides.KnownWorkers...)
		meta.sources["known_workers"] = SourceOverride
	}
	if overrides.ExpirationCheckSeconds != nil {
		cfg.ExpirationCheckSeconds = *overrides.ExpirationCheckSeconds
		meta.sources["expiration_check_seconds"] = SourceOverride
	}
	if overrides.CapabilityCacheMs != nil {
		cfg.CapabilityCacheMs = *overrides.CapabilityCacheMs
		meta.sources["capability_cache_ms"] = SourceOverride
	}
	if overrides.AuthValiditySeconds != nil {
		cfg.AuthValiditySeconds = *overrides.AuthValiditySeconds
		meta.sources["auth_validity_seconds"] = SourceOverride
	}
	if overrides.TaskDurationSeconds != nil {
		cfg.TaskDurationSeconds = *overrides.TaskDurationSeconds
		meta.sources["task_duration_seconds"] = SourceOverride
	}
	if overrides.NonceRetentionSeconds != nil {
		cfg.NonceRetentionSeconds = *overrides.NonceRetentionSeconds
		meta.sources["nonce_retention_seconds"] = SourceOverride
	}
	if overrides.DatabaseURL != nil {
		cfg.DatabaseURL = *overrides.DatabaseURL
		meta.sources["database_url"] = SourceOverride
	}
	if overrides.ServerHost != nil {
		cfg.ServerHost = *overrides.ServerHost
		meta.sources["server_host"] = SourceOverride
	}
	if overrides.ServerPort != nil {
		cfg.ServerPort = *overrides.ServerPort
		meta.sources["server_port"] = SourceOverride
	}
	if overrides.PlannerBaseURL != nil {
		cfg.PlannerBaseURL = *overrides.PlannerBaseURL
		meta.sources["planner_base_url"] = SourceOverride
	}
	if overrides.PlannerAPIKey != nil {
		cfg.PlannerAPIKey = *overrides.PlannerAPIKey
		meta.sources["planner_api_key"] = SourceOverride
	}
	if overrides.PlannerModel != nil {
		cfg.PlannerModel = *overrides.PlannerModel
		meta.sources["planner_model"] = SourceOverride
	}
	if overrides.WorkerDispatchTimeoutMs != nil {
		cfg.WorkerDispatchTimeoutMs = *overrides.WorkerDispatchTimeoutMs
		meta.sources["worker_dispatch_timeout_ms"] = SourceOverride
	}
	if overrides.Environment != nil {
		cfg.Environment = *overrides.Environment
		meta.sources["environment"] = SourceOverride
	}
	if overrides.Verbose != nil {
		cfg.Verbose = *overrides.Verbose
		meta.sources["verbose"] = SourceOverride
	}
}

func splitList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\n', '\t':
			return true
		default:
			return false
		}
	})
	filtered := parts[:0]
	for _, token := range parts {
		trimmed := strings.TrimSpace(token)
		if trimmed != "" {
			filtered = append(filtered, trimmed)
		}
	}
	return append([]string(nil), filtered...)
}

func parseBoolEnv(value string) (bool, error) {
	trimmed := strings.TrimSpace(value)
	lower := strings.ToLower(trimmed)
	switch lower {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
