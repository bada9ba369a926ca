package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"econos/internal/async"
	"econos/internal/authz"
	"econos/internal/capability"
	"econos/internal/chain"
	"econos/internal/config"
	"econos/internal/directory"
	"econos/internal/lifecycle"
	"econos/internal/logging"
	"econos/internal/observability"
	"econos/internal/orchestrator"
	"econos/internal/planner"
	"econos/internal/task"
	"econos/internal/workerclient"
)

// engine is the fully wired master: every component behind the serve
// and hire commands.
type engine struct {
	cfg      config.RuntimeConfig
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	gateway  *chain.Gateway
	signer   *authz.Signer
	workers  *workerclient.Client
	index    *capability.Index
	book     *directory.Book
	dir      *directory.Directory
	store    task.Store
	manager  *task.Manager
	monitor  *lifecycle.Monitor
	planner  *planner.Planner
	orch     *orchestrator.Orchestrator
	pool     *pgxpool.Pool
	shutdown []func()
}

// registryActivity adapts the chain gateway to the directory's
// string-addressed activity check.
type registryActivity struct {
	gateway *chain.Gateway
}

func (r registryActivity) IsWorkerActive(ctx context.Context, address string) (bool, error) {
	return r.gateway.IsWorkerActive(ctx, common.HexToAddress(address))
}

// buildEngine wires every component from the runtime config. The
// returned engine is not started; callers start the index, monitor and
// server as they need them.
func buildEngine(ctx context.Context, cfg config.RuntimeConfig) (*engine, error) {
	obs, err := observability.LoadConfig(os.Getenv("ECONOS_OBSERVABILITY_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("load observability config: %w", err)
	}
	if cfg.Verbose {
		obs.Logging.Level = "debug"
	}
	if cfg.Environment != "production" {
		obs.Logging.Format = "text"
	}
	if endpoint := os.Getenv("ECONOS_OTLP_ENDPOINT"); endpoint != "" {
		obs.Tracing.Enabled = true
		obs.Tracing.OTLPEndpoint = endpoint
	}
	obs.Tracing.ServiceVersion = Version
	logging.SetProcessLogger(observability.NewLogger(observability.LogConfig{
		Level:  obs.Logging.Level,
		Format: obs.Logging.Format,
	}))

	metrics, err := observability.NewMetricsCollector(obs.Metrics)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(obs.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	gateway, err := chain.Dial(ctx, cfg.ChainRPCURL, chain.Config{
		ChainID:         cfg.ChainID,
		EscrowAddress:   common.HexToAddress(cfg.EscrowAddress),
		RegistryAddress: common.HexToAddress(cfg.RegistryAddress),
		PrivateKeyHex:   cfg.MasterPrivateKey,
		Confirmations:   cfg.BlockConfirmations,
	}, logging.NewComponentLogger("chain"), metrics)
	if err != nil {
		return nil, err
	}

	signer, err := authz.NewSigner(cfg.MasterPrivateKey, cfg.ChainID, cfg.EscrowAddress, logging.NewComponentLogger("authz"))
	if err != nil {
		return nil, err
	}

	workers := workerclient.New(workerclient.Config{
		Timeout: cfg.WorkerDispatchTimeout(),
	}, logging.NewComponentLogger("workerclient"))

	// The manifest view stays valid for two refresh cycles, so refresh
	// at half the configured TTL.
	index := capability.NewIndex(workers, capability.Config{
		RefreshInterval: cfg.CapabilityCacheTTL() / 2,
	}, cfg.KnownWorkers, logging.NewComponentLogger("capability"))

	book := directory.NewBook()
	dir := directory.New(index, registryActivity{gateway: gateway}, book, directory.Config{
		MinReputation: cfg.MinReputation,
	}, logging.NewComponentLogger("directory"))

	e := &engine{
		cfg:     cfg,
		metrics: metrics,
		tracer:  tracer,
		gateway: gateway,
		signer:  signer,
		workers: workers,
		index:   index,
		book:    book,
		dir:     dir,
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := task.NewPostgresStore(pool, logging.NewComponentLogger("store"))
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		e.pool = pool
		e.store = pg
	} else {
		e.store = task.NewInMemoryStore()
	}

	e.manager = task.NewManager(e.store, logging.NewComponentLogger("task"), metrics)

	e.monitor = lifecycle.NewMonitor(e.manager, gateway, e.store, book, lifecycle.Callbacks{}, lifecycle.Config{
		SweepInterval: cfg.ExpirationCheckInterval(),
	}, logging.NewComponentLogger("lifecycle"))

	var analyzer planner.Analyzer
	if cfg.PlannerAPIKey != "" {
		analyzer = planner.NewLLMAnalyzer(planner.LLMConfig{
			BaseURL: cfg.PlannerBaseURL,
			APIKey:  cfg.PlannerAPIKey,
			Model:   cfg.PlannerModel,
		}, logging.NewComponentLogger("planner"))
	} else {
		analyzer = planner.NewRuleAnalyzer(logging.NewComponentLogger("planner"))
	}
	e.planner = planner.New(analyzer, index, metrics, logging.NewComponentLogger("planner"))

	e.orch = orchestrator.New(e.manager, dir, gateway, signer, workers, e.monitor, metrics, orchestrator.Config{
		DefaultDurationSeconds: int64(cfg.TaskDurationSeconds),
		AuthorizationValidity:  cfg.AuthValidity(),
	}, logging.NewComponentLogger("orchestrator"))

	return e, nil
}

// start brings the background components up: manifest polling, chain
// event scanning, the deadline sweeper and nonce ledger pruning.
func (e *engine) start(ctx context.Context) error {
	e.index.Start(ctx)
	e.shutdown = append(e.shutdown, e.index.Stop)

	if err := e.monitor.Start(ctx); err != nil {
		return err
	}
	e.shutdown = append(e.shutdown, e.monitor.Stop)

	pruneCtx, cancel := context.WithCancel(ctx)
	e.shutdown = append(e.shutdown, cancel)
	async.Go(logging.NewComponentLogger("authz"), "nonce-prune", func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case <-ticker.C:
				e.signer.PruneNoncesOlderThan(e.cfg.NonceRetention())
			}
		}
	})
	return nil
}

// stop tears background components down in reverse start order.
func (e *engine) stop() {
	for i := len(e.shutdown) - 1; i >= 0; i-- {
		e.shutdown[i]()
	}
	e.shutdown = nil
	if e.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.tracer.Shutdown(ctx)
		cancel()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}
