package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"econos/internal/logging"
	"econos/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the master engine and its HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Println(red("✗ " + err.Error()))
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := buildEngine(ctx, cfg)
		if err != nil {
			fmt.Println(red("✗ " + err.Error()))
			return err
		}
		if err := e.start(ctx); err != nil {
			fmt.Println(red("✗ " + err.Error()))
			e.stop()
			return err
		}
		defer e.stop()

		srv := server.New(server.Config{
			Addr:                   cfg.ListenAddr(),
			DefaultDurationSeconds: int64(cfg.TaskDurationSeconds),
		}, e.manager, e.orch, e.planner, e.index, e.monitor, e.metrics, logging.NewComponentLogger("server"))

		fmt.Println(bold("econos-master ") + gray(Version))
		fmt.Println(green("▸ master address  ") + e.gateway.MasterAddress().Hex())
		fmt.Println(green("▸ escrow          ") + cfg.EscrowAddress)
		fmt.Println(green("▸ registry        ") + cfg.RegistryAddress)
		fmt.Println(green("▸ listening on    ") + cfg.ListenAddr())
		if len(cfg.KnownWorkers) > 0 {
			fmt.Println(green("▸ known workers   ") + fmt.Sprintf("%d", len(cfg.KnownWorkers)))
		}
		if cfg.DatabaseURL == "" {
			fmt.Println(yellow("▸ store           in-memory (set ECONOS_DATABASE_URL for persistence)"))
		}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		fmt.Println(yellow("▸ shutting down..."))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		fmt.Println(green("✓ stopped cleanly"))
		return nil
	},
}
