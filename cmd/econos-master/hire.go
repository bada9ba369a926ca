package main

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"econos/internal/directory"
	"econos/internal/orchestrator"
	"econos/internal/planner"
	"econos/internal/server"
	"econos/internal/task"
)

var (
	hireParams   string
	hireBudget   string
	hireDuration int64
	hireStrategy string
	hireWorker   string
)

var hireCmd = &cobra.Command{
	Use:   "hire <task-type>",
	Short: "Hire a worker for one task and wait for the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskType := args[0]
		if !task.IsValidType(task.TaskType(taskType)) {
			err := fmt.Errorf("unsupported task type %q (known: %v)", taskType, task.AllTypes())
			fmt.Println(red("✗ " + err.Error()))
			return err
		}
		var params map[string]any
		if hireParams != "" {
			if err := json.Unmarshal([]byte(hireParams), &params); err != nil {
				fmt.Println(red("✗ --params is not valid JSON: " + err.Error()))
				return err
			}
		}
		budget, err := server.EtherToWei(hireBudget)
		if err != nil {
			fmt.Println(red("✗ " + err.Error()))
			return err
		}
		strategy, err := directory.ParseStrategy(hireStrategy)
		if err != nil {
			fmt.Println(red("✗ " + err.Error()))
			return err
		}

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

		fmt.Println(cyan("▸ discovering workers..."))
		e.index.Refresh(ctx)

		plan := planner.SingleStep(taskType, params, nil)
		fmt.Println(cyan("▸ hiring for ") + bold(taskType))
		result, err := e.orch.Execute(ctx, plan, orchestrator.ExecuteOptions{
			DurationSeconds: hireDuration,
			Strategy:        strategy,
			DirectAddress:   hireWorker,
			StepBudgetWei:   budget,
		})
		if err != nil {
			fmt.Println(red("✗ hire failed: " + err.Error()))
			return err
		}

		step := result.Steps[len(result.Steps)-1]
		fmt.Println(green("✓ task completed"))
		fmt.Println(gray("  task    ") + step.TaskID.String())
		fmt.Println(gray("  worker  ") + step.Worker)
		fmt.Println(gray("  paid    ") + step.PriceWei.String() + " wei")
		if step.ResultHash != "" {
			fmt.Println(gray("  result  ") + step.ResultHash)
		}
		if step.Output != nil {
			pretty, err := json.MarshalIndent(step.Output, "  ", "  ")
			if err == nil {
				fmt.Println("  " + string(pretty))
			}
		}
		return nil
	},
}

func init() {
	hireCmd.Flags().StringVar(&hireParams, "params", "", "task input parameters as JSON")
	hireCmd.Flags().StringVar(&hireBudget, "budget", "", "maximum price in ether, e.g. 0.01")
	hireCmd.Flags().Int64Var(&hireDuration, "duration", 0, "hired duration in seconds")
	hireCmd.Flags().StringVar(&hireStrategy, "strategy", "", "selection strategy: reputation|cheapest|round-robin|direct|weighted")
	hireCmd.Flags().StringVar(&hireWorker, "worker", "", "worker address for the direct strategy")
}
