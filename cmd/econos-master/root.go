package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"econos/internal/config"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var (
	flagConfigPath string
	flagVerbose    bool
	flagRPCURL     string
	flagChainID    int64
	flagEscrow     string
	flagRegistry   string
	flagWorkers    []string
	flagDatabase   string
	flagPort       int
)

var rootCmd = &cobra.Command{
	Use:   "econos-master",
	Short: "Machine-to-machine marketplace orchestration engine",
	Long: `econos-master hires autonomous workers for tasks: it discovers
capabilities, plans pipelines, escrows payment on-chain, issues signed
authorizations and watches each task to settlement.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfigPath, "config", "", "config file (default $HOME/.econos-config.json)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&flagRPCURL, "rpc-url", "", "chain JSON-RPC endpoint")
	pf.Int64Var(&flagChainID, "chain-id", 0, "chain id")
	pf.StringVar(&flagEscrow, "escrow", "", "escrow contract address")
	pf.StringVar(&flagRegistry, "registry", "", "worker registry contract address")
	pf.StringSliceVar(&flagWorkers, "workers", nil, "known worker endpoints")
	pf.StringVar(&flagDatabase, "database-url", "", "postgres url (empty = in-memory store)")
	pf.IntVar(&flagPort, "port", 0, "api server port")

	viper.SetEnvPrefix("ECONOS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range []string{"rpc-url", "chain-id", "escrow", "registry", "workers", "database-url", "port", "verbose"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(serveCmd, hireCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("econos-master %s\n", Version)
	},
}

// loadConfig merges the config file, ECONOS_* env and command-line
// flags. Flag keys resolve through viper, so a flag, its ECONOS_
// env alias (ECONOS_RPC_URL, ECONOS_PORT, ...) or the canonical
// ECONOS_* variables read by config.Load all reach the same knob;
// a flag set on the command line wins.
func loadConfig() (config.RuntimeConfig, error) {
	overrides := config.Overrides{}
	if v := viper.GetString("rpc-url"); v != "" {
		overrides.ChainRPCURL = &v
	}
	if v := viper.GetInt64("chain-id"); v != 0 {
		overrides.ChainID = &v
	}
	if v := viper.GetString("escrow"); v != "" {
		overrides.EscrowAddress = &v
	}
	if v := viper.GetString("registry"); v != "" {
		overrides.RegistryAddress = &v
	}
	if v := viper.GetStringSlice("workers"); len(v) > 0 {
		overrides.KnownWorkers = &v
	}
	if v := viper.GetString("database-url"); v != "" {
		overrides.DatabaseURL = &v
	}
	if v := viper.GetInt("port"); v != 0 {
		overrides.ServerPort = &v
	}
	if viper.GetBool("verbose") {
		verbose := true
		overrides.Verbose = &verbose
	}

	opts := []config.Option{config.WithOverrides(overrides)}
	if flagConfigPath != "" {
		opts = append(opts, config.WithConfigPath(flagConfigPath))
	}
	cfg, _, err := config.Load(opts...)
	if err != nil {
		return config.RuntimeConfig{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.RuntimeConfig{}, err
	}
	return cfg, nil
}
