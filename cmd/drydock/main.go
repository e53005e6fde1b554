package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fentz26/drydock/internal/config"
	"github.com/fentz26/drydock/internal/logger"
	"github.com/fentz26/drydock/internal/store"
	"github.com/fentz26/drydock/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "drydock",
	Short:         "drydock - host fleet lifecycle controller",
	Long:          `drydock dispatches lifecycle tasks against a fleet of servers, making sure no two conflicting operations touch the same host at once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the drydock version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

var (
	configPath string
	apiAddr    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7467", "Controller API address")

	rootCmd.AddCommand(controllerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(inventoryCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(versionCmd)
}

// env carries what every store-backed command needs.
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		e.log.Warn("Failed to close store", zap.Error(err))
	}
	_ = e.log.Sync()
}

// openEnv loads the configuration, builds the logger and connects to the
// store.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return connect(ctx, cfg)
}

func connect(ctx context.Context, cfg *config.Config) (*env, error) {
	log := logger.New(cfg.Log.Level, logger.ParseFormat(cfg.Log.Format))

	st, err := store.Open(ctx, storeConfig(cfg))
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &env{cfg: cfg, log: log, store: st}, nil
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:         cfg.Store.Driver,
		DSN:            cfg.Store.DSN,
		MaxOpenConns:   cfg.Store.MaxOpenConns,
		ConnectTimeout: cfg.Store.ConnectTimeout,
	}
}

func main() {
	// Sizes GOMAXPROCS to the container CPU quota before the pool default reads it.
	_, _ = maxprocs.Set()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
