package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ezsched/internal/config"
	appLog "ezsched/internal/log"
	"ezsched/internal/store"
)

const version = "0.1.0"

var (
	configPath string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "ezsched",
	Short: "ezsched - resource scheduler with optimistic editing",
	Long: `ezsched keeps a calendar of events per resource, expands recurring
series, lays them out for day, week and timeline views and commits drag
gestures optimistically.

Settings come from the YAML config file. Flags and EZSCHED_* environment
variables override it.`,
	SilenceUsage: true,
	PersistentPostRun: func(*cobra.Command, []string) {
		appLog.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "./ezsched.yaml", "path to config file")
	pf.String("listen", "", "HTTP listen address")
	pf.String("timezone", "", "display timezone (IANA name)")
	pf.String("log-level", "", "debug, info or error")
	pf.String("store", "", "event store driver: memory or sqlite")
	pf.String("store-path", "", "sqlite database path")

	bind := map[string]string{
		"listen":       "listen",
		"timezone":     "timezone",
		"log_level":    "log-level",
		"store.driver": "store",
		"store.path":   "store-path",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}
	v.SetEnvPrefix("EZSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, expandCmd, importCmd, snapshotCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "ezsched", version)
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		appLog.Error("command failed", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies overrides and sets the log
// level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	cfg.ApplyOverrides(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// openStore returns the configured store and a close func.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		appLog.Info("using sqlite store", "path", s.Path())
		return s, func() {
			if err := s.Close(); err != nil {
				appLog.Error("close sqlite store", err)
			}
		}, nil
	default:
		appLog.Info("using in-memory store; events are lost on exit")
		return store.NewMemory(), func() {}, nil
	}
}
