package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/logging"
	"github.com/mesh-intelligence/depot/internal/paths"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userErr(err error) error { return &exitError{code: exitUserError, err: err} }
func sysErr(err error) error  { return &exitError{code: exitSysError, err: err} }

// Global flag values.
var (
	flagConfigDir string
	flagDataDir   string
	flagJSON      bool
	flagVerbose   bool
)

// Set by PersistentPreRunE for every subcommand.
var (
	configDir string
	cfg       types.Config
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "depot",
	Short:         "depot keeps a local, queryable replica of the back-office catalog",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		dir, err := paths.ResolveConfigDir(flagConfigDir)
		if err != nil {
			return sysErr(fmt.Errorf("resolving config dir: %w", err))
		}
		configDir = dir

		loaded, err := loadConfig(configDir)
		if err != nil {
			return userErr(err)
		}
		loaded.DataDir, err = paths.ResolveDataDir(flagDataDir, loaded.DataDir)
		if err != nil {
			return sysErr(fmt.Errorf("resolving data dir: %w", err))
		}
		if err := loaded.Validate(); err != nil {
			return userErr(fmt.Errorf("invalid config: %w", err))
		}
		cfg = loaded

		opts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}
		if cmd.Name() != serveCmd.Name() && !flagVerbose {
			opts.Level = "warn"
		}
		l, err := logging.New(opts)
		if err != nil {
			return userErr(err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration directory (default: platform config dir, or $DEPOT_CONFIG_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "cache directory (default: $(CWD)/.depot-db)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log at the configured level instead of warn")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(remoteCmd)
}
