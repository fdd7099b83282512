package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagInitForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config file and the cache",
	Long: `Init writes a default config.yaml to the config directory, unless one
exists, and creates the cache database with one table per synced table.

With --force the config file is rewritten with defaults.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "overwrite an existing config.yaml")
}

func runInit(cmd *cobra.Command, args []string) error {
	if flagInitForce {
		if err := ensureDefaultConfigFile(configDir, true); err != nil {
			return sysErr(fmt.Errorf("write config: %w", err))
		}
	}

	backend, err := attachBackend()
	if err != nil {
		return sysErr(err)
	}
	if err := backend.Detach(); err != nil {
		return sysErr(fmt.Errorf("finalize storage: %w", err))
	}

	out := cmd.OutOrStdout()
	if flagJSON {
		return printJSON(out, map[string]string{"config_dir": configDir, "data_dir": cfg.DataDir})
	}
	fmt.Fprintln(out, "depot initialized")
	fmt.Fprintln(out, "  config:", configDir)
	fmt.Fprintln(out, "  data:  ", cfg.DataDir)
	return nil
}
