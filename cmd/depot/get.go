package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/depot/pkg/types"
)

var getCmd = &cobra.Command{
	Use:   "get <table> <key>",
	Short: "Get a cached row by key",
	Long: `Get prints the cached row of a table with the given key. Deleted rows are
reported as not found.

Example:
  depot get stores 6f1c2a9e-4b7d-4e1a-9c55-0d2f8e3b7a10`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	table, key := args[0], args[1]
	if err := checkTable(table); err != nil {
		return userErr(err)
	}

	backend, err := attachBackend()
	if err != nil {
		return sysErr(err)
	}
	defer logDetach(backend)

	rec, err := backend.Get(cmd.Context(), table, key)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return userErr(fmt.Errorf("row %q not found in %s", key, table))
		}
		return sysErr(fmt.Errorf("get row: %w", err))
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), rec)
	}
	fields, err := rec.Fields()
	if err != nil {
		return sysErr(err)
	}
	return printJSON(cmd.OutOrStdout(), fields)
}
