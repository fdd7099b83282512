package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/depot/pkg/types"
)

var flagSyncSeedRows int

var syncCmd = &cobra.Command{
	Use:   "sync [table...]",
	Short: "Run a full resync from the remote into the cache",
	Long: `Sync pages every named table (all tables when none are given) from the
remote into the cache and records the session. It exits 2 when any table
fails; rows from tables that completed are kept.

Example:
  depot sync
  depot sync stores shipments`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().IntVar(&flagSyncSeedRows, "seed-rows", defaultSeedRows, "rows per table for the memory remote")
}

func runSync(cmd *cobra.Command, args []string) error {
	tables, err := resolveTables(args)
	if err != nil {
		return userErr(err)
	}

	backend, err := attachBackend()
	if err != nil {
		return sysErr(err)
	}
	defer logDetach(backend)

	rc, err := openRemote(cmd.Context(), flagSyncSeedRows)
	if err != nil {
		return sysErr(err)
	}
	defer rc.close()
	rc.transport = nil

	eng, err := newEngine(backend, rc, nil)
	if err != nil {
		return sysErr(err)
	}
	defer eng.Stop()

	session, err := eng.Resync(cmd.Context(), types.TriggerCLI, tables)
	if err != nil {
		return sysErr(fmt.Errorf("resync: %w", err))
	}

	out := cmd.OutOrStdout()
	if flagJSON {
		if err := printJSON(out, session); err != nil {
			return err
		}
	} else {
		for _, tp := range session.Tables {
			state := "ok"
			if tp.Failed {
				state = "FAILED: " + tp.Err
			}
			fmt.Fprintf(out, "%-20s %8d rows  %s\n", tp.Table, tp.RowsFetched, state)
		}
		fmt.Fprintf(out, "session %s %s in %s\n", session.ID, session.Status,
			session.FinishedAt.Sub(session.StartedAt).Round(time.Millisecond))
	}

	if session.Status == types.SessionFailed {
		return sysErr(fmt.Errorf("%w: %v", types.ErrTableResyncFailed, session.FailedTables()))
	}
	return nil
}
