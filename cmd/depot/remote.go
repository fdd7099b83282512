package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/depot/internal/remote/pgremote"
	"github.com/mesh-intelligence/depot/pkg/types"
)

var flagRemoteSeedRows int

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage the Postgres remote",
	Long: `Remote prepares a Postgres database to act as the remote: migrate
installs the catalog tables and the change triggers, seed fills them with
fake rows. Both use remote.dsn from the config.`,
}

var remoteMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the remote schema migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := remoteDSN()
		if err != nil {
			return err
		}
		if err := pgremote.Migrate(cmd.Context(), dsn); err != nil {
			return sysErr(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "remote schema is up to date")
		return nil
	},
}

var remoteSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert fake rows into every remote table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := remoteDSN()
		if err != nil {
			return err
		}
		pg, err := pgremote.Open(cmd.Context(), dsn, logger.Named("pgremote"))
		if err != nil {
			return sysErr(err)
		}
		defer pg.Close()

		if err := pg.Seed(cmd.Context(), flagRemoteSeedRows); err != nil {
			return sysErr(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rows per table\n", flagRemoteSeedRows)
		return nil
	},
}

func init() {
	remoteSeedCmd.Flags().IntVar(&flagRemoteSeedRows, "rows", defaultSeedRows, "parent rows per table")
	remoteCmd.AddCommand(remoteMigrateCmd)
	remoteCmd.AddCommand(remoteSeedCmd)
}

func remoteDSN() (string, error) {
	if cfg.Remote.Driver != types.RemotePostgres || cfg.Remote.DSN == "" {
		return "", userErr(errors.New("remote.driver must be postgres with remote.dsn set"))
	}
	return cfg.Remote.DSN, nil
}
