package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/autoresearch/config"
	"github.com/mohammad-safakhou/autoresearch/internal/logging"
	srv "github.com/mohammad-safakhou/autoresearch/internal/server"
	"github.com/mohammad-safakhou/autoresearch/internal/store"
)

func sweepCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete jobs older than the retention window once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)
			st, err := store.NewWithDSN(cmd.Context(), cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer st.Close()

			sw, err := srv.NewSweeper(st, cfg.Sweeper, logger)
			if err != nil {
				return err
			}
			n, err := sw.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired jobs\n", n)
			return nil
		},
	}
}
