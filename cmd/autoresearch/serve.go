package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/autoresearch/config"
	"github.com/mohammad-safakhou/autoresearch/internal/logging"
	srv "github.com/mohammad-safakhou/autoresearch/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the job queue and the retention sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			logger := logging.New(cfg.Logging)
			return srv.Run(cmd.Context(), cfg, logger)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	return serve
}
