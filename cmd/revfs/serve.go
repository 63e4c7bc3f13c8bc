package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"revfs/internal/api"
	"revfs/internal/logging"
	"revfs/internal/metrics"
	"revfs/internal/repo"

	"github.com/spf13/cobra"
)

func init() {
	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only inspection API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m := metrics.New()
			r, err := repo.Open(repoOptions(cfg, m))
			if err != nil {
				return fmt.Errorf("opening repository: %w", err)
			}
			defer r.Close()

			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			l := &logging.Logger{Logger: logger}
			handler := api.NewServer(api.NewHandler(r, logger.Named("api")), m, l)
			return api.Serve(ctx, addr, handler, logger)
		},
	}
	serveCmd.Flags().String("addr", "", "Listen address (default: from configuration)")

	rootCmd.AddCommand(serveCmd)
}
