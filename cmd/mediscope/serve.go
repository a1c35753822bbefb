package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mediscope/internal/config"
	"mediscope/internal/di"
	serverHTTP "mediscope/internal/server/http"
)

func newServeCommand() *cobra.Command {
	var (
		host  string
		port  int
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the diagnose HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			container, err := di.BuildContainer(cfg)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = container.Cleanup(ctx)
			}()

			handler := serverHTTP.NewDiagnoseHandler(container, container.Tracer)
			srv := serverHTTP.NewServer(handler, serverHTTP.ServerConfig{
				Host:        cfg.Server.Host,
				Port:        cfg.Server.Port,
				EnableCORS:  cfg.Server.EnableCORS,
				Debug:       debug,
				ReadTimeout: cfg.Server.ReadTimeout,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-quit:
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Listen address")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Listen port")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Debug mode")
	return cmd
}
