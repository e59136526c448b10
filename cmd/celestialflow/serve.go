package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mr-xiaotian/CelestialFlow/flow"
	"github.com/Mr-xiaotian/CelestialFlow/internal/config"
	"github.com/Mr-xiaotian/CelestialFlow/internal/logging"
	"github.com/Mr-xiaotian/CelestialFlow/internal/otelinit"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Reporter HTTP push API standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Reporter.Addr = addr
			}

			logger := logging.Init(cfg.Service.Name)
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			shutdownTrace := otelinit.InitTracer(ctx, cfg.Service.Name)
			defer otelinit.Flush(context.Background(), shutdownTrace)
			shutdownMetrics, _ := otelinit.InitMetrics(ctx, cfg.Service.Name)
			defer otelinit.Flush(context.Background(), shutdownMetrics)

			reporter := flow.NewReporterServer()
			logger.Info("reporter listening", "addr", cfg.Reporter.Addr)
			return reporter.Start(ctx, cfg.Reporter.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "port", "", "override reporter.addr, e.g. \":8090\"")
	return cmd
}
