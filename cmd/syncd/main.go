package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/content-sync/cmd/flags"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/httpserver"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/metrics"
	"github.com/ruteri/content-sync/migration"
	"github.com/ruteri/content-sync/provider"
	"github.com/urfave/cli/v2"
)

var cliFlags = append([]cli.Flag{
	flags.ListenAddrFlag,
	flags.LogServiceFlagFn("content-sync"),
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:    "syncd",
		Usage:   "Serve a local content cache replicated to a content network",
		Version: common.Version,
		Flags:   cliFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			metricsSrv, err := metrics.New(common.PackageName, cfg.Server.MetricsAddr)
			if err != nil {
				logger.Error("Failed to create metrics server", "err", err)
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			primary, err := cfg.Primary.OpenProvider(ctx, logger, metricsSrv.Collectors())
			if err != nil {
				logger.Error("Failed to open primary provider", "err", err)
				return err
			}
			defer closeProvider(logger, primary)

			var secondary interfaces.Storage
			if cfg.Secondary != nil {
				p, err := cfg.Secondary.OpenProvider(ctx, logger, metricsSrv.Collectors())
				if err != nil {
					logger.Error("Failed to open secondary provider", "err", err)
					return err
				}
				defer closeProvider(logger, p)
				secondary = p
			}

			engine := migration.NewEngine(logger, metricsSrv.Collectors())
			defer engine.Close()

			handler := httpserver.NewHandler(httpserver.HandlerConfig{
				Primary:           primary,
				Secondary:         secondary,
				Migrations:        engine,
				MigrationDefaults: cfg.MigrationOptions(),
				Log:               logger,
			})

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cfg), handler, metricsSrv)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			if !primary.IsHealthy(ctx) {
				logger.Warn("Content network unreachable, uploads stay queued until it recovers",
					"provider", primary.Name())
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			if engine.CancelMigration() {
				logger.Info("Cancelled running migration")
			}
			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func closeProvider(logger *slog.Logger, p *provider.StorageProvider) {
	if err := p.Close(); err != nil {
		logger.Error("Failed to close provider", "provider", p.Name(), "err", err)
	}
}
