package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ruteri/content-sync/client"
	"github.com/ruteri/content-sync/cmd/flags"
	"github.com/ruteri/content-sync/common"
	"github.com/ruteri/content-sync/interfaces"
	"github.com/ruteri/content-sync/migration"
	"github.com/urfave/cli/v2"
)

var cliFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "source-url",
		Usage: "migrate from a running daemon at this address instead of the secondary provider",
	},
	&cli.BoolFlag{
		Name:  "estimate",
		Usage: "only print the estimated size and duration of the migration",
	},
	&cli.StringFlag{
		Name:  "prefix",
		Usage: "only migrate paths starting with this prefix",
	},
	&cli.IntFlag{
		Name:  "batch-size",
		Usage: "number of items copied concurrently (overrides the config file)",
	},
	&cli.BoolFlag{
		Name:  "skip-existing",
		Value: true,
		Usage: "do not copy paths the primary provider already has",
	},
	&cli.BoolFlag{
		Name:  "delete-after",
		Usage: "delete each item from the secondary provider once copied",
	},
	flags.LogServiceFlagFn("content-sync-migrate"),
}, flags.LogFlags...)

func main() {
	app := &cli.App{
		Name:    "migrate",
		Usage:   "Copy the contents of the secondary provider into the primary one",
		Version: common.Version,
		Flags:   append(cliFlags, flags.ConfigFlag),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var source interfaces.Storage
			switch {
			case cCtx.String("source-url") != "":
				c, err := client.NewClient(cCtx.String("source-url"), client.Options{RetryMax: 3, Log: logger})
				if err != nil {
					return err
				}
				source = c
			case cfg.Secondary != nil:
				// No metrics listener in one-shot mode.
				secondary, err := cfg.Secondary.OpenProvider(ctx, logger, nil)
				if err != nil {
					logger.Error("Failed to open secondary provider", "err", err)
					return err
				}
				defer secondary.Close()
				source = secondary
			default:
				return errors.New("no secondary provider configured and no --source-url given")
			}

			engine := migration.NewEngine(logger, nil)
			defer engine.Close()

			if cCtx.Bool("estimate") {
				estimate, err := engine.EstimateMigrationSize(ctx, source)
				if err != nil {
					return err
				}
				return printJSON(estimate)
			}

			primary, err := cfg.Primary.OpenProvider(ctx, logger, nil)
			if err != nil {
				logger.Error("Failed to open primary provider", "err", err)
				return err
			}
			defer primary.Close()

			opts := cfg.MigrationOptions()
			if cCtx.IsSet("batch-size") {
				opts.BatchSize = cCtx.Int("batch-size")
			}
			if cCtx.IsSet("skip-existing") {
				opts.SkipExisting = cCtx.Bool("skip-existing")
			}
			if cCtx.IsSet("delete-after") {
				opts.DeleteAfterMigration = cCtx.Bool("delete-after")
			}
			if prefix := cCtx.String("prefix"); prefix != "" {
				opts.Filter = func(path string) bool { return strings.HasPrefix(path, prefix) }
			}

			progress := engine.SubscribeProgress(16)
			go func() {
				for {
					select {
					case ev := <-progress.C:
						if p, ok := ev.(interfaces.MigrationProgress); ok {
							logger.Info("Migration progress",
								"status", p.Status,
								"processed", p.ProcessedItems,
								"total", p.TotalItems,
								"failed", p.FailedItems)
						}
					case <-progress.Done():
						return
					}
				}
			}()

			result, err := engine.Migrate(ctx, source, primary, opts)
			if err != nil {
				logger.Error("Migration aborted", "err", err)
				return err
			}

			// Writes to the primary replicate in the background; let them land.
			logger.Info("Waiting for replication of migrated items")
			if err := primary.Queue().Wait(ctx); err != nil {
				logger.Warn("Replication interrupted", "err", err)
			}

			if err := printJSON(result); err != nil {
				return err
			}
			if result.Status == interfaces.MigrationFailed {
				return cli.Exit(fmt.Sprintf("%d of %d items failed", result.FailedItems, result.TotalItems), 1)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
