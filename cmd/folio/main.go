// Folio - Offline-first storage and sync for credit portfolios.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/opensource-finance/folio/internal/app"
	"github.com/opensource-finance/folio/internal/config"
	"github.com/opensource-finance/folio/internal/logging"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "folio:", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "folio",
		Usage:   "Offline-first storage and sync agent for credit portfolios",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML config file", Sources: cli.EnvVars("FOLIO_CONFIG")},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(out),
			sweepCommand(out),
			migrateCommand(),
			queueCommand(out),
			deadLettersCommand(out),
			replayCommand(out),
			importLegacyCommand(out),
		},
		Action: runServe,
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP API, connectivity monitor and sync scheduler",
		Action: runServe,
	}
}

func syncCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "probe the backend and drain the sync queue once",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(ctx context.Context, a *app.App) error {
				a.Monitor.Probe(ctx)
				res, err := a.Syncer.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, res)
			})
		},
	}
}

func sweepCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "remove expired cache items",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(ctx context.Context, a *app.App) error {
				n, err := a.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, map[string]int{"removed": n})
			})
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "apply database migrations and exit",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(context.Context, *app.App) error { return nil })
		},
	}
}

func queueCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "queue",
		Usage: "list pending sync queue entries",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(ctx context.Context, a *app.App) error {
				entries, err := a.Repo.Pending(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, map[string]any{"count": len(entries), "entries": entries})
			})
		},
	}
}

func deadLettersCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "dead-letters",
		Usage: "list abandoned sync entries",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(ctx context.Context, a *app.App) error {
				dead, err := a.Repo.DeadLetters(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, map[string]any{"count": len(dead), "dead_letters": dead})
			})
		},
	}
}

func replayCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "replay",
		Usage:     "move a dead letter back into the sync queue",
		ArgsUsage: "<dead-letter-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			id := c.Args().First()
			if id == "" {
				return fmt.Errorf("replay requires a dead letter id")
			}
			return withApp(ctx, c, func(ctx context.Context, a *app.App) error {
				entry, err := a.Repo.Replay(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(out, entry)
			})
		},
	}
}

func importLegacyCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "import-legacy",
		Usage: "copy legacy key-value blobs into their collections",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, func(ctx context.Context, a *app.App) error {
				type importer interface {
					Name() string
					ImportLegacy(ctx context.Context) (int, error)
				}
				s := a.Stores
				imported := make(map[string]int)
				for _, im := range []importer{s.Portfolios, s.Companies, s.CreditRequests, s.CreditContracts, s.Guarantees} {
					n, err := im.ImportLegacy(ctx)
					if err != nil {
						return err
					}
					imported[im.Name()] = n
				}
				return printJSON(out, imported)
			})
		},
	}
}

// runServe starts every component and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, logger, err := build(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close()

	logger.Info("starting folio",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_date", BuildDate),
	)

	if err := a.Init(ctx); err != nil {
		return err
	}
	if err := a.Serve(ctx); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// withApp connects the database without starting background work and runs fn.
func withApp(ctx context.Context, c *cli.Command, fn func(context.Context, *app.App) error) error {
	a, logger, err := build(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer a.Close()

	if err := a.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

func build(c *cli.Command) (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	app.Version = Version
	a, err := app.New(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return a, logger, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
