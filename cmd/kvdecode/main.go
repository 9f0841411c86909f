package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/logger"
)

// fileConfig is loaded once in the root Before hook.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "kvdecode",
		Usage: "Autoregressive GPT-2 decoding with a key/value cache",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(configPath())
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			generateCmd(),
			checkCmd(),
			benchmarkCmd(),
			toyCmd(),
			versionCmd(),
		},
	}

	// Logging flags are persistent, so the logger is built once the
	// subcommand has parsed them.
	for _, c := range app.Commands {
		c.Before = setupLogging
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyLoggingConfig(cmd, fileConfig)
	log, err := logger.FromConfig(os.Stderr, logger.Config{Format: logFormat, Level: logLevel, Debug: debug})
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
