package main

import "github.com/urfave/cli/v3"

const (
	envModelsDir = "KVDECODE_MODELS_DIR"
	envAPIToken  = "KVDECODE_API_TOKEN"
)

var (
	modelsDir  string
	maxContext int64
	noKVCache  bool
	seed       int64
	logLevel   string
	logFormat  string
	debug      bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "models-dir",
			Aliases:     []string{"path"},
			Usage:       "directory holding one subdirectory per model",
			Sources:     cli.EnvVars(envModelsDir),
			Destination: &modelsDir,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"ctx", "c"},
			Usage:       "largest prompt plus generated length",
			Value:       1024,
			Destination: &maxContext,
		},
		&cli.BoolFlag{
			Name:        "no-kv-cache",
			Usage:       "recompute attention over the whole sequence every step",
			Destination: &noKVCache,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampler seed (0 = time based)",
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
