package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/inference"
	"github.com/samcharles93/kvdecode/internal/logger"
)

type generateFlags struct {
	model  string
	prompt string
	steps  int64
	temp   float64
}

func (g *generateFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model name under --models-dir, or a model directory",
			Destination: &g.model,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Destination: &g.prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       fmt.Sprintf("tokens to generate (1-%d)", inference.MaxSteps),
			Value:       20,
			Destination: &g.steps,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature",
			Value:       1.0,
			Destination: &g.temp,
		},
	}
}

func (g *generateFlags) maxSteps() (uint8, error) {
	if g.steps < 1 || g.steps > inference.MaxSteps {
		return 0, fmt.Errorf("--steps must be in [1,%d], got %d", inference.MaxSteps, g.steps)
	}
	return uint8(g.steps), nil
}

func generateCmd() *cli.Command {
	var (
		g      generateFlags
		asJSON bool
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate a continuation of a prompt",
		Flags: append(append(commonModelFlags(), g.flags()...),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the completion as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)

			steps, err := g.maxSteps()
			if err != nil {
				return err
			}
			dir, err := resolveModelDir(g.model, modelsDir)
			if err != nil {
				return err
			}
			svc := newService(log, !noKVCache, false, seed)
			if err := svc.SetupFrom(ctx, dir); err != nil {
				return err
			}
			out, err := svc.Generate(ctx, g.prompt, steps, g.temp)
			if err != nil {
				return err
			}

			log.Info("generation done",
				"stop", out.Stop.String(),
				"tokens", len(out.Tokens),
				"duration", out.Stats.Duration,
				"tps", out.Stats.TPS,
			)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Println(out.Text)
			return nil
		},
	}
}
