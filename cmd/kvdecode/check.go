package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/inference"
	"github.com/samcharles93/kvdecode/internal/logger"
)

var errCacheMismatch = errors.New("cached and uncached generations differ")

func checkCmd() *cli.Command {
	var g generateFlags

	return &cli.Command{
		Name:  "check",
		Usage: "Compare cached and uncached generation under the same seed",
		Flags: append(commonModelFlags(), g.flags()...),
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
			s := seed
			if s == 0 {
				s = 1
			}

			var runs [2]*inference.Completion
			for i, cached := range []bool{true, false} {
				svc := newService(log, cached, false, s)
				if err := svc.SetupFrom(ctx, dir); err != nil {
					return err
				}
				out, err := svc.Generate(ctx, g.prompt, steps, g.temp)
				if err != nil {
					return err
				}
				log.Debug("check run", "kv_cache", cached, "tokens", out.Tokens, "duration", out.Stats.Duration)
				runs[i] = out
			}

			fmt.Printf("cached:   %v (%s)\n", runs[0].Tokens, runs[0].Stats.Duration)
			fmt.Printf("uncached: %v (%s)\n", runs[1].Tokens, runs[1].Stats.Duration)
			if !slices.Equal(runs[0].Tokens, runs[1].Tokens) {
				return errCacheMismatch
			}
			fmt.Println("ok")
			return nil
		},
	}
}
