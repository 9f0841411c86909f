package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/toy"
)

func toyCmd() *cli.Command {
	var (
		out    string
		layers int64
		heads  int64
		embd   int64
		pos    int64
		tseed  int64
		prefix bool
	)
	def := toy.DefaultOptions()

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a small random GPT-2 checkpoint for testing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output model directory",
				Destination: &out,
			},
			&cli.Int64Flag{Name: "layers", Value: int64(def.Layers), Destination: &layers},
			&cli.Int64Flag{Name: "heads", Value: int64(def.Heads), Destination: &heads},
			&cli.Int64Flag{Name: "embd", Usage: "embedding width", Value: int64(def.Embd), Destination: &embd},
			&cli.Int64Flag{Name: "positions", Usage: "learned position count", Value: int64(def.Positions), Destination: &pos},
			&cli.Int64Flag{Name: "seed", Value: def.Seed, Destination: &tseed},
			&cli.BoolFlag{
				Name:        "prefixed",
				Usage:       `name tensors "transformer.*"`,
				Destination: &prefix,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if out == "" {
				return errors.New("--out is required")
			}
			ckpt, err := toy.Generate(toy.Options{
				Layers:    int(layers),
				Heads:     int(heads),
				Embd:      int(embd),
				Positions: int(pos),
				Seed:      tseed,
				Prefixed:  prefix,
			})
			if err != nil {
				return err
			}
			if err := ckpt.WriteDir(out); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("wrote checkpoint", "dir", out, "layers", layers, "embd", embd)
			return nil
		},
	}
}
