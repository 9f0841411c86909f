package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/inference"
	"github.com/samcharles93/kvdecode/internal/logger"
)

type benchRun struct {
	Tokens   int
	Forward  int
	Duration time.Duration
	TPS      float64
}

type benchReport struct {
	Mode string
	Load time.Duration
	Runs []benchRun
}

func (r benchReport) avgTPS() float64 {
	if len(r.Runs) == 0 {
		return 0
	}
	var sum float64
	for _, run := range r.Runs {
		sum += run.TPS
	}
	return sum / float64(len(r.Runs))
}

// runBenchmark discards warmup generations and records the timed ones.
func runBenchmark(ctx context.Context, log logger.Logger, svc *inference.Service, prompt string, steps uint8, temp float64, warmup, runs int) ([]benchRun, error) {
	if warmup < 0 || runs < 1 {
		return nil, fmt.Errorf("need warmup >= 0 and runs >= 1, got %d and %d", warmup, runs)
	}
	for i := range warmup {
		log.Debug("warmup run", "run", i+1)
		if _, err := svc.Generate(ctx, prompt, steps, temp); err != nil {
			return nil, fmt.Errorf("warmup run %d: %w", i+1, err)
		}
	}
	results := make([]benchRun, 0, runs)
	for i := range runs {
		log.Debug("benchmark run", "run", i+1)
		out, err := svc.Generate(ctx, prompt, steps, temp)
		if err != nil {
			return nil, fmt.Errorf("benchmark run %d: %w", i+1, err)
		}
		results = append(results, benchRun{
			Tokens:   out.Stats.TokensGenerated,
			Forward:  out.Stats.ForwardCalls,
			Duration: out.Stats.Duration,
			TPS:      out.Stats.TPS,
		})
	}
	return results, nil
}

func printBenchmark(w io.Writer, reports []benchReport) {
	for _, rep := range reports {
		_, _ = fmt.Fprintf(w, "=== %s (load %s) ===\n", rep.Mode, rep.Load.Round(time.Millisecond))
		_, _ = fmt.Fprintf(w, "%-6s %10s %10s %8s %8s\n", "Run", "tps", "Duration", "Tokens", "Forward")
		for i, r := range rep.Runs {
			_, _ = fmt.Fprintf(w, "%-6d %10.2f %10s %8d %8d\n", i+1, r.TPS, r.Duration.Round(time.Microsecond), r.Tokens, r.Forward)
		}
		_, _ = fmt.Fprintf(w, "%-6s %10.2f\n\n", "Avg", rep.avgTPS())
	}
	if len(reports) == 2 && reports[1].avgTPS() > 0 {
		_, _ = fmt.Fprintf(w, "speedup: %.2fx\n", reports[0].avgTPS()/reports[1].avgTPS())
	}
}

func benchmarkCmd() *cli.Command {
	var (
		g          generateFlags
		warmupRuns int64
		benchRuns  int64
		compare    bool
	)

	flags := append(commonModelFlags(), g.flags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "compare",
			Usage:       "also run with the KV cache disabled and report the speedup",
			Destination: &compare,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Measure generation throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, fileConfig)
			log := logger.FromContext(ctx)

			if g.prompt == "" {
				return errors.New("--prompt is required")
			}
			steps, err := g.maxSteps()
			if err != nil {
				return err
			}
			dir, err := resolveModelDir(g.model, modelsDir)
			if err != nil {
				return err
			}

			modes := []bool{!noKVCache}
			if compare {
				modes = []bool{true, false}
			}
			fmt.Printf("CPUs: %d  GOMAXPROCS: %d  steps: %d  warmup: %d  runs: %d\n\n",
				runtime.NumCPU(), runtime.GOMAXPROCS(0), steps, warmupRuns, benchRuns)

			reports := make([]benchReport, 0, len(modes))
			for _, cached := range modes {
				s := seed
				if s == 0 {
					s = 42
				}
				svc := newService(log, cached, false, s)
				loadStart := time.Now()
				if err := svc.SetupFrom(ctx, dir); err != nil {
					return err
				}
				rep := benchReport{Mode: "kv cache off", Load: time.Since(loadStart)}
				if cached {
					rep.Mode = "kv cache on"
				}
				rep.Runs, err = runBenchmark(ctx, log, svc, g.prompt, steps, g.temp, int(warmupRuns), int(benchRuns))
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			}
			printBenchmark(os.Stdout, reports)
			return nil
		},
	}
}
