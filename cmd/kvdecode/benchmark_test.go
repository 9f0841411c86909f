package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/inference"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/logits"
	"github.com/samcharles93/kvdecode/internal/toy"
)

func toyBenchService(t *testing.T, cached bool) *inference.Service {
	t.Helper()
	ckpt, err := toy.Generate(toy.DefaultOptions())
	if err != nil {
		t.Fatalf("toy: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "toy")
	if err := ckpt.WriteDir(dir); err != nil {
		t.Fatalf("write: %v", err)
	}
	svc := inference.NewService(inference.NewStore(inference.Options{
		CacheEnabled: cached,
		Sampler:      logits.NewSampler(42),
		Logger:       logger.Discard(),
	}))
	if err := svc.SetupFrom(context.Background(), blobstore.Dir(dir)); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return svc
}

func TestRunBenchmark(t *testing.T) {
	for _, cached := range []bool{true, false} {
		svc := toyBenchService(t, cached)
		runs, err := runBenchmark(context.Background(), logger.Discard(), svc, "hello", 8, 1, 1, 3)
		if err != nil {
			t.Fatalf("cached=%v: runBenchmark returned error: %v", cached, err)
		}
		if len(runs) != 3 {
			t.Fatalf("cached=%v: got %d runs, want 3", cached, len(runs))
		}
		for i, r := range runs {
			if r.Tokens < 1 || r.Tokens > 8 {
				t.Fatalf("cached=%v run %d: tokens %d out of range", cached, i, r.Tokens)
			}
			if r.Forward != r.Tokens {
				t.Fatalf("cached=%v run %d: %d forward calls for %d tokens", cached, i, r.Forward, r.Tokens)
			}
		}
	}
}

func TestRunBenchmarkRejectsBadCounts(t *testing.T) {
	svc := toyBenchService(t, true)
	if _, err := runBenchmark(context.Background(), logger.Discard(), svc, "hi", 4, 1, 0, 0); err == nil {
		t.Fatal("expected error for zero runs")
	}
	if _, err := runBenchmark(context.Background(), logger.Discard(), svc, "hi", 4, 1, -1, 1); err == nil {
		t.Fatal("expected error for negative warmup")
	}
	if _, err := runBenchmark(context.Background(), logger.Discard(), svc, "", 4, 1, 0, 1); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestPrintBenchmark(t *testing.T) {
	reports := []benchReport{
		{Mode: "kv cache on", Runs: []benchRun{{Tokens: 4, Forward: 4, Duration: time.Millisecond, TPS: 40}, {Tokens: 4, Forward: 4, Duration: time.Millisecond, TPS: 20}}},
		{Mode: "kv cache off", Runs: []benchRun{{Tokens: 4, Forward: 4, Duration: 2 * time.Millisecond, TPS: 10}}},
	}
	if got := reports[0].avgTPS(); got != 30 {
		t.Fatalf("avgTPS: got %v want 30", got)
	}

	var buf bytes.Buffer
	printBenchmark(&buf, reports)
	out := buf.String()
	for _, want := range []string{"=== kv cache on", "=== kv cache off", "Avg", "30.00", "speedup: 3.00x"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
