package model

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/mask"
	"github.com/samcharles93/kvdecode/internal/safetensors"
	"github.com/samcharles93/kvdecode/internal/toy"
)

func buildToy(t *testing.T, opts toy.Options) *GPT2 {
	t.Helper()
	ckpt, err := toy.Generate(opts)
	require.NoError(t, err)
	cfg, err := ParseConfig(ckpt.Config)
	require.NoError(t, err)
	f, err := safetensors.Parse(ckpt.Weights)
	require.NoError(t, err)
	m, err := Build(cfg, f)
	require.NoError(t, err)
	return m
}

func requireClose(t *testing.T, want, got []float32) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-4, "index %d", i)
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(`{"n_layer":2,"n_head":4,"n_embd":32,"vocab_size":100}`))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.HeadDim())
	require.Equal(t, 128, cfg.InnerDim())
	require.Equal(t, 1024, cfg.Positions)
	require.Equal(t, 1e-5, cfg.LayerNormEps)
	require.Equal(t, 99, cfg.EOS())

	cfg, err = ParseConfig([]byte(`{"num_hidden_layers":1,"num_attention_heads":2,"hidden_size":8,"vocab_size":10,"n_ctx":16,"eos_token_id":3}`))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Layers)
	require.Equal(t, 16, cfg.Positions)
	require.Equal(t, 3, cfg.EOS())
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"malformed":     `{"n_layer":`,
		"no layers":     `{"n_head":1,"n_embd":4,"vocab_size":10}`,
		"indivisible":   `{"n_layer":1,"n_head":3,"n_embd":4,"vocab_size":10}`,
		"eos out range": `{"n_layer":1,"n_head":1,"n_embd":4,"vocab_size":10,"eos_token_id":10}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(raw))
			require.Error(t, err)
		})
	}

	// every problem is reported, not just the first
	_, err := ParseConfig([]byte(`{"vocab_size":0}`))
	require.ErrorContains(t, err, "n_layer")
	require.ErrorContains(t, err, "vocab_size")
}

func TestBuildRejectsWrongShape(t *testing.T) {
	t.Parallel()

	ckpt, err := toy.Generate(toy.DefaultOptions())
	require.NoError(t, err)
	cfg, err := ParseConfig(ckpt.Config)
	require.NoError(t, err)
	f, err := safetensors.Parse(ckpt.Weights)
	require.NoError(t, err)

	wide := cfg
	wide.Embd = 32
	_, err = Build(wide, f)
	require.ErrorContains(t, err, "shape")

	var buf bytes.Buffer
	require.NoError(t, safetensors.Write(&buf, map[string]safetensors.Tensor{
		"wte.weight": {Shape: []int{cfg.VocabSize, cfg.Embd}, Data: make([]float32, cfg.VocabSize*cfg.Embd)},
	}, nil))
	partial, err := safetensors.Parse(buf.Bytes())
	require.NoError(t, err)
	_, err = Build(cfg, partial)
	require.ErrorIs(t, err, safetensors.ErrTensorNotFound)
}

func TestForwardShapes(t *testing.T) {
	t.Parallel()

	m := buildToy(t, toy.DefaultOptions())
	masks, err := mask.New(64, m.Heads())
	require.NoError(t, err)
	cache := kvcache.New(m.Layers(), true)

	msk, err := masks.Slice(3)
	require.NoError(t, err)
	out, err := m.Forward([]int{1, 2, 3}, cache, msk)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, row := range out {
		require.Len(t, row, toy.VocabSize)
		for _, v := range row {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
	require.NoError(t, cache.Validate(3))
	require.Equal(t, []int{3, 2, 8}, cache.Keys(0).Shape)

	msk, err = masks.Slice(4)
	require.NoError(t, err)
	out, err = m.Forward([]int{4}, cache, msk)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NoError(t, cache.Validate(4))
}

func TestIncrementalMatchesFullRecompute(t *testing.T) {
	t.Parallel()

	for _, prefixed := range []bool{false, true} {
		opts := toy.DefaultOptions()
		opts.Prefixed = prefixed
		m := buildToy(t, opts)
		masks, err := mask.New(64, m.Heads())
		require.NoError(t, err)

		seq := []int{10, 20, 30, 40, 50}
		prompt := 2

		cached := kvcache.New(m.Layers(), true)
		msk, err := masks.Slice(prompt)
		require.NoError(t, err)
		rows, err := m.Forward(seq[:prompt], cached, msk)
		require.NoError(t, err)
		incremental := [][]float32{rows[prompt-1]}
		for i := prompt; i < len(seq); i++ {
			msk, err := masks.Slice(cached.Len() + 1)
			require.NoError(t, err)
			rows, err := m.Forward(seq[i:i+1], cached, msk)
			require.NoError(t, err)
			incremental = append(incremental, rows[0])
		}
		require.NoError(t, cached.Validate(len(seq)))

		uncached := kvcache.New(m.Layers(), false)
		for i := prompt; i <= len(seq); i++ {
			msk, err := masks.Slice(i)
			require.NoError(t, err)
			rows, err := m.Forward(seq[:i], uncached, msk)
			require.NoError(t, err)
			require.Len(t, rows, i)
			requireClose(t, incremental[i-prompt], rows[i-1])
		}
		require.Equal(t, 0, uncached.Len())
	}
}

func TestForwardErrors(t *testing.T) {
	t.Parallel()

	opts := toy.DefaultOptions()
	opts.Positions = 4
	m := buildToy(t, opts)
	masks, err := mask.New(8, m.Heads())
	require.NoError(t, err)
	full, err := masks.Slice(8)
	require.NoError(t, err)
	short, err := masks.Slice(1)
	require.NoError(t, err)

	_, err = m.Forward(nil, kvcache.New(m.Layers(), true), full)
	require.ErrorContains(t, err, "empty input")

	_, err = m.Forward([]int{toy.VocabSize}, kvcache.New(m.Layers(), true), full)
	require.ErrorContains(t, err, "outside vocabulary")

	_, err = m.Forward([]int{1, 2}, kvcache.New(m.Layers(), true), short)
	require.ErrorContains(t, err, "mask covers")

	_, err = m.Forward([]int{1, 2, 3, 4, 5}, kvcache.New(m.Layers(), true), full)
	require.ErrorIs(t, err, ErrContextOverflow)

	_, err = m.Forward([]int{1}, kvcache.New(m.Layers()+1, true), full)
	require.ErrorContains(t, err, "layers")

	_, err = m.Forward([]int{1}, nil, full)
	require.Error(t, err)
}
