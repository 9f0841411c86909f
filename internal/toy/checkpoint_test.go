package toy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/model"
	"github.com/samcharles93/kvdecode/internal/safetensors"
	"github.com/samcharles93/kvdecode/internal/tokenizer"
)

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()

	a, err := Generate(DefaultOptions())
	require.NoError(t, err)
	b, err := Generate(DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, a.Weights, b.Weights)
	require.Equal(t, a.Config, b.Config)

	opts := DefaultOptions()
	opts.Seed = 99
	c, err := Generate(opts)
	require.NoError(t, err)
	require.NotEqual(t, a.Weights, c.Weights)
}

func TestGenerateRejectsBadDims(t *testing.T) {
	t.Parallel()

	_, err := Generate(Options{Layers: 1, Heads: 3, Embd: 16, Positions: 8})
	require.Error(t, err)
	_, err = Generate(Options{Layers: 0, Heads: 1, Embd: 4, Positions: 8})
	require.Error(t, err)
}

func TestCheckpointBuilds(t *testing.T) {
	t.Parallel()

	for _, prefixed := range []bool{false, true} {
		opts := DefaultOptions()
		opts.Prefixed = prefixed
		ckpt, err := Generate(opts)
		require.NoError(t, err)

		cfg, err := model.ParseConfig(ckpt.Config)
		require.NoError(t, err)
		require.Equal(t, VocabSize-1, cfg.EOS())

		f, err := safetensors.Parse(ckpt.Weights)
		require.NoError(t, err)
		m, err := model.Build(cfg, f)
		require.NoError(t, err)
		require.Equal(t, opts.Layers, m.Layers())

		tok, err := tokenizer.Load(ckpt.Vocab, ckpt.Merges)
		require.NoError(t, err)
		require.Equal(t, VocabSize, tok.VocabSize())
		require.Equal(t, VocabSize-1, tok.EOSID())
	}
}

func TestWriteDir(t *testing.T) {
	t.Parallel()

	ckpt, err := Generate(DefaultOptions())
	require.NoError(t, err)
	root := t.TempDir()
	require.NoError(t, ckpt.WriteDir(root+"/toy"))

	d, err := blobstore.Resolve(root, "toy")
	require.NoError(t, err)
	m, err := d.Load()
	require.NoError(t, err)
	defer m.Close()
	require.Equal(t, ckpt.Weights, m.Weights.Data)
}
