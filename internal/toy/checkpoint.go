// Package toy produces small, deterministic GPT-2 checkpoints with random
// weights.  They decode garbage but exercise every code path of the real
// loader, tokenizer and forward pass.
package toy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/safetensors"
	"github.com/samcharles93/kvdecode/internal/tensor"
	"github.com/samcharles93/kvdecode/internal/tokenizer"
)

// Options sizes the checkpoint. The vocabulary is always the 256 byte
// symbols plus <|endoftext|>.
type Options struct {
	Layers    int
	Heads     int
	Embd      int
	Positions int
	Seed      int64
	// Prefixed names tensors "transformer.*" like Hugging Face exports.
	Prefixed bool
}

func DefaultOptions() Options {
	return Options{Layers: 2, Heads: 2, Embd: 16, Positions: 64, Seed: 1}
}

// VocabSize of every toy checkpoint.
const VocabSize = 257

// Checkpoint holds the four blobs of a model directory.
type Checkpoint struct {
	Config  []byte
	Weights []byte
	Vocab   []byte
	Merges  []byte
}

// Generate builds a checkpoint. Identical options give identical bytes.
func Generate(opts Options) (*Checkpoint, error) {
	if opts.Layers <= 0 || opts.Heads <= 0 || opts.Embd <= 0 || opts.Positions <= 0 {
		return nil, fmt.Errorf("toy: dimensions must be positive: %+v", opts)
	}
	if opts.Embd%opts.Heads != 0 {
		return nil, fmt.Errorf("toy: n_embd %d not divisible by n_head %d", opts.Embd, opts.Heads)
	}

	eos := VocabSize - 1
	cfg, err := json.Marshal(map[string]any{
		"model_type":         "gpt2",
		"n_layer":            opts.Layers,
		"n_head":             opts.Heads,
		"n_embd":             opts.Embd,
		"n_positions":        opts.Positions,
		"n_ctx":              opts.Positions,
		"vocab_size":         VocabSize,
		"layer_norm_epsilon": 1e-5,
		"bos_token_id":       eos,
		"eos_token_id":       eos,
	})
	if err != nil {
		return nil, fmt.Errorf("toy: marshal config: %w", err)
	}

	seed := opts.Seed
	random := func(r, c int) safetensors.Tensor {
		m := tensor.NewMat(r, c)
		seed++
		tensor.FillRand(&m, seed, 0.1)
		return safetensors.Tensor{Shape: []int{r, c}, Data: m.Data}
	}
	ones := func(n int) safetensors.Tensor {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		return safetensors.Tensor{Shape: []int{n}, Data: data}
	}
	zeros := func(n int) safetensors.Tensor {
		return safetensors.Tensor{Shape: []int{n}, Data: make([]float32, n)}
	}

	prefix := ""
	if opts.Prefixed {
		prefix = "transformer."
	}
	embd, inner := opts.Embd, 4*opts.Embd
	tensors := map[string]safetensors.Tensor{
		prefix + "wte.weight":  random(VocabSize, embd),
		prefix + "wpe.weight":  random(opts.Positions, embd),
		prefix + "ln_f.weight": ones(embd),
		prefix + "ln_f.bias":   zeros(embd),
	}
	for i := range opts.Layers {
		p := fmt.Sprintf("%sh.%d.", prefix, i)
		tensors[p+"ln_1.weight"] = ones(embd)
		tensors[p+"ln_1.bias"] = zeros(embd)
		tensors[p+"attn.c_attn.weight"] = random(embd, 3*embd)
		tensors[p+"attn.c_attn.bias"] = zeros(3 * embd)
		tensors[p+"attn.c_proj.weight"] = random(embd, embd)
		tensors[p+"attn.c_proj.bias"] = zeros(embd)
		tensors[p+"ln_2.weight"] = ones(embd)
		tensors[p+"ln_2.bias"] = zeros(embd)
		tensors[p+"mlp.c_fc.weight"] = random(embd, inner)
		tensors[p+"mlp.c_fc.bias"] = zeros(inner)
		tensors[p+"mlp.c_proj.weight"] = random(inner, embd)
		tensors[p+"mlp.c_proj.bias"] = zeros(embd)
	}
	var weights bytes.Buffer
	if err := safetensors.Write(&weights, tensors, map[string]string{"format": "pt"}); err != nil {
		return nil, fmt.Errorf("toy: %w", err)
	}

	tokens := make([]string, 0, VocabSize)
	for b := range 256 {
		tokens = append(tokens, tokenizer.ByteSymbol(byte(b)))
	}
	tokens = append(tokens, tokenizer.EndOfText)
	vocab, err := tokenizer.Vocab(tokens)
	if err != nil {
		return nil, fmt.Errorf("toy: marshal vocab: %w", err)
	}

	return &Checkpoint{
		Config:  cfg,
		Weights: weights.Bytes(),
		Vocab:   vocab,
		Merges:  tokenizer.Merges(nil),
	}, nil
}

// WriteDir writes the checkpoint under dir using the blobstore file names.
func (c *Checkpoint) WriteDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files := map[string][]byte{
		blobstore.ConfigName:  c.Config,
		blobstore.WeightsName: c.Weights,
		blobstore.VocabName:   c.Vocab,
		blobstore.MergesName:  c.Merges,
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("toy: write %s: %w", name, err)
		}
	}
	return nil
}
