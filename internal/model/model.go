// Package model implements a GPT-2 decoder on plain float32 slices.  It is the
// concrete forward function behind the generation loop: given the new input
// positions, the KV cache and a causal mask it returns one logits row per
// input position.
package model

import (
	"fmt"

	"github.com/samcharles93/kvdecode/internal/safetensors"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

type block struct {
	ln1W, ln1B []float32
	attnW      tensor.Mat // [embd x 3*embd]
	attnB      []float32
	projW      tensor.Mat // [embd x embd]
	projB      []float32
	ln2W, ln2B []float32
	fcW        tensor.Mat // [embd x inner]
	fcB        []float32
	outW       tensor.Mat // [inner x embd]
	outB       []float32
}

// GPT2 holds immutable weights. It carries no per-request state, so the same
// instance can serve any number of sequential requests.
type GPT2 struct {
	cfg     Config
	headDim int

	wte    tensor.Mat // [vocab x embd], also the LM head
	wpe    tensor.Mat // [positions x embd]
	blocks []block
	lnfW   []float32
	lnfB   []float32
}

// Config returns the configuration the model was built from.
func (m *GPT2) Config() Config { return m.cfg }

// Layers returns the transformer block count.
func (m *GPT2) Layers() int { return len(m.blocks) }

// Heads returns the attention head count.
func (m *GPT2) Heads() int { return m.cfg.Heads }

// Build binds the tensors of a GPT-2 checkpoint to cfg, checking every shape.
// Both the bare ("wte.weight") and the prefixed ("transformer.wte.weight")
// naming schemes are accepted.
func Build(cfg Config, f *safetensors.File) (*GPT2, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := loader{f: f}
	if _, ok := f.Tensor("wte.weight"); !ok {
		if _, ok := f.Tensor("transformer.wte.weight"); ok {
			l.prefix = "transformer."
		}
	}

	embd, inner := cfg.Embd, cfg.InnerDim()
	m := &GPT2{
		cfg:     cfg,
		headDim: cfg.HeadDim(),
		wte:     l.mat("wte.weight", cfg.VocabSize, embd),
		wpe:     l.mat("wpe.weight", cfg.Positions, embd),
		blocks:  make([]block, cfg.Layers),
		lnfW:    l.vec("ln_f.weight", embd),
		lnfB:    l.vec("ln_f.bias", embd),
	}
	for i := range m.blocks {
		p := fmt.Sprintf("h.%d.", i)
		m.blocks[i] = block{
			ln1W:  l.vec(p+"ln_1.weight", embd),
			ln1B:  l.vec(p+"ln_1.bias", embd),
			attnW: l.mat(p+"attn.c_attn.weight", embd, 3*embd),
			attnB: l.vec(p+"attn.c_attn.bias", 3*embd),
			projW: l.mat(p+"attn.c_proj.weight", embd, embd),
			projB: l.vec(p+"attn.c_proj.bias", embd),
			ln2W:  l.vec(p+"ln_2.weight", embd),
			ln2B:  l.vec(p+"ln_2.bias", embd),
			fcW:   l.mat(p+"mlp.c_fc.weight", embd, inner),
			fcB:   l.vec(p+"mlp.c_fc.bias", inner),
			outW:  l.mat(p+"mlp.c_proj.weight", inner, embd),
			outB:  l.vec(p+"mlp.c_proj.bias", embd),
		}
		if l.err != nil {
			break
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	return m, nil
}

// loader keeps the first error so Build can read straight through the
// tensor list.
type loader struct {
	f      *safetensors.File
	prefix string
	err    error
}

func (l *loader) read(name string, shape ...int) []float32 {
	if l.err != nil {
		return nil
	}
	data, info, err := l.f.ReadTensorF32(l.prefix + name)
	if err != nil {
		l.err = fmt.Errorf("model: %w", err)
		return nil
	}
	if !sameShape(info.Shape, shape) {
		l.err = fmt.Errorf("model: tensor %s has shape %v, want %v", l.prefix+name, info.Shape, shape)
		return nil
	}
	return data
}

func (l *loader) mat(name string, r, c int) tensor.Mat {
	data := l.read(name, r, c)
	if data == nil {
		return tensor.Mat{}
	}
	m, err := tensor.NewMatFromData(r, c, data)
	if err != nil {
		l.err = fmt.Errorf("model: tensor %s: %w", name, err)
	}
	return m
}

func (l *loader) vec(name string, n int) []float32 {
	return l.read(name, n)
}

func sameShape(got, want []int) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
