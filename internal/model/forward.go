package model

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/mask"
	"github.com/samcharles93/kvdecode/internal/tensor"
)

// ErrContextOverflow is returned when cached plus new positions exceed the
// position embedding table.
var ErrContextOverflow = errors.New("model: context exceeds n_positions")

// Forward runs the decoder over input, which continues the sequence already
// held in cache.  Keys and values for the new positions are appended to cache
// layer by layer.  m must cover at least cache.Len()+len(input) positions.
//
// One logits row per input position is returned.
func (m *GPT2) Forward(input []int, cache *kvcache.Cache, msk mask.Mask) ([][]float32, error) {
	T := len(input)
	if T == 0 {
		return nil, fmt.Errorf("model: empty input")
	}
	if cache == nil {
		return nil, fmt.Errorf("model: nil kv cache")
	}
	if cache.Layers() != len(m.blocks) {
		return nil, fmt.Errorf("model: kv cache has %d layers, model has %d", cache.Layers(), len(m.blocks))
	}
	past := cache.Len()
	total := past + T
	if total > m.cfg.Positions {
		return nil, fmt.Errorf("%w: %d > %d", ErrContextOverflow, total, m.cfg.Positions)
	}
	if msk.Len < total {
		return nil, fmt.Errorf("model: mask covers %d positions, need %d", msk.Len, total)
	}
	for _, id := range input {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("model: token %d outside vocabulary of %d", id, m.cfg.VocabSize)
		}
	}

	embd := m.cfg.Embd
	eps := float32(m.cfg.LayerNormEps)
	x := make([]float32, T*embd)
	for t, id := range input {
		row := x[t*embd : (t+1)*embd]
		copy(row, m.wte.Row(id))
		tensor.Add(row, m.wpe.Row(past+t))
	}

	s := newScratch(T, total, embd, m.cfg.InnerDim())
	for l := range m.blocks {
		if err := m.block(l, x, past, cache, msk, eps, s); err != nil {
			return nil, err
		}
	}

	logits := make([][]float32, T)
	for t := range T {
		tensor.LayerNorm(s.norm, x[t*embd:(t+1)*embd], m.lnfW, m.lnfB, eps)
		logits[t] = make([]float32, m.cfg.VocabSize)
		tensor.MatVec(logits[t], &m.wte, s.norm)
	}
	return logits, nil
}

type scratch struct {
	norm   []float32
	qkv    []float32 // [T, 3*embd]
	k, v   []float32 // [T, embd]
	attn   []float32
	proj   []float32
	inner  []float32
	scores []float32
}

func newScratch(T, total, embd, inner int) *scratch {
	return &scratch{
		norm:   make([]float32, embd),
		qkv:    make([]float32, T*3*embd),
		k:      make([]float32, T*embd),
		v:      make([]float32, T*embd),
		attn:   make([]float32, embd),
		proj:   make([]float32, embd),
		inner:  make([]float32, inner),
		scores: make([]float32, total),
	}
}

func (m *GPT2) block(l int, x []float32, past int, cache *kvcache.Cache, msk mask.Mask, eps float32, s *scratch) error {
	b := &m.blocks[l]
	embd := m.cfg.Embd
	heads, hd := m.cfg.Heads, m.headDim
	T := len(x) / embd

	for t := range T {
		tensor.LayerNorm(s.norm, x[t*embd:(t+1)*embd], b.ln1W, b.ln1B, eps)
		qkv := s.qkv[t*3*embd : (t+1)*3*embd]
		tensor.VecMat(qkv, s.norm, &b.attnW, b.attnB)
		copy(s.k[t*embd:(t+1)*embd], qkv[embd:2*embd])
		copy(s.v[t*embd:(t+1)*embd], qkv[2*embd:])
	}

	newK, err := tensor.FromData(s.k, T, heads, hd)
	if err != nil {
		return fmt.Errorf("model: layer %d: %w", l, err)
	}
	newV, err := tensor.FromData(s.v, T, heads, hd)
	if err != nil {
		return fmt.Errorf("model: layer %d: %w", l, err)
	}
	if err := cache.Append(l, newK, newV); err != nil {
		return fmt.Errorf("model: layer %d: %w", l, err)
	}

	// A disabled cache stores nothing, so the keys in view are the ones just
	// computed and past is zero.
	keys, values := s.k, s.v
	if cache.Enabled() {
		if n := cache.Positions(l); n != past+T {
			return fmt.Errorf("model: layer %d: %w: cache holds %d positions, want %d", l, kvcache.ErrShapeMismatch, n, past+T)
		}
		keys, values = cache.Keys(l).Data, cache.Values(l).Data
	}
	total := len(keys) / embd

	scale := float32(1 / math.Sqrt(float64(hd)))
	scores := s.scores[:total]
	for t := range T {
		q := s.qkv[t*3*embd : t*3*embd+embd]
		maskRow := msk.Row(past + t)[:total]
		clear(s.attn)
		for h := range heads {
			qh := q[h*hd : (h+1)*hd]
			for j := range total {
				kj := keys[j*embd+h*hd : j*embd+(h+1)*hd]
				scores[j] = tensor.Dot(qh, kj)*scale + maskRow[j]
			}
			tensor.Softmax(scores)
			out := s.attn[h*hd : (h+1)*hd]
			for j, p := range scores {
				if p == 0 {
					continue
				}
				vj := values[j*embd+h*hd : j*embd+(h+1)*hd]
				for d := range out {
					out[d] += p * vj[d]
				}
			}
		}
		tensor.VecMat(s.proj, s.attn, &b.projW, b.projB)
		tensor.Add(x[t*embd:(t+1)*embd], s.proj)
	}

	for t := range T {
		row := x[t*embd : (t+1)*embd]
		tensor.LayerNorm(s.norm, row, b.ln2W, b.ln2B, eps)
		tensor.VecMat(s.inner, s.norm, &b.fcW, b.fcB)
		tensor.GELUInPlace(s.inner)
		tensor.VecMat(s.proj, s.inner, &b.outW, b.outB)
		tensor.Add(row, s.proj)
	}
	return nil
}
