// Package kvcache stores the per-layer key/value projections produced by
// earlier decode steps so that each step only computes attention inputs for
// the positions it adds.
package kvcache

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/kvdecode/internal/tensor"
)

var (
	// ErrShapeMismatch is returned when an append disagrees with the stored
	// shape, or when layers no longer hold the same number of positions.
	ErrShapeMismatch = errors.New("kvcache: shape mismatch")
	// ErrLayerRange is returned for a layer index outside [0, Layers()).
	ErrLayerRange = errors.New("kvcache: layer index out of range")
)

// Cache holds one key tensor and one value tensor per transformer layer. Both
// grow along axis 0 (positions).  All layers are expected to hold the same
// number of positions between forward steps; Validate checks that.
//
// A Cache is not safe for concurrent use.
type Cache struct {
	enabled bool
	layers  []entry
}

type entry struct {
	keys, values []float32
	trailing     []int // nil until the first append after Clear
	rowSize      int
	n            int
}

// New allocates a cache with layerCount empty entries. A disabled cache
// accepts appends without storing anything, which forces the model to
// recompute attention over the full sequence on every step.
func New(layerCount int, enabled bool) *Cache {
	return &Cache{
		enabled: enabled,
		layers:  make([]entry, max(layerCount, 0)),
	}
}

// Enabled reports whether appends are retained.
func (c *Cache) Enabled() bool { return c.enabled }

// Layers returns the number of layer entries.
func (c *Cache) Layers() int { return len(c.layers) }

// Clear drops every stored position. Backing buffers are kept for reuse.
func (c *Cache) Clear() {
	for i := range c.layers {
		e := &c.layers[i]
		e.keys = e.keys[:0]
		e.values = e.values[:0]
		e.trailing = nil
		e.rowSize = 0
		e.n = 0
	}
}

// Append concatenates key and value onto layer's stored tensors along the
// position axis.  key and value must have the same shape; after the first
// append their trailing dimensions are fixed until the next Clear.
func (c *Cache) Append(layer int, key, value tensor.Tensor) error {
	if layer < 0 || layer >= len(c.layers) {
		return fmt.Errorf("%w: %d (layers=%d)", ErrLayerRange, layer, len(c.layers))
	}
	if !key.Valid() || !value.Valid() {
		return fmt.Errorf("%w: layer %d: data does not match shape", ErrShapeMismatch, layer)
	}
	if !slices.Equal(key.Shape, value.Shape) {
		return fmt.Errorf("%w: layer %d: key shape %v != value shape %v", ErrShapeMismatch, layer, key.Shape, value.Shape)
	}
	if !c.enabled {
		return nil
	}

	e := &c.layers[layer]
	if e.trailing == nil {
		e.trailing = slices.Clone(key.Trailing())
		if e.trailing == nil {
			e.trailing = []int{}
		}
		e.rowSize = key.RowSize()
	} else if !slices.Equal(e.trailing, key.Trailing()) {
		return fmt.Errorf("%w: layer %d: got trailing shape %v, stored %v", ErrShapeMismatch, layer, key.Trailing(), e.trailing)
	}

	e.keys = append(e.keys, key.Data...)
	e.values = append(e.values, value.Data...)
	e.n += key.Rows()
	return nil
}

// Positions returns the number of positions stored for layer, or 0 when the
// index is out of range.
func (c *Cache) Positions(layer int) int {
	if layer < 0 || layer >= len(c.layers) {
		return 0
	}
	return c.layers[layer].n
}

// Len returns the number of cached positions. It reads layer 0; use Validate
// to check that every layer agrees.
func (c *Cache) Len() int {
	if len(c.layers) == 0 {
		return 0
	}
	return c.layers[0].n
}

// Validate returns ErrShapeMismatch unless every layer holds exactly want
// positions.  A disabled cache always holds zero.
func (c *Cache) Validate(want int) error {
	if !c.enabled {
		want = 0
	}
	for i := range c.layers {
		if got := c.layers[i].n; got != want {
			return fmt.Errorf("%w: layer %d holds %d positions, want %d", ErrShapeMismatch, i, got, want)
		}
	}
	return nil
}

// Keys returns a view of the stored keys for layer shaped [n, trailing...].
// The view is invalidated by the next Append or Clear.
func (c *Cache) Keys(layer int) tensor.Tensor {
	return c.view(layer, func(e *entry) []float32 { return e.keys })
}

// Values returns a view of the stored values for layer shaped [n, trailing...].
func (c *Cache) Values(layer int) tensor.Tensor {
	return c.view(layer, func(e *entry) []float32 { return e.values })
}

func (c *Cache) view(layer int, data func(*entry) []float32) tensor.Tensor {
	if layer < 0 || layer >= len(c.layers) {
		return tensor.Tensor{}
	}
	e := &c.layers[layer]
	shape := append([]int{e.n}, e.trailing...)
	return tensor.Tensor{Shape: shape, Data: data(e)[:e.n*e.rowSize]}
}
