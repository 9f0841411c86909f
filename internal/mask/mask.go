// Package mask precomputes causal attention masks up to a fixed context
// length.  The table is built once and only read afterwards, so a Cache may be
// shared by any number of goroutines.
package mask

import (
	"errors"
	"fmt"
	"math"
)

// DefaultMaxLen is the GPT-2 context window.
const DefaultMaxLen = 1024

// ErrUnavailable is returned when a mask longer than the precomputed maximum
// is requested.
var ErrUnavailable = errors.New("mask: requested length exceeds precomputed maximum")

var negInf = float32(math.Inf(-1))

// Cache is a precomputed maxLen x maxLen additive causal mask: entry (q, k) is
// 0 when query q may attend to key k (k <= q) and -Inf otherwise.  The same
// table is broadcast over every head.
type Cache struct {
	maxLen int
	heads  int
	data   []float32
}

// New builds the full mask table.
func New(maxLen, heads int) (*Cache, error) {
	if maxLen <= 0 {
		return nil, fmt.Errorf("mask: max length must be positive, got %d", maxLen)
	}
	if heads <= 0 {
		return nil, fmt.Errorf("mask: head count must be positive, got %d", heads)
	}
	data := make([]float32, maxLen*maxLen)
	for q := range maxLen {
		row := data[q*maxLen : (q+1)*maxLen]
		for k := q + 1; k < maxLen; k++ {
			row[k] = negInf
		}
	}
	return &Cache{maxLen: maxLen, heads: heads, data: data}, nil
}

// MaxLen returns the longest mask the cache can supply.
func (c *Cache) MaxLen() int { return c.maxLen }

// Heads returns the head count the mask is broadcast over.
func (c *Cache) Heads() int { return c.heads }

// Slice returns the mask for a forward pass whose context (cached positions
// plus new positions) is n long.  It fails with ErrUnavailable rather than
// truncating when n exceeds MaxLen, and also when n is not positive.
func (c *Cache) Slice(n int) (Mask, error) {
	if n <= 0 {
		return Mask{}, fmt.Errorf("%w: length %d", ErrUnavailable, n)
	}
	if n > c.maxLen {
		return Mask{}, fmt.Errorf("%w: length %d > max %d", ErrUnavailable, n, c.maxLen)
	}
	return Mask{Len: n, Heads: c.heads, stride: c.maxLen, data: c.data}, nil
}

// Mask is a read-only n x n view into a Cache. Query and key indices are
// absolute positions in the sequence.
type Mask struct {
	Len   int
	Heads int

	stride int
	data   []float32
}

// Row returns the additive scores for query q over keys [0, Len).
func (m Mask) Row(q int) []float32 {
	if q < 0 || q >= m.Len {
		panic(fmt.Sprintf("mask: query %d out of range [0,%d)", q, m.Len))
	}
	start := q * m.stride
	return m.data[start : start+m.Len]
}

// Score returns the additive score for (q, k).
func (m Mask) Score(q, k int) float32 {
	return m.Row(q)[k]
}

// Allowed reports whether query q may attend to key k.
func (m Mask) Allowed(q, k int) bool {
	return m.Score(q, k) == 0
}
