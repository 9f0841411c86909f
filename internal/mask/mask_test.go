package mask

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceIsCausal(t *testing.T) {
	t.Parallel()

	c, err := New(16, 4)
	require.NoError(t, err)

	for _, n := range []int{1, 2, 7, 16} {
		m, err := c.Slice(n)
		require.NoError(t, err)
		require.Equal(t, n, m.Len)
		require.Equal(t, 4, m.Heads)
		for q := range n {
			require.Len(t, m.Row(q), n, "key dimension must equal the requested length")
			for k := range n {
				require.Equal(t, k <= q, m.Allowed(q, k), "n=%d q=%d k=%d", n, q, k)
			}
		}
	}
}

func TestSliceBeyondMaxFails(t *testing.T) {
	t.Parallel()

	c, err := New(8, 1)
	require.NoError(t, err)

	_, err = c.Slice(8)
	require.NoError(t, err)

	_, err = c.Slice(9)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = c.Slice(0)
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = c.Slice(-1)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestNewRejectsInvalidDims(t *testing.T) {
	t.Parallel()

	_, err := New(0, 1)
	require.Error(t, err)
	_, err = New(4, 0)
	require.Error(t, err)
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	c, err := New(64, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 1; n <= 64; n++ {
				m, err := c.Slice(n)
				if err != nil {
					t.Errorf("goroutine %d: %v", g, err)
					return
				}
				if !m.Allowed(n-1, 0) || (n > 1 && m.Allowed(0, n-1)) {
					t.Errorf("goroutine %d: mask not causal at n=%d", g, n)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRowPanicsOutOfRange(t *testing.T) {
	t.Parallel()

	c, err := New(4, 1)
	require.NoError(t, err)
	m, err := c.Slice(2)
	require.NoError(t, err)
	require.Panics(t, func() { m.Row(2) })
}
