package tensor

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major float32 tensor. Axis 0 is the position axis for
// everything that flows through the KV cache; the remaining axes are the
// trailing shape.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	return Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}, nil
}

// FromData wraps data in a tensor of the given shape without copying.
func FromData(data []float32, shape ...int) (Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return Tensor{}, err
	}
	if len(data) != n {
		return Tensor{}, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	return Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Rows returns the size of axis 0, or 0 for a scalar/empty tensor.
func (t Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Trailing returns the shape without the position axis.
func (t Tensor) Trailing() []int {
	if len(t.Shape) <= 1 {
		return nil
	}
	return t.Shape[1:]
}

// RowSize is the number of elements in one position.
func (t Tensor) RowSize() int {
	n := 1
	for _, d := range t.Trailing() {
		n *= d
	}
	return n
}

// Row returns a view of position i.
func (t Tensor) Row(i int) []float32 {
	w := t.RowSize()
	return t.Data[i*w : (i+1)*w]
}

// Valid reports whether Data is consistent with Shape.
func (t Tensor) Valid() bool {
	n, err := NumElements(t.Shape)
	return err == nil && n == len(t.Data)
}

// NumElements returns the product of shape, rejecting negative dims and overflow.
// A zero-sized axis is allowed.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("tensor: empty shape")
	}
	n := 1
	maxInt := int(^uint(0) >> 1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: invalid dim %d", d)
		}
		if d != 0 && n > maxInt/d {
			return 0, fmt.Errorf("tensor: too large")
		}
		n *= d
	}
	return n, nil
}
