package logits

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"
)

var (
	// ErrSampler is the parent of every sampling failure.
	ErrSampler = errors.New("sampler error")
	// ErrInvalidTemperature is returned for temperature <= 0 or NaN.
	ErrInvalidTemperature = fmt.Errorf("%w: invalid temperature", ErrSampler)
	// ErrEmptyLogits is returned when there is nothing to sample from.
	ErrEmptyLogits = fmt.Errorf("%w: empty logits", ErrSampler)
)

// Options are optional restrictions applied after temperature scaling.
// The zero value samples from the full distribution.
type Options struct {
	// TopK keeps only the K highest-scoring tokens when > 0.
	TopK int
	// TopP keeps the smallest prefix whose cumulative probability reaches
	// TopP when in (0, 1).
	TopP float64
}

// Sampler draws token ids from logits vectors.  A single Sampler may be shared
// between goroutines; the random source is guarded by a mutex.
type Sampler struct {
	mu     sync.Mutex
	rng    *rand.Rand
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler whose random sequence is fixed by seed.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

var (
	defaultOnce    sync.Once
	defaultSampler *Sampler
)

// Default returns the process-level sampler, seeded from the clock on first use.
func Default() *Sampler {
	defaultOnce.Do(func() {
		defaultSampler = NewSampler(time.Now().UnixNano())
	})
	return defaultSampler
}

// Sample draws a single index from logits.  The steps are:
//
//  1. Scale every logit by 1/temperature.
//  2. If opts.TopK > 0, keep the indices of the K largest scaled values.
//  3. Softmax over the candidates after subtracting the maximum.
//  4. If opts.TopP is in (0, 1), cut the candidates once the cumulative
//     probability reaches TopP.
//  5. Draw r in [0,1) and walk the cumulative distribution.
//
// Callers are expected to clamp temperature away from zero; only zero,
// negative and NaN values are rejected here.
func (s *Sampler) Sample(logits []float32, temperature float64, opts *Options) (int, error) {
	if temperature <= 0 || math.IsNaN(temperature) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTemperature, temperature)
	}
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	var o Options
	if opts != nil {
		o = *opts
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	invTemp := float32(1.0 / temperature)
	var (
		idx []int
		val []float32
	)
	if o.TopK > 0 && o.TopK < len(logits) {
		idx, val = s.topK(logits, o.TopK, invTemp)
	} else {
		idx, val = s.all(logits, invTemp)
	}

	maxv := val[0]
	for _, v := range val[1:] {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(float64(maxv), 0) || math.IsNaN(float64(maxv)) {
		return argmax(val, idx), nil
	}

	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	var sum float64
	for i, v := range val {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return argmax(val, idx), nil
	}
	inv := 1.0 / sum
	for i := range prob {
		prob[i] *= inv
	}

	cut := len(prob)
	if o.TopP > 0 && o.TopP < 1 {
		cut = s.nucleus(idx, prob, o.TopP)
	}

	var total float64
	for i := range cut {
		total += prob[i]
	}
	r := s.rng.Float64() * total
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return idx[i], nil
		}
	}
	return idx[cut-1], nil
}

// all scales every logit into the scratch buffers, keeping vocabulary order.
func (s *Sampler) all(logits []float32, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < len(logits) {
		s.topIdx = make([]int, len(logits))
		s.topVal = make([]float32, len(logits))
	}
	idx := s.topIdx[:len(logits)]
	val := s.topVal[:len(logits)]
	for i, l := range logits {
		idx[i] = i
		val[i] = l * invTemp
	}
	return idx, val
}

// topK returns the indices and values of the k largest elements in logits,
// scaled by invTemp, ordered from largest to smallest.  This is an O(V*K)
// insertion which is fine for the small K it is used with.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}

// nucleus reorders the candidates by probability (descending) and returns how
// many of them are needed to reach p.
func (s *Sampler) nucleus(idx []int, prob []float64, p float64) int {
	order := make([]int, len(prob))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(prob[b], prob[a])
	})
	sortedIdx := make([]int, len(idx))
	sortedProb := make([]float64, len(prob))
	for i, o := range order {
		sortedIdx[i] = idx[o]
		sortedProb[i] = prob[o]
	}
	copy(idx, sortedIdx)
	copy(prob, sortedProb)

	var c float64
	for i := range prob {
		c += prob[i]
		if c >= p {
			return i + 1
		}
	}
	return len(prob)
}

// argmax returns the id of the largest value; ties go to the first.
func argmax(val []float32, idx []int) int {
	best := 0
	for i := 1; i < len(val); i++ {
		if val[i] > val[best] {
			best = i
		}
	}
	return idx[best]
}
