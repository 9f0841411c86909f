package inference

import (
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/logits"
	"github.com/samcharles93/kvdecode/internal/mask"
)

// Model is the forward capability the loop drives. input continues the
// sequence held in cache; one logits row per input position is returned.
type Model interface {
	Forward(input []int, cache *kvcache.Cache, m mask.Mask) ([][]float32, error)
	Layers() int
	Heads() int
}

// Request is a token-level generation request.
type Request struct {
	Prompt      []int
	MaxSteps    int
	Temperature float64
	// EOS overrides the model's end-of-sequence id.
	EOS *int
	// Sampling is passed to the sampler unchanged; nil means temperature only.
	Sampling *logits.Options
}

type StopReason int

const (
	StopEOS StopReason = iota + 1
	StopMaxSteps
)

func (r StopReason) String() string {
	switch r {
	case StopEOS:
		return "eos"
	case StopMaxSteps:
		return "max_steps"
	default:
		return "unknown"
	}
}

func (r StopReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	ForwardCalls    int
	Duration        time.Duration
	TPS             float64
}

// Result holds the generated ids (the prompt is not echoed) and why the loop
// stopped. When Stop is StopEOS the last token is the EOS id.
type Result struct {
	Tokens []int
	Stop   StopReason
	Stats  Stats
}

func (r Request) validate() error {
	if len(r.Prompt) == 0 {
		return fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if r.MaxSteps < 1 {
		return fmt.Errorf("%w: max steps must be at least 1, got %d", ErrInvalidRequest, r.MaxSteps)
	}
	return nil
}

// generate runs the decode loop against st. The caller must hold exclusive
// access to st. The cache is cleared first, so a previous failed request
// needs no other recovery.
func generate(st *ModelState, sampler *logits.Sampler, req Request) (*Result, error) {
	start := time.Now()
	eos := st.EOS
	if req.EOS != nil {
		eos = *req.EOS
	}

	st.Cache.Clear()
	history := slices.Clone(req.Prompt)
	input := history
	out := make([]int, 0, req.MaxSteps)
	stats := Stats{PromptTokens: len(req.Prompt)}

	for {
		ctxLen := st.Cache.Len() + len(input)
		msk, err := st.Masks.Slice(ctxLen)
		if err != nil {
			return nil, err
		}

		rows, err := safeForward(st.Model, input, st.Cache, msk)
		stats.ForwardCalls++
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrForward, len(out), err)
		}
		if len(rows) != len(input) {
			return nil, fmt.Errorf("%w: step %d: %d logits rows for %d inputs", ErrForward, len(out), len(rows), len(input))
		}
		if err := st.Cache.Validate(ctxLen); err != nil {
			return nil, err
		}

		next, err := sampler.Sample(rows[len(rows)-1], req.Temperature, req.Sampling)
		if err != nil {
			return nil, err
		}
		out = append(out, next)

		var stop StopReason
		if next == eos {
			stop = StopEOS
		} else if len(out) == req.MaxSteps {
			stop = StopMaxSteps
		}
		if stop != 0 {
			stats.TokensGenerated = len(out)
			stats.Duration = time.Since(start)
			if stats.Duration.Seconds() > 0 {
				stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
			}
			return &Result{Tokens: out, Stop: stop, Stats: stats}, nil
		}

		if st.Cache.Enabled() {
			input = []int{next}
		} else {
			history = append(history, next)
			input = history
		}
	}
}

func safeForward(m Model, input []int, cache *kvcache.Cache, msk mask.Mask) (rows [][]float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return m.Forward(input, cache, msk)
}
