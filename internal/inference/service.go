package inference

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/tokenizer"
)

const (
	// MaxSteps is the largest step count a text request may ask for.
	MaxSteps = 100
	// MinTemperature is the floor applied to requested temperatures.
	MinTemperature = 0.1
	// MaxTemperature is the largest accepted temperature.
	MaxTemperature = 2.0
)

// Completion is the text-level result of Service.Generate.
type Completion struct {
	ID     string
	Text   string
	Tokens []int
	Stop   StopReason
	Stats  Stats
}

// Service is the text entry point: tokenize, run the loop, decode.
type Service struct {
	store *Store
}

func NewService(store *Store) *Service {
	return &Service{store: store}
}

func (s *Service) IsReady() bool { return s.store.IsReady() }

// Setup loads a model from raw blobs. tok may be nil to keep the current
// tokenizer.
func (s *Service) Setup(ctx context.Context, config, weights []byte, tok tokenizer.Tokenizer) error {
	var opts []SetupOption
	if tok != nil {
		opts = append(opts, WithTokenizer(tok))
	}
	return s.store.Setup(ctx, config, weights, opts...)
}

// SetupFrom loads the model and tokenizer of a model directory.
func (s *Service) SetupFrom(ctx context.Context, dir blobstore.Dir) error {
	blobs, err := dir.Load()
	if err != nil {
		return &SetupError{Stage: WeightLoad, Err: err}
	}
	defer blobs.Close()

	tok, err := tokenizer.Load(blobs.Vocab, blobs.Merges)
	if err != nil {
		return &SetupError{Stage: TokenizerLoad, Err: err}
	}
	return s.store.Setup(ctx, blobs.Config, blobs.Weights.Data, WithTokenizer(tok))
}

// ValidateParams checks text-request parameters and returns the temperature
// actually used.
func ValidateParams(maxSteps uint8, temperature float64) (float64, error) {
	if maxSteps == 0 || maxSteps > MaxSteps {
		return 0, fmt.Errorf("%w: max_steps must be in [1,%d], got %d", ErrInvalidRequest, MaxSteps, maxSteps)
	}
	if math.IsNaN(temperature) || math.IsInf(temperature, 0) || temperature <= 0 || temperature > MaxTemperature {
		return 0, fmt.Errorf("%w: temperature must be in (0,%g], got %g", ErrInvalidRequest, MaxTemperature, temperature)
	}
	return max(temperature, MinTemperature), nil
}

// Infer is the token-level entry point: prompt ids in, generated ids out.
// Parameters are checked like Generate's; eos, when set, overrides the
// model's end-of-sequence id.
func (s *Service) Infer(ctx context.Context, tokens []int, maxSteps uint8, temperature float64, eos *int) (*Result, error) {
	temp, err := ValidateParams(maxSteps, temperature)
	if err != nil {
		return nil, err
	}
	return s.store.Generate(ctx, Request{
		Prompt:      slices.Clone(tokens),
		MaxSteps:    int(maxSteps),
		Temperature: temp,
		EOS:         eos,
	})
}

// Generate tokenizes prompt, generates up to maxSteps tokens and decodes
// them. The prompt is not echoed.
func (s *Service) Generate(ctx context.Context, prompt string, maxSteps uint8, temperature float64) (*Completion, error) {
	temp, err := ValidateParams(maxSteps, temperature)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}

	var out *Completion
	err = s.store.with(ctx, !s.store.opts.RejectBusy, func(st *ModelState) error {
		if st.Tokenizer == nil {
			return fmt.Errorf("%w: no tokenizer loaded", ErrNotInitialized)
		}
		ids, err := safeEncode(st.Tokenizer, prompt)
		if err != nil {
			return &TokenizeError{Err: err}
		}
		res, err := s.store.run(st, Request{Prompt: ids, MaxSteps: int(maxSteps), Temperature: temp})
		if err != nil {
			return err
		}
		text, err := safeDecode(st.Tokenizer, res.Tokens)
		if err != nil {
			return &DecodeError{Err: err}
		}
		out = &Completion{
			ID:     "gen-" + uuid.NewString(),
			Text:   text,
			Tokens: res.Tokens,
			Stop:   res.Stop,
			Stats:  res.Stats,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func safeEncode(tok tokenizer.Tokenizer, prompt string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(prompt)
}

func safeDecode(tok tokenizer.Tokenizer, ids []int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tok.Decode(ids)
}
