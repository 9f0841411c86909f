package inference

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/kvdecode/internal/kvcache"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/logits"
	"github.com/samcharles93/kvdecode/internal/mask"
	"github.com/samcharles93/kvdecode/internal/model"
	"github.com/samcharles93/kvdecode/internal/safetensors"
	"github.com/samcharles93/kvdecode/internal/tokenizer"
)

// ModelState is everything one generation request needs. The model and mask
// table are immutable; the cache is mutated by every request, so a state is
// only ever used by the holder of the store's semaphore.
type ModelState struct {
	Model     Model
	Cache     *kvcache.Cache
	Masks     *mask.Cache
	EOS       int
	Vocab     int
	Tokenizer tokenizer.Tokenizer
}

// Loaded is what a Loader produces from the config and weight blobs.
type Loaded struct {
	Model Model
	EOS   int
	// Vocab, when set, bounds the token ids a request may carry.
	Vocab int
	// Positions is the model's context window. When set and smaller than
	// Options.MaxContext it caps the mask table. Zero means unbounded.
	Positions int
}

// Loader turns raw config and weight bytes into a model. Errors should be
// *SetupError so the failing stage is reported; anything else is classed as
// ModelBuild.
type Loader func(config, weights []byte) (Loaded, error)

// LoadGPT2 is the default Loader.
func LoadGPT2(config, weights []byte) (Loaded, error) {
	cfg, err := model.ParseConfig(config)
	if err != nil {
		return Loaded{}, setupErr(ConfigParse, err)
	}
	f, err := safetensors.Parse(weights)
	if err != nil {
		return Loaded{}, setupErr(WeightLoad, err)
	}
	m, err := model.Build(cfg, f)
	if err != nil {
		return Loaded{}, setupErr(ModelBuild, err)
	}
	return Loaded{Model: m, EOS: cfg.EOS(), Vocab: cfg.VocabSize, Positions: cfg.Positions}, nil
}

type Options struct {
	// MaxContext bounds prompt plus generated tokens. Defaults to
	// mask.DefaultMaxLen.
	MaxContext int
	// CacheEnabled keeps keys and values between steps. When false every step
	// recomputes attention over the whole sequence.
	CacheEnabled bool
	// RejectBusy makes Generate fail with ErrBusy instead of waiting.
	RejectBusy bool
	Loader     Loader
	Sampler    *logits.Sampler
	Logger     logger.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxContext:   mask.DefaultMaxLen,
		CacheEnabled: true,
		Loader:       LoadGPT2,
	}
}

// Store owns the single loaded model of the process. Setup replaces the state
// atomically; generation borrows it exclusively.
type Store struct {
	opts  Options
	sem   *semaphore.Weighted
	state atomic.Pointer[ModelState]
}

func NewStore(opts Options) *Store {
	if opts.MaxContext <= 0 {
		opts.MaxContext = mask.DefaultMaxLen
	}
	if opts.Loader == nil {
		opts.Loader = LoadGPT2
	}
	if opts.Sampler == nil {
		opts.Sampler = logits.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Store{opts: opts, sem: semaphore.NewWeighted(1)}
}

// IsReady reports whether a model is loaded.
func (s *Store) IsReady() bool { return s.state.Load() != nil }

// CacheEnabled reports the cache mode new states are built with.
func (s *Store) CacheEnabled() bool { return s.opts.CacheEnabled }

type setupConfig struct {
	tok tokenizer.Tokenizer
}

type SetupOption func(*setupConfig)

// WithTokenizer installs tok alongside the model. Without it the current
// tokenizer, if any, is kept.
func WithTokenizer(tok tokenizer.Tokenizer) SetupOption {
	return func(c *setupConfig) { c.tok = tok }
}

// Setup builds a complete new state from the blobs and swaps it in. On error
// the previous state is left untouched.
func (s *Store) Setup(ctx context.Context, config, weights []byte, opts ...SetupOption) error {
	var sc setupConfig
	for _, o := range opts {
		o(&sc)
	}

	start := time.Now()
	loaded, err := s.opts.Loader(config, weights)
	if err != nil {
		return setupErr(ModelBuild, err)
	}
	if loaded.Model == nil {
		return &SetupError{Stage: ModelBuild, Err: fmt.Errorf("loader returned no model")}
	}
	maxLen := s.opts.MaxContext
	if loaded.Positions > 0 {
		maxLen = min(maxLen, loaded.Positions)
	}
	masks, err := mask.New(maxLen, loaded.Model.Heads())
	if err != nil {
		return setupErr(ModelBuild, err)
	}
	next := &ModelState{
		Model:     loaded.Model,
		Cache:     kvcache.New(loaded.Model.Layers(), s.opts.CacheEnabled),
		Masks:     masks,
		EOS:       loaded.EOS,
		Vocab:     loaded.Vocab,
		Tokenizer: sc.tok,
	}

	// Swap under the semaphore so no request sees a state change mid-loop.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if next.Tokenizer == nil {
		if prev := s.state.Load(); prev != nil {
			next.Tokenizer = prev.Tokenizer
		}
	}
	s.state.Store(next)
	s.sem.Release(1)
	modelReady.Set(1)

	s.opts.Logger.Info("model ready",
		"layers", loaded.Model.Layers(),
		"heads", loaded.Model.Heads(),
		"max_context", maxLen,
		"kv_cache", s.opts.CacheEnabled,
		"elapsed", time.Since(start),
	)
	return nil
}

// Generate runs one request, waiting for exclusive access unless the store
// was built with RejectBusy.
func (s *Store) Generate(ctx context.Context, req Request) (*Result, error) {
	if s.opts.RejectBusy {
		return s.TryGenerate(ctx, req)
	}
	return s.generate(ctx, true, req)
}

// TryGenerate is Generate that fails with ErrBusy instead of waiting.
func (s *Store) TryGenerate(ctx context.Context, req Request) (*Result, error) {
	return s.generate(ctx, false, req)
}

func (s *Store) generate(ctx context.Context, wait bool, req Request) (*Result, error) {
	var res *Result
	err := s.with(ctx, wait, func(st *ModelState) error {
		var err error
		res, err = s.run(st, req)
		return err
	})
	return res, err
}

// with borrows the state exclusively for fn.
func (s *Store) with(ctx context.Context, wait bool, fn func(*ModelState) error) error {
	if !s.IsReady() {
		return ErrNotInitialized
	}
	if wait {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	} else if !s.sem.TryAcquire(1) {
		return ErrBusy
	}
	defer s.sem.Release(1)

	st := s.state.Load()
	if st == nil {
		return ErrNotInitialized
	}
	return fn(st)
}

func (s *Store) run(st *ModelState, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if st.Vocab > 0 {
		for i, id := range req.Prompt {
			if id < 0 || id >= st.Vocab {
				return nil, fmt.Errorf("%w: token %d at position %d outside vocabulary of %d", ErrInvalidRequest, id, i, st.Vocab)
			}
		}
	}
	res, err := generate(st, s.opts.Sampler, req)
	if err != nil {
		generationErrors.Inc()
		s.opts.Logger.Warn("generation failed", "error", err)
		return nil, err
	}
	generationsTotal.WithLabelValues(res.Stop.String()).Inc()
	tokensGenerated.Add(float64(res.Stats.TokensGenerated))
	generationSeconds.Observe(res.Stats.Duration.Seconds())
	s.opts.Logger.Debug("generation complete",
		"prompt_tokens", res.Stats.PromptTokens,
		"tokens", res.Stats.TokensGenerated,
		"stop", res.Stop.String(),
		"forward_calls", res.Stats.ForwardCalls,
		"tps", res.Stats.TPS,
	)
	return res, nil
}
