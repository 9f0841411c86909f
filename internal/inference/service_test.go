package inference

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/logits"
	"github.com/samcharles93/kvdecode/internal/mask"
	"github.com/samcharles93/kvdecode/internal/toy"
)

func toyDir(t *testing.T, opts toy.Options) blobstore.Dir {
	t.Helper()
	ckpt, err := toy.Generate(opts)
	require.NoError(t, err)
	root := t.TempDir()
	require.NoError(t, ckpt.WriteDir(filepath.Join(root, "toy")))
	d, err := blobstore.Resolve(root, "toy")
	require.NoError(t, err)
	return d
}

func toyService(t *testing.T, cacheEnabled bool, seed int64) *Service {
	t.Helper()
	svc := NewService(NewStore(Options{
		MaxContext:   64,
		CacheEnabled: cacheEnabled,
		Sampler:      logits.NewSampler(seed),
		Logger:       quietLogger(),
	}))
	require.NoError(t, svc.SetupFrom(context.Background(), toyDir(t, toy.DefaultOptions())))
	return svc
}

func TestValidateParams(t *testing.T) {
	t.Parallel()

	cases := []struct {
		steps   uint8
		temp    float64
		want    float64
		invalid bool
	}{
		{steps: 1, temp: 1, want: 1},
		{steps: 100, temp: 2, want: 2},
		{steps: 10, temp: 0.01, want: MinTemperature},
		{steps: 0, temp: 1, invalid: true},
		{steps: 101, temp: 1, invalid: true},
		{steps: 255, temp: 1, invalid: true},
		{steps: 5, temp: 0, invalid: true},
		{steps: 5, temp: -1, invalid: true},
		{steps: 5, temp: 2.5, invalid: true},
		{steps: 5, temp: math.NaN(), invalid: true},
		{steps: 5, temp: math.Inf(1), invalid: true},
	}
	for _, tc := range cases {
		got, err := ValidateParams(tc.steps, tc.temp)
		if tc.invalid {
			require.ErrorIs(t, err, ErrInvalidRequest, "steps=%d temp=%v", tc.steps, tc.temp)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestServiceBeforeSetup(t *testing.T) {
	t.Parallel()

	svc := NewService(NewStore(Options{CacheEnabled: true, Logger: quietLogger()}))
	require.False(t, svc.IsReady())
	_, err := svc.Generate(context.Background(), "hello", 5, 1)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestServiceGenerate(t *testing.T) {
	t.Parallel()

	svc := toyService(t, true, 3)
	require.True(t, svc.IsReady())

	c, err := svc.Generate(context.Background(), "hello world", 8, 0.9)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(c.ID, "gen-"))
	require.NotEmpty(t, c.Tokens)
	require.LessOrEqual(t, len(c.Tokens), 8)
	if c.Stop == StopEOS {
		require.Equal(t, toy.VocabSize-1, c.Tokens[len(c.Tokens)-1])
	} else {
		require.Equal(t, StopMaxSteps, c.Stop)
		require.Len(t, c.Tokens, 8)
	}
	require.Equal(t, len("hello world"), c.Stats.PromptTokens)
}

func TestServiceRejectsBadInput(t *testing.T) {
	t.Parallel()

	svc := toyService(t, true, 1)
	_, err := svc.Generate(context.Background(), "", 5, 1)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Generate(context.Background(), "hi", 0, 1)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Generate(context.Background(), "hi", 5, 3)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestServiceAcceptsWhitespacePrompt(t *testing.T) {
	t.Parallel()

	svc := toyService(t, true, 1)
	c, err := svc.Generate(context.Background(), "   ", 2, 1)
	require.NoError(t, err)
	require.Equal(t, 3, c.Stats.PromptTokens)
}

func TestPromptBeyondModelPositions(t *testing.T) {
	t.Parallel()

	// MaxContext defaults to 1024; the toy model only has 64 positions.
	svc := NewService(NewStore(Options{CacheEnabled: true, Sampler: logits.NewSampler(1), Logger: quietLogger()}))
	require.NoError(t, svc.SetupFrom(context.Background(), toyDir(t, toy.DefaultOptions())))

	_, err := svc.Generate(context.Background(), strings.Repeat("a", 70), 5, 1)
	require.ErrorIs(t, err, mask.ErrUnavailable)
	require.NotErrorIs(t, err, ErrForward)

	c, err := svc.Generate(context.Background(), strings.Repeat("a", 10), 5, 1)
	require.NoError(t, err)
	require.NotEmpty(t, c.Tokens)
}

func TestServiceInfer(t *testing.T) {
	t.Parallel()

	svc := toyService(t, true, 5)
	res, err := svc.Infer(context.Background(), []int{104, 105}, 4, 0.8, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Tokens)
	require.LessOrEqual(t, len(res.Tokens), 4)
	require.Equal(t, 2, res.Stats.PromptTokens)

	// every token is EOS when EOS is the token that gets drawn
	eos := res.Tokens[0]
	again := toyService(t, true, 5)
	res, err = again.Infer(context.Background(), []int{104, 105}, 4, 0.8, &eos)
	require.NoError(t, err)
	require.Equal(t, []int{eos}, res.Tokens)
	require.Equal(t, StopEOS, res.Stop)

	_, err = svc.Infer(context.Background(), nil, 4, 1, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Infer(context.Background(), []int{1}, 0, 1, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Infer(context.Background(), []int{1}, 4, 9, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Infer(context.Background(), []int{toy.VocabSize + 3}, 4, 1, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Infer(context.Background(), []int{-1}, 4, 1, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCachedAndUncachedAgree(t *testing.T) {
	t.Parallel()

	cached := toyService(t, true, 21)
	uncached := toyService(t, false, 21)

	for _, prompt := range []string{"a", "the quick brown fox"} {
		a, err := cached.Generate(context.Background(), prompt, 12, 0.7)
		require.NoError(t, err)
		b, err := uncached.Generate(context.Background(), prompt, 12, 0.7)
		require.NoError(t, err)
		require.Equal(t, a.Tokens, b.Tokens, "prompt=%q", prompt)
		require.Equal(t, a.Stop, b.Stop)
	}
}

func TestSetupFromErrors(t *testing.T) {
	t.Parallel()

	svc := NewService(NewStore(Options{CacheEnabled: true, Logger: quietLogger()}))

	_, err := blobstore.Resolve(t.TempDir(), "missing")
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	err = svc.SetupFrom(context.Background(), blobstore.Dir(t.TempDir()))
	var se *SetupError
	require.ErrorAs(t, err, &se)
	require.Equal(t, WeightLoad, se.Stage)
	require.False(t, svc.IsReady())
}

func TestLoadGPT2Stages(t *testing.T) {
	t.Parallel()

	ckpt, err := toy.Generate(toy.DefaultOptions())
	require.NoError(t, err)
	other := toy.DefaultOptions()
	other.Embd = 8
	mismatched, err := toy.Generate(other)
	require.NoError(t, err)

	cases := []struct {
		name    string
		config  []byte
		weights []byte
		stage   SetupStage
	}{
		{"config parse", []byte(`{"n_layer":`), ckpt.Weights, ConfigParse},
		{"invalid config", []byte(`{"n_layer":0}`), ckpt.Weights, ConfigParse},
		{"weight load", ckpt.Config, []byte("nope"), WeightLoad},
		{"model build", ckpt.Config, mismatched.Weights, ModelBuild},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := NewStore(Options{CacheEnabled: true, Logger: quietLogger()})
			err := s.Setup(context.Background(), tc.config, tc.weights)
			var se *SetupError
			require.ErrorAs(t, err, &se)
			require.Equal(t, tc.stage, se.Stage)
			require.False(t, s.IsReady())
		})
	}
}

func TestSetupWithoutTokenizer(t *testing.T) {
	t.Parallel()

	ckpt, err := toy.Generate(toy.DefaultOptions())
	require.NoError(t, err)
	svc := NewService(NewStore(Options{CacheEnabled: true, Logger: quietLogger()}))
	require.NoError(t, svc.Setup(context.Background(), ckpt.Config, ckpt.Weights, nil))
	require.True(t, svc.IsReady())

	// token-level generation works without a tokenizer, text does not
	res, err := svc.Infer(context.Background(), []int{1, 2}, 3, 1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Tokens)

	_, err = svc.Generate(context.Background(), "hi", 3, 1)
	require.ErrorIs(t, err, ErrNotInitialized)
}

type failingTokenizer struct{ encode, decode error }

func (f failingTokenizer) Encode(string) ([]int, error) {
	if f.encode != nil {
		return nil, f.encode
	}
	return []int{1}, nil
}

func (f failingTokenizer) Decode([]int) (string, error) {
	if f.decode != nil {
		return "", f.decode
	}
	panic("decode exploded")
}

func TestTokenizerFailures(t *testing.T) {
	t.Parallel()

	m := &stubModel{layers: 1, heads: 1, favor: always(2)}
	s := stubStore(t, m, nil)
	svc := NewService(s)

	encErr := errors.New("bad utf-8")
	require.NoError(t, s.Setup(context.Background(), []byte("ok"), nil, WithTokenizer(failingTokenizer{encode: encErr})))
	_, err := svc.Generate(context.Background(), "x", 1, 1)
	var te *TokenizeError
	require.ErrorAs(t, err, &te)
	require.ErrorIs(t, err, encErr)
	require.Zero(t, m.Calls())

	require.NoError(t, s.Setup(context.Background(), []byte("ok"), nil, WithTokenizer(failingTokenizer{})))
	_, err = svc.Generate(context.Background(), "x", 1, 1)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.ErrorContains(t, err, "panic in Decode")
}
