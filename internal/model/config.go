package model

import (
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"
)

const (
	defaultLayerNormEps = 1e-5
	defaultPositions    = 1024
)

// Config is the subset of a Hugging Face GPT-2 config.json the decoder needs.
// The HF generic names (num_hidden_layers, ...) are accepted as fallbacks.
type Config struct {
	ModelType    string  `json:"model_type"`
	Layers       int     `json:"n_layer"`
	Heads        int     `json:"n_head"`
	Embd         int     `json:"n_embd"`
	Inner        *int    `json:"n_inner"`
	VocabSize    int     `json:"vocab_size"`
	Positions    int     `json:"n_positions"`
	Ctx          int     `json:"n_ctx"`
	LayerNormEps float64 `json:"layer_norm_epsilon"`
	BOSTokenID   *int    `json:"bos_token_id"`
	EOSTokenID   *int    `json:"eos_token_id"`

	NumHiddenLayers   int `json:"num_hidden_layers"`
	NumAttentionHeads int `json:"num_attention_heads"`
	HiddenSize        int `json:"hidden_size"`
}

// ParseConfig decodes raw config bytes, fills defaults and validates the result.
func ParseConfig(raw []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("model: parse config: %w", err)
	}
	cfg.fillMissing()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillMissing() {
	if c.Layers == 0 && c.NumHiddenLayers > 0 {
		c.Layers = c.NumHiddenLayers
	}
	if c.Heads == 0 && c.NumAttentionHeads > 0 {
		c.Heads = c.NumAttentionHeads
	}
	if c.Embd == 0 && c.HiddenSize > 0 {
		c.Embd = c.HiddenSize
	}
	if c.Positions == 0 {
		c.Positions = c.Ctx
	}
	if c.Positions == 0 {
		c.Positions = defaultPositions
	}
	if c.LayerNormEps == 0 {
		c.LayerNormEps = defaultLayerNormEps
	}
}

// Validate reports every structural problem at once.
func (c Config) Validate() error {
	var err error
	if c.Layers <= 0 {
		err = multierr.Append(err, fmt.Errorf("n_layer must be positive, got %d", c.Layers))
	}
	if c.Heads <= 0 {
		err = multierr.Append(err, fmt.Errorf("n_head must be positive, got %d", c.Heads))
	}
	if c.Embd <= 0 {
		err = multierr.Append(err, fmt.Errorf("n_embd must be positive, got %d", c.Embd))
	} else if c.Heads > 0 && c.Embd%c.Heads != 0 {
		err = multierr.Append(err, fmt.Errorf("n_embd %d is not divisible by n_head %d", c.Embd, c.Heads))
	}
	if c.VocabSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize))
	}
	if c.Positions <= 0 {
		err = multierr.Append(err, fmt.Errorf("n_positions must be positive, got %d", c.Positions))
	}
	if c.Inner != nil && *c.Inner <= 0 {
		err = multierr.Append(err, fmt.Errorf("n_inner must be positive, got %d", *c.Inner))
	}
	if c.EOSTokenID != nil && (*c.EOSTokenID < 0 || *c.EOSTokenID >= c.VocabSize) {
		err = multierr.Append(err, fmt.Errorf("eos_token_id %d outside vocabulary of %d", *c.EOSTokenID, c.VocabSize))
	}
	if err != nil {
		return fmt.Errorf("model: invalid config: %w", err)
	}
	return nil
}

// HeadDim is the per-head width of the attention projections.
func (c Config) HeadDim() int { return c.Embd / c.Heads }

// InnerDim is the width of the feed-forward hidden layer.
func (c Config) InnerDim() int {
	if c.Inner != nil {
		return *c.Inner
	}
	return 4 * c.Embd
}

// EOS returns the end-of-sequence id. GPT-2 vocabularies end with
// <|endoftext|>, so the last id is used when the config does not say.
func (c Config) EOS() int {
	if c.EOSTokenID != nil {
		return *c.EOSTokenID
	}
	return c.VocabSize - 1
}
