package api

type HealthResponse struct {
	Ready   bool   `json:"ready"`
	Version string `json:"version"`
}

type SetupRequest struct {
	Model string `json:"model"`
}

type SetupResponse struct {
	Model string `json:"model"`
	Ready bool   `json:"ready"`
}

type ModelsResponse struct {
	Object string   `json:"object"`
	Data   []string `json:"data"`
}

// GenerateRequest leaves max_steps and temperature optional; omitted values
// take the server defaults.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	MaxSteps    *int     `json:"max_steps,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type GenerateResponse struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Tokens     []int   `json:"tokens"`
	StopReason string  `json:"stop_reason"`
	Usage      Usage   `json:"usage"`
	DurationMS int64   `json:"duration_ms"`
	TPS        float64 `json:"tokens_per_second"`
}

// InferenceRequest is the token-level form of GenerateRequest. EOS, when set,
// overrides the model's end-of-sequence id.
type InferenceRequest struct {
	Tokens      []int    `json:"tokens"`
	MaxSteps    *int     `json:"max_steps,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	EOS         *int     `json:"eos,omitempty"`
}

type InferenceResponse struct {
	Tokens     []int   `json:"tokens"`
	StopReason string  `json:"stop_reason"`
	Usage      Usage   `json:"usage"`
	DurationMS int64   `json:"duration_ms"`
	TPS        float64 `json:"tokens_per_second"`
}
