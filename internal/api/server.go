// Package api exposes the generation service over HTTP with echo.
package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/kvdecode/internal/blobstore"
	"github.com/samcharles93/kvdecode/internal/inference"
	"github.com/samcharles93/kvdecode/internal/logger"
	"github.com/samcharles93/kvdecode/internal/version"
)

const (
	DefaultMaxSteps    = 20
	DefaultTemperature = 1.0
	maxBodyBytes       = 1 << 20
)

type Config struct {
	Service   *inference.Service
	ModelsDir string
	// Token guards setup and generation. Empty disables auth.
	Token  string
	Logger logger.Logger
}

type Server struct {
	svc       *inference.Service
	modelsDir string
	token     string
	log       logger.Logger
	metrics   http.Handler
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		svc:       cfg.Service,
		modelsDir: cfg.ModelsDir,
		token:     cfg.Token,
		log:       log,
		metrics:   promhttp.Handler(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	auth := BearerAuth(s.token)

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
	e.GET("/v1/models", s.handleListModels, auth)
	e.POST("/v1/setup", s.handleSetup, auth)
	e.POST("/v1/generate", s.handleGenerate, auth)
	e.POST("/v1/inference", s.handleInference, auth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Ready: s.svc.IsReady(), Version: version.String()})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.modelsDir == "" {
		return c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: []string{}})
	}
	names, err := blobstore.List(s.modelsDir)
	if err != nil {
		return writeServiceError(c, err)
	}
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: names})
}

func (s *Server) handleSetup(c *echo.Context) error {
	req, err := decodeJSON[SetupRequest](c.Request().Body)
	if err != nil {
		return writeServiceError(c, err)
	}
	name := strings.TrimSpace(req.Model)
	if name == "" {
		return writeServiceError(c, newInvalidRequest("model is required"))
	}
	if s.modelsDir == "" {
		return writeServiceError(c, newInvalidRequest("server has no models directory configured"))
	}
	dir, err := blobstore.Resolve(s.modelsDir, name)
	if err != nil {
		return writeServiceError(c, err)
	}
	if err := s.svc.SetupFrom(c.Request().Context(), dir); err != nil {
		s.log.Error("setup failed", "model", name, "error", err)
		return writeServiceError(c, err)
	}
	s.log.Info("model loaded", "model", name)
	return c.JSON(http.StatusOK, SetupResponse{Model: name, Ready: true})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeServiceError(c, err)
	}
	steps, temp, err := samplingParams(req.MaxSteps, req.Temperature)
	if err != nil {
		return writeServiceError(c, err)
	}

	out, err := s.svc.Generate(c.Request().Context(), req.Prompt, steps, temp)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, GenerateResponse{
		ID:         out.ID,
		Text:       out.Text,
		Tokens:     out.Tokens,
		StopReason: out.Stop.String(),
		Usage: Usage{
			PromptTokens:     out.Stats.PromptTokens,
			CompletionTokens: len(out.Tokens),
			TotalTokens:      out.Stats.PromptTokens + len(out.Tokens),
		},
		DurationMS: out.Stats.Duration.Milliseconds(),
		TPS:        out.Stats.TPS,
	})
}

func (s *Server) handleInference(c *echo.Context) error {
	req, err := decodeJSON[InferenceRequest](c.Request().Body)
	if err != nil {
		return writeServiceError(c, err)
	}
	if len(req.Tokens) == 0 {
		return writeServiceError(c, newInvalidRequest("tokens must not be empty"))
	}
	steps, temp, err := samplingParams(req.MaxSteps, req.Temperature)
	if err != nil {
		return writeServiceError(c, err)
	}

	res, err := s.svc.Infer(c.Request().Context(), req.Tokens, steps, temp, req.EOS)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, InferenceResponse{
		Tokens:     res.Tokens,
		StopReason: res.Stop.String(),
		Usage: Usage{
			PromptTokens:     res.Stats.PromptTokens,
			CompletionTokens: len(res.Tokens),
			TotalTokens:      res.Stats.PromptTokens + len(res.Tokens),
		},
		DurationMS: res.Stats.Duration.Milliseconds(),
		TPS:        res.Stats.TPS,
	})
}

// samplingParams applies the server defaults and range-checks max_steps
// before it is narrowed to the service's uint8.
func samplingParams(maxSteps *int, temperature *float64) (uint8, float64, error) {
	steps := DefaultMaxSteps
	if maxSteps != nil {
		steps = *maxSteps
	}
	if steps < 1 || steps > inference.MaxSteps {
		return 0, 0, newInvalidRequest(fmt.Sprintf("max_steps must be in [1,%d]", inference.MaxSteps))
	}
	temp := DefaultTemperature
	if temperature != nil {
		temp = *temperature
	}
	return uint8(steps), temp, nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest("invalid JSON body: " + err.Error())
	}
	return out, nil
}
