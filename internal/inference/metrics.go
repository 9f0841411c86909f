package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvdecode_generations_total",
		Help: "Completed generation requests by stop reason",
	}, []string{"stop"})

	generationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvdecode_generation_errors_total",
		Help: "Generation requests aborted by an error",
	})

	tokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvdecode_tokens_generated_total",
		Help: "Tokens produced by the generation loop",
	})

	generationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvdecode_generation_seconds",
		Help:    "Wall time of the generation loop",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	modelReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kvdecode_model_ready",
		Help: "1 once a model has been set up",
	})
)
