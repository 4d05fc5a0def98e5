package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LLMCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tender_llm_call_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "purpose"},
	)

	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_llm_calls_total",
			Help: "Total LLM calls by outcome",
		},
		[]string{"provider", "purpose", "status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
		[]string{"model"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tender_pipeline_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"step", "status"},
	)

	ChunksFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_chunks_filtered_total",
			Help: "Chunks labelled by the filter stage",
		},
		[]string{"label"},
	)

	RequirementsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_requirements_extracted_total",
			Help: "Requirements extracted by constraint type",
		},
		[]string{"constraint_type"},
	)

	UnitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_unit_failures_total",
			Help: "Per-chunk failures by stage",
		},
		[]string{"stage"},
	)

	RiskItemsFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tender_risk_items_total",
			Help: "Risk items produced by level",
		},
		[]string{"level"},
	)

	ParserStrategyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tender_parser_strategy_duration_seconds",
			Help:    "Structure parser strategy duration",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"method", "success"},
	)

	// LLMBreakerState is 0 closed, 1 half-open, 2 open.
	LLMBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tender_llm_breaker_state",
			Help: "Circuit breaker state per model endpoint",
		},
		[]string{"endpoint"},
	)

	ActiveTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tender_active_tasks",
			Help: "Tasks currently holding a run lock",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			LLMCallDuration,
			LLMCallsTotal,
			LLMTokensUsed,
			LLMCost,
			CacheHits,
			CacheMisses,
			StepDuration,
			ChunksFiltered,
			RequirementsExtracted,
			UnitFailures,
			RiskItemsFound,
			ParserStrategyDuration,
			LLMBreakerState,
			ActiveTasks,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
