package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "image_edit_active_turns",
		Help: "Number of turns currently being orchestrated",
	})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_turns_total",
		Help: "Total number of turns by outcome",
	}, []string{"status"}) // status: success, text_only, failed, cancelled

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_edit_turn_duration_seconds",
		Help:    "End-to-end turn latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	overallConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_edit_overall_confidence",
		Help:    "Overall confidence reported per turn",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	// Planner metrics
	plannerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_planner_requests_total",
		Help: "Total number of planner requests",
	}, []string{"status"})

	plannerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "image_edit_planner_latency_seconds",
		Help:    "Planner latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
	})

	proposalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_proposals_dropped_total",
		Help: "Planner proposals dropped before validation",
	}, []string{"reason"})

	// Validation metrics
	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_validations_total",
		Help: "Parameter validations by tool and verdict",
	}, []string{"tool", "verdict"}) // verdict: valid, invalid

	// Execution metrics
	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_tool_executions_total",
		Help: "Tool executions by tool and status",
	}, []string{"tool", "status"})

	toolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "image_edit_tool_latency_seconds",
		Help:    "Tool execution latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"tool"})

	resultValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_result_validations_total",
		Help: "Result validations by tool and verdict",
	}, []string{"tool", "verdict"})

	// Correction and history metrics
	correctionsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "image_edit_corrections_detected_total",
		Help: "User messages classified as corrections",
	})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_rollbacks_total",
		Help: "Rollbacks attempted after a correction",
	}, []string{"status"}) // status: applied, nothing_to_undo

	historyWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_history_writes_total",
		Help: "History records by decision",
	}, []string{"decision"}) // decision: stored, below_threshold, error

	historyIndexDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_history_index_degraded_total",
		Help: "Similarity index failures that fell back to the local store",
	}, []string{"operation"})

	analysisCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_analysis_cache_total",
		Help: "Ground truth cache lookups",
	}, []string{"result"}) // result: hit, miss

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "image_edit_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "image_edit_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// TurnMetrics tracks metrics for a single turn
type TurnMetrics struct {
	startTime        time.Time
	plannerStartTime time.Time
	mu               sync.Mutex
}

// NewTurnMetrics starts tracking a turn
func NewTurnMetrics() *TurnMetrics {
	activeTurns.Inc()
	return &TurnMetrics{startTime: time.Now()}
}

// RecordTurnEnd records the end of a turn
func (m *TurnMetrics) RecordTurnEnd(status string, confidence float64) {
	activeTurns.Dec()
	turnsTotal.WithLabelValues(status).Inc()
	turnDuration.Observe(time.Since(m.startTime).Seconds())
	overallConfidence.Observe(confidence)
}

// RecordPlannerStart records the start of a planner request
func (m *TurnMetrics) RecordPlannerStart() {
	m.mu.Lock()
	m.plannerStartTime = time.Now()
	m.mu.Unlock()
}

// RecordPlannerEnd records the end of a planner request
func (m *TurnMetrics) RecordPlannerEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.plannerStartTime.IsZero() {
		plannerLatency.Observe(time.Since(m.plannerStartTime).Seconds())
	}
	plannerRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordProposalDropped counts a proposal discarded by the planner client
func RecordProposalDropped(reason string) {
	proposalsDropped.WithLabelValues(reason).Inc()
}

// RecordValidation counts a parameter validation verdict
func RecordValidation(tool string, valid bool) {
	verdict := "valid"
	if !valid {
		verdict = "invalid"
	}
	validations.WithLabelValues(tool, verdict).Inc()
}

// RecordToolExecution counts a tool execution and its latency
func RecordToolExecution(tool string, success bool, elapsed time.Duration) {
	toolExecutions.WithLabelValues(tool, statusLabel(success)).Inc()
	toolLatency.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordResultValidation counts a result validation verdict
func RecordResultValidation(tool string, success bool) {
	verdict := "pass"
	if !success {
		verdict = "fail"
	}
	resultValidations.WithLabelValues(tool, verdict).Inc()
}

// RecordCorrection counts a detected correction
func RecordCorrection() {
	correctionsDetected.Inc()
}

// RecordRollback counts a rollback attempt
func RecordRollback(applied bool) {
	status := "applied"
	if !applied {
		status = "nothing_to_undo"
	}
	rollbacks.WithLabelValues(status).Inc()
}

// RecordHistoryWrite counts a history persistence decision
func RecordHistoryWrite(decision string) {
	historyWrites.WithLabelValues(decision).Inc()
}

// RecordHistoryIndexDegraded counts a similarity index fallback
func RecordHistoryIndexDegraded(operation string) {
	historyIndexDegraded.WithLabelValues(operation).Inc()
}

// RecordAnalysisCache counts a ground truth cache lookup
func RecordAnalysisCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	analysisCache.WithLabelValues(result).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
