package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	chatRequestsTotal *prometheus.CounterVec
	chatDuration      prometheus.Histogram

	turnTotal    *prometheus.CounterVec
	turnDuration prometheus.Histogram
	queueSize    prometheus.Gauge
	queueWait    prometheus.Histogram
	agentState   prometheus.Gauge
	agentRestarts prometheus.Counter

	toolInvocationsTotal *prometheus.CounterVec
	tokensTotal          *prometheus.CounterVec

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	sessionsExpiredTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			chatRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "chat_requests_total",
					Help: "Total chat requests by outcome.",
				},
				[]string{"status"},
			),
			chatDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "chat_request_duration_seconds",
					Help:    "End-to-end chat request duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Total agent turns by outcome.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			queueSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agent_queue_size",
					Help: "Turns waiting for the shared agent process.",
				},
			),
			queueWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_queue_wait_seconds",
					Help:    "Time a turn waited for the shared agent process.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentState: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agent_state",
					Help: "Coordinator state (0 uninitialized, 1 initializing, 2 ready, 3 busy, 4 failed).",
				},
			),
			agentRestarts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agent_restarts_total",
					Help: "Total agent process re-initializations after failure.",
				},
			),
			toolInvocationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocations_total",
					Help: "Total tool invocations reported in turn traces, by tool.",
				},
				[]string{"tool"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_tokens_total",
					Help: "Total tokens reported by the agent process, by direction.",
				},
				[]string{"direction"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session read duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionsExpiredTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_expired_total",
					Help: "Total sessions removed by background expiry.",
				},
			),
		}

		prometheus.MustRegister(
			m.chatRequestsTotal,
			m.chatDuration,
			m.turnTotal,
			m.turnDuration,
			m.queueSize,
			m.queueWait,
			m.agentState,
			m.agentRestarts,
			m.toolInvocationsTotal,
			m.tokensTotal,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.sessionsExpiredTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordChatRequest(status string, duration time.Duration) {
	m := getMetrics()
	m.chatRequestsTotal.WithLabelValues(status).Inc()
	m.chatDuration.Observe(duration.Seconds())
}

func RecordTurn(status string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.Observe(duration.Seconds())
}

func SetQueueSize(size int) {
	getMetrics().queueSize.Set(float64(size))
}

func RecordQueueWait(wait time.Duration) {
	getMetrics().queueWait.Observe(wait.Seconds())
}

func SetAgentState(state int) {
	getMetrics().agentState.Set(float64(state))
}

func RecordAgentRestart() {
	getMetrics().agentRestarts.Inc()
}

func RecordToolInvocation(tool string, count int) {
	getMetrics().toolInvocationsTotal.WithLabelValues(tool).Add(float64(count))
}

func RecordTokens(input, output int) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues("input").Add(float64(input))
	m.tokensTotal.WithLabelValues("output").Add(float64(output))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordSessionsExpired(count int) {
	getMetrics().sessionsExpiredTotal.Add(float64(count))
}
