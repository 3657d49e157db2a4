// Package metrics 汇总编排核心的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp_hub"

var (
	hubAgents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents by hub and status.",
		},
		[]string{"hub", "status"},
	)

	hubRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_registrations_total",
			Help:      "Agent registration attempts by outcome.",
		},
		[]string{"hub", "outcome"},
	)

	stepExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_executions_total",
			Help:      "Executed steps by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	stepRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Retries performed by the step executor.",
		},
	)

	objectiveTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objective_transitions_total",
			Help:      "Objective state transitions by target status.",
		},
		[]string{"status"},
	)

	objectivesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "objectives_active",
			Help:      "Objectives currently supervised.",
		},
	)

	routerSignals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_signals_total",
			Help:      "Signals handled by the router by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Task dispatch round-trip in seconds by mode.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode", "outcome"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		hubAgents,
		hubRegistrations,
		stepExecutions,
		stepDuration,
		stepRetries,
		objectiveTransitions,
		objectivesActive,
		routerSignals,
		dispatchDuration,
		httpRequests,
		httpDuration,
	)
}

// SetHubAgents 记录某个 hub 下各状态的 agent 数量。
func SetHubAgents(hub string, counts map[string]int) {
	for status, n := range counts {
		hubAgents.WithLabelValues(hub, status).Set(float64(n))
	}
}

// ObserveRegistration 记录一次注册尝试。
func ObserveRegistration(hub string, ok bool) {
	hubRegistrations.WithLabelValues(hub, outcome(ok)).Inc()
}

// ObserveStep 记录一次步骤执行。
func ObserveStep(kind string, ok bool, d time.Duration) {
	stepExecutions.WithLabelValues(kind, outcome(ok)).Inc()
	stepDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncStepRetry 记录一次重试。
func IncStepRetry() {
	stepRetries.Inc()
}

// ObserveObjectiveTransition 记录目标进入的新状态。
func ObserveObjectiveTransition(status string) {
	objectiveTransitions.WithLabelValues(status).Inc()
}

// ObjectiveStarted / ObjectiveStopped 维护受监管目标数量。
func ObjectiveStarted() { objectivesActive.Inc() }

// ObjectiveStopped 见 ObjectiveStarted。
func ObjectiveStopped() { objectivesActive.Dec() }

// ObserveSignal 记录路由器收发的信号。direction 为 sent 或 received。
func ObserveSignal(direction, result string) {
	routerSignals.WithLabelValues(direction, result).Inc()
}

// ObserveDispatch 记录一次任务派发往返耗时。
func ObserveDispatch(mode string, ok bool, d time.Duration) {
	dispatchDuration.WithLabelValues(mode, outcome(ok)).Observe(d.Seconds())
}

// ObserveHTTPRequest 记录一次 HTTP 请求。path 应使用路由模板以控制基数。
func ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler 以 Prometheus 文本格式暴露指标。
func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
