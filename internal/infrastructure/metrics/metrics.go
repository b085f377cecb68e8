package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 적용 파이프라인 메트릭
	ApplyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmstate_agent_apply_total",
			Help: "Total number of apply pipelines by outcome",
		},
		[]string{"outcome"}, // committed, rolled-back, failed-no-checkpoint, restore-failed, timed-out
	)

	ApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nmstate_agent_apply_duration_seconds",
			Help:    "Time spent in each apply pipeline",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	StateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmstate_agent_state_changes_total",
			Help: "Total number of computed state changes by operation and risk class",
		},
		[]string{"op", "risk"},
	)

	// 체크포인트 메트릭
	CheckpointsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nmstate_agent_checkpoints_open",
			Help: "Number of checkpoints currently open in this process",
		},
	)

	RestoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmstate_agent_restores_total",
			Help: "Total number of checkpoint restores",
		},
		[]string{"trigger", "result"}, // trigger: apply-error, verification, timeout, commit-error, explicit, watchdog
	)

	// watchdog 메트릭
	WatchdogCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nmstate_agent_watchdog_cycles_total",
			Help: "Total number of watchdog sweeps executed",
		},
	)

	WatchdogCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nmstate_agent_watchdog_cycle_duration_seconds",
			Help:    "Time spent in each watchdog sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	WatchdogBackoffLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nmstate_agent_watchdog_backoff_level",
			Help: "Current watchdog backoff level (0 = no backoff)",
		},
	)

	// 배치 메트릭
	BatchHosts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmstate_agent_batch_hosts_total",
			Help: "Total number of hosts processed in batches by outcome",
		},
		[]string{"outcome"},
	)

	HostsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nmstate_agent_hosts_in_flight",
			Help: "Number of hosts with a pipeline currently dispatched",
		},
	)

	// 저널 메트릭
	JournalQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nmstate_agent_journal_query_duration_seconds",
			Help:    "Time spent executing checkpoint journal queries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_type"},
	)

	// 도구 호출 메트릭
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmstate_agent_tool_calls_total",
			Help: "Total number of tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	// 에러 메트릭
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nmstate_agent_errors_total",
			Help: "Total number of errors encountered",
		},
		[]string{"error_type"},
	)

	// 시스템 정보
	AgentInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nmstate_agent_info",
			Help: "Agent information",
		},
		[]string{"version", "backend", "host_name"},
	)
)

// RecordApply는 파이프라인 결과와 소요 시간을 기록합니다
func RecordApply(outcome string, duration float64) {
	ApplyTotal.WithLabelValues(outcome).Inc()
	ApplyDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordStateChange는 계산된 변경 하나를 기록합니다
func RecordStateChange(op, risk string) {
	StateChanges.WithLabelValues(op, risk).Inc()
}

// RecordRestore는 체크포인트 복구 시도를 기록합니다
func RecordRestore(trigger string, success bool) {
	result := "success"
	if !success {
		result = "failed"
	}
	RestoresTotal.WithLabelValues(trigger, result).Inc()
}

// RecordWatchdogCycle은 watchdog 사이클 메트릭을 기록합니다
func RecordWatchdogCycle(duration float64) {
	WatchdogCycles.Inc()
	WatchdogCycleDuration.Observe(duration)
}

// RecordBatchHost는 배치 내 호스트 결과를 기록합니다
func RecordBatchHost(outcome string) {
	BatchHosts.WithLabelValues(outcome).Inc()
}

// RecordJournalQuery는 저널 쿼리 시간을 기록합니다
func RecordJournalQuery(queryType string, duration float64) {
	JournalQueryDuration.WithLabelValues(queryType).Observe(duration)
}

// RecordToolCall은 도구 호출 결과를 기록합니다
func RecordToolCall(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordError는 에러 발생을 기록합니다
func RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// SetBackoffLevel은 현재 watchdog 백오프 레벨을 설정합니다
func SetBackoffLevel(level float64) {
	WatchdogBackoffLevel.Set(level)
}

// SetAgentInfo는 에이전트 정보를 설정합니다
func SetAgentInfo(version, backend, hostName string) {
	AgentInfo.WithLabelValues(version, backend, hostName).Set(1)
}
