package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	// HTTPRequestsTotal 按方法/路径/状态码统计的请求总数。
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPRequestDuration 请求耗时直方图。
	HTTPRequestDuration *prometheus.HistogramVec

	// AuthEventsTotal 认证事件计数（register / login / refresh / logout / reset），
	// result 为 ok 或 fail。
	AuthEventsTotal *prometheus.CounterVec

	// TasksTotal 任务操作计数（create / update / delete）。
	TasksTotal *prometheus.CounterVec
)

// InitMetrics 注册 Prometheus 指标，可安全地重复调用。
func InitMetrics() {
	initOnce.Do(func() {
		HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmanager_http_requests_total",
			Help: "Total HTTP requests handled, by method, path and status.",
		}, []string{"method", "path", "status"})

		HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskmanager_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})

		AuthEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmanager_auth_events_total",
			Help: "Authentication flow events, by event and result.",
		}, []string{"event", "result"})

		TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmanager_task_operations_total",
			Help: "Task CRUD operations, by operation.",
		}, []string{"operation"})

		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			AuthEventsTotal,
			TasksTotal,
		)
	})
}

// ObserveRequest 记录一次 HTTP 请求。
func ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if HTTPRequestsTotal == nil {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// RecordAuthEvent 记录一次认证事件。
func RecordAuthEvent(event string, ok bool) {
	if AuthEventsTotal == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	AuthEventsTotal.WithLabelValues(event, result).Inc()
}

// RecordTaskOperation 记录一次任务操作。
func RecordTaskOperation(operation string) {
	if TasksTotal == nil {
		return
	}
	TasksTotal.WithLabelValues(operation).Inc()
}
