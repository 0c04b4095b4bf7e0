package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/database"
	"github.com/kareemschultz/kaj-gcmc-bts-sub010/internal/engine"
)

// Collector manages Prometheus metrics for the monitoring engine
type Collector struct {
	runsTotal          *prometheus.CounterVec
	runDuration        prometheus.Histogram
	deadlinesProcessed prometheus.Counter
	subjectsAnalyzed   prometheus.Counter
	issuesFound        prometheus.Counter

	alertsCreated  *prometheus.CounterVec
	overdueActive  *prometheus.GaugeVec
	penaltyAccrued *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates and registers the engine's metrics
func NewCollector() *Collector {
	return &Collector{
		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_monitor_runs_total",
				Help: "Total monitoring runs by tenant and outcome",
			},
			[]string{"tenant_id", "status"},
		),
		runDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "compliance_monitor_run_duration_seconds",
				Help:    "Duration of monitoring runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		deadlinesProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "compliance_monitor_deadlines_processed_total",
				Help: "Total obligation instances evaluated across all runs",
			},
		),
		subjectsAnalyzed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "compliance_monitor_subjects_analyzed_total",
				Help: "Total subjects evaluated across all runs",
			},
		),
		issuesFound: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "compliance_monitor_issues_found_total",
				Help: "Total issues surfaced by monitoring runs",
			},
		),
		alertsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_monitor_alerts_created_total",
				Help: "Alerts created by type and severity",
			},
			[]string{"type", "severity"},
		),
		overdueActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "compliance_monitor_overdue_obligations",
				Help: "Overdue obligation instances by tenant",
			},
			[]string{"tenant_id"},
		),
		penaltyAccrued: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "compliance_monitor_penalty_accrued_minor_units",
				Help: "Total accrued penalty exposure by tenant in minor currency units",
			},
			[]string{"tenant_id"},
		),
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compliance_monitor_http_requests_total",
				Help: "HTTP requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compliance_monitor_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveRun records the outcome of one monitoring run
func (c *Collector) ObserveRun(tenantID string, summary engine.RunSummary, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.runsTotal.WithLabelValues(tenantID, status).Inc()
	c.runDuration.Observe(duration.Seconds())
	c.deadlinesProcessed.Add(float64(summary.DeadlinesProcessed))
	c.subjectsAnalyzed.Add(float64(summary.SubjectsAnalyzed))
	c.issuesFound.Add(float64(summary.IssuesFound))
}

// ObserveAlert records one created alert. Wired to AlertEngine.OnCreated.
func (c *Collector) ObserveAlert(alert *database.Alert) {
	c.alertsCreated.WithLabelValues(alert.Type, alert.Severity).Inc()
}

// SetOverdue records the current overdue gauge for a tenant
func (c *Collector) SetOverdue(tenantID string, count int) {
	c.overdueActive.WithLabelValues(tenantID).Set(float64(count))
}

// SetPenaltyExposure records the current penalty exposure gauge for a tenant
func (c *Collector) SetPenaltyExposure(tenantID string, total int64) {
	c.penaltyAccrued.WithLabelValues(tenantID).Set(float64(total))
}

// ObserveHTTPRequest records one handled HTTP request
func (c *Collector) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
