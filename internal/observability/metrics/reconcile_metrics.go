package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ReconcileReasonDeadlineExceeded     = "deadline_exceeded"
	ReconcileReasonDBLockTimeout        = "db_lock_timeout"
	ReconcileReasonSerializationFailure = "serialization_failure"
	ReconcileReasonUniqueViolation      = "unique_violation"
	ReconcileReasonDB                   = "db"
	ReconcileReasonUnknown              = "unknown"

	ReconcileSkipLockHeld = "lock_held"
)

const (
	ChargeFailureOutcomeResolved  = "resolved"
	ChargeFailureOutcomeRetry     = "retry"
	ChargeFailureOutcomeAbandoned = "abandoned"
)

// ReconcilerMetrics captures the health of the background reconciliation worker.
type ReconcilerMetrics struct {
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobTimeouts     *prometheus.CounterVec
	jobErrors       *prometheus.CounterVec
	jobSkipped      *prometheus.CounterVec
	batchProcessed  *prometheus.CounterVec
	failureOutcomes *prometheus.CounterVec
	balanceDrift    *prometheus.CounterVec
	pendingFailures prometheus.Gauge
	runLoopLag      prometheus.Observer
}

var (
	reconcilerMetricsOnce sync.Once
	reconcilerMetrics     *ReconcilerMetrics
)

// Reconciler returns the singleton reconciler metrics registry.
func Reconciler() *ReconcilerMetrics {
	return ReconcilerWithConfig(Config{})
}

// ReconcilerWithConfig returns the singleton using config labels.
func ReconcilerWithConfig(cfg Config) *ReconcilerMetrics {
	reconcilerMetricsOnce.Do(func() {
		reconcilerMetrics = newReconcilerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return reconcilerMetrics
}

// ResetReconcilerMetricsForTest resets the singleton for tests.
func ResetReconcilerMetricsForTest() {
	reconcilerMetricsOnce = sync.Once{}
	reconcilerMetrics = nil
}

// NewReconcilerMetricsForRegistry builds an unshared instance, mainly for tests.
func NewReconcilerMetricsForRegistry(registerer prometheus.Registerer, cfg Config) *ReconcilerMetrics {
	return newReconcilerMetrics(registerer, cfg)
}

func newReconcilerMetrics(registerer prometheus.Registerer, cfg Config) *ReconcilerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	constLabels := constLabelsFor(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "taleforge_reconcile_job_runs_total",
		Help:        "Reconciliation job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "taleforge_reconcile_job_duration_seconds",
		Help:        "Reconciliation job latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "taleforge_reconcile_job_timeouts_total",
		Help:        "Reconciliation jobs that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "taleforge_reconcile_job_errors_total",
		Help:        "Reconciliation job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	jobSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "taleforge_reconcile_job_skipped_total",
		Help:        "Reconciliation runs skipped, for example when another replica holds the lock.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "taleforge_reconcile_batch_processed_total",
		Help:        "Items examined by reconciliation jobs.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	failureOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "taleforge_charge_failure_outcomes_total",
		Help:        "Charge failure retry outcomes.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	balanceDrift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "taleforge_balance_drift_detected_total",
		Help:        "Accounts whose ledger sum disagrees with their balance.",
		ConstLabels: constLabels,
	}, []string{"job"})
	pendingFailures := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "taleforge_charge_failures_pending",
		Help:        "Charge failures awaiting retry at the end of the last sweep.",
		ConstLabels: constLabels,
	})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "taleforge_reconcile_runloop_lag_seconds",
		Help:        "Run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		jobSkipped,
		batchProcessed,
		failureOutcomes,
		balanceDrift,
		pendingFailures,
		runLoopLag,
	)

	return &ReconcilerMetrics{
		jobRuns:         jobRuns,
		jobDuration:     jobDuration,
		jobTimeouts:     jobTimeouts,
		jobErrors:       jobErrors,
		jobSkipped:      jobSkipped,
		batchProcessed:  batchProcessed,
		failureOutcomes: failureOutcomes,
		balanceDrift:    balanceDrift,
		pendingFailures: pendingFailures,
		runLoopLag:      runLoopLag,
	}
}

func constLabelsFor(cfg Config) prometheus.Labels {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "taleforge"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

func (m *ReconcilerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *ReconcilerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *ReconcilerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *ReconcilerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyReconcileReason(err)).Inc()
}

func (m *ReconcilerMetrics) IncJobSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job, reason).Inc()
}

func (m *ReconcilerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *ReconcilerMetrics) IncChargeFailureOutcome(outcome string) {
	if m == nil {
		return
	}
	m.failureOutcomes.WithLabelValues(outcome).Inc()
}

func (m *ReconcilerMetrics) IncBalanceDrift(job string) {
	if m == nil {
		return
	}
	m.balanceDrift.WithLabelValues(job).Inc()
}

func (m *ReconcilerMetrics) SetPendingFailures(count int64) {
	if m == nil {
		return
	}
	m.pendingFailures.Set(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *ReconcilerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// ClassifyReconcileReason maps job errors to low-cardinality reasons.
func ClassifyReconcileReason(err error) string {
	if err == nil {
		return ReconcileReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReconcileReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ReconcileReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return ReconcileReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return ReconcileReasonUniqueViolation
	}
	if isDBError(err) {
		return ReconcileReasonDB
	}
	return ReconcileReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
