package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyReconcileReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReconcileReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ReconcileReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: ReconcileReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: ReconcileReasonUniqueViolation},
		{name: "other_pg", err: &pgconn.PgError{Code: "08006"}, want: ReconcileReasonDB},
		{name: "unknown", err: errors.New("boom"), want: ReconcileReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyReconcileReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestReconcilerCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newReconcilerMetrics(registry, Config{ServiceName: "taleforge", Environment: "test"})

	m.AddBatchProcessed("verify_balances", "accounts", 3)
	m.IncChargeFailureOutcome(ChargeFailureOutcomeResolved)
	m.IncJobError("retry_charge_failures", &pgconn.PgError{Code: "40001"})
	m.SetPendingFailures(2)

	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("verify_balances", "accounts")); got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.failureOutcomes.WithLabelValues(ChargeFailureOutcomeResolved)); got != 1 {
		t.Fatalf("expected one resolved outcome, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues("retry_charge_failures", ReconcileReasonSerializationFailure)); got != 1 {
		t.Fatalf("expected one serialization error, got %v", got)
	}
	if got := testutil.ToFloat64(m.pendingFailures); got != 2 {
		t.Fatalf("expected pending gauge 2, got %v", got)
	}
}

func TestHTTPMiddlewareCountsRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{})

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/v1/accounts/:user_id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/accounts/u1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/accounts/u2", nil))

	got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodGet, "/v1/accounts/:user_id", "404"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
	if inflight := testutil.ToFloat64(m.inFlight); inflight != 0 {
		t.Fatalf("expected no in-flight requests, got %v", inflight)
	}
}
