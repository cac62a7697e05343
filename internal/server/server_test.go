package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	auditdomain "github.com/smallbiznis/taleforge/internal/audit/domain"
	auditrepo "github.com/smallbiznis/taleforge/internal/audit/repository"
	auditservice "github.com/smallbiznis/taleforge/internal/audit/service"
	"github.com/smallbiznis/taleforge/internal/authorization"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	balancerepo "github.com/smallbiznis/taleforge/internal/balance/repository"
	balanceservice "github.com/smallbiznis/taleforge/internal/balance/service"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	creditdomain "github.com/smallbiznis/taleforge/internal/credit/domain"
	creditrepo "github.com/smallbiznis/taleforge/internal/credit/repository"
	creditservice "github.com/smallbiznis/taleforge/internal/credit/service"
	entitlementdomain "github.com/smallbiznis/taleforge/internal/entitlement/domain"
	entitlementservice "github.com/smallbiznis/taleforge/internal/entitlement/service"
	"github.com/smallbiznis/taleforge/internal/observability"
	"github.com/smallbiznis/taleforge/internal/payment/adapters"
	"github.com/smallbiznis/taleforge/internal/payment/adapters/stripe"
	paymentrepo "github.com/smallbiznis/taleforge/internal/payment/repository"
	paymentservice "github.com/smallbiznis/taleforge/internal/payment/service"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"github.com/smallbiznis/taleforge/internal/testutil/dbtest"
	usagerepo "github.com/smallbiznis/taleforge/internal/usagelimit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	adminKey   = "key-admin"
	supportKey = "key-support"
	auditorKey = "key-auditor"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *errorPayload   `json:"error"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, _ := newTestServerWithDB(t)
	return s
}

func newTestServerWithDB(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(21)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	prices := pricing.Static(config.DefaultPricingConfig())
	cfg := config.Config{
		ChargeRetry: config.ChargeRetryConfig{MaxAttempts: 1},
		AdminAPIKeys: map[string]string{
			adminKey:   authorization.RoleAdmin,
			supportKey: authorization.RoleSupport,
			auditorKey: authorization.RoleAuditor,
		},
		StripeWebhookSecret: "whsec_test",
	}

	balance := balanceservice.New(balanceservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    balancerepo.Provide(),
		Pricing: prices,
	})
	counter := usagerepo.NewSQLCounter(db, clk, 24*time.Hour)
	checker := entitlementservice.New(entitlementservice.Params{
		Log:     zap.NewNop(),
		Pricing: prices,
		Balance: balance,
		Usage:   counter,
	})
	credits := creditservice.New(creditservice.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Config:      cfg,
		Pricing:     prices,
		Balance:     balance,
		Checker:     checker,
		Usage:       counter,
		FailureRepo: creditrepo.Provide(),
		Completions: creditrepo.ProvideCompletions(),
	})
	payments := paymentservice.NewService(paymentservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Adapters: adapters.NewRegistry(adapters.SettingsFromConfig(cfg), stripe.NewFactory()),
		Repo:     paymentrepo.Provide(),
		Credits:  credits,
		Balance:  balance,
	})
	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Enforcer: enforcer,
	})

	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  auditrepo.Provide(),
	})

	return NewServer(ServerParams{
		Gin:        NewEngine(observability.Config{LogLevel: "info"}, nil),
		Cfg:        cfg,
		Log:        zap.NewNop(),
		BalanceSvc: balance,
		Checker:    checker,
		Credits:    credits,
		Pricing:    prices,
		PaymentSvc: payments,
		AuthzSvc:   authz,
		AuditSvc:   audit,
	}), db
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func decodeData(t *testing.T, env envelope, out any) {
	t.Helper()
	require.NotEmpty(t, env.Data)
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func createAccount(t *testing.T, s *Server, userID string) balancedomain.Account {
	t.Helper()
	return createAccountWithTier(t, s, userID, "")
}

func createAccountWithTier(t *testing.T, s *Server, userID, tier string) balancedomain.Account {
	t.Helper()
	body := gin.H{"user_id": userID}
	if tier != "" {
		body["tier"] = tier
	}
	status, env := doJSON(t, s, http.MethodPost, "/v1/accounts", body, nil)
	require.Equal(t, http.StatusOK, status)
	var account balancedomain.Account
	decodeData(t, env, &account)
	return account
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAccounts(t *testing.T) {
	s := newTestServer(t)

	account := createAccount(t, s, "reader-1")
	assert.Equal(t, int64(10), account.CurrentBalance)
	assert.Equal(t, balancedomain.TierFree, account.SubscriptionTier)

	again := createAccount(t, s, "reader-1")
	assert.Equal(t, account.CurrentBalance, again.CurrentBalance)

	status, env := doJSON(t, s, http.MethodGet, "/v1/accounts/reader-1/balance", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var balance struct {
		Balance int64 `json:"balance"`
	}
	decodeData(t, env, &balance)
	assert.Equal(t, int64(10), balance.Balance)

	status, env = doJSON(t, s, http.MethodGet, "/v1/accounts/nobody", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Type)

	status, env = doJSON(t, s, http.MethodPost, "/v1/accounts", gin.H{"user_id": "x", "tier": "gold"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation_error", env.Error.Type)
	require.Len(t, env.Error.Errors, 1)
	assert.Equal(t, "invalid_subscription_tier", env.Error.Errors[0].Code)
}

func TestPricingQuote(t *testing.T) {
	s := newTestServer(t)

	status, env := doJSON(t, s, http.MethodPost, "/v1/pricing/quote", gin.H{
		"kind":   "video",
		"inputs": gin.H{"duration_seconds": 4},
	}, nil)
	require.Equal(t, http.StatusOK, status)
	var quote pricing.Quote
	decodeData(t, env, &quote)
	assert.Equal(t, int64(8), quote.Cost)

	status, env = doJSON(t, s, http.MethodPost, "/v1/pricing/quote", gin.H{"kind": "hologram"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "kind", env.Error.Errors[0].Field)

	status, _ = doJSON(t, s, http.MethodGet, "/v1/pricing", nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestCheckEntitlement_ReportsDenialInBody(t *testing.T) {
	s := newTestServer(t)
	createAccount(t, s, "reader-2")

	status, env := doJSON(t, s, http.MethodPost, "/v1/entitlements/check", gin.H{
		"user_id": "reader-2",
		"kind":    "audio",
		"inputs":  gin.H{"text": "once upon a time"},
	}, nil)
	require.Equal(t, http.StatusOK, status)

	var result entitlementdomain.Result
	decodeData(t, env, &result)
	assert.False(t, result.Allowed)
	assert.Equal(t, entitlementdomain.ReasonSubscriptionRequired, result.Reason)

	status, env = doJSON(t, s, http.MethodPost, "/v1/entitlements/check", gin.H{
		"user_id": "reader-2",
		"kind":    "story_segment",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &result)
	assert.True(t, result.Allowed)
	require.NotNil(t, result.Remaining)
	assert.Equal(t, int64(4), *result.Remaining)
}

func TestChargeArtifact(t *testing.T) {
	s, db := newTestServerWithDB(t)
	createAccountWithTier(t, s, "reader-3", "premium")

	charge := gin.H{
		"user_id":      "reader-3",
		"kind":         "video",
		"inputs":       gin.H{"duration_seconds": 4},
		"reference_id": "req-1",
		"artifact_id":  "vid-1",
	}

	status, env := doJSON(t, s, http.MethodPost, "/v1/charges", charge, nil)
	require.Equal(t, http.StatusOK, status)
	var outcome creditdomain.Outcome
	decodeData(t, env, &outcome)
	assert.Equal(t, creditdomain.StateCompleted, outcome.State)
	assert.Equal(t, int64(2), outcome.NewBalance)

	status, env = doJSON(t, s, http.MethodPost, "/v1/charges", charge, nil)
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &outcome)
	assert.True(t, outcome.Replayed)
	assert.Equal(t, int64(2), outcome.NewBalance)

	// Entitlement is checked before the debit, so a short balance is a 402.
	charge["reference_id"] = "req-2"
	charge["artifact_id"] = "vid-2"
	status, env = doJSON(t, s, http.MethodPost, "/v1/charges", charge, nil)
	require.Equal(t, http.StatusPaymentRequired, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "insufficient_credits", env.Error.Type)
	assert.EqualValues(t, 6, env.Error.Details["deficit"])

	status, _ = doJSON(t, s, http.MethodPost, "/admin/refunds", gin.H{
		"user_id": "reader-3", "amount": 8, "reference_id": "req-1",
	}, map[string]string{HeaderAdminKey: supportKey})
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, db.Exec(`CREATE TRIGGER fail_req_3 BEFORE INSERT ON credit_transactions
		WHEN NEW.reference_id = 'req-3'
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`).Error)

	charge["reference_id"] = "req-3"
	charge["artifact_id"] = "vid-3"
	status, env = doJSON(t, s, http.MethodPost, "/v1/charges", charge, nil)
	require.Equal(t, http.StatusAccepted, status)
	var pending struct {
		Status     string `json:"status"`
		ArtifactID string `json:"artifact_id"`
	}
	decodeData(t, env, &pending)
	assert.Equal(t, "charge_pending", pending.Status)
	assert.Equal(t, "vid-3", pending.ArtifactID)

	status, env = doJSON(t, s, http.MethodPost, "/v1/charges", gin.H{
		"user_id": "reader-3",
		"kind":    "image",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "artifact_id", env.Error.Errors[0].Field)

	status, env = doJSON(t, s, http.MethodGet, "/v1/accounts/reader-3/transactions?reason=video", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var txns []balancedomain.Transaction
	decodeData(t, env, &txns)
	require.Len(t, txns, 1)
	assert.Equal(t, int64(-8), txns[0].Amount)

	status, env = doJSON(t, s, http.MethodGet, "/admin/charge-failures?status=pending", nil, map[string]string{HeaderAdminKey: auditorKey})
	require.Equal(t, http.StatusOK, status)
	var failures []creditdomain.ChargeFailure
	decodeData(t, env, &failures)
	require.Len(t, failures, 1)
	assert.Equal(t, "vid-3", failures[0].ArtifactID)

	status, env = doJSON(t, s, http.MethodGet, "/admin/charge-failures/"+failures[0].ID.String(), nil, map[string]string{HeaderAdminKey: auditorKey})
	require.Equal(t, http.StatusOK, status)
	var failure creditdomain.ChargeFailure
	decodeData(t, env, &failure)
	assert.Equal(t, "req-3", failure.ReferenceID)
	assert.Contains(t, failure.LastError, "disk I/O error")

	status, _ = doJSON(t, s, http.MethodGet, "/admin/charge-failures/42", nil, map[string]string{HeaderAdminKey: auditorKey})
	assert.Equal(t, http.StatusNotFound, status)

	status, env = doJSON(t, s, http.MethodGet, "/admin/charge-failures/abc", nil, map[string]string{HeaderAdminKey: auditorKey})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "id", env.Error.Errors[0].Field)
}

func TestChargeArtifact_FreeTierLimits(t *testing.T) {
	s := newTestServer(t)
	createAccount(t, s, "reader-5")

	segment := func(artifactID string) gin.H {
		return gin.H{"user_id": "reader-5", "kind": "story_segment", "artifact_id": artifactID}
	}
	for _, id := range []string{"seg-1", "seg-2", "seg-3", "seg-4"} {
		status, _ := doJSON(t, s, http.MethodPost, "/v1/charges", segment(id), nil)
		require.Equal(t, http.StatusOK, status, id)
	}

	status, env := doJSON(t, s, http.MethodPost, "/v1/charges", segment("seg-5"), nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "daily_limit_reached", env.Error.Type)
	assert.EqualValues(t, 4, env.Error.Details["limit"])

	status, env = doJSON(t, s, http.MethodPost, "/v1/charges", segment("seg-1"), nil)
	require.Equal(t, http.StatusOK, status)
	var outcome creditdomain.Outcome
	decodeData(t, env, &outcome)
	assert.True(t, outcome.Replayed)

	status, env = doJSON(t, s, http.MethodPost, "/v1/charges", gin.H{
		"user_id":     "reader-5",
		"kind":        "video",
		"inputs":      gin.H{"duration_seconds": 2},
		"artifact_id": "clip-free",
	}, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "subscription_required", env.Error.Type)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	createAccount(t, s, "reader-4")

	status, env := doJSON(t, s, http.MethodPut, "/admin/accounts/reader-4/tier", gin.H{"tier": "premium"}, map[string]string{HeaderAdminKey: adminKey})
	require.Equal(t, http.StatusOK, status)
	var account balancedomain.Account
	decodeData(t, env, &account)
	assert.Equal(t, balancedomain.TierPremium, account.SubscriptionTier)

	status, _ = doJSON(t, s, http.MethodPost, "/v1/charges", gin.H{
		"user_id":     "reader-4",
		"kind":        "video",
		"inputs":      gin.H{"duration_seconds": 2},
		"artifact_id": "clip-4",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	refund := gin.H{"user_id": "reader-4", "amount": 5, "reference_id": "clip-4"}

	status, env = doJSON(t, s, http.MethodPost, "/admin/refunds", refund, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)

	status, _ = doJSON(t, s, http.MethodPost, "/admin/refunds", refund, map[string]string{HeaderAdminKey: "unknown"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env = doJSON(t, s, http.MethodPost, "/admin/refunds", refund, map[string]string{HeaderAdminKey: auditorKey})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "forbidden", env.Error.Type)

	status, env = doJSON(t, s, http.MethodPost, "/admin/refunds", gin.H{
		"user_id": "reader-4", "amount": 9, "reference_id": "clip-4",
	}, map[string]string{HeaderAdminKey: supportKey})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	require.Len(t, env.Error.Errors, 1)
	assert.Equal(t, "amount", env.Error.Errors[0].Field)
	assert.Equal(t, "refund_exceeds_debit", env.Error.Errors[0].Code)

	status, _ = doJSON(t, s, http.MethodPost, "/admin/refunds", gin.H{
		"user_id": "reader-4", "amount": 1, "reference_id": "never-charged",
	}, map[string]string{HeaderAdminKey: supportKey})
	assert.Equal(t, http.StatusNotFound, status)

	status, env = doJSON(t, s, http.MethodPost, "/admin/refunds", refund, map[string]string{HeaderAdminKey: supportKey})
	require.Equal(t, http.StatusOK, status)
	var applied balancedomain.ApplyResult
	decodeData(t, env, &applied)
	assert.Equal(t, int64(10), applied.NewBalance)

	status, env = doJSON(t, s, http.MethodPost, "/admin/refunds", refund, map[string]string{HeaderAdminKey: supportKey})
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &applied)
	assert.True(t, applied.Replayed)
	assert.Equal(t, int64(10), applied.NewBalance)

	status, _ = doJSON(t, s, http.MethodPost, "/admin/adjustments", gin.H{
		"user_id": "reader-4", "amount": -3, "reference_id": "adj-1", "note": "goodwill reversal",
	}, map[string]string{HeaderAdminKey: supportKey})
	assert.Equal(t, http.StatusForbidden, status)

	status, env = doJSON(t, s, http.MethodPost, "/admin/adjustments", gin.H{
		"user_id": "reader-4", "amount": -100, "reference_id": "adj-2",
	}, map[string]string{HeaderAdminKey: adminKey})
	assert.Equal(t, http.StatusPaymentRequired, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "insufficient_credits", env.Error.Type)

	status, env = doJSON(t, s, http.MethodGet, "/admin/accounts/reader-4/reconcile", nil, map[string]string{HeaderAdminKey: auditorKey})
	require.Equal(t, http.StatusOK, status)
	var report balancedomain.ReconcileReport
	decodeData(t, env, &report)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(10), report.CurrentBalance)

	status, _ = doJSON(t, s, http.MethodGet, "/admin/charge-failures?status=weird", nil, map[string]string{HeaderAdminKey: adminKey})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminAuditLogs(t *testing.T) {
	s := newTestServer(t)
	createAccount(t, s, "reader-6")

	status, _ := doJSON(t, s, http.MethodPut, "/admin/accounts/reader-6/tier", gin.H{"tier": "premium"}, map[string]string{HeaderAdminKey: adminKey})
	require.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, s, http.MethodPost, "/v1/charges", gin.H{
		"user_id":     "reader-6",
		"kind":        "video",
		"inputs":      gin.H{"duration_seconds": 3},
		"artifact_id": "clip-6",
	}, nil)
	require.Equal(t, http.StatusOK, status)

	refund := gin.H{"user_id": "reader-6", "amount": 5, "reference_id": "clip-6"}
	for i := 0; i < 2; i++ {
		status, _ = doJSON(t, s, http.MethodPost, "/admin/refunds", refund, map[string]string{HeaderAdminKey: supportKey})
		require.Equal(t, http.StatusOK, status)
	}

	status, _ = doJSON(t, s, http.MethodGet, "/admin/audit-logs", nil, map[string]string{HeaderAdminKey: supportKey})
	assert.Equal(t, http.StatusForbidden, status)

	status, env := doJSON(t, s, http.MethodGet, "/admin/audit-logs?target_id=reader-6", nil, map[string]string{HeaderAdminKey: auditorKey})
	require.Equal(t, http.StatusOK, status)
	var logs []auditdomain.AuditLog
	decodeData(t, env, &logs)
	require.Len(t, logs, 2)

	// Newest first; the replayed refund wrote nothing.
	assert.Equal(t, auditdomain.ActionCreditRefund, logs[0].Action)
	assert.Equal(t, auditdomain.ActionAccountTierUpdate, logs[1].Action)
	assert.Equal(t, "premium", logs[1].Metadata["to"])
	assert.Equal(t, "free", logs[1].Metadata["from"])

	for _, entry := range logs {
		assert.Equal(t, string(auditdomain.ActorTypeAdminKey), entry.ActorType)
		require.NotNil(t, entry.ActorID)
		assert.True(t, strings.HasPrefix(*entry.ActorID, "admin_key:"))
		assert.NotContains(t, *entry.ActorID, supportKey)
		assert.NotContains(t, *entry.ActorID, adminKey)
	}
	assert.Equal(t, authorization.RoleSupport, logs[0].Metadata["role"])
	assert.EqualValues(t, 5, logs[0].Metadata["amount"])

	status, env = doJSON(t, s, http.MethodGet, "/admin/audit-logs?action=credit.refund", nil, map[string]string{HeaderAdminKey: adminKey})
	require.Equal(t, http.StatusOK, status)
	decodeData(t, env, &logs)
	require.Len(t, logs, 1)

	status, env = doJSON(t, s, http.MethodGet, "/admin/audit-logs?start_at=2026-03-02&end_at=2026-03-01", nil, map[string]string{HeaderAdminKey: auditorKey})
	assert.Equal(t, http.StatusBadRequest, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_time_range", env.Error.Errors[0].Code)
}

func TestPaymentWebhook_RejectsUnsignedDelivery(t *testing.T) {
	s := newTestServer(t)

	status, env := doJSON(t, s, http.MethodPost, "/webhooks/payments/stripe", gin.H{"id": "evt_1", "type": "checkout.session.completed"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_signature", env.Error.Type)

	status, _ = doJSON(t, s, http.MethodPost, "/webhooks/payments/paypal", gin.H{"id": "evt_1"}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = doJSON(t, s, http.MethodGet, "/admin/payment-events?unprocessed=true", nil, map[string]string{HeaderAdminKey: auditorKey})
	require.Equal(t, http.StatusOK, status)
	var events []map[string]any
	decodeData(t, env, &events)
	assert.Empty(t, events)

	status, _ = doJSON(t, s, http.MethodGet, "/admin/payment-events?provider=paypal", nil, map[string]string{HeaderAdminKey: supportKey})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMapError_EntitlementDenials(t *testing.T) {
	resetAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"insufficient", &entitlementdomain.InsufficientCreditsError{Required: 8, Available: 2, Deficit: 6}, http.StatusPaymentRequired, "insufficient_credits"},
		{"daily", &entitlementdomain.DailyLimitReachedError{Used: 4, Limit: 4, ResetAt: resetAt}, http.StatusTooManyRequests, "daily_limit_reached"},
		{"gated", &entitlementdomain.SubscriptionRequiredError{Feature: "video"}, http.StatusForbidden, "subscription_required"},
		{"charge failed", &creditdomain.ChargeFailedError{Artifact: creditdomain.Artifact{ID: "a-1"}, Err: errors.New("db down")}, http.StatusAccepted, "charge_pending"},
		{"work failed", &creditdomain.WorkFailedError{Err: errors.New("model timeout")}, http.StatusBadGateway, "work_failed"},
		{"balance check constraint", &pgconn.PgError{Code: "23514", ConstraintName: "accounts_current_balance_check"}, http.StatusPaymentRequired, "insufficient_credits"},
		{"refund too large", creditdomain.ErrRefundExceedsDebit, http.StatusBadRequest, "validation_error"},
		{"debit missing", creditdomain.ErrDebitNotFound, http.StatusNotFound, "not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.typ, payload.Type)
		})
	}

	_, payload := mapError(&entitlementdomain.DailyLimitReachedError{Used: 4, Limit: 4, ResetAt: resetAt})
	assert.Equal(t, "2026-03-02T00:00:00Z", payload.Details["resets_at"])
}

func TestClassifyErrorForLog(t *testing.T) {
	typ, code := classifyErrorForLog(&entitlementdomain.InsufficientCreditsError{Required: 1})
	assert.Equal(t, "entitlement_denied", typ)
	assert.Equal(t, "insufficient_credits", code)

	typ, code = classifyErrorForLog(balancedomain.ErrInvalidAmount)
	assert.Equal(t, "validation_error", typ)
	assert.Equal(t, "invalid_amount", code)

	typ, _ = classifyErrorForLog(errors.New("boom"))
	assert.Equal(t, "internal_error", typ)
}
