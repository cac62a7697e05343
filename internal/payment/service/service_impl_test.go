package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	balancerepo "github.com/smallbiznis/taleforge/internal/balance/repository"
	balanceservice "github.com/smallbiznis/taleforge/internal/balance/service"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	creditrepo "github.com/smallbiznis/taleforge/internal/credit/repository"
	creditservice "github.com/smallbiznis/taleforge/internal/credit/service"
	entitlementservice "github.com/smallbiznis/taleforge/internal/entitlement/service"
	"github.com/smallbiznis/taleforge/internal/payment/adapters"
	"github.com/smallbiznis/taleforge/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/taleforge/internal/payment/domain"
	"github.com/smallbiznis/taleforge/internal/payment/repository"
	"github.com/smallbiznis/taleforge/internal/payment/service"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"github.com/smallbiznis/taleforge/internal/testutil/dbtest"
	usagerepo "github.com/smallbiznis/taleforge/internal/usagelimit/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const webhookSecret = "whsec_test"

type fixture struct {
	db      *gorm.DB
	balance balancedomain.Service
	svc     paymentdomain.Service
}

func setup(t *testing.T, secret string) fixture {
	t.Helper()

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(11)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	prices := pricing.Static(config.DefaultPricingConfig())

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
		Config:      config.Config{ChargeRetry: config.ChargeRetryConfig{MaxAttempts: 1}},
		Pricing:     prices,
		Balance:     balance,
		Checker:     checker,
		Usage:       counter,
		FailureRepo: creditrepo.Provide(),
		Completions: creditrepo.ProvideCompletions(),
	})

	svc := service.NewService(service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Adapters: adapters.NewRegistry(adapters.SettingsFromConfig(config.Config{StripeWebhookSecret: secret}), stripe.NewFactory()),
		Repo:     repository.Provide(),
		Credits:  credits,
		Balance:  balance,
	})
	return fixture{db: db, balance: balance, svc: svc}
}

func signedHeaders(t *testing.T, secret string, payload []byte) http.Header {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	return headers
}

func stripePayload(t *testing.T, eventID, eventType string, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Date(2026, 3, 1, 7, 59, 0, 0, time.UTC).Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return payload
}

func checkoutPayload(t *testing.T, eventID, userID string, credits int) []byte {
	return stripePayload(t, eventID, "checkout.session.completed", map[string]any{
		"id":             "cs_" + eventID,
		"amount_total":   499,
		"currency":       "usd",
		"payment_status": "paid",
		"metadata": map[string]any{
			"user_id": userID,
			"credits": fmt.Sprint(credits),
		},
	})
}

func TestIngestWebhook_PurchaseReplayGrantsOnce(t *testing.T) {
	f := setup(t, webhookSecret)
	ctx := context.Background()

	_, err := f.balance.CreateAccount(ctx, balancedomain.CreateAccountRequest{UserID: "buyer"})
	require.NoError(t, err)

	payload := checkoutPayload(t, "evt_purchase_1", "buyer", 50)

	first, err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(t, webhookSecret, payload))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, paymentdomain.EventTypeCreditsPurchased, first.EventType)
	require.NotNil(t, first.NewBalance)
	assert.Equal(t, int64(60), *first.NewBalance)
	assert.NotEmpty(t, first.TransactionID)

	second, err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(t, webhookSecret, payload))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	balance, err := f.balance.GetBalance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db,
		`SELECT COUNT(*) FROM credit_transactions WHERE user_id = ? AND reason = 'purchase'`, "buyer"))
	assert.Equal(t, int64(1), dbtest.Count(t, f.db,
		`SELECT COUNT(*) FROM payment_events WHERE provider_event_id = ? AND processed_at IS NOT NULL`, "evt_purchase_1"))
}

func TestIngestWebhook_ConcurrentRedeliveryGrantsOnce(t *testing.T) {
	f := setup(t, webhookSecret)
	ctx := context.Background()
	payload := checkoutPayload(t, "evt_purchase_race", "racer", 25)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(t, webhookSecret, payload))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := f.balance.GetBalance(ctx, "racer")
	require.NoError(t, err)
	assert.Equal(t, int64(35), balance)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db,
		`SELECT COUNT(*) FROM credit_transactions WHERE user_id = ? AND reason = 'purchase'`, "racer"))
}

func TestIngestWebhook_PurchaseCreatesMissingAccount(t *testing.T) {
	f := setup(t, webhookSecret)
	ctx := context.Background()
	payload := checkoutPayload(t, "evt_new_user", "newcomer", 40)

	_, err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(t, webhookSecret, payload))
	require.NoError(t, err)

	account, err := f.balance.GetAccount(ctx, "newcomer")
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.CurrentBalance)
	assert.Equal(t, balancedomain.TierFree, account.SubscriptionTier)
}

func TestIngestWebhook_SubscriptionLifecycle(t *testing.T) {
	f := setup(t, webhookSecret)
	ctx := context.Background()

	renewal := stripePayload(t, "evt_invoice_1", "invoice.paid", map[string]any{
		"id":          "in_1",
		"amount_paid": 1500,
		"currency":    "usd",
		"subscription_details": map[string]any{
			"metadata": map[string]any{"user_id": "subscriber", "credits": "100", "tier": "premium"},
		},
	})
	result, err := f.svc.IngestWebhook(ctx, "stripe", renewal, signedHeaders(t, webhookSecret, renewal))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionRenewed, result.EventType)

	account, err := f.balance.GetAccount(ctx, "subscriber")
	require.NoError(t, err)
	assert.Equal(t, balancedomain.TierPremium, account.SubscriptionTier)
	assert.Equal(t, int64(110), account.CurrentBalance)

	cancel := stripePayload(t, "evt_sub_deleted", "customer.subscription.deleted", map[string]any{
		"id":       "sub_1",
		"metadata": map[string]any{"user_id": "subscriber"},
	})
	_, err = f.svc.IngestWebhook(ctx, "stripe", cancel, signedHeaders(t, webhookSecret, cancel))
	require.NoError(t, err)

	account, err = f.balance.GetAccount(ctx, "subscriber")
	require.NoError(t, err)
	assert.Equal(t, balancedomain.TierFree, account.SubscriptionTier)
	assert.Equal(t, int64(110), account.CurrentBalance)
}

func TestIngestWebhook_IgnoredEventLeavesNoTrace(t *testing.T) {
	f := setup(t, webhookSecret)
	payload := stripePayload(t, "evt_refund", "charge.refunded", map[string]any{"id": "ch_1"})

	result, err := f.svc.IngestWebhook(context.Background(), "stripe", payload, signedHeaders(t, webhookSecret, payload))
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Zero(t, dbtest.Count(t, f.db, `SELECT COUNT(*) FROM payment_events`))
}

func TestIngestWebhook_Rejections(t *testing.T) {
	ctx := context.Background()
	payload := checkoutPayload(t, "evt_reject", "someone", 10)

	t.Run("bad signature", func(t *testing.T) {
		f := setup(t, webhookSecret)
		_, err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(t, "whsec_other", payload))
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
		assert.Zero(t, dbtest.Count(t, f.db, `SELECT COUNT(*) FROM payment_events`))
	})

	t.Run("unknown provider", func(t *testing.T) {
		f := setup(t, webhookSecret)
		_, err := f.svc.IngestWebhook(ctx, "paypal", payload, http.Header{})
		assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
	})

	t.Run("blank provider", func(t *testing.T) {
		f := setup(t, webhookSecret)
		_, err := f.svc.IngestWebhook(ctx, " ", payload, http.Header{})
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidProvider)
	})

	t.Run("not configured", func(t *testing.T) {
		f := setup(t, "")
		_, err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(t, webhookSecret, payload))
		assert.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)
	})

	t.Run("invalid json", func(t *testing.T) {
		f := setup(t, webhookSecret)
		body := []byte(`{"id":`)
		_, err := f.svc.IngestWebhook(ctx, "stripe", body, signedHeaders(t, webhookSecret, body))
		assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
	})
}

func TestListEvents_FiltersByUserAndProvider(t *testing.T) {
	f := setup(t, webhookSecret)
	ctx := context.Background()

	for i, user := range []string{"ana", "ana", "ben"} {
		payload := checkoutPayload(t, fmt.Sprintf("evt_list_%d", i), user, 20)
		_, err := f.svc.IngestWebhook(ctx, "stripe", payload, signedHeaders(t, webhookSecret, payload))
		require.NoError(t, err)
	}

	items, err := f.svc.ListEvents(ctx, paymentdomain.EventFilter{Provider: " Stripe ", UserID: "ana"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, "ana", item.UserID)
		assert.NotNil(t, item.ProcessedAt)
	}

	pending, err := f.svc.ListEvents(ctx, paymentdomain.EventFilter{UnprocessedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, pending)

	limited, err := f.svc.ListEvents(ctx, paymentdomain.EventFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = f.svc.ListEvents(ctx, paymentdomain.EventFilter{Provider: "paypal"})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}
