package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/balance/repository"
	"github.com/smallbiznis/taleforge/internal/balance/service"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"github.com/smallbiznis/taleforge/internal/testutil/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   domain.Service
}

func setup(t *testing.T) fixture {
	t.Helper()

	db := dbtest.Open(t)
	node, err := snowflake.NewNode(10)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := service.New(service.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    repository.Provide(),
		Pricing: pricing.Static(config.DefaultPricingConfig()),
	})
	return fixture{db: db, clock: clk, svc: svc}
}

func TestCreateAccount_SeedsWelcomeBonusOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	account, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.CurrentBalance)
	assert.Equal(t, int64(10), account.InitialBalance)
	assert.Equal(t, domain.TierFree, account.SubscriptionTier)

	_, err = f.svc.ApplyTransaction(ctx, domain.ApplyRequest{
		UserID: "u1", Amount: -3, Reason: domain.ReasonAudio, ReferenceID: "a1",
	})
	require.NoError(t, err)

	again, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1", Tier: domain.TierPremium})
	require.NoError(t, err)
	assert.Equal(t, int64(7), again.CurrentBalance)
	assert.Equal(t, domain.TierFree, again.SubscriptionTier)
}

func TestApplyTransaction_DebitAndReplay(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1"})
	require.NoError(t, err)

	req := domain.ApplyRequest{
		UserID:      "u1",
		Amount:      -5,
		Reason:      domain.ReasonVideo,
		ReferenceID: "v1",
		Metadata:    map[string]any{"duration_seconds": 3},
	}
	first, err := f.svc.ApplyTransaction(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(5), first.NewBalance)
	assert.False(t, first.Replayed)

	second, err := f.svc.ApplyTransaction(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(5), second.NewBalance)

	balance, err := f.svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db, `SELECT COUNT(*) FROM credit_transactions WHERE user_id = ?`, "u1"))

	txn, err := f.svc.FindTransaction(ctx, "u1", "v1", domain.ReasonVideo)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, int64(5), txn.BalanceAfter)
	assert.Contains(t, txn.Metadata, "recorded_at")
}

func TestApplyTransaction_SameReferenceDifferentReason(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1"})
	require.NoError(t, err)

	_, err = f.svc.ApplyTransaction(ctx, domain.ApplyRequest{UserID: "u1", Amount: -4, Reason: domain.ReasonAudio, ReferenceID: "job-1"})
	require.NoError(t, err)
	refund, err := f.svc.ApplyTransaction(ctx, domain.ApplyRequest{UserID: "u1", Amount: 4, Reason: domain.ReasonRefund, ReferenceID: "job-1"})
	require.NoError(t, err)
	assert.False(t, refund.Replayed)
	assert.Equal(t, int64(10), refund.NewBalance)
}

func TestApplyTransaction_InsufficientFundsLeavesNoTrace(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1"})
	require.NoError(t, err)

	_, err = f.svc.ApplyTransaction(ctx, domain.ApplyRequest{UserID: "u1", Amount: -11, Reason: domain.ReasonVideo, ReferenceID: "v1"})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.True(t, domain.IsPermanent(err))

	balance, err := f.svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, `SELECT COUNT(*) FROM credit_transactions`))

	// The reference stays usable once the balance allows it.
	res, err := f.svc.ApplyTransaction(ctx, domain.ApplyRequest{UserID: "u1", Amount: -10, Reason: domain.ReasonVideo, ReferenceID: "v1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.NewBalance)
}

func TestApplyTransaction_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  domain.ApplyRequest
		want error
	}{
		{"missing user", domain.ApplyRequest{Amount: 1, Reason: domain.ReasonPurchase, ReferenceID: "r"}, domain.ErrInvalidUser},
		{"zero amount", domain.ApplyRequest{UserID: "u1", Reason: domain.ReasonPurchase, ReferenceID: "r"}, domain.ErrInvalidAmount},
		{"unknown reason", domain.ApplyRequest{UserID: "u1", Amount: 1, Reason: "bonus", ReferenceID: "r"}, domain.ErrInvalidReason},
		{"blank reference", domain.ApplyRequest{UserID: "u1", Amount: 1, Reason: domain.ReasonPurchase, ReferenceID: "  "}, domain.ErrInvalidReference},
		{"unknown account", domain.ApplyRequest{UserID: "ghost", Amount: -1, Reason: domain.ReasonAudio, ReferenceID: "r"}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ApplyTransaction(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(0), dbtest.Count(t, f.db, `SELECT COUNT(*) FROM credit_transactions`))
}

func TestApplyTransaction_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1"})
	require.NoError(t, err)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ApplyTransaction(ctx, domain.ApplyRequest{
				UserID: "u1", Amount: -3, Reason: domain.ReasonVideo, ReferenceID: fmt.Sprintf("v%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, workers-3, rejected)

	balance, err := f.svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)

	report, err := f.svc.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

func TestListTransactions_PagesNewestFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Minute)
		_, err := f.svc.ApplyTransaction(ctx, domain.ApplyRequest{
			UserID: "u1", Amount: 2, Reason: domain.ReasonPurchase, ReferenceID: fmt.Sprintf("evt_%d", i),
		})
		require.NoError(t, err)
	}

	first, err := f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{UserID: "u1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 2)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, "evt_4", first.Transactions[0].ReferenceID)
	assert.Equal(t, "evt_3", first.Transactions[1].ReferenceID)

	second, err := f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{UserID: "u1", PageSize: 2, PageToken: first.PageInfo.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.Transactions, 2)
	assert.Equal(t, "evt_2", second.Transactions[0].ReferenceID)

	var refs []string
	for txn, err := range f.svc.Transactions(ctx, domain.ListTransactionsRequest{UserID: "u1", PageSize: 2}) {
		require.NoError(t, err)
		refs = append(refs, txn.ReferenceID)
	}
	assert.Equal(t, []string{"evt_4", "evt_3", "evt_2", "evt_1", "evt_0"}, refs)

	filtered, err := f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{UserID: "u1", Reasons: []domain.Reason{domain.ReasonRefund}})
	require.NoError(t, err)
	assert.Empty(t, filtered.Transactions)
	assert.False(t, filtered.PageInfo.HasMore)

	_, err = f.svc.ListTransactions(ctx, domain.ListTransactionsRequest{UserID: "u1", PageToken: "not-a-token"})
	require.Error(t, err)
}

func TestReconcile_ReportsDrift(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: "u1"})
	require.NoError(t, err)
	_, err = f.svc.ApplyTransaction(ctx, domain.ApplyRequest{UserID: "u1", Amount: 20, Reason: domain.ReasonPurchase, ReferenceID: "evt_1"})
	require.NoError(t, err)

	report, err := f.svc.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(20), report.LedgerSum)
	assert.Equal(t, int64(1), report.TransactionCount)

	require.NoError(t, f.db.Exec(`UPDATE accounts SET current_balance = current_balance + 3 WHERE user_id = ?`, "u1").Error)

	report, err = f.svc.Reconcile(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, int64(3), report.Drift)
}

func TestUpdateTierAndListUsers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		_, err := f.svc.CreateAccount(ctx, domain.CreateAccountRequest{UserID: id})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.UpdateTier(ctx, "a", domain.TierStarter))
	require.ErrorIs(t, f.svc.UpdateTier(ctx, "zz", domain.TierStarter), domain.ErrNotFound)
	require.ErrorIs(t, f.svc.UpdateTier(ctx, "a", "gold"), domain.ErrInvalidTier)

	account, err := f.svc.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TierStarter, account.SubscriptionTier)

	ids, err := f.svc.ListUserIDs(ctx, "a", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ids)
}
