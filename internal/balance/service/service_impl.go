package service

import (
	"context"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/clock"
	obsmetrics "github.com/smallbiznis/taleforge/internal/observability/metrics"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"github.com/smallbiznis/taleforge/pkg/db/pagination"
	"github.com/smallbiznis/taleforge/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Pricing    pricing.Provider
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	pricing    pricing.Provider
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("balance.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		pricing:    p.Pricing,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.CurrentBalance, nil
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	account, err := s.repo.FindAccount(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrNotFound
	}
	return account, nil
}

// CreateAccount seeds a new account with the configured welcome bonus. Calling
// it again for an existing user returns the stored account unchanged.
func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	tier := req.Tier
	if tier == "" {
		tier = domain.TierFree
	}
	if _, err := domain.ParseTier(string(tier)); err != nil {
		return nil, err
	}

	var bonus int64
	if s.pricing != nil {
		bonus = s.pricing.Table().Config().WelcomeBonus
	}

	now := s.clock.Now().UTC()
	account := &domain.Account{
		UserID:           userID,
		CurrentBalance:   bonus,
		InitialBalance:   bonus,
		SubscriptionTier: tier,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	inserted, err := s.repo.InsertAccount(ctx, s.db, account)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.GetAccount(ctx, userID)
	}

	s.log.Info("account created",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.Int64("welcome_bonus", bonus),
	)
	return account, nil
}

func (s *Service) UpdateTier(ctx context.Context, userID string, tier domain.Tier) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ErrInvalidUser
	}
	if _, err := domain.ParseTier(string(tier)); err != nil {
		return err
	}
	rows, err := s.repo.UpdateTier(ctx, s.db, userID, tier, s.clock.Now().UTC())
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Service) ApplyTransaction(ctx context.Context, req domain.ApplyRequest) (domain.ApplyResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.ApplyResult{}, domain.ErrInvalidUser
	}
	if req.Amount == 0 {
		return domain.ApplyResult{}, domain.ErrInvalidAmount
	}
	if !req.Reason.Valid() {
		return domain.ApplyResult{}, domain.ErrInvalidReason
	}
	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		return domain.ApplyResult{}, domain.ErrInvalidReference
	}

	metadata := correlation.Stamp(ctx, copyMetadata(req.Metadata))

	var result domain.ApplyResult
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		txn := &domain.Transaction{
			ID:          s.genID.Generate(),
			UserID:      userID,
			Amount:      req.Amount,
			Reason:      req.Reason,
			ReferenceID: referenceID,
			Metadata:    datatypes.JSONMap(metadata),
			CreatedAt:   now,
		}

		ok, err := s.repo.InsertTransaction(ctx, tx, txn)
		if err != nil {
			return err
		}
		if !ok {
			existing, err := s.repo.FindTransaction(ctx, tx, userID, referenceID, req.Reason)
			if err != nil {
				return err
			}
			if existing == nil {
				return domain.ErrReplayConflict
			}
			if existing.Amount != req.Amount {
				s.log.Warn("replayed transaction with different amount",
					zap.String("user_id", userID),
					zap.String("reference_id", referenceID),
					zap.String("reason", string(req.Reason)),
					zap.Int64("stored_amount", existing.Amount),
					zap.Int64("requested_amount", req.Amount),
				)
			}
			result = domain.ApplyResult{
				TransactionID: existing.ID.String(),
				NewBalance:    existing.BalanceAfter,
				Replayed:      true,
			}
			return nil
		}

		adjusted, err := s.repo.AdjustBalance(ctx, tx, userID, req.Amount, now)
		if err != nil {
			return err
		}
		if !adjusted {
			account, err := s.repo.FindAccount(ctx, tx, userID)
			if err != nil {
				return err
			}
			if account == nil {
				return domain.ErrNotFound
			}
			return domain.ErrInsufficientFunds
		}

		account, err := s.repo.FindAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrNotFound
		}
		if err := s.repo.SetBalanceAfter(ctx, tx, txn.ID, account.CurrentBalance); err != nil {
			return err
		}

		inserted = true
		result = domain.ApplyResult{
			TransactionID: txn.ID.String(),
			NewBalance:    account.CurrentBalance,
		}
		return nil
	})
	if err != nil {
		return domain.ApplyResult{}, err
	}

	if inserted && s.obsMetrics != nil {
		s.obsMetrics.RecordTransaction(ctx, string(req.Reason))
	}
	if inserted {
		s.log.Debug("credit transaction applied",
			zap.String("user_id", userID),
			zap.String("reason", string(req.Reason)),
			zap.String("reference_id", referenceID),
			zap.Int64("amount", req.Amount),
			zap.Int64("balance_after", result.NewBalance),
		)
	}
	return result, nil
}

func (s *Service) FindTransaction(ctx context.Context, userID, referenceID string, reason domain.Reason) (*domain.Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, domain.ErrInvalidReference
	}
	return s.repo.FindTransaction(ctx, s.db, userID, referenceID, reason)
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidUser
	}
	for _, reason := range req.Reasons {
		if !reason.Valid() {
			return domain.ListTransactionsResponse{}, domain.ErrInvalidReason
		}
	}

	cursor, err := decodeTransactionCursor(req.PageToken)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	pageSize := pagination.NormalizePageSize(req.PageSize)
	filter := domain.TransactionFilter{
		UserID:      userID,
		Reasons:     req.Reasons,
		ReferenceID: strings.TrimSpace(req.ReferenceID),
		Since:       req.Since,
		Until:       req.Until,
	}

	items, err := s.repo.ListTransactions(ctx, s.db, filter, cursor, pageSize+1)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(t *domain.Transaction) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        t.ID.String(),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	out := make([]domain.Transaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, *item)
	}

	return domain.ListTransactionsResponse{
		Transactions: out,
		PageInfo:     *pageInfo,
	}, nil
}

func (s *Service) Transactions(ctx context.Context, req domain.ListTransactionsRequest) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		page := req
		page.PageToken = ""
		for {
			resp, err := s.ListTransactions(ctx, page)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for _, txn := range resp.Transactions {
				if !yield(txn, nil) {
					return
				}
			}
			if !resp.PageInfo.HasMore || resp.PageInfo.NextPageToken == "" {
				return
			}
			page.PageToken = resp.PageInfo.NextPageToken
		}
	}
}

// Reconcile checks that the ledger explains the balance: the sum of all
// transactions must equal current minus initial balance.
func (s *Service) Reconcile(ctx context.Context, userID string) (domain.ReconcileReport, error) {
	account, err := s.GetAccount(ctx, userID)
	if err != nil {
		return domain.ReconcileReport{}, err
	}
	sum, count, err := s.repo.SumTransactions(ctx, s.db, account.UserID)
	if err != nil {
		return domain.ReconcileReport{}, err
	}

	expected := account.CurrentBalance - account.InitialBalance
	report := domain.ReconcileReport{
		UserID:           account.UserID,
		CurrentBalance:   account.CurrentBalance,
		InitialBalance:   account.InitialBalance,
		LedgerSum:        sum,
		TransactionCount: count,
		Drift:            expected - sum,
		Consistent:       expected == sum,
	}
	if !report.Consistent {
		s.log.Error("ledger drift detected",
			zap.String("user_id", account.UserID),
			zap.Int64("current_balance", account.CurrentBalance),
			zap.Int64("initial_balance", account.InitialBalance),
			zap.Int64("ledger_sum", sum),
			zap.Int64("drift", report.Drift),
		)
	}
	return report, nil
}

func (s *Service) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	return s.repo.ListUserIDs(ctx, s.db, strings.TrimSpace(afterUserID), limit)
}

func decodeTransactionCursor(token string) (*domain.TransactionCursor, error) {
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		return nil, nil
	}
	id, err := strconv.ParseInt(cursor.ID, 10, 64)
	if err != nil {
		return nil, pagination.ErrInvalidPageToken
	}
	createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
	if err != nil {
		return nil, pagination.ErrInvalidPageToken
	}
	return &domain.TransactionCursor{ID: snowflake.ID(id), CreatedAt: createdAt.UTC()}, nil
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
