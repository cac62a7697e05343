package service

import (
	"context"
	"errors"
	"strings"

	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/taleforge/internal/observability/metrics"
	"github.com/smallbiznis/taleforge/internal/pricing"
	usagedomain "github.com/smallbiznis/taleforge/internal/usagelimit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Pricing    pricing.Provider
	Balance    balancedomain.Service
	Usage      usagedomain.Counter
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	pricing    pricing.Provider
	balance    balancedomain.Service
	usage      usagedomain.Counter
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) domain.Checker {
	return &Service{
		log:        p.Log.Named("entitlement.service"),
		pricing:    p.Pricing,
		balance:    p.Balance,
		usage:      p.Usage,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Check(ctx context.Context, req domain.CheckRequest) (domain.Result, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Result{}, domain.ErrInvalidUser
	}
	if !req.Kind.Valid() {
		return domain.Result{}, domain.ErrInvalidKind
	}

	account, err := s.balance.GetAccount(ctx, userID)
	if err != nil {
		return domain.Result{}, err
	}

	table := s.pricing.Table()
	cfg := table.Config()
	tier := string(account.SubscriptionTier)

	result := domain.Result{
		Kind:    req.Kind,
		Tier:    tier,
		Balance: account.CurrentBalance,
	}

	if cfg.IsGated(string(req.Kind)) && !account.SubscriptionTier.Paid() {
		return s.deny(ctx, result, domain.ReasonSubscriptionRequired), nil
	}

	quote, err := table.Quote(req.Kind, req.Inputs)
	if err != nil {
		return domain.Result{}, err
	}
	result.Cost = quote.Cost

	if account.CurrentBalance < quote.Cost {
		result.Deficit = quote.Cost - account.CurrentBalance
		return s.deny(ctx, result, domain.ReasonInsufficientCredits), nil
	}

	if limit := cfg.DailyLimit(tier, string(req.Kind)); limit > 0 {
		if s.usage == nil {
			return domain.Result{}, errors.New("usage counter not configured")
		}
		usage, err := s.usage.Peek(ctx, userID, string(req.Kind), limit)
		if err != nil {
			return domain.Result{}, err
		}
		used, remaining, resetsAt := usage.Used, usage.Remaining, usage.ResetAt
		result.Used = &used
		result.Limit = &limit
		result.Remaining = &remaining
		result.ResetsAt = &resetsAt
		if !usage.Success {
			zero := int64(0)
			result.Remaining = &zero
			return s.deny(ctx, result, domain.ReasonDailyLimitReached), nil
		}
	}

	result.Allowed = true
	return result, nil
}

func (s *Service) deny(ctx context.Context, result domain.Result, reason domain.DenyReason) domain.Result {
	result.Allowed = false
	result.Reason = reason
	s.log.Debug("entitlement denied",
		zap.String("kind", string(result.Kind)),
		zap.String("reason", string(reason)),
		zap.String("tier", result.Tier),
		zap.Int64("cost", result.Cost),
		zap.Int64("balance", result.Balance),
	)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordEntitlementDenied(ctx, string(result.Kind), string(reason))
	}
	return result
}
