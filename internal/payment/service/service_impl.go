package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/clock"
	creditdomain "github.com/smallbiznis/taleforge/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/taleforge/internal/observability/metrics"
	"github.com/smallbiznis/taleforge/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/taleforge/internal/payment/domain"
	"github.com/smallbiznis/taleforge/pkg/db/pagination"
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
	Adapters   *adapters.Registry
	Repo       paymentdomain.Repository
	Credits    creditdomain.Coordinator
	Balance    balancedomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	adapters   *adapters.Registry
	repo       paymentdomain.Repository
	credits    creditdomain.Coordinator
	balance    balancedomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      clk,
		adapters:   p.Adapters,
		repo:       p.Repo,
		credits:    p.Credits,
		balance:    p.Balance,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.IngestResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidProvider
	}
	result := paymentdomain.IngestResult{Provider: provider}
	if !s.adapters.ProviderExists(provider) {
		return result, paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return result, paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return result, err
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("payment webhook rejected", zap.String("provider", provider), zap.Error(err))
		return result, err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			result.Ignored = true
			return result, nil
		}
		return result, err
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	if err := validateEvent(event); err != nil {
		return result, err
	}
	result.ProviderEventID = event.ProviderEventID
	result.EventType = event.Type

	now := s.clock.Now().UTC()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		UserID:          event.UserID,
		Credits:         event.Credits,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, &received)
	if err != nil {
		return result, err
	}
	stored := &received
	if !inserted {
		stored, err = s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
		if err != nil {
			return result, err
		}
		if stored == nil {
			return result, paymentdomain.ErrInvalidEvent
		}
		if stored.ProcessedAt != nil {
			result.Duplicate = true
			s.log.Info("payment webhook duplicate",
				zap.String("provider", provider),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			return result, nil
		}
	}

	if err := s.processEvent(ctx, event, &result); err != nil {
		s.log.Error("payment webhook processing failed",
			zap.String("provider", provider),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("event_type", event.Type),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		return result, err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, stored.ID, now); err != nil {
		return result, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, event.Type)
	}
	return result, nil
}

func (s *Service) ListEvents(ctx context.Context, filter paymentdomain.EventFilter) ([]paymentdomain.EventRecord, error) {
	filter.Provider = strings.ToLower(strings.TrimSpace(filter.Provider))
	if filter.Provider != "" && !s.adapters.ProviderExists(filter.Provider) {
		return nil, paymentdomain.ErrProviderNotFound
	}
	filter.UserID = strings.TrimSpace(filter.UserID)
	filter.Limit = pagination.NormalizePageSize(filter.Limit)
	return s.repo.ListEvents(ctx, s.db, filter)
}

// processEvent is safe to repeat: grants are keyed by the provider event id.
func (s *Service) processEvent(ctx context.Context, event *paymentdomain.PaymentEvent, result *paymentdomain.IngestResult) error {
	if _, err := s.balance.CreateAccount(ctx, balancedomain.CreateAccountRequest{UserID: event.UserID}); err != nil {
		return err
	}

	switch event.Type {
	case paymentdomain.EventTypeCreditsPurchased:
		return s.grant(ctx, event, string(balancedomain.ReasonPurchase), result)
	case paymentdomain.EventTypeSubscriptionRenewed:
		if event.Tier != "" {
			tier, err := balancedomain.ParseTier(event.Tier)
			if err != nil {
				return err
			}
			if err := s.balance.UpdateTier(ctx, event.UserID, tier); err != nil {
				return err
			}
		}
		if event.Credits == 0 {
			return nil
		}
		return s.grant(ctx, event, string(balancedomain.ReasonSubscriptionRenewal), result)
	case paymentdomain.EventTypeSubscriptionCanceled:
		return s.balance.UpdateTier(ctx, event.UserID, balancedomain.TierFree)
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

func (s *Service) grant(ctx context.Context, event *paymentdomain.PaymentEvent, reason string, result *paymentdomain.IngestResult) error {
	metadata := map[string]any{
		"provider":          event.Provider,
		"provider_event_id": event.ProviderEventID,
	}
	if event.ProviderPaymentID != "" {
		metadata["provider_payment_id"] = event.ProviderPaymentID
	}
	if event.Amount > 0 {
		metadata["amount"] = event.Amount
		metadata["currency"] = event.Currency
	}

	applied, err := s.credits.Grant(ctx, creditdomain.GrantRequest{
		UserID:      event.UserID,
		Amount:      event.Credits,
		Reason:      reason,
		ReferenceID: event.ProviderEventID,
		Metadata:    metadata,
	})
	if err != nil {
		return err
	}
	result.TransactionID = applied.TransactionID
	balance := applied.NewBalance
	result.NewBalance = &balance
	return nil
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.UserID = strings.TrimSpace(event.UserID)
	if event.UserID == "" {
		return paymentdomain.ErrInvalidUser
	}
	if event.Credits < 0 {
		return paymentdomain.ErrInvalidCredits
	}
	if event.Type == paymentdomain.EventTypeCreditsPurchased && event.Credits == 0 {
		return paymentdomain.ErrInvalidCredits
	}
	return nil
}
