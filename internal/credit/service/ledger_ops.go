package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/credit/domain"
	"github.com/smallbiznis/taleforge/pkg/db/pagination"
	"go.uber.org/zap"
)

// Refund returns credits for a debit whose artifact turned out unusable.
// ReferenceID names the original debit, and the refund may not exceed it.
// Repeating it with the same reference is a no-op.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (balancedomain.ApplyResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return balancedomain.ApplyResult{}, domain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return balancedomain.ApplyResult{}, domain.ErrInvalidAmount
	}
	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		return balancedomain.ApplyResult{}, domain.ErrInvalidReference
	}

	debited, err := s.debitedFor(ctx, req.UserID, referenceID)
	if err != nil {
		return balancedomain.ApplyResult{}, err
	}
	if debited == 0 {
		return balancedomain.ApplyResult{}, domain.ErrDebitNotFound
	}
	if req.Amount > debited {
		return balancedomain.ApplyResult{}, fmt.Errorf("%w: requested %d, debited %d", domain.ErrRefundExceedsDebit, req.Amount, debited)
	}

	metadata := copyMetadata(req.Metadata)
	metadata["debited"] = debited
	result, err := s.balance.ApplyTransaction(ctx, balancedomain.ApplyRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Reason:      balancedomain.ReasonRefund,
		ReferenceID: referenceID,
		Metadata:    metadata,
	})
	if err != nil {
		return balancedomain.ApplyResult{}, err
	}
	s.log.Info("credits refunded",
		zap.String("user_id", strings.TrimSpace(req.UserID)),
		zap.String("reference_id", referenceID),
		zap.Int64("amount", req.Amount),
		zap.Int64("debited", debited),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

// debitedFor sums the spend debits recorded under a reference.
func (s *Service) debitedFor(ctx context.Context, userID, referenceID string) (int64, error) {
	var debited int64
	for txn, err := range s.balance.Transactions(ctx, balancedomain.ListTransactionsRequest{
		UserID:      userID,
		ReferenceID: referenceID,
	}) {
		if err != nil {
			return 0, err
		}
		if txn.Reason.Spend() && txn.Amount < 0 {
			debited += -txn.Amount
		}
	}
	return debited, nil
}

// Grant credits a payment. The reference is the provider's event id, so a
// redelivered webhook cannot grant twice.
func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (balancedomain.ApplyResult, error) {
	if req.Amount <= 0 {
		return balancedomain.ApplyResult{}, domain.ErrInvalidAmount
	}
	reason, err := balancedomain.ParseReason(req.Reason)
	if err != nil || (reason != balancedomain.ReasonPurchase && reason != balancedomain.ReasonSubscriptionRenewal) {
		return balancedomain.ApplyResult{}, domain.ErrInvalidGrantReason
	}
	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		return balancedomain.ApplyResult{}, domain.ErrInvalidReference
	}

	result, err := s.balance.ApplyTransaction(ctx, balancedomain.ApplyRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Reason:      reason,
		ReferenceID: referenceID,
		Metadata:    copyMetadata(req.Metadata),
	})
	if err != nil {
		return balancedomain.ApplyResult{}, err
	}
	s.log.Info("credits granted",
		zap.String("user_id", strings.TrimSpace(req.UserID)),
		zap.String("reason", string(reason)),
		zap.String("reference_id", referenceID),
		zap.Int64("amount", req.Amount),
		zap.Bool("replayed", result.Replayed),
	)
	return result, nil
}

func (s *Service) Adjust(ctx context.Context, req domain.AdjustRequest) (balancedomain.ApplyResult, error) {
	if req.Amount == 0 {
		return balancedomain.ApplyResult{}, domain.ErrInvalidAmount
	}
	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		return balancedomain.ApplyResult{}, domain.ErrInvalidReference
	}

	metadata := map[string]any{}
	if note := strings.TrimSpace(req.Note); note != "" {
		metadata["note"] = note
	}
	if actor := strings.TrimSpace(req.Actor); actor != "" {
		metadata["actor"] = actor
	}

	result, err := s.balance.ApplyTransaction(ctx, balancedomain.ApplyRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Reason:      balancedomain.ReasonAdminAdjustment,
		ReferenceID: referenceID,
		Metadata:    metadata,
	})
	if err != nil {
		return balancedomain.ApplyResult{}, err
	}
	s.log.Warn("balance adjusted by admin",
		zap.String("user_id", strings.TrimSpace(req.UserID)),
		zap.String("reference_id", referenceID),
		zap.String("actor", req.Actor),
		zap.Int64("amount", req.Amount),
	)
	return result, nil
}

func (s *Service) ListFailures(ctx context.Context, status domain.FailureStatus, limit int) ([]domain.ChargeFailure, error) {
	return s.failureRepo.List(ctx, s.db, status, pagination.NormalizePageSize(limit))
}

func (s *Service) GetFailure(ctx context.Context, id snowflake.ID) (*domain.ChargeFailure, error) {
	failure, err := s.failureRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if failure == nil {
		return nil, domain.ErrFailureNotFound
	}
	return failure, nil
}

func (s *Service) CountPendingFailures(ctx context.Context) (int64, error) {
	return s.failureRepo.CountByStatus(ctx, s.db, domain.FailureStatusPending)
}

// RetryFailures replays each pending debit once. A debit that already landed
// through another path is resolved by the idempotent replay.
func (s *Service) RetryFailures(ctx context.Context, limit, maxAttempts int) (domain.RetrySummary, error) {
	var summary domain.RetrySummary
	failures, err := s.failureRepo.List(ctx, s.db, domain.FailureStatusPending, pagination.NormalizePageSize(limit))
	if err != nil {
		return summary, err
	}

	var errs []error
	for _, failure := range failures {
		summary.Scanned++

		metadata := map[string]any{}
		for k, v := range failure.Metadata {
			metadata[k] = v
		}
		metadata["charge_failure_id"] = failure.ID.String()

		_, applyErr := s.balance.ApplyTransaction(ctx, balancedomain.ApplyRequest{
			UserID:      failure.UserID,
			Amount:      -failure.Amount,
			Reason:      balancedomain.Reason(failure.Kind),
			ReferenceID: failure.ReferenceID,
			Metadata:    metadata,
		})
		now := s.clock.Now().UTC()
		if applyErr == nil {
			if err := s.failureRepo.MarkResolved(ctx, s.db, failure.ID, now); err != nil {
				errs = append(errs, fmt.Errorf("resolve charge failure %s: %w", failure.ID, err))
				continue
			}
			summary.Resolved++
			s.log.Info("charge failure resolved",
				zap.String("failure_id", failure.ID.String()),
				zap.String("user_id", failure.UserID),
				zap.String("reference_id", failure.ReferenceID),
			)
			continue
		}

		status := domain.FailureStatusPending
		if maxAttempts > 0 && failure.Attempts+1 >= maxAttempts {
			status = domain.FailureStatusAbandoned
		}
		if err := s.failureRepo.MarkAttempt(ctx, s.db, failure.ID, truncateError(applyErr), status, now); err != nil {
			errs = append(errs, fmt.Errorf("mark charge failure %s: %w", failure.ID, err))
			continue
		}
		if status == domain.FailureStatusAbandoned {
			summary.Abandoned++
			s.log.Error("charge failure abandoned",
				zap.String("failure_id", failure.ID.String()),
				zap.String("user_id", failure.UserID),
				zap.String("reference_id", failure.ReferenceID),
				zap.Int("attempts", failure.Attempts+1),
				zap.Error(applyErr),
			)
			continue
		}
		summary.Retrying++
		if !balancedomain.IsPermanent(applyErr) && !errors.Is(applyErr, context.Canceled) {
			s.log.Warn("charge failure retry failed", zap.String("failure_id", failure.ID.String()), zap.Error(applyErr))
		}
	}
	return summary, errors.Join(errs...)
}
