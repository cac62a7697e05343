package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/credit/domain"
	entitlementdomain "github.com/smallbiznis/taleforge/internal/entitlement/domain"
	"github.com/smallbiznis/taleforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/taleforge/internal/observability/metrics"
	"github.com/smallbiznis/taleforge/internal/pricing"
	usagedomain "github.com/smallbiznis/taleforge/internal/usagelimit/domain"
	pkgdb "github.com/smallbiznis/taleforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Pricing     pricing.Provider
	Balance     balancedomain.Service
	Checker     entitlementdomain.Checker
	Usage       usagedomain.Counter
	FailureRepo domain.FailureRepository
	Completions domain.CompletionRepository
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	retry       config.ChargeRetryConfig
	backend     string
	pricing     pricing.Provider
	balance     balancedomain.Service
	checker     entitlementdomain.Checker
	usage       usagedomain.Counter
	failureRepo domain.FailureRepository
	completions domain.CompletionRepository
	obsMetrics  *obsmetrics.Metrics
}

func New(p Params) domain.Coordinator {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("credit.coordinator"),
		genID:       p.GenID,
		clock:       clk,
		retry:       p.Config.ChargeRetry,
		backend:     p.Config.UsageLimit.Backend,
		pricing:     p.Pricing,
		balance:     p.Balance,
		checker:     p.Checker,
		usage:       p.Usage,
		failureRepo: p.FailureRepo,
		completions: p.Completions,
		obsMetrics:  p.ObsMetrics,
	}
}

func (s *Service) WithCharge(ctx context.Context, req domain.ChargeRequest, work domain.WorkFunc) (*domain.Outcome, error) {
	if work == nil {
		return nil, domain.ErrMissingWork
	}
	userID, err := validateChargeRequest(&req)
	if err != nil {
		return nil, err
	}

	log := logger.WithUser(s.log, userID).With(
		zap.String("kind", string(req.Kind)),
		zap.String("reference_id", req.ReferenceID),
	)

	outcome := &domain.Outcome{State: domain.StateQuoting}
	quote, err := s.pricing.Table().Quote(req.Kind, req.Inputs)
	if err != nil {
		return nil, err
	}
	outcome.Quote = quote

	if req.ReferenceID != "" {
		replayed, err := s.replay(ctx, userID, req.Kind, req.ReferenceID, outcome)
		if err != nil {
			return nil, err
		}
		if replayed {
			log.Info("charge replayed without running work", zap.String("transaction_id", outcome.TransactionID))
			s.recordCharge(ctx, req.Kind, outcome)
			return outcome, nil
		}
	}

	reserved, err := s.admit(ctx, userID, req, outcome)
	if err != nil {
		if outcome.State != domain.StateDenied {
			return nil, err
		}
		s.recordCharge(ctx, req.Kind, outcome)
		return outcome, err
	}

	// Work keeps running when the client goes away; the caller already owns the attempt.
	workCtx := context.WithoutCancel(ctx)

	outcome.State = domain.StateExecuting
	artifact, err := work(workCtx)
	if err == nil && strings.TrimSpace(artifact.ID) == "" {
		err = domain.ErrMissingArtifactID
	}
	if err != nil {
		if reserved {
			if releaseErr := s.usage.Release(workCtx, userID, string(req.Kind)); releaseErr != nil {
				log.Warn("release usage slot failed", zap.Error(releaseErr))
			}
		}
		outcome.State = domain.StateFailed
		log.Warn("generation failed, nothing charged", zap.Error(err))
		s.recordCharge(ctx, req.Kind, outcome)
		return outcome, &domain.WorkFailedError{Err: err}
	}
	outcome.Artifact = &artifact

	referenceID := req.ReferenceID
	if referenceID == "" {
		referenceID = artifact.ID
	}
	err = s.charge(workCtx, log, userID, req, artifact, referenceID, outcome)
	s.recordCharge(ctx, req.Kind, outcome)
	return outcome, err
}

func (s *Service) Charge(ctx context.Context, req domain.ChargeArtifactRequest) (*domain.Outcome, error) {
	userID, err := validateChargeRequest(&req.ChargeRequest)
	if err != nil {
		return nil, err
	}
	artifactID := strings.TrimSpace(req.ArtifactID)
	if artifactID == "" {
		return nil, domain.ErrMissingArtifactID
	}

	quote, err := s.pricing.Table().Quote(req.Kind, req.Inputs)
	if err != nil {
		return nil, err
	}

	log := logger.WithUser(s.log, userID).With(
		zap.String("kind", string(req.Kind)),
		zap.String("artifact_id", artifactID),
	)

	outcome := &domain.Outcome{State: domain.StateQuoting, Quote: quote}
	referenceID := req.ReferenceID
	if referenceID == "" {
		referenceID = artifactID
	}

	// A worker retrying the same artifact gets the first result back without
	// taking another daily slot.
	replayed, err := s.replay(ctx, userID, req.Kind, referenceID, outcome)
	if err != nil {
		return nil, err
	}
	if replayed {
		log.Info("charge replayed", zap.String("transaction_id", outcome.TransactionID))
		s.recordCharge(ctx, req.Kind, outcome)
		return outcome, nil
	}

	if _, err := s.admit(ctx, userID, req.ChargeRequest, outcome); err != nil {
		if outcome.State != domain.StateDenied {
			return nil, err
		}
		log.Info("out of process charge denied", zap.Error(err))
		s.recordCharge(ctx, req.Kind, outcome)
		return outcome, err
	}

	outcome.Artifact = &domain.Artifact{ID: artifactID}
	err = s.charge(context.WithoutCancel(ctx), log, userID, req.ChargeRequest, *outcome.Artifact, referenceID, outcome)
	s.recordCharge(ctx, req.Kind, outcome)
	return outcome, err
}

// admit runs the entitlement check and takes a daily slot for capped kinds.
// It reports whether a slot was taken. Denials leave outcome in StateDenied.
func (s *Service) admit(ctx context.Context, userID string, req domain.ChargeRequest, outcome *domain.Outcome) (bool, error) {
	outcome.State = domain.StateChecking
	result, err := s.checker.Check(ctx, entitlementdomain.CheckRequest{
		UserID: userID,
		Kind:   req.Kind,
		Inputs: req.Inputs,
	})
	if err != nil {
		return false, err
	}
	outcome.NewBalance = result.Balance
	if !result.Allowed {
		outcome.State = domain.StateDenied
		return false, result.Err()
	}
	if !result.DailyLimited() {
		return false, nil
	}

	usage, err := s.usage.TryConsume(ctx, userID, string(req.Kind), *result.Limit)
	if err != nil {
		return false, err
	}
	if !usage.Success {
		outcome.State = domain.StateDenied
		if s.obsMetrics != nil {
			s.obsMetrics.RecordUsageLimitDenied(ctx, string(req.Kind), s.backend)
		}
		return false, &domain.DailyLimitReachedError{Used: usage.Used, Limit: usage.Limit, ResetAt: usage.ResetAt}
	}
	return true, nil
}

// charge debits the quoted cost, retrying transient store errors. Exhausted
// retries leave a charge_failures row for the reconciler.
func (s *Service) charge(ctx context.Context, log *zap.Logger, userID string, req domain.ChargeRequest, artifact domain.Artifact, referenceID string, outcome *domain.Outcome) error {
	outcome.State = domain.StateCharging
	cost := outcome.Quote.Cost
	if cost == 0 {
		s.complete(ctx, log, userID, req.Kind, referenceID, artifact.ID)
		outcome.State = domain.StateCompleted
		return nil
	}

	metadata := copyMetadata(req.Metadata)
	metadata["artifact_id"] = artifact.ID
	metadata["operation_kind"] = string(req.Kind)
	if req.Inputs.DurationSeconds > 0 {
		metadata["duration_seconds"] = req.Inputs.DurationSeconds
	}
	if req.Kind == pricing.KindAudio {
		metadata["word_count"] = len(strings.Fields(req.Inputs.Text))
	}

	applyReq := balancedomain.ApplyRequest{
		UserID:      userID,
		Amount:      -cost,
		Reason:      balancedomain.Reason(req.Kind),
		ReferenceID: referenceID,
		Metadata:    metadata,
	}
	result, err := s.applyWithRetry(ctx, log, applyReq)
	if err != nil {
		outcome.State = domain.StateChargeFailed
		log.Error("charge failed after generation succeeded",
			zap.String("artifact_id", artifact.ID),
			zap.String("charge_reference_id", referenceID),
			zap.Int64("cost", cost),
			zap.Error(err),
		)
		if recordErr := s.recordFailure(ctx, userID, req.Kind, cost, referenceID, artifact.ID, err, metadata); recordErr != nil {
			log.Error("record charge failure", zap.Error(recordErr))
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordChargeFailure(ctx, string(req.Kind))
		}
		return &domain.ChargeFailedError{Artifact: artifact, Err: err}
	}

	outcome.State = domain.StateCompleted
	outcome.NewBalance = result.NewBalance
	outcome.TransactionID = result.TransactionID
	outcome.Replayed = result.Replayed
	return nil
}

func (s *Service) applyWithRetry(ctx context.Context, log *zap.Logger, req balancedomain.ApplyRequest) (balancedomain.ApplyResult, error) {
	policy := backoff.NewExponentialBackOff()
	if s.retry.InitialInterval > 0 {
		policy.InitialInterval = s.retry.InitialInterval
	}
	if s.retry.MaxInterval > 0 {
		policy.MaxInterval = s.retry.MaxInterval
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("charge attempt failed, retrying", zap.Duration("next", next), zap.Error(err))
		}),
	}
	if s.retry.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(s.retry.MaxAttempts))
	}
	if s.retry.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(s.retry.MaxElapsed))
	}

	result, err := backoff.Retry(ctx, func() (balancedomain.ApplyResult, error) {
		res, err := s.balance.ApplyTransaction(ctx, req)
		if err != nil && (balancedomain.IsPermanent(err) || !pkgdb.IsRetryable(err)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, opts...)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Err
		}
		return balancedomain.ApplyResult{}, err
	}
	return result, nil
}

// replay finds the result already recorded for the request reference so a
// retried request returns it instead of generating again. Paid work replays
// from its debit, free work from its completion marker.
func (s *Service) replay(ctx context.Context, userID string, kind pricing.Kind, referenceID string, outcome *domain.Outcome) (bool, error) {
	if outcome.Quote.Cost == 0 {
		return s.replayCompletion(ctx, userID, kind, referenceID, outcome)
	}

	txn, err := s.balance.FindTransaction(ctx, userID, referenceID, balancedomain.Reason(kind))
	if err != nil {
		return false, err
	}
	if txn == nil || txn.Amount >= 0 {
		return false, nil
	}

	artifactID := referenceID
	if raw, ok := txn.Metadata["artifact_id"].(string); ok && raw != "" {
		artifactID = raw
	}
	outcome.State = domain.StateCompleted
	outcome.Artifact = &domain.Artifact{ID: artifactID}
	outcome.NewBalance = txn.BalanceAfter
	outcome.TransactionID = txn.ID.String()
	outcome.Replayed = true
	return true, nil
}

func (s *Service) replayCompletion(ctx context.Context, userID string, kind pricing.Kind, referenceID string, outcome *domain.Outcome) (bool, error) {
	if s.completions == nil {
		return false, nil
	}
	completion, err := s.completions.Find(ctx, s.db, userID, string(kind), referenceID)
	if err != nil || completion == nil {
		return false, err
	}
	balance, err := s.balance.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	outcome.State = domain.StateCompleted
	outcome.Artifact = &domain.Artifact{ID: completion.ArtifactID}
	outcome.NewBalance = balance
	outcome.Replayed = true
	return true, nil
}

// complete records a finished zero-cost operation. Losing the marker only
// means a retry runs again, so failures are logged and swallowed.
func (s *Service) complete(ctx context.Context, log *zap.Logger, userID string, kind pricing.Kind, referenceID, artifactID string) {
	if s.completions == nil || referenceID == "" {
		return
	}
	_, err := s.completions.Insert(ctx, s.db, &domain.Completion{
		UserID:      userID,
		Kind:        string(kind),
		ReferenceID: referenceID,
		ArtifactID:  artifactID,
		CreatedAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		log.Warn("record zero-cost completion failed", zap.String("reference_id", referenceID), zap.Error(err))
	}
}

func (s *Service) recordFailure(ctx context.Context, userID string, kind pricing.Kind, cost int64, referenceID, artifactID string, cause error, metadata map[string]any) error {
	now := s.clock.Now().UTC()
	return s.failureRepo.Record(ctx, s.db, &domain.ChargeFailure{
		ID:          s.genID.Generate(),
		UserID:      userID,
		Kind:        string(kind),
		Amount:      cost,
		ReferenceID: referenceID,
		ArtifactID:  artifactID,
		LastError:   truncateError(cause),
		Attempts:    1,
		Status:      domain.FailureStatusPending,
		Metadata:    datatypes.JSONMap(metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (s *Service) recordCharge(ctx context.Context, kind pricing.Kind, outcome *domain.Outcome) {
	if s.obsMetrics == nil || outcome == nil || !outcome.State.Terminal() {
		return
	}
	var cost int64
	if outcome.State == domain.StateCompleted && !outcome.Replayed {
		cost = outcome.Quote.Cost
	}
	s.obsMetrics.RecordCharge(ctx, string(kind), string(outcome.State), cost)
}

func validateChargeRequest(req *domain.ChargeRequest) (string, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return "", domain.ErrInvalidUser
	}
	if !req.Kind.Valid() {
		return "", domain.ErrInvalidKind
	}
	req.UserID = userID
	req.ReferenceID = strings.TrimSpace(req.ReferenceID)
	return userID, nil
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 512 {
		return msg[:512]
	}
	return msg
}

