package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/taleforge/internal/audit/domain"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/clock"
	creditdomain "github.com/smallbiznis/taleforge/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/taleforge/internal/observability/metrics"
	"github.com/smallbiznis/taleforge/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_reconciler_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Balance    balancedomain.Service
	Credits    creditdomain.Coordinator
	Audit      auditdomain.Service            `optional:"true"`
	Locker     *ratelimit.Locker              `optional:"true"`
	ObsMetrics *obsmetrics.ReconcilerMetrics `optional:"true"`
	Config     Config                         `optional:"true"`
}

// Reconciler drains charge failures and verifies that every balance matches
// its ledger. With a Locker, one replica runs a job at a time.
type Reconciler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	balance balancedomain.Service
	credits creditdomain.Coordinator
	audit   auditdomain.Service
	locker  *ratelimit.Locker
	metrics *obsmetrics.ReconcilerMetrics
}

// VerifyReport lists accounts whose ledger disagrees with their balance.
type VerifyReport struct {
	Checked int
	Drifted []balancedomain.ReconcileReport
}

func New(p Params) (*Reconciler, error) {
	if p.Log == nil || p.GenID == nil || p.Balance == nil || p.Credits == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	m := p.ObsMetrics
	if m == nil {
		m = obsmetrics.Reconciler()
	}
	return &Reconciler{
		log:     p.Log.Named("reconcile").With(zap.String("component", "reconciler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   clk,
		balance: p.Balance,
		credits: p.Credits,
		audit:   p.Audit,
		locker:  p.Locker,
		metrics: m,
	}, nil
}

func (r *Reconciler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	if r.locker != nil {
		lease, err := r.locker.Acquire(parent, name, r.cfg.LockTTL)
		if err != nil {
			r.metrics.IncJobError(name, err)
			return fmt.Errorf("%s: acquire lock: %w", name, err)
		}
		if lease == nil {
			r.metrics.IncJobSkipped(name, obsmetrics.ReconcileSkipLockHeld)
			r.log.Debug("reconcile job skipped, lock held", zap.String("job", name))
			return nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(parent)); err != nil {
				r.log.Warn("reconcile lock release failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	start := r.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := r.beginSweep(ctx, name)
	r.metrics.IncJobRun(name)

	err := fn(ctx)
	r.metrics.ObserveJobDuration(name, r.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.errors++
		}
		r.endSweep(ctx, run)
	}
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	r.metrics.IncJobError(name, err)
	if isTimeout {
		r.metrics.IncJobTimeout(name)
		r.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job a single time.
func (r *Reconciler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRetryChargeFailures, r.RetryChargeFailuresJob},
		{JobVerifyBalances, func(ctx context.Context) error {
			_, err := r.VerifyBalances(ctx)
			return err
		}},
	}

	for _, job := range jobs {
		if !r.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, r.runJob(parent, job.Name, r.cfg.JobTimeout, job.Run))
	}
	return err
}

func (r *Reconciler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := r.clock.Now().Add(r.cfg.RunInterval)

	for {
		if lag := r.clock.Now().Sub(nextRun); lag > 0 {
			r.metrics.ObserveRunLoopLag(lag)
		}
		if err := r.RunOnce(ctx); err != nil {
			r.log.Warn("reconcile run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(r.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) isJobEnabled(jobName string) bool {
	if len(r.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range r.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RetryChargeFailuresJob replays pending debits in batches until a pass
// resolves nothing new.
func (r *Reconciler) RetryChargeFailuresJob(ctx context.Context) error {
	ctx, run, owner := r.beginSweep(ctx, JobRetryChargeFailures)
	if owner {
		defer r.endSweep(ctx, run)
	}

	var jobErr error
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		summary, err := r.credits.RetryFailures(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			r.sweepError(ctx, run, "reconcile.charge_failure.retry_failed", err)
		}
		run.processed += summary.Scanned
		run.resolved += summary.Resolved
		run.abandoned += summary.Abandoned
		r.metrics.AddBatchProcessed(JobRetryChargeFailures, "charge_failures", summary.Scanned)
		r.recordOutcomes(summary)
		if summary.Abandoned > 0 {
			r.recordAudit(ctx, auditdomain.ActionReconcileAbandoned, "charge_failure", "", map[string]any{
				"abandoned":    summary.Abandoned,
				"max_attempts": r.cfg.MaxAttempts,
			})
		}

		// Rows still pending were attempted this pass; leave them for the next tick.
		if summary.Scanned < r.cfg.BatchSize || summary.Resolved+summary.Abandoned == 0 {
			break
		}
	}

	pending, err := r.credits.CountPendingFailures(ctx)
	if err != nil {
		return errors.Join(jobErr, err)
	}
	r.metrics.SetPendingFailures(pending)
	return jobErr
}

func (r *Reconciler) recordOutcomes(summary creditdomain.RetrySummary) {
	for i := 0; i < summary.Resolved; i++ {
		r.metrics.IncChargeFailureOutcome(obsmetrics.ChargeFailureOutcomeResolved)
	}
	for i := 0; i < summary.Retrying; i++ {
		r.metrics.IncChargeFailureOutcome(obsmetrics.ChargeFailureOutcomeRetry)
	}
	for i := 0; i < summary.Abandoned; i++ {
		r.metrics.IncChargeFailureOutcome(obsmetrics.ChargeFailureOutcomeAbandoned)
	}
}

// VerifyBalances sweeps every account and reports ledger drift. It never
// corrects balances.
func (r *Reconciler) VerifyBalances(ctx context.Context) (VerifyReport, error) {
	ctx, run, owner := r.beginSweep(ctx, JobVerifyBalances)
	if owner {
		defer r.endSweep(ctx, run)
	}

	var (
		report VerifyReport
		jobErr error
		cursor string
	)
	for {
		if ctx.Err() != nil {
			return report, errors.Join(jobErr, ctx.Err())
		}
		userIDs, err := r.balance.ListUserIDs(ctx, cursor, r.cfg.BatchSize)
		if err != nil {
			r.sweepError(ctx, run, "reconcile.accounts.list_failed", err)
			return report, errors.Join(jobErr, err)
		}
		if len(userIDs) == 0 {
			break
		}

		for _, userID := range userIDs {
			result, err := r.balance.Reconcile(ctx, userID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				r.sweepError(ctx, run, "reconcile.account.failed", err, zap.String("user_id", userID))
				continue
			}
			report.Checked++
			if result.Consistent {
				continue
			}
			report.Drifted = append(report.Drifted, result)
			run.drifted++
			r.metrics.IncBalanceDrift(JobVerifyBalances)
			r.logger(ctx).Error("reconcile.balance.drift",
				zap.String("user_id", userID),
				zap.Int64("current_balance", result.CurrentBalance),
				zap.Int64("initial_balance", result.InitialBalance),
				zap.Int64("ledger_sum", result.LedgerSum),
				zap.Int64("drift", result.Drift),
			)
			r.recordAudit(ctx, auditdomain.ActionReconcileDrift, "account", userID, map[string]any{
				"current_balance": result.CurrentBalance,
				"initial_balance": result.InitialBalance,
				"ledger_sum":      result.LedgerSum,
				"drift":           result.Drift,
			})
		}
		run.processed += len(userIDs)
		r.metrics.AddBatchProcessed(JobVerifyBalances, "accounts", len(userIDs))

		cursor = userIDs[len(userIDs)-1]
		if len(userIDs) < r.cfg.BatchSize {
			break
		}
	}
	return report, jobErr
}

// recordAudit is best effort; a lost audit row never fails a sweep.
func (r *Reconciler) recordAudit(ctx context.Context, action, targetType, targetID string, metadata map[string]any) {
	if r.audit == nil {
		return
	}
	actorID := "reconciler"
	var target *string
	if targetID != "" {
		target = &targetID
	}
	if err := r.audit.AuditLog(ctx, string(auditdomain.ActorTypeSystem), &actorID, action, targetType, target, metadata); err != nil {
		r.logger(ctx).Warn("reconcile audit write failed", zap.String("action", action), zap.Error(err))
	}
}
