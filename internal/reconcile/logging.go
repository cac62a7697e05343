package reconcile

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/taleforge/internal/observability/context"
	obslogger "github.com/smallbiznis/taleforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/taleforge/internal/observability/metrics"
	"go.uber.org/zap"
)

// sweep tallies one pass of a job. Nested calls, such as RunOnce invoking a
// job that is also exported, share the outer sweep.
type sweep struct {
	job       string
	id        string
	startedAt time.Time

	processed int
	errors    int
	resolved  int
	abandoned int
	drifted   int
}

type sweepKey struct{}

func (r *Reconciler) beginSweep(ctx context.Context, job string) (context.Context, *sweep, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing, ok := ctx.Value(sweepKey{}).(*sweep); ok && existing != nil {
		return ctx, existing, false
	}

	s := &sweep{
		job:       job,
		id:        r.genID.Generate().String(),
		startedAt: r.clock.Now(),
	}
	ctx = context.WithValue(ctx, sweepKey{}, s)
	ctx = obscontext.WithActor(ctx, "reconciler")
	ctx = obscontext.WithRequestID(ctx, s.id)

	r.logger(ctx).Info("reconcile.sweep.start",
		zap.String("job", job),
		zap.String("sweep_id", s.id),
		zap.Int("batch_size", r.cfg.BatchSize),
	)
	return ctx, s, true
}

func (r *Reconciler) endSweep(ctx context.Context, s *sweep) {
	fields := []zap.Field{
		zap.String("job", s.job),
		zap.String("sweep_id", s.id),
		zap.Int64("duration_ms", r.clock.Now().Sub(s.startedAt).Milliseconds()),
		zap.Int("processed", s.processed),
		zap.Int("errors", s.errors),
	}
	switch s.job {
	case JobRetryChargeFailures:
		fields = append(fields, zap.Int("resolved", s.resolved), zap.Int("abandoned", s.abandoned))
	case JobVerifyBalances:
		fields = append(fields, zap.Int("drifted", s.drifted))
	}

	log := r.logger(ctx)
	if s.errors > 0 || s.drifted > 0 {
		log.Warn("reconcile.sweep.finish", fields...)
		return
	}
	log.Info("reconcile.sweep.finish", fields...)
}

func (r *Reconciler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, r.log)
}

func (r *Reconciler) sweepError(ctx context.Context, s *sweep, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if s != nil {
		s.errors++
	}
	fields = append([]zap.Field{
		zap.String("error_type", obsmetrics.ClassifyReconcileReason(err)),
		zap.Error(err),
	}, fields...)
	if s != nil {
		fields = append(fields, zap.String("job", s.job))
	}
	r.logger(ctx).Error(msg, fields...)
}
