package usagelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/taleforge/internal/clock"
	"github.com/smallbiznis/taleforge/internal/config"
	"github.com/smallbiznis/taleforge/internal/ratelimit"
	"github.com/smallbiznis/taleforge/internal/usagelimit/domain"
	"github.com/smallbiznis/taleforge/internal/usagelimit/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("usagelimit",
	fx.Provide(NewCounter),
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Redis  *redis.Client `optional:"true"`
	Clock  clock.Clock
	Log    *zap.Logger
}

// NewCounter picks the Redis counter when it is requested and reachable by
// configuration, and the SQL counter otherwise.
func NewCounter(p Params) domain.Counter {
	window := p.Config.UsageLimit.Window
	log := p.Log.Named("usagelimit")

	if p.Config.UsageLimit.Backend == config.UsageLimitBackendRedis {
		if p.Redis != nil {
			log.Info("usage counter backend selected", zap.String("backend", config.UsageLimitBackendRedis))
			return ratelimit.NewWindowCounter(p.Redis, p.Clock, window)
		}
		log.Warn("redis usage counter requested without REDIS_ADDR, using sql")
	}

	log.Info("usage counter backend selected", zap.String("backend", config.UsageLimitBackendSQL))
	return repository.NewSQLCounter(p.DB, p.Clock, window)
}
