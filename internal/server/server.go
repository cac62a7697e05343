package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/taleforge/internal/audit/domain"
	"github.com/smallbiznis/taleforge/internal/authorization"
	balancedomain "github.com/smallbiznis/taleforge/internal/balance/domain"
	"github.com/smallbiznis/taleforge/internal/config"
	creditdomain "github.com/smallbiznis/taleforge/internal/credit/domain"
	entitlementdomain "github.com/smallbiznis/taleforge/internal/entitlement/domain"
	"github.com/smallbiznis/taleforge/internal/observability"
	obsmiddleware "github.com/smallbiznis/taleforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/taleforge/internal/observability/metrics"
	obstracing "github.com/smallbiznis/taleforge/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/taleforge/internal/payment/domain"
	"github.com/smallbiznis/taleforge/internal/pricing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the public credit API, the operator surface and payment webhooks.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	balanceSvc balancedomain.Service
	checker    entitlementdomain.Checker
	credits    creditdomain.Coordinator
	pricing    pricing.Provider
	paymentSvc paymentdomain.Service
	authzSvc   authorization.Service
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	BalanceSvc balancedomain.Service
	Checker    entitlementdomain.Checker
	Credits    creditdomain.Coordinator
	Pricing    pricing.Provider
	PaymentSvc paymentdomain.Service `optional:"true"`
	AuthzSvc   authorization.Service `optional:"true"`
	AuditSvc   auditdomain.Service   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        log.Named("http.server"),
		balanceSvc: p.BalanceSvc,
		checker:    p.Checker,
		credits:    p.Credits,
		pricing:    p.Pricing,
		paymentSvc: p.PaymentSvc,
		authzSvc:   p.AuthzSvc,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Accounts --------
	api.POST("/accounts", s.CreateAccount)
	api.GET("/accounts/:user_id", s.GetAccount)
	api.GET("/accounts/:user_id/balance", s.GetBalance)
	api.GET("/accounts/:user_id/transactions", s.ListTransactions)

	// -------- Entitlements --------
	api.POST("/entitlements/check", s.CheckEntitlement)

	// -------- Pricing --------
	api.GET("/pricing", s.GetPricing)
	api.POST("/pricing/quote", s.QuoteOperation)

	// -------- Charges --------
	api.POST("/charges", s.ChargeArtifact)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/refunds",
		s.authorizeAdminAction(authorization.ObjectCredit, authorization.ActionCreditRefund),
		s.AdminRefund)
	admin.POST("/adjustments",
		s.authorizeAdminAction(authorization.ObjectCredit, authorization.ActionCreditAdjust),
		s.AdminAdjust)
	admin.PUT("/accounts/:user_id/tier",
		s.authorizeAdminAction(authorization.ObjectAccount, authorization.ActionAccountTierUpdate),
		s.AdminUpdateTier)
	admin.GET("/accounts/:user_id/reconcile",
		s.authorizeAdminAction(authorization.ObjectAccount, authorization.ActionAccountReconcile),
		s.AdminReconcileAccount)
	admin.GET("/charge-failures",
		s.authorizeAdminAction(authorization.ObjectChargeFailure, authorization.ActionChargeFailureView),
		s.AdminListChargeFailures)
	admin.GET("/charge-failures/:id",
		s.authorizeAdminAction(authorization.ObjectChargeFailure, authorization.ActionChargeFailureView),
		s.AdminGetChargeFailure)
	admin.GET("/payment-events",
		s.authorizeAdminAction(authorization.ObjectPaymentEvent, authorization.ActionPaymentEventView),
		s.AdminListPaymentEvents)
	admin.GET("/audit-logs",
		s.authorizeAdminAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView),
		s.AdminListAuditLogs)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments/:provider", s.HandlePaymentWebhook)
}
