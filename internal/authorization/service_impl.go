package authorization

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/taleforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectAccount       = "account"
	ObjectCredit        = "credit"
	ObjectChargeFailure = "charge_failure"
	ObjectPaymentEvent  = "payment_event"
	ObjectAuditLog      = "audit_log"
)

const (
	ActionAccountTierUpdate = "account.tier_update"
	ActionAccountReconcile  = "account.reconcile"

	ActionCreditRefund = "credit.refund"
	ActionCreditAdjust = "credit.adjust"

	ActionChargeFailureView = "charge_failure.view"

	ActionPaymentEventView = "payment_event.view"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleAuditor = "auditor"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	keys     map[string]string
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	keys := make(map[string]string, len(p.Cfg.AdminAPIKeys))
	for key, role := range p.Cfg.AdminAPIKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		keys[key] = strings.ToLower(strings.TrimSpace(role))
	}
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		keys:     keys,
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, apiKey string, object string, action string) (Principal, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return Principal{}, ErrUnauthorized
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return Principal{}, ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return Principal{}, ErrInvalidAction
	}

	role, ok := s.keys[apiKey]
	if !ok {
		s.log.Warn("admin key rejected", zap.String("object", object), zap.String("action", action))
		return Principal{}, ErrUnauthorized
	}
	principal := Principal{Subject: subjectForKey(apiKey), Role: role}
	roleName := fmt.Sprintf("role:%s", role)

	if err := s.ensureGrouping(principal.Subject, roleName); err != nil {
		return principal, err
	}

	allowed, err := s.enforcer.Enforce(principal.Subject, object, action)
	if err != nil {
		return principal, err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("subject", principal.Subject),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return principal, ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.log.Info("authorization granted",
			zap.String("subject", principal.Subject),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
	}
	return principal, nil
}

// subjectForKey keeps raw keys out of the policy table.
func subjectForKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "admin_key:" + hex.EncodeToString(sum[:8])
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionCreditAdjust, ActionCreditRefund, ActionAccountTierUpdate:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Auditor permissions (read-only)
		{"role:auditor", ObjectAccount, ActionAccountReconcile},
		{"role:auditor", ObjectChargeFailure, ActionChargeFailureView},
		{"role:auditor", ObjectPaymentEvent, ActionPaymentEventView},
		{"role:auditor", ObjectAuditLog, ActionAuditLogView},

		// Support permissions
		{"role:support", ObjectAccount, ActionAccountReconcile},
		{"role:support", ObjectAccount, ActionAccountTierUpdate},
		{"role:support", ObjectCredit, ActionCreditRefund},
		{"role:support", ObjectChargeFailure, ActionChargeFailureView},
		{"role:support", ObjectPaymentEvent, ActionPaymentEventView},

		// Admin permissions
		{"role:admin", ObjectAccount, "*"},
		{"role:admin", ObjectCredit, "*"},
		{"role:admin", ObjectChargeFailure, "*"},
		{"role:admin", ObjectPaymentEvent, "*"},
		{"role:admin", ObjectAuditLog, "*"},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
