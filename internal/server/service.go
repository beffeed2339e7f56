package server

import (
	"context"

	"github.com/webshopkit/addonrules/internal/engine"
	"github.com/webshopkit/addonrules/internal/repository"
	"github.com/webshopkit/addonrules/internal/service"
)

type Service interface {
	CreateRule(ctx context.Context, rule repository.StoredRule) (repository.StoredRule, error)
	UpdateRule(ctx context.Context, rule repository.StoredRule) (repository.StoredRule, error)
	GetRule(ctx context.Context, id string) (repository.StoredRule, error)
	ListRules(ctx context.Context) ([]repository.StoredRule, error)
	DeleteRule(ctx context.Context, id string) error
	Evaluate(ctx context.Context, req engine.Request) (engine.Response, error)
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
	ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error)
}

var _ Service = (*service.Service)(nil)
