// Package service holds the application layer: a cached view of the stored
// rules, rule CRUD with validation, and evaluation against the cache. The
// cache is kept fresh through LISTEN/NOTIFY invalidation with a periodic
// resync as a safety net.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/webshopkit/addonrules/internal/engine"
	"github.com/webshopkit/addonrules/internal/repository"
)

const (
	EventTypeUpdated  = "updated"
	EventTypeDeleted  = "deleted"
	bestEffortTimeout = 2 * time.Second

	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrRuleNotFound    = errors.New("rule not found")
	ErrInvalidRuleJSON = errors.New("invalid rule json")
	ErrRuleCycle       = errors.New("rule set contains a dependency cycle")
)

type apiKeyContextKey struct{}

// ContextWithAPIKeyID tags the context with the authenticated API key so
// audit entries can attribute mutations.
func ContextWithAPIKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, apiKeyContextKey{}, id)
}

// APIKeyIDFromContext returns the API key ID set by ContextWithAPIKeyID, or
// the empty string.
func APIKeyIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(apiKeyContextKey{}).(string)
	return id
}

type Repository interface {
	CreateRule(ctx context.Context, rule repository.StoredRule) (repository.StoredRule, error)
	UpdateRule(ctx context.Context, rule repository.StoredRule) (repository.StoredRule, error)
	GetRule(ctx context.Context, id string) (repository.StoredRule, error)
	ListRules(ctx context.Context) ([]repository.StoredRule, error)
	DeleteRule(ctx context.Context, id string) error
	ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error)
	PublishRuleEvent(ctx context.Context, event repository.RuleEvent) (repository.RuleEvent, error)
	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Service owns the rule cache and runs evaluations. All mutations go through
// the repository first; the cache is updated only after the database commit.
type Service struct {
	repo           Repository
	eng            *engine.Engine
	resyncInterval time.Duration

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheSize         func(size float64)

	mu    sync.RWMutex
	cache map[string]repository.StoredRule
}

// Option configures a Service.
type Option func(*Service)

// WithEngine replaces the default evaluation engine.
func WithEngine(eng *engine.Engine) Option {
	return func(s *Service) {
		if eng != nil {
			s.eng = eng
		}
	}
}

// WithCacheMetrics registers instrumentation callbacks for cache loads,
// invalidation notifications, and the resulting cache size. Nil callbacks are
// allowed.
func WithCacheMetrics(onLoad, onInvalidation func(), onSize func(size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheSize = onSize
	}
}

// WithCacheResyncInterval overrides the periodic full-reload interval.
func WithCacheResyncInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.resyncInterval = d
		}
	}
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		eng:            engine.New(),
		resyncInterval: defaultCacheResyncInterval,
		cache:          make(map[string]repository.StoredRule),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) LoadCache(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}

	next := make(map[string]repository.StoredRule, len(rules))
	for _, rule := range rules {
		next[rule.ID] = rule
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheSize != nil {
		s.onCacheSize(float64(len(next)))
	}

	return nil
}

// CreateRule validates and stores a new rule, then publishes an update event.
// The rule is rejected when it is structurally invalid or when adding it
// would create a dependency cycle among the enabled rules.
func (s *Service) CreateRule(ctx context.Context, stored repository.StoredRule) (repository.StoredRule, error) {
	if err := s.checkRule(&stored); err != nil {
		return repository.StoredRule{}, err
	}

	created, err := s.repo.CreateRule(ctx, stored)
	if err != nil {
		return repository.StoredRule{}, fmt.Errorf("create rule: %w", err)
	}

	s.setCachedRule(created)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, created)
	s.auditBestEffort(ctx, "rule.create", created.ID, created)

	return created, nil
}

// UpdateRule validates and stores changes to an existing rule.
func (s *Service) UpdateRule(ctx context.Context, stored repository.StoredRule) (repository.StoredRule, error) {
	if strings.TrimSpace(stored.ID) == "" {
		return repository.StoredRule{}, errors.New("rule id is required")
	}
	if err := s.checkRule(&stored); err != nil {
		return repository.StoredRule{}, err
	}

	updated, err := s.repo.UpdateRule(ctx, stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedRule(stored.ID)
			return repository.StoredRule{}, ErrRuleNotFound
		}
		return repository.StoredRule{}, fmt.Errorf("update rule: %w", err)
	}

	s.setCachedRule(updated)
	s.publishRuleEventBestEffort(ctx, EventTypeUpdated, updated)
	s.auditBestEffort(ctx, "rule.update", updated.ID, updated)

	return updated, nil
}

func (s *Service) GetRule(ctx context.Context, id string) (repository.StoredRule, error) {
	if strings.TrimSpace(id) == "" {
		return repository.StoredRule{}, errors.New("rule id is required")
	}

	if rule, ok := s.getCachedRule(id); ok {
		return rule, nil
	}

	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.StoredRule{}, ErrRuleNotFound
		}
		return repository.StoredRule{}, fmt.Errorf("get rule: %w", err)
	}

	s.setCachedRule(rule)
	return rule, nil
}

// ListRules returns the cached rules sorted by priority then ID.
func (s *Service) ListRules(_ context.Context) ([]repository.StoredRule, error) {
	s.mu.RLock()
	rules := make([]repository.StoredRule, 0, len(s.cache))
	for _, rule := range s.cache {
		rules = append(rules, rule)
	}
	s.mu.RUnlock()

	slices.SortFunc(rules, func(a, b repository.StoredRule) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})

	return rules, nil
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	existing, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedRule(id)
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}

	s.deleteCachedRule(id)
	s.publishRuleEventBestEffort(ctx, EventTypeDeleted, existing)
	s.auditBestEffort(ctx, "rule.delete", id, existing)

	return nil
}

// Evaluate runs the cached rules applying to the request's product against
// the request. It cannot fail on rule content; broken rules surface as
// warnings in the response.
func (s *Service) Evaluate(_ context.Context, req engine.Request) (engine.Response, error) {
	rules, err := s.rulesForProduct(req.Context.Product)
	if err != nil {
		return engine.Response{}, err
	}

	return s.eng.Evaluate(rules, req), nil
}

// rulesForProduct decodes the cached rules scoped to the given product:
// global rules, category rules matching one of the product's categories, and
// product rules matching its ID. Rules that no longer decode are skipped;
// they were validated on write, so a decode failure means the stored row was
// edited out of band.
func (s *Service) rulesForProduct(product engine.Product) ([]engine.Rule, error) {
	s.mu.RLock()
	stored := make([]repository.StoredRule, 0, len(s.cache))
	for _, rule := range s.cache {
		stored = append(stored, rule)
	}
	s.mu.RUnlock()

	rules := make([]engine.Rule, 0, len(stored))
	for _, row := range stored {
		if !scopeApplies(row, product) {
			continue
		}
		rule, err := decodeStoredRule(row)
		if err != nil {
			continue
		}
		rules = append(rules, rule)
	}

	return rules, nil
}

func scopeApplies(row repository.StoredRule, product engine.Product) bool {
	switch engine.Scope(row.Scope) {
	case engine.ScopeCategory:
		return slices.Contains(product.Categories, row.ScopeID)
	case engine.ScopeProduct:
		return row.ScopeID == product.ID
	default:
		return true
	}
}

// ListAuditLog returns the most recent audit entries, newest first.
func (s *Service) ListAuditLog(ctx context.Context, limit, offset int) ([]repository.AuditLogEntry, error) {
	entries, err := s.repo.ListAuditLog(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}

	return entries, nil
}

func (s *Service) ListEventsSince(ctx context.Context, eventID int64) ([]repository.RuleEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// checkRule validates the incoming rule and verifies that the enabled rule
// set stays acyclic with this rule in place.
func (s *Service) checkRule(stored *repository.StoredRule) error {
	rule, err := decodeStoredRule(*stored)
	if err != nil {
		return err
	}
	// The ID may not be assigned yet; validation needs one.
	if rule.ID == "" {
		rule.ID = "pending"
	}
	if err := engine.ValidateRule(&rule); err != nil {
		return err
	}
	if !stored.Enabled {
		return nil
	}

	others, err := s.decodedEnabledRules(stored.ID)
	if err != nil {
		return err
	}
	candidate := append(others, rule)
	snaps, order := ruleSnapshots(candidate)
	plan := engine.BuildPlan(candidate, snaps, order)
	if len(plan.Cycles) > 0 {
		return fmt.Errorf("%w: %s", ErrRuleCycle, plan.Cycles[0].Path)
	}
	return nil
}

// decodedEnabledRules returns the cached enabled rules except the one being
// replaced.
func (s *Service) decodedEnabledRules(excludeID string) ([]engine.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]engine.Rule, 0, len(s.cache))
	for id, row := range s.cache {
		if id == excludeID || !row.Enabled {
			continue
		}
		rule, err := decodeStoredRule(row)
		if err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ruleSnapshots builds the addon universe mentioned anywhere in the rules,
// which stands in for the per-request target list during save-time cycle
// checks.
func ruleSnapshots(rules []engine.Rule) (map[string]engine.AddonSnapshot, []string) {
	snaps := make(map[string]engine.AddonSnapshot)
	var order []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := snaps[id]; !ok {
			snaps[id] = engine.AddonSnapshot{ID: id}
			order = append(order, id)
		}
	}
	for _, rule := range rules {
		add(rule.AddonID)
		for _, g := range rule.ConditionGroups {
			for _, cond := range g.Conditions {
				add(cond.TargetAddon)
			}
		}
		for _, act := range rule.Actions {
			add(act.TargetAddon)
		}
	}
	slices.Sort(order)
	return snaps, order
}

func (s *Service) getCachedRule(id string) (repository.StoredRule, bool) {
	s.mu.RLock()
	rule, ok := s.cache[id]
	s.mu.RUnlock()

	return rule, ok
}

func (s *Service) setCachedRule(rule repository.StoredRule) {
	s.mu.Lock()
	s.cache[rule.ID] = rule
	size := len(s.cache)
	s.mu.Unlock()

	if s.onCacheSize != nil {
		s.onCacheSize(float64(size))
	}
}

func (s *Service) deleteCachedRule(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	size := len(s.cache)
	s.mu.Unlock()

	if s.onCacheSize != nil {
		s.onCacheSize(float64(size))
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) publishRuleEventBestEffort(ctx context.Context, eventType string, rule repository.StoredRule) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	_ = s.publishRuleEvent(publishCtx, eventType, rule)
}

func (s *Service) auditBestEffort(ctx context.Context, action, ruleID string, rule repository.StoredRule) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	details, err := json.Marshal(rule)
	if err != nil {
		return
	}
	_ = s.repo.InsertAuditLog(auditCtx, repository.AuditLogEntry{
		APIKeyID: APIKeyIDFromContext(ctx),
		Action:   action,
		RuleID:   ruleID,
		Details:  details,
	})
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	_ = s.LoadCache(reloadCtx)
}

func (s *Service) publishRuleEvent(ctx context.Context, eventType string, rule repository.StoredRule) error {
	payload, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishRuleEvent(ctx, repository.RuleEvent{
		RuleID:    rule.ID,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func decodeStoredRule(row repository.StoredRule) (engine.Rule, error) {
	rule := engine.Rule{
		ID:         row.ID,
		Name:       row.Name,
		AddonID:    row.AddonID,
		Scope:      engine.Scope(row.Scope),
		ScopeID:    row.ScopeID,
		Priority:   row.Priority,
		Enabled:    row.Enabled,
		GroupMatch: engine.MatchType(row.GroupMatch),
	}
	if len(row.ConditionGroups) > 0 {
		if err := json.Unmarshal(row.ConditionGroups, &rule.ConditionGroups); err != nil {
			return engine.Rule{}, fmt.Errorf("%w: condition_groups: %v", ErrInvalidRuleJSON, err)
		}
	}
	if len(row.Actions) > 0 {
		if err := json.Unmarshal(row.Actions, &rule.Actions); err != nil {
			return engine.Rule{}, fmt.Errorf("%w: actions: %v", ErrInvalidRuleJSON, err)
		}
	}
	return rule, nil
}
