// Package triage evaluates rule-driven pre-classification decisions at
// ingestion time. Rules are cheap predicates over envelope attributes; the
// first match in priority order decides, with no LLM involved.
package triage

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// Store is the slice of the triage service the evaluator needs.
type Store interface {
	ListActive(ctx context.Context) ([]*models.TriageRule, error)
}

// Input carries the envelope attributes rules can inspect.
type Input struct {
	SenderIdentity string
	Headers        map[string]string
	MimeTypes      []string
}

// Decision is the outcome of rule evaluation. A zero Decision (no match)
// means pass-through.
type Decision struct {
	Matched      bool
	RuleID       string
	Action       models.TriageAction
	ForcedTarget string // set for route_to actions
}

// Evaluator caches active rules and applies them in order. The cache
// refreshes lazily so rule edits take effect within refreshInterval.
type Evaluator struct {
	store  Store
	logger *slog.Logger

	refreshInterval time.Duration

	mu        sync.RWMutex
	rules     []*models.TriageRule
	fetchedAt time.Time
}

// NewEvaluator creates an evaluator with the given cache refresh interval.
func NewEvaluator(store Store, refreshInterval time.Duration, logger *slog.Logger) *Evaluator {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	return &Evaluator{
		store:           store,
		refreshInterval: refreshInterval,
		logger:          logger.With("component", "triage"),
	}
}

// Evaluate applies active rules in priority order and returns the first
// match. A store failure degrades to pass-through: triage must never block
// ingestion.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) Decision {
	rules, err := e.activeRules(ctx)
	if err != nil {
		e.logger.Error("triage rule load failed, passing through", "error", err)
		return Decision{}
	}

	for _, rule := range rules {
		if !matches(rule, in) {
			continue
		}
		if rule.Action == models.TriagePassThrough {
			// Explicit pass_through ends evaluation without effect.
			return Decision{}
		}
		return Decision{
			Matched:      true,
			RuleID:       rule.ID,
			Action:       rule.Action,
			ForcedTarget: rule.Action.RouteTarget(),
		}
	}
	return Decision{}
}

// Invalidate drops the cache so the next Evaluate reloads rules.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	e.fetchedAt = time.Time{}
	e.mu.Unlock()
}

func (e *Evaluator) activeRules(ctx context.Context) ([]*models.TriageRule, error) {
	e.mu.RLock()
	fresh := time.Since(e.fetchedAt) < e.refreshInterval
	rules := e.rules
	e.mu.RUnlock()
	if fresh {
		return rules, nil
	}

	loaded, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.rules = loaded
	e.fetchedAt = time.Now()
	e.mu.Unlock()
	return loaded, nil
}

func matches(rule *models.TriageRule, in Input) bool {
	switch rule.RuleType {
	case models.TriageSenderDomain:
		domain := senderDomain(in.SenderIdentity)
		return domain != "" && strings.EqualFold(domain, rule.Condition.Value)

	case models.TriageSenderAddress:
		return strings.EqualFold(in.SenderIdentity, rule.Condition.Value)

	case models.TriageHeaderCondition:
		if rule.Condition.HeaderName == "" {
			return false
		}
		value, ok := lookupHeader(in.Headers, rule.Condition.HeaderName)
		if !ok {
			return false
		}
		if rule.Condition.HeaderMatch == "" {
			return true // presence check
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(rule.Condition.HeaderMatch))

	case models.TriageMimeType:
		for _, mt := range in.MimeTypes {
			if strings.EqualFold(mt, rule.Condition.Value) {
				return true
			}
		}
		return false
	}
	return false
}

func senderDomain(identity string) string {
	at := strings.LastIndex(identity, "@")
	if at < 0 || at == len(identity)-1 {
		return ""
	}
	return identity[at+1:]
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
