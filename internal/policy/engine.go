// Package policy implements the kind-aware permission engine.
//
// Matching is strict specificity order: a kind-specific rule always
// overrides a wildcard rule for the same app and operation. No match means
// PromptRequired; a broken rule store also means PromptRequired, never a
// silent allow.
package policy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/iglood/internal/models"
)

// RuleStore is the persistence surface the engine needs. *store.Store
// satisfies it.
type RuleStore interface {
	GetRule(appID string, op models.OperationKind, kind models.KindFilter) (*models.PermissionRule, error)
	UpsertRule(rule models.PermissionRule) error
	DeleteRule(appID string, op models.OperationKind, kind models.KindFilter) error
	DeleteRulesForApp(appID string) error
	ReplaceRules(appID string, insert []models.PermissionRule) error
	ListRules(appID string) ([]models.PermissionRule, error)
}

// Engine answers allow/deny/prompt for requests and applies rule mutations.
type Engine struct {
	rules  RuleStore
	logger *slog.Logger
}

// New creates a permission engine over the given rule store.
func New(rules RuleStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, logger: logger}
}

// Check returns the verdict for one operation. kind is only consulted for
// sign-event; every other operation matches the wildcard rule directly.
func (e *Engine) Check(appID string, op models.OperationKind, kind models.KindFilter) models.Verdict {
	if op == models.OpSignEvent && !kind.Wildcard() {
		rule, err := e.rules.GetRule(appID, op, kind)
		if err != nil {
			// Fail safe: a corrupt rule set prompts, it never allows.
			e.logger.Warn("permission lookup failed, degrading to prompt",
				"app", appID, "operation", op, "error", err)
			return models.Verdict{Decision: models.DecisionPrompt}
		}
		if rule != nil {
			return verdictOf(rule)
		}
	}

	rule, err := e.rules.GetRule(appID, op, models.AnyKind())
	if err != nil {
		e.logger.Warn("permission lookup failed, degrading to prompt",
			"app", appID, "operation", op, "error", err)
		return models.Verdict{Decision: models.DecisionPrompt}
	}
	if rule != nil {
		return verdictOf(rule)
	}
	return models.Verdict{Decision: models.DecisionPrompt}
}

func verdictOf(rule *models.PermissionRule) models.Verdict {
	decision := models.DecisionDenied
	if rule.Allowed {
		decision = models.DecisionAllowed
	}
	return models.Verdict{Decision: decision, GrantedAt: rule.GrantedAt}
}

// Grant upserts an allow or deny rule, replacing any rule with the identical
// triple.
func (e *Engine) Grant(appID string, op models.OperationKind, kind models.KindFilter, allowed bool) error {
	if appID == "" {
		return fmt.Errorf("grant: empty app id")
	}
	return e.rules.UpsertRule(models.PermissionRule{
		AppID:     appID,
		Operation: op,
		Kind:      kind,
		Allowed:   allowed,
		GrantedAt: time.Now().UTC(),
	})
}

// Revoke deletes the matching rule. Absence means re-prompt, not deny.
func (e *Engine) Revoke(appID string, op models.OperationKind, kind models.KindFilter) error {
	return e.rules.DeleteRule(appID, op, kind)
}

// RevokeAll deletes every rule for an app.
func (e *Engine) RevokeAll(appID string) error {
	return e.rules.DeleteRulesForApp(appID)
}

// BulkSet applies one atomic replacement for all selections with the same
// allowed flag: existing rules colliding on a triple are removed and the new
// rules inserted in a single write. A bulk call mixing allow and deny is two
// BulkSet calls, each atomic on its own.
func (e *Engine) BulkSet(appID string, selections []models.Selection, allowed bool) error {
	if len(selections) == 0 {
		return nil
	}
	now := time.Now().UTC()

	// Deduplicate selections on the triple; last one wins.
	byTriple := make(map[string]models.PermissionRule, len(selections))
	order := make([]string, 0, len(selections))
	for _, sel := range selections {
		key := string(sel.Operation) + "\x00" + sel.Kind.String()
		if _, ok := byTriple[key]; !ok {
			order = append(order, key)
		}
		byTriple[key] = models.PermissionRule{
			AppID:     appID,
			Operation: sel.Operation,
			Kind:      sel.Kind,
			Allowed:   allowed,
			GrantedAt: now,
		}
	}

	insert := make([]models.PermissionRule, 0, len(order))
	for _, key := range order {
		insert = append(insert, byTriple[key])
	}
	return e.rules.ReplaceRules(appID, insert)
}

// List returns the rules for an app ("" for all apps).
func (e *Engine) List(appID string) ([]models.PermissionRule, error) {
	return e.rules.ListRules(appID)
}
