package policy

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fentz26/iglood/internal/models"
	"github.com/fentz26/iglood/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil)
}

func TestCheck_NoRulesMeansPrompt(t *testing.T) {
	e := newTestEngine(t)

	v := e.Check("com.example.app", models.OpSignEvent, models.KindOf(1))
	if v.Decision != models.DecisionPrompt {
		t.Errorf("Expected prompt with zero rules, got %s", v.Decision)
	}

	v = e.Check("com.example.app", models.OpGetPublicKey, models.AnyKind())
	if v.Decision != models.DecisionPrompt {
		t.Errorf("Expected prompt with zero rules, got %s", v.Decision)
	}
}

func TestCheck_Specificity(t *testing.T) {
	e := newTestEngine(t)

	// Kind-specific allow plus wildcard deny.
	if err := e.Grant("app", models.OpSignEvent, models.KindOf(1), true); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if err := e.Grant("app", models.OpSignEvent, models.AnyKind(), false); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	v := e.Check("app", models.OpSignEvent, models.KindOf(1))
	if v.Decision != models.DecisionAllowed {
		t.Errorf("Kind 1 should be allowed by the specific rule, got %s", v.Decision)
	}
	if v.GrantedAt.IsZero() {
		t.Error("Expected granted-at timestamp on the verdict")
	}

	v = e.Check("app", models.OpSignEvent, models.KindOf(2))
	if v.Decision != models.DecisionDenied {
		t.Errorf("Kind 2 should fall through to the wildcard deny, got %s", v.Decision)
	}
}

func TestCheck_KindZeroDoesNotMatchWildcardRule(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Grant("app", models.OpSignEvent, models.KindOf(0), true); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	v := e.Check("app", models.OpSignEvent, models.KindOf(0))
	if v.Decision != models.DecisionAllowed {
		t.Errorf("Kind 0 should match its specific rule, got %s", v.Decision)
	}

	// The kind-0 rule is not a wildcard: other kinds still prompt.
	v = e.Check("app", models.OpSignEvent, models.KindOf(1))
	if v.Decision != models.DecisionPrompt {
		t.Errorf("Kind 1 should prompt, got %s", v.Decision)
	}
}

func TestCheck_NonSignOpsUseWildcard(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Grant("app", models.OpNIP04Decrypt, models.AnyKind(), true); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}

	v := e.Check("app", models.OpNIP04Decrypt, models.AnyKind())
	if v.Decision != models.DecisionAllowed {
		t.Errorf("Expected allowed, got %s", v.Decision)
	}

	// Different operation from the same app still prompts.
	v = e.Check("app", models.OpNIP44Decrypt, models.AnyKind())
	if v.Decision != models.DecisionPrompt {
		t.Errorf("Expected prompt for ungranted operation, got %s", v.Decision)
	}
}

func TestRevoke_MeansReprompt(t *testing.T) {
	e := newTestEngine(t)

	if err := e.Grant("app", models.OpSignEvent, models.AnyKind(), false); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	v := e.Check("app", models.OpSignEvent, models.AnyKind())
	if v.Decision != models.DecisionDenied {
		t.Fatalf("Expected denied before revoke, got %s", v.Decision)
	}

	if err := e.Revoke("app", models.OpSignEvent, models.AnyKind()); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	v = e.Check("app", models.OpSignEvent, models.AnyKind())
	if v.Decision != models.DecisionPrompt {
		t.Errorf("Revoked rule should prompt, not deny, got %s", v.Decision)
	}
}

func TestRevokeAll(t *testing.T) {
	e := newTestEngine(t)

	e.Grant("app", models.OpSignEvent, models.KindOf(1), true)
	e.Grant("app", models.OpGetPublicKey, models.AnyKind(), true)
	e.Grant("other", models.OpGetPublicKey, models.AnyKind(), true)

	if err := e.RevokeAll("app"); err != nil {
		t.Fatalf("RevokeAll failed: %v", err)
	}

	rules, err := e.List("app")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("Expected 0 rules for app, got %d", len(rules))
	}
	rules, _ = e.List("other")
	if len(rules) != 1 {
		t.Errorf("Other app's rules should survive, got %d", len(rules))
	}
}

func TestBulkSet(t *testing.T) {
	e := newTestEngine(t)

	// Pre-existing deny that collides with one selection.
	e.Grant("app", models.OpSignEvent, models.KindOf(22242), false)

	selections := []models.Selection{
		{Operation: models.OpSignEvent, Kind: models.KindOf(22242)},
		{Operation: models.OpSignEvent, Kind: models.KindOf(1)},
		{Operation: models.OpNIP44Encrypt, Kind: models.AnyKind()},
	}
	if err := e.BulkSet("app", selections, true); err != nil {
		t.Fatalf("BulkSet failed: %v", err)
	}

	rules, err := e.List("app")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("Expected 3 rules, got %d", len(rules))
	}
	for _, r := range rules {
		if !r.Allowed {
			t.Errorf("Rule %s/%s should be allowed after bulk set", r.Operation, r.Kind)
		}
	}
}

func TestBulkSet_Empty(t *testing.T) {
	e := newTestEngine(t)
	if err := e.BulkSet("app", nil, true); err != nil {
		t.Errorf("Empty BulkSet should be a no-op, got %v", err)
	}
}

// failingStore simulates corrupt persisted state.
type failingStore struct{}

func (failingStore) GetRule(string, models.OperationKind, models.KindFilter) (*models.PermissionRule, error) {
	return nil, models.ErrStorageCorrupt
}
func (failingStore) UpsertRule(models.PermissionRule) error          { return errors.New("broken") }
func (failingStore) DeleteRule(string, models.OperationKind, models.KindFilter) error {
	return errors.New("broken")
}
func (failingStore) DeleteRulesForApp(string) error                   { return errors.New("broken") }
func (failingStore) ReplaceRules(string, []models.PermissionRule) error { return errors.New("broken") }
func (failingStore) ListRules(string) ([]models.PermissionRule, error) {
	return nil, models.ErrStorageCorrupt
}

func TestCheck_CorruptStorePrompts(t *testing.T) {
	e := New(failingStore{}, nil)

	v := e.Check("app", models.OpSignEvent, models.KindOf(1))
	if v.Decision != models.DecisionPrompt {
		t.Errorf("Corrupt store must degrade to prompt, got %s", v.Decision)
	}
	v = e.Check("app", models.OpGetPublicKey, models.AnyKind())
	if v.Decision != models.DecisionPrompt {
		t.Errorf("Corrupt store must degrade to prompt, got %s", v.Decision)
	}
}
