// Package store provides SQLite-backed persistence for iglood.
//
// It owns the permission rule set (one row per (app, operation, kind)
// triple) and the audit log. Rules are versioned through schema_info so a
// future layout change can migrate rather than discard grants.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fentz26/iglood/internal/models"
)

const schemaVersion = 1

// Store provides access to the iglood SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL mode for concurrent readers while the pipeline writes.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_info (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permission_rules (
		app_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		kind TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		granted_at DATETIME NOT NULL,
		PRIMARY KEY (app_id, operation, kind)
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		app_id TEXT,
		request_id TEXT,
		operation TEXT,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_permission_rules_app ON permission_rules(app_id);
	CREATE INDEX IF NOT EXISTS idx_audit_log_app ON audit_log(app_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_info`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO schema_info (version) VALUES (?)`, schemaVersion)
		return err
	}
	return nil
}

// --- Permission Rule Operations ---

// UpsertRule inserts or replaces the rule for its (app, operation, kind)
// triple.
func (s *Store) UpsertRule(rule models.PermissionRule) error {
	_, err := s.db.Exec(
		`INSERT INTO permission_rules (app_id, operation, kind, allowed, granted_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(app_id, operation, kind) DO UPDATE SET
		 allowed = excluded.allowed, granted_at = excluded.granted_at`,
		rule.AppID, string(rule.Operation), rule.Kind.String(), boolToInt(rule.Allowed), rule.GrantedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

// GetRule retrieves the rule with the exact triple, or nil if none exists.
func (s *Store) GetRule(appID string, op models.OperationKind, kind models.KindFilter) (*models.PermissionRule, error) {
	row := s.db.QueryRow(
		`SELECT app_id, operation, kind, allowed, granted_at
		 FROM permission_rules WHERE app_id = ? AND operation = ? AND kind = ?`,
		appID, string(op), kind.String(),
	)

	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns every rule for an app, or every rule when appID is "".
func (s *Store) ListRules(appID string) ([]models.PermissionRule, error) {
	query := `SELECT app_id, operation, kind, allowed, granted_at FROM permission_rules`
	var args []any
	if appID != "" {
		query += ` WHERE app_id = ?`
		args = append(args, appID)
	}
	query += ` ORDER BY app_id, operation, kind`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.PermissionRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// DeleteRule removes the rule with the exact triple. Absence of a rule means
// re-prompt, so deletion is a real delete, not a tombstone.
func (s *Store) DeleteRule(appID string, op models.OperationKind, kind models.KindFilter) error {
	_, err := s.db.Exec(
		`DELETE FROM permission_rules WHERE app_id = ? AND operation = ? AND kind = ?`,
		appID, string(op), kind.String(),
	)
	return err
}

// DeleteRulesForApp removes every rule for an app.
func (s *Store) DeleteRulesForApp(appID string) error {
	_, err := s.db.Exec(`DELETE FROM permission_rules WHERE app_id = ?`, appID)
	return err
}

// ReplaceRules atomically removes any existing rules colliding on the given
// triples and inserts the replacements, in one transaction. Partial
// application is never observable.
func (s *Store) ReplaceRules(appID string, insert []models.PermissionRule) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rule := range insert {
		if rule.AppID != appID {
			return fmt.Errorf("rule app %q does not match %q", rule.AppID, appID)
		}
		if _, err := tx.Exec(
			`DELETE FROM permission_rules WHERE app_id = ? AND operation = ? AND kind = ?`,
			appID, string(rule.Operation), rule.Kind.String(),
		); err != nil {
			return fmt.Errorf("replace rules: delete: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO permission_rules (app_id, operation, kind, allowed, granted_at)
			 VALUES (?, ?, ?, ?, ?)`,
			rule.AppID, string(rule.Operation), rule.Kind.String(), boolToInt(rule.Allowed), rule.GrantedAt,
		); err != nil {
			return fmt.Errorf("replace rules: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRule reads one rule row. An unparsable kind column means the persisted
// data is corrupt; that surfaces as ErrStorageCorrupt so the permission
// engine can fail safe toward re-prompting.
func scanRule(row rowScanner) (*models.PermissionRule, error) {
	var (
		rule      models.PermissionRule
		operation string
		kindText  string
		allowed   int
	)
	if err := row.Scan(&rule.AppID, &operation, &kindText, &allowed, &rule.GrantedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan rule: %v", models.ErrStorageCorrupt, err)
	}

	kind, err := models.ParseKindFilter(kindText)
	if err != nil {
		return nil, fmt.Errorf("%w: bad kind %q", models.ErrStorageCorrupt, kindText)
	}

	rule.Operation = models.OperationKind(operation)
	rule.Kind = kind
	rule.Allowed = allowed != 0
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Audit Operations ---

// AuditEntry is one recorded pipeline decision.
type AuditEntry struct {
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	AppID     string    `json:"app_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Outcome   string    `json:"outcome"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteAudit records a pipeline decision.
func (s *Store) WriteAudit(entry AuditEntry) (*AuditEntry, error) {
	entry.ID = uuid.NewString()
	entry.Timestamp = time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO audit_log (id, action, app_id, request_id, operation, outcome, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.AppID, entry.RequestID, entry.Operation,
		entry.Outcome, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return &entry, nil
}

// ListAudit returns the most recent audit entries, newest first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, action, app_id, request_id, operation, outcome, details, timestamp
		 FROM audit_log ORDER BY timestamp DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var appID, requestID, operation, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &appID, &requestID, &operation, &e.Outcome, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.AppID = appID.String
		e.RequestID = requestID.String
		e.Operation = operation.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
