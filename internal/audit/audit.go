// Package audit records pipeline decisions for later inspection.
package audit

import (
	"log/slog"

	"github.com/fentz26/iglood/internal/models"
	"github.com/fentz26/iglood/internal/store"
)

// Writer persists one audit entry per admission, verdict, and delivery.
// A nil Writer is a valid no-op, so callers never branch on it.
type Writer struct {
	store  *store.Store
	logger *slog.Logger
}

// NewWriter creates an audit writer over the store.
func NewWriter(s *store.Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: s, logger: logger}
}

// Request records an action taken on a request. Audit failures are logged,
// never propagated: the trail must not break the pipeline.
func (w *Writer) Request(action string, r *models.Request, outcome, details string) {
	if w == nil {
		return
	}
	_, err := w.store.WriteAudit(store.AuditEntry{
		Action:    action,
		AppID:     r.CallingApp,
		RequestID: r.ID,
		Operation: string(r.Operation),
		Outcome:   outcome,
		Details:   details,
	})
	if err != nil {
		w.logger.Warn("audit write failed", "action", action, "request", r.ID, "error", err)
	}
}

// Event records an action not tied to a single request (startup, rule
// changes from the CLI).
func (w *Writer) Event(action, appID, outcome, details string) {
	if w == nil {
		return
	}
	_, err := w.store.WriteAudit(store.AuditEntry{
		Action:  action,
		AppID:   appID,
		Outcome: outcome,
		Details: details,
	})
	if err != nil {
		w.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

// Recent returns the newest entries, up to limit.
func (w *Writer) Recent(limit int) ([]store.AuditEntry, error) {
	return w.store.ListAudit(limit)
}
