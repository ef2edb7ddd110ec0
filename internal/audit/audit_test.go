package audit

import (
	"path/filepath"
	"testing"

	"github.com/fentz26/iglood/internal/models"
	"github.com/fentz26/iglood/internal/store"
)

func newTestWriter(t *testing.T) *Writer {
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewWriter(s, nil)
}

func TestRequestEntry(t *testing.T) {
	w := newTestWriter(t)

	r := &models.Request{
		ID:         "r1",
		Operation:  models.OpSignEvent,
		CallingApp: "com.example.app",
	}
	w.Request("request.admit", r, "allowed", "")

	entries, err := w.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Action != "request.admit" || e.AppID != "com.example.app" || e.RequestID != "r1" {
		t.Errorf("Unexpected entry: %+v", e)
	}
	if e.Operation != "sign_event" || e.Outcome != "allowed" {
		t.Errorf("Unexpected entry: %+v", e)
	}
}

func TestEventEntry(t *testing.T) {
	w := newTestWriter(t)

	w.Event("perms.revoke_all", "com.example.app", "ok", "3 rules removed")

	entries, err := w.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "" {
		t.Fatalf("Unexpected entries: %+v", entries)
	}
}

func TestNilWriterIsNoOp(t *testing.T) {
	var w *Writer
	w.Request("x", &models.Request{ID: "r1"}, "ok", "")
	w.Event("x", "", "ok", "")
}
