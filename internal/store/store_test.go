package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeep.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetPending(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	row := PendingRow{
		RequestID: "r1",
		ToolName:  "ha_call_service",
		Args:      json.RawMessage(`{"domain":"light"}`),
		Signature: "ha_call_service(light)",
		MessageID: "msg-1",
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}
	if err := s.InsertPending(row); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	got, found, err := s.GetPending("r1")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if !found {
		t.Fatal("expected row to be found")
	}
	if got.Signature != row.Signature {
		t.Errorf("Signature = %q, want %q", got.Signature, row.Signature)
	}
	if got.Result != nil {
		t.Error("expected nil result before resolution")
	}
	if diff := got.CreatedAt.Sub(now); diff > time.Second || diff < -time.Second {
		t.Errorf("CreatedAt round-trip drift %v exceeds 1s tolerance", diff)
	}
}

func TestUpdatePendingResultIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	row := PendingRow{RequestID: "r2", ToolName: "t", Args: json.RawMessage(`{}`), Signature: "t", MessageID: "m", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.InsertPending(row); err != nil {
		t.Fatalf("InsertPending: %v", err)
	}

	result := json.RawMessage(`{"status":"executed","data":{}}`)
	if err := s.UpdatePendingResult("r2", result); err != nil {
		t.Fatalf("first UpdatePendingResult: %v", err)
	}
	if err := s.UpdatePendingResult("r2", json.RawMessage(`{"status":"denied","data":"x"}`)); err == nil {
		t.Fatal("expected second UpdatePendingResult to fail (monotonic write)")
	}
}

func TestGetCompletedResultsAndDelete(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	for _, id := range []string{"a", "b"} {
		row := PendingRow{RequestID: id, ToolName: "t", Args: json.RawMessage(`{}`), Signature: "t", MessageID: "m", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		if err := s.InsertPending(row); err != nil {
			t.Fatalf("InsertPending(%s): %v", id, err)
		}
	}
	if err := s.UpdatePendingResult("a", json.RawMessage(`{"status":"executed","data":[]}`)); err != nil {
		t.Fatalf("UpdatePendingResult: %v", err)
	}

	completed, err := s.GetCompletedResults()
	if err != nil {
		t.Fatalf("GetCompletedResults: %v", err)
	}
	if len(completed) != 1 || completed[0].RequestID != "a" {
		t.Fatalf("completed = %+v, want exactly row a", completed)
	}

	if err := s.DeleteCompletedResults([]string{"a"}); err != nil {
		t.Fatalf("DeleteCompletedResults: %v", err)
	}
	completed, err = s.GetCompletedResults()
	if err != nil {
		t.Fatalf("GetCompletedResults (second call): %v", err)
	}
	if len(completed) != 0 {
		t.Errorf("expected empty after delete, got %+v", completed)
	}

	// b is untouched and still pending.
	if _, found, err := s.GetPending("b"); err != nil || !found {
		t.Errorf("expected row b to remain pending, found=%v err=%v", found, err)
	}
}

func TestCleanupStale(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	expired := PendingRow{RequestID: "expired", ToolName: "t", Args: json.RawMessage(`{}`), Signature: "t", MessageID: "m", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}
	fresh := PendingRow{RequestID: "fresh", ToolName: "t", Args: json.RawMessage(`{}`), Signature: "t", MessageID: "m", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := s.InsertPending(expired); err != nil {
		t.Fatalf("InsertPending(expired): %v", err)
	}
	if err := s.InsertPending(fresh); err != nil {
		t.Fatalf("InsertPending(fresh): %v", err)
	}

	deleted, err := s.CleanupStale(now)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "expired" {
		t.Fatalf("deleted = %v, want [expired]", deleted)
	}
	if _, found, _ := s.GetPending("fresh"); !found {
		t.Error("expected fresh row to survive cleanup")
	}
}

func TestAuditLogAndResolution(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	id, err := s.LogAudit(AuditEntry{
		RequestID: "r3",
		Timestamp: now,
		ToolName:  "ha_call_service",
		Args:      json.RawMessage(`{}`),
		Signature: "ha_call_service()",
		Decision:  "ask",
	})
	if err != nil {
		t.Fatalf("LogAudit: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero audit row id")
	}

	err = s.UpdateAuditResolution("r3", "approved", "12345", now, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("UpdateAuditResolution: %v", err)
	}
}
