package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/dispatch/internal/dispatch/store"
)

func testArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("opening test archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func completed(identifier string, status store.Status, at time.Time) store.CompletedDispatch {
	return store.CompletedDispatch{
		IssueIdentifier: identifier,
		Tier:            store.TierMedior,
		Status:          status,
		CompletedAt:     at,
		TotalAttempts:   2,
		PRUrl:           "https://example.com/pr/7",
		Project:         "core",
	}
}

func TestRecordCompleted_GetRoundTrip(t *testing.T) {
	a := testArchive(t)
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := a.RecordCompleted(completed("CT-100", store.StatusDone, at)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := a.Get("CT-100")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != store.StatusDone || got.Tier != store.TierMedior || got.TotalAttempts != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.CompletedAt.Equal(at) {
		t.Errorf("expected completedAt %v, got %v", at, got.CompletedAt)
	}
	if got.PRUrl != "https://example.com/pr/7" || got.Project != "core" {
		t.Errorf("optional fields lost: %+v", got)
	}
}

func TestRecordCompleted_SecondWrite_Upserts(t *testing.T) {
	a := testArchive(t)
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := a.RecordCompleted(completed("CT-100", store.StatusDone, at)); err != nil {
		t.Fatal(err)
	}
	// The monitor re-records the same dispatch before pruning.
	if err := a.RecordCompleted(completed("CT-100", store.StatusDone, at)); err != nil {
		t.Fatalf("upsert must not fail: %v", err)
	}

	rows, err := a.ListRecent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("expected a single archived row, got %d", len(rows))
	}
}

func TestListRecent_OrdersByCompletedAtDesc(t *testing.T) {
	a := testArchive(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	a.RecordCompleted(completed("CT-1", store.StatusDone, base.Add(-2*time.Hour)))
	a.RecordCompleted(completed("CT-2", store.StatusFailed, base))
	a.RecordCompleted(completed("CT-3", store.StatusDone, base.Add(-time.Hour)))

	rows, err := a.ListRecent(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected limit respected, got %d rows", len(rows))
	}
	if rows[0].IssueIdentifier != "CT-2" || rows[1].IssueIdentifier != "CT-3" {
		t.Errorf("unexpected order: %s, %s", rows[0].IssueIdentifier, rows[1].IssueIdentifier)
	}
}

func TestCountByStatus(t *testing.T) {
	a := testArchive(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	a.RecordCompleted(completed("CT-1", store.StatusDone, base))
	a.RecordCompleted(completed("CT-2", store.StatusDone, base))
	a.RecordCompleted(completed("CT-3", store.StatusFailed, base))

	counts, err := a.CountByStatus()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[store.StatusDone] != 2 || counts[store.StatusFailed] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
