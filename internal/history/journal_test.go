package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/seqworker/internal/config"
	"github.com/friendsincode/seqworker/internal/db"
	"github.com/friendsincode/seqworker/internal/orchestrator"
	"github.com/friendsincode/seqworker/internal/storage"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.Connect(config.DatabaseSQLite, filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	return database
}

func TestJournalRecordsOutcomeOnce(t *testing.T) {
	database := openDB(t)
	j := NewJournal(database, nil, "guid-1", zerolog.Nop())

	ended := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	o := orchestrator.Outcome{
		ClientID:     3,
		AssignmentID: 42,
		ResourcePath: "smoke/login",
		Status:       orchestrator.StatusCompleteError,
		Details:      orchestrator.Details{"error": "button not found"},
		StartedAt:    ended.Add(-time.Minute),
		EndedAt:      ended,
	}
	j.Record(o)
	j.Record(o)
	j.Close()

	rows, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if row.AssignmentID != 42 || row.Status != "COMPLETE_ERROR" || row.ClientGUID != "guid-1" {
		t.Errorf("row = %+v", row)
	}
	if row.Details != `{"error":"button not found"}` {
		t.Errorf("Details = %q", row.Details)
	}
	if row.StartedAt == nil || !row.StartedAt.Equal(ended.Add(-time.Minute)) {
		t.Errorf("StartedAt = %v", row.StartedAt)
	}
}

func TestJournalUploadsRecording(t *testing.T) {
	database := openDB(t)
	root := t.TempDir()
	store := storage.NewFilesystemStore(filepath.Join(root, "artifacts"), zerolog.Nop())

	recording := filepath.Join(root, "login_1772366700.json")
	if err := os.WriteFile(recording, []byte(`{"name":"Login"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	j := NewJournal(database, store, "guid-2", zerolog.Nop())
	ended := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	j.Record(orchestrator.Outcome{
		AssignmentID: 7,
		Status:       orchestrator.StatusCompleteSuccess,
		EndedAt:      ended,
		SaveLocation: recording,
	})
	j.Close()

	rows, err := j.Recent(context.Background(), 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("Recent() = %v, %v", rows, err)
	}
	wantKey := "guid-2/2026/03/01/7-login_1772366700.json"
	if rows[0].ArtifactKey != wantKey {
		t.Errorf("ArtifactKey = %q, want %q", rows[0].ArtifactKey, wantKey)
	}
	if _, err := os.Stat(rows[0].ArtifactURL); err != nil {
		t.Errorf("uploaded artifact missing: %v", err)
	}
}

func TestJournalUploadFailureStillJournals(t *testing.T) {
	database := openDB(t)
	store := storage.NewFilesystemStore(t.TempDir(), zerolog.Nop())

	j := NewJournal(database, store, "guid-3", zerolog.Nop())
	j.Record(orchestrator.Outcome{
		AssignmentID: 9,
		Status:       orchestrator.StatusCancelled,
		EndedAt:      time.Now(),
		SaveLocation: filepath.Join(t.TempDir(), "never-written.json"),
	})
	j.Close()

	rows, err := j.Recent(context.Background(), 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("Recent() = %v, %v", rows, err)
	}
	if rows[0].ArtifactKey != "" || rows[0].Status != "CANCELLED" {
		t.Errorf("row = %+v", rows[0])
	}
}

func TestJournalWithoutDatabase(t *testing.T) {
	j := NewJournal(nil, nil, "guid-4", zerolog.Nop())
	j.Record(orchestrator.Outcome{AssignmentID: 1, Status: orchestrator.StatusCompleteSuccess})
	j.Close()
	j.Close()
	j.Record(orchestrator.Outcome{AssignmentID: 2})

	rows, err := j.Recent(context.Background(), 10)
	if err != nil || len(rows) != 0 {
		t.Errorf("Recent() = %v, %v, want empty", rows, err)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	database := openDB(t)
	j := NewJournal(database, nil, "guid-5", zerolog.Nop())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		j.Record(orchestrator.Outcome{AssignmentID: i, Status: orchestrator.StatusCompleteSuccess, EndedAt: base.Add(time.Duration(i) * time.Hour)})
	}
	j.Close()

	rows, err := j.Recent(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].AssignmentID != 3 || rows[1].AssignmentID != 2 {
		t.Errorf("Recent(2) = %+v", rows)
	}
}
