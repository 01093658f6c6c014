package audit

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pysugar/toolbridge/internal/clock"
	"github.com/pysugar/toolbridge/internal/db"
	"github.com/pysugar/toolbridge/internal/db/models"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.InitDB(db.BackendSQLite, filepath.Join(t.TempDir(), "audit.db"), false)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	return database
}

func TestRecord_ForcesDataClearedAndTruncates(t *testing.T) {
	database := setupTestDB(t)
	log := NewLog(database)
	ctx := context.Background()

	err := log.Record(ctx, Entry{
		UserID:   "u1",
		Action:   models.ActionConnect,
		ToolType: "github",
		Err:      strings.Repeat("e", 5000),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	var row models.AuditLogEntry
	if err := database.First(&row).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if !row.DataCleared {
		t.Error("data_cleared should always be true")
	}
	if row.ErrorMessage == nil || len(*row.ErrorMessage) >= 5000 {
		t.Errorf("error message not truncated")
	}
	if row.IntegrationID != nil {
		t.Errorf("integration id = %v, want nil", *row.IntegrationID)
	}
}

func TestRecord_RequiresUser(t *testing.T) {
	log := NewLog(setupTestDB(t))
	if err := log.Record(context.Background(), Entry{Action: models.ActionConnect}); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("Record() error = %v, want ErrMissingUser", err)
	}
}

func TestGetUserHistory(t *testing.T) {
	mock := clock.NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := NewLog(setupTestDB(t), WithClock(mock))
	ctx := context.Background()

	for i, tool := range []string{"github", "jira", "github"} {
		mock.Advance(time.Minute)
		if err := log.LogConsent(ctx, "u1", tool); err != nil {
			t.Fatalf("LogConsent %d: %v", i, err)
		}
	}
	if err := log.LogConsent(ctx, "u2", "github"); err != nil {
		t.Fatalf("LogConsent: %v", err)
	}

	entries, err := log.GetUserHistory(ctx, "u1", 0, "")
	if err != nil {
		t.Fatalf("GetUserHistory: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if !entries[0].CreatedAt.After(entries[2].CreatedAt) {
		t.Error("history should be newest first")
	}

	entries, err = log.GetUserHistory(ctx, "u1", 0, "github")
	if err != nil {
		t.Fatalf("GetUserHistory(tool): %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d github entries, want 2", len(entries))
	}

	entries, err = log.GetUserHistory(ctx, "u1", 1, "")
	if err != nil {
		t.Fatalf("GetUserHistory(limit): %v", err)
	}
	if len(entries) != 1 || entries[0].ToolType != "github" {
		t.Fatalf("limit 1 returned %+v", entries)
	}
}

func TestStats(t *testing.T) {
	log := NewLog(setupTestDB(t))
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(log.LogFetchOperation(ctx, "u1", "jira", 3, "s1", true, ""))
	must(log.LogFetchOperation(ctx, "u1", "jira", 4, "s2", true, ""))
	must(log.LogFetchOperation(ctx, "u2", "github", 1, "s3", true, ""))
	must(log.LogFetchOperation(ctx, "u2", "github", 0, "", false, "boom"))
	must(log.LogFetchOperation(ctx, "u2", "github", 0, "", false, "boom"))
	must(log.LogConsent(ctx, "u3", "slack"))

	stats, err := log.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalUsers != 3 {
		t.Errorf("TotalUsers = %d, want 3", stats.TotalUsers)
	}
	if stats.TotalFetches != 3 {
		t.Errorf("TotalFetches = %d, want 3", stats.TotalFetches)
	}
	if stats.MostUsedTool != "jira" {
		t.Errorf("MostUsedTool = %q, want jira", stats.MostUsedTool)
	}
}

func TestStats_Empty(t *testing.T) {
	stats, err := NewLog(setupTestDB(t)).Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalUsers != 0 || stats.TotalFetches != 0 || stats.MostUsedTool != "" {
		t.Fatalf("unexpected stats on empty log: %+v", stats)
	}
}

func TestIncompleteFetches(t *testing.T) {
	log := NewLog(setupTestDB(t))
	ctx := context.Background()

	if err := log.LogFetchRequested(ctx, "u1", "github", "f1", true); err != nil {
		t.Fatal(err)
	}
	if err := log.LogFetchCompleted(ctx, FetchOutcome{UserID: "u1", Tool: "github", FetchID: "f1", SessionID: "s1", ItemCount: 2, Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := log.LogFetchRequested(ctx, "u1", "jira", "f2", true); err != nil {
		t.Fatal(err)
	}

	entries, err := log.IncompleteFetches(ctx, "u1")
	if err != nil {
		t.Fatalf("IncompleteFetches: %v", err)
	}
	if len(entries) != 1 || entries[0].FetchID != "f2" {
		t.Fatalf("IncompleteFetches = %+v, want only f2", entries)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	mock := clock.NewMock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	log := NewLog(setupTestDB(t), WithClock(mock))
	ctx := context.Background()

	if err := log.LogConsent(ctx, "u1", "github"); err != nil {
		t.Fatal(err)
	}
	mock.Advance(100 * 24 * time.Hour)
	if err := log.LogConsent(ctx, "u1", "jira"); err != nil {
		t.Fatal(err)
	}

	n, err := log.PurgeOlderThan(ctx, 0)
	if err != nil {
		t.Fatalf("PurgeOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}

	entries, _ := log.GetUserHistory(ctx, "u1", 0, "")
	if len(entries) != 1 || entries[0].ToolType != "jira" {
		t.Fatalf("remaining = %+v, want the jira entry", entries)
	}
}

func TestDeleteUser(t *testing.T) {
	log := NewLog(setupTestDB(t))
	ctx := context.Background()

	_ = log.LogConsent(ctx, "u1", "github")
	_ = log.LogConsent(ctx, "u1", "jira")
	_ = log.LogConsent(ctx, "u2", "github")

	n, err := log.DeleteUser(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	if entries, _ := log.GetUserHistory(ctx, "u2", 0, ""); len(entries) != 1 {
		t.Fatalf("other user's entries should remain, got %d", len(entries))
	}
	if _, err := log.DeleteUser(ctx, ""); !errors.Is(err, ErrMissingUser) {
		t.Fatalf("DeleteUser(\"\") error = %v", err)
	}
}
