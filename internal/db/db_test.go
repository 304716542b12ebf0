package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		store, err := Open(Config{Path: path})
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		store.Close()
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Settings.GetSetting(ctx, SettingSerial); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetSetting on empty store: %v", err)
	}
	if v, err := store.Settings.GetString(ctx, SettingSerial); err != nil || v != "" {
		t.Fatalf("GetString = %q, %v", v, err)
	}

	if err := store.Settings.SetSetting(ctx, SettingSerial, "P3D-100", false); err != nil {
		t.Fatal(err)
	}
	if err := store.Settings.SetSetting(ctx, SettingSerial, "P3D-200", false); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Settings.GetString(ctx, SettingSerial); v != "P3D-200" {
		t.Errorf("serial = %q, want overwrite to P3D-200", v)
	}

	if err := store.Settings.DeleteSetting(ctx, SettingSerial); err != nil {
		t.Fatal(err)
	}
	if v, _ := store.Settings.GetString(ctx, SettingSerial); v != "" {
		t.Errorf("serial after delete = %q", v)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := &CloudJob{JobID: "42", FileURL: "http://x/a.stl", ConfigURL: "http://x/p.ini", FileType: "stl"}
	if err := store.Jobs.CreateJob(ctx, first); err != nil {
		t.Fatal(err)
	}
	if first.ID == 0 || first.State != JobStatePreparing {
		t.Fatalf("created job = %+v", first)
	}

	// A reprint of the same cloud job id gets its own row; updates hit the newest.
	second := &CloudJob{JobID: "42", FileURL: "http://x/a.stl", FileType: "stl"}
	if err := store.Jobs.CreateJob(ctx, second); err != nil {
		t.Fatal(err)
	}

	if err := store.Jobs.UpdateJobState(ctx, "42", JobStatePrinting); err != nil {
		t.Fatal(err)
	}
	if err := store.Jobs.CompleteJob(ctx, "42", JobStateCompleted, 1234.5, 600); err != nil {
		t.Fatal(err)
	}

	latest, err := store.Jobs.GetLatestJob(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest id = %d, want %d", latest.ID, second.ID)
	}
	if latest.State != JobStateCompleted || latest.FilamentUsed != 1234.5 || latest.PrintSeconds != 600 {
		t.Errorf("latest = %+v", latest)
	}
	if latest.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	jobs, err := store.Jobs.ListJobs(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != second.ID {
		t.Fatalf("ListJobs order wrong: %+v", jobs)
	}
	if jobs[1].State != JobStatePreparing {
		t.Errorf("older row changed: %+v", jobs[1])
	}

	count, err := store.Jobs.CountJobs(ctx)
	if err != nil || count != 2 {
		t.Errorf("CountJobs = %d, %v", count, err)
	}

	if _, err := store.Jobs.GetLatestJob(ctx, "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing job error = %v", err)
	}
}

func TestPruneBefore(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Jobs.CreateJob(ctx, &CloudJob{JobID: "1", FileType: "gcode"}); err != nil {
		t.Fatal(err)
	}

	removed, err := store.Jobs.PruneBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("prune old cutoff removed %d, %v", removed, err)
	}
	removed, err = store.Jobs.PruneBefore(ctx, time.Now().Add(time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("prune future cutoff removed %d, %v", removed, err)
	}
}
