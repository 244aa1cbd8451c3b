package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"chronotrial/internal/config"
	"chronotrial/internal/db"
	"chronotrial/internal/engine"
	"chronotrial/internal/migrate"
	"chronotrial/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, engine.Engine, string) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, engine.New(conn, config.Default()), workspace
}

func TestValidateIntegrityCleanStore(t *testing.T) {
	r, e, _ := newTestRepo(t)
	ctx := context.Background()

	tr, err := e.CreateTrial(ctx, "Clean", time.Now().Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Register(ctx, engine.RegisterOptions{
		TrialID: tr.ID, AthleteName: "Jane Doe", PlateCode: "101",
		CategoryName: "Senior", ModalityName: "Road",
	}); err != nil {
		t.Fatal(err)
	}

	findings, err := r.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Fatalf("clean store reported findings: %+v", findings)
	}
}

func TestValidateIntegrityFindsOrphans(t *testing.T) {
	r, e, workspace := newTestRepo(t)
	ctx := context.Background()

	tr, err := e.CreateTrial(ctx, "Dirty", time.Now().Add(time.Hour).Format(time.RFC3339))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Register(ctx, engine.RegisterOptions{
		TrialID: tr.ID, AthleteName: "Jane Doe", PlateCode: "101",
		CategoryName: "Senior", ModalityName: "Road",
	}); err != nil {
		t.Fatal(err)
	}

	// damage the store through a handle that skips the foreign_keys pragma
	raw, err := sql.Open("sqlite", "file:"+db.Path(workspace)+"?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := raw.ExecContext(ctx,
		`INSERT INTO registrations(trial_id, athlete_id, category_id, modality_id, plate_code, created_at)
		 VALUES(?, 9999, 9998, 9997, '777', ?)`, tr.ID, now); err != nil {
		t.Fatalf("seed orphan registration: %v", err)
	}
	if _, err := raw.ExecContext(ctx,
		`INSERT INTO results(registration_id, start_time, end_time, duration_ms, created_at)
		 VALUES(8888, ?, ?, 60000, ?)`, now, now, now); err != nil {
		t.Fatalf("seed orphan result: %v", err)
	}

	findings, err := r.ValidateIntegrity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make(map[string]int)
	for _, f := range findings {
		kinds[f.Kind]++
	}
	for _, want := range []string{"orphan_athlete", "orphan_category", "orphan_modality", "orphan_registration"} {
		if kinds[want] != 1 {
			t.Errorf("kind %s reported %d times, findings: %+v", want, kinds[want], findings)
		}
	}
}
