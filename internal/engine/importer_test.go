package engine_test

import (
	"strings"
	"testing"

	"chronotrial/internal/engine"
)

func TestPlanImportValidation(t *testing.T) {
	env := newTestEnv(t)
	tr := runningTrial(t, env, "Plan")
	register(t, env, tr.ID, "John Doe", "101")

	rows := []engine.ImportRow{
		{Name: "Jane Roe", PlateCode: "102", Category: "Senior", Modality: "Road"},
		{Name: "", PlateCode: "103", Category: "Senior", Modality: "Road"},
		{Name: "Max Miller", PlateCode: "", Category: "", Modality: "Road"},
		{Name: "Anna Lee", PlateCode: "104", Category: "Senior", Modality: "Road"},
		{Name: "Ben King", PlateCode: "104", Category: "Junior", Modality: "Trail"},
		{Name: "john doe", PlateCode: "105", Category: "Senior", Modality: "Road"},
	}
	plan, err := env.Engine.PlanImport(env.Ctx, tr.ID, rows)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.Valid != 1 || plan.Invalid != 4 || plan.Conflicts != 1 {
		t.Fatalf("plan counts: valid=%d invalid=%d conflicts=%d", plan.Valid, plan.Invalid, plan.Conflicts)
	}
	if plan.Rows[1].Status != engine.RowInvalid || plan.Rows[1].Reason != "missing name" {
		t.Fatalf("row 1: %+v", plan.Rows[1])
	}
	if plan.Rows[2].Reason != "missing plate, category" {
		t.Fatalf("row 2: %+v", plan.Rows[2])
	}
	// every occurrence of a duplicated plate is invalid, not just the second
	if plan.Rows[3].Status != engine.RowInvalid || plan.Rows[4].Status != engine.RowInvalid {
		t.Fatalf("duplicate plates: %+v / %+v", plan.Rows[3], plan.Rows[4])
	}
	// different plate for an already-registered athlete is a conflict
	if plan.Rows[5].Status != engine.RowConflict {
		t.Fatalf("row 5: %+v", plan.Rows[5])
	}
	// a plan never writes
	regs, err := env.Engine.Repo.ListRegistrationsByTrial(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != 1 {
		t.Fatalf("plan mutated the store: %d registrations", len(regs))
	}
}

func TestPlanImportBatchDuplicateIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	tr := runningTrial(t, env, "Dup Case")
	plan, err := env.Engine.PlanImport(env.Ctx, tr.ID, []engine.ImportRow{
		{Name: "Anna Lee", PlateCode: "A10", Category: "Senior", Modality: "Road"},
		{Name: "Ben King", PlateCode: "a10", Category: "Senior", Modality: "Road"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Invalid != 2 {
		t.Fatalf("expected both rows invalid, got %+v", plan)
	}
}

func TestApplyImportResolutions(t *testing.T) {
	env := newTestEnv(t)
	tr := runningTrial(t, env, "Resolve")
	register(t, env, tr.ID, "Jane Doe", "101")

	rows := []engine.ImportRow{
		{Name: "Jane Doe", PlateCode: "102", Category: "Senior", Modality: "Road"},
		{Name: "New Face", PlateCode: "103", Category: "Senior", Modality: "Road"},
	}

	// unresolved conflict fails its row only
	rep, err := env.Engine.ApplyImport(env.Ctx, tr.ID, rows, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rep.Imported != 1 || rep.Failed != 1 || rep.BatchID == "" {
		t.Fatalf("unresolved: %+v", rep)
	}
	if !strings.Contains(rep.Rows[0].Reason, "unresolved conflict") {
		t.Fatalf("row 0: %+v", rep.Rows[0])
	}

	// keep skips without error and leaves the plate alone
	rep, err = env.Engine.ApplyImport(env.Ctx, tr.ID, rows[:1], map[string]engine.Resolution{"jane doe": engine.ResolveKeep})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 1 || rep.Failed != 0 {
		t.Fatalf("keep: %+v", rep)
	}
	reg, err := env.Engine.Repo.FindRegistrationByAthleteName(env.Ctx, tr.ID, "Jane Doe")
	if err != nil {
		t.Fatal(err)
	}
	if reg.PlateCode != "101" {
		t.Fatalf("keep rewrote plate to %s", reg.PlateCode)
	}

	// replace rewrites the registration in place
	rep, err = env.Engine.ApplyImport(env.Ctx, tr.ID, rows[:1], map[string]engine.Resolution{"jane doe": engine.ResolveReplace})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Imported != 1 {
		t.Fatalf("replace: %+v", rep)
	}
	reg, err = env.Engine.Repo.FindRegistrationByAthleteName(env.Ctx, tr.ID, "Jane Doe")
	if err != nil {
		t.Fatal(err)
	}
	if reg.PlateCode != "102" {
		t.Fatalf("replace kept plate %s", reg.PlateCode)
	}
}

func TestApplyImportMatchingRowIsNotAConflict(t *testing.T) {
	env := newTestEnv(t)
	tr := runningTrial(t, env, "Rerun")
	register(t, env, tr.ID, "Jane Doe", "101")

	// same athlete, same details: re-importing the same sheet fails the row
	// on the plate, not as a conflict
	rep, err := env.Engine.ApplyImport(env.Ctx, tr.ID, []engine.ImportRow{
		{Name: "jane doe", PlateCode: "101", Category: "Senior", Modality: "Road"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || !strings.Contains(rep.Rows[0].Reason, "plate") {
		t.Fatalf("rerun: %+v", rep.Rows[0])
	}
}
