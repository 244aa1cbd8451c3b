package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chronotrial/internal/domain"
	"chronotrial/internal/events"
	"chronotrial/internal/repo"
)

// ImportRow is one participant row from an external registration list.
type ImportRow struct {
	Name      string `json:"name"`
	PlateCode string `json:"plate_code"`
	Category  string `json:"category"`
	Modality  string `json:"modality"`
}

// Row statuses reported by PlanImport and ApplyImport.
const (
	RowValid    = "valid"
	RowInvalid  = "invalid"
	RowConflict = "conflict"
	RowImported = "imported"
	RowSkipped  = "skipped"
	RowFailed   = "failed"
)

// RowReport is the per-row outcome of an import pass.
type RowReport struct {
	Row    ImportRow `json:"row"`
	Status string    `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// ImportPlan is the dry-run output the operator reviews before applying.
type ImportPlan struct {
	TrialID   int64       `json:"trial_id"`
	Rows      []RowReport `json:"rows"`
	Valid     int         `json:"valid"`
	Invalid   int         `json:"invalid"`
	Conflicts int         `json:"conflicts"`
}

// Resolution is the operator's decision for a conflicting row, keyed by
// lowercased athlete name.
type Resolution string

const (
	ResolveKeep    Resolution = "keep"
	ResolveReplace Resolution = "replace"
)

func trimRow(row ImportRow) ImportRow {
	return ImportRow{
		Name:      strings.TrimSpace(row.Name),
		PlateCode: strings.TrimSpace(row.PlateCode),
		Category:  strings.TrimSpace(row.Category),
		Modality:  strings.TrimSpace(row.Modality),
	}
}

func missingFields(row ImportRow) string {
	var missing []string
	if row.Name == "" {
		missing = append(missing, "name")
	}
	if row.PlateCode == "" {
		missing = append(missing, "plate")
	}
	if row.Category == "" {
		missing = append(missing, "category")
	}
	if row.Modality == "" {
		missing = append(missing, "modality")
	}
	if len(missing) == 0 {
		return ""
	}
	return "missing " + strings.Join(missing, ", ")
}

// PlanImport validates an import batch against itself and against the
// trial's current registrations without writing anything. A plate that
// appears more than once in the batch invalidates every row that carries
// it. A row whose athlete is already registered with different details is
// a conflict the operator must resolve before applying.
func (e Engine) PlanImport(ctx context.Context, trialID int64, rows []ImportRow) (ImportPlan, error) {
	plan := ImportPlan{TrialID: trialID}
	if _, err := e.Repo.GetTrial(ctx, trialID); err != nil {
		return plan, err
	}

	plateCount := make(map[string]int)
	for _, row := range rows {
		plate := strings.ToLower(strings.TrimSpace(row.PlateCode))
		if plate != "" {
			plateCount[plate]++
		}
	}

	for _, raw := range rows {
		row := trimRow(raw)
		report := RowReport{Row: row, Status: RowValid}

		if reason := missingFields(row); reason != "" {
			report.Status, report.Reason = RowInvalid, reason
		} else if plateCount[strings.ToLower(row.PlateCode)] > 1 {
			report.Status = RowInvalid
			report.Reason = fmt.Sprintf("plate %s appears more than once in the batch", row.PlateCode)
		} else {
			existing, err := e.Repo.FindRegistrationByAthleteName(ctx, trialID, row.Name)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				// new athlete, nothing to reconcile
			case err != nil:
				return plan, err
			case !sameRegistration(existing, row):
				report.Status = RowConflict
				report.Reason = fmt.Sprintf("already registered as plate %s, %s / %s",
					existing.PlateCode, existing.CategoryName, existing.ModalityName)
			}
		}

		switch report.Status {
		case RowValid:
			plan.Valid++
		case RowInvalid:
			plan.Invalid++
		case RowConflict:
			plan.Conflicts++
		}
		plan.Rows = append(plan.Rows, report)
	}
	return plan, nil
}

func sameRegistration(existing domain.Registration, row ImportRow) bool {
	return strings.EqualFold(existing.PlateCode, row.PlateCode) &&
		strings.EqualFold(existing.CategoryName, row.Category) &&
		strings.EqualFold(existing.ModalityName, row.Modality)
}

// ImportReport is the outcome of an applied import batch.
type ImportReport struct {
	BatchID  string      `json:"batch_id"`
	TrialID  int64       `json:"trial_id"`
	Rows     []RowReport `json:"rows"`
	Imported int         `json:"imported"`
	Skipped  int         `json:"skipped"`
	Failed   int         `json:"failed"`
}

// ApplyImport runs the plan again and writes the valid rows, one
// transaction per row so a late failure does not undo earlier imports.
// Conflicting rows follow the operator's resolution: keep leaves the
// existing registration untouched, replace rewrites it with the row's
// details. Unresolved conflicts fail their row only.
func (e Engine) ApplyImport(ctx context.Context, trialID int64, rows []ImportRow, resolutions map[string]Resolution) (ImportReport, error) {
	plan, err := e.PlanImport(ctx, trialID, rows)
	if err != nil {
		return ImportReport{}, err
	}
	report := ImportReport{BatchID: uuid.NewString(), TrialID: trialID}

	for _, planned := range plan.Rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		row := planned.Row
		out := RowReport{Row: row}

		switch planned.Status {
		case RowInvalid:
			out.Status, out.Reason = RowInvalid, planned.Reason
		case RowConflict:
			switch resolutions[strings.ToLower(row.Name)] {
			case ResolveKeep:
				out.Status, out.Reason = RowSkipped, "kept existing registration"
			case ResolveReplace:
				if err := e.replaceRegistration(ctx, trialID, row); err != nil {
					out.Status, out.Reason = RowFailed, err.Error()
				} else {
					out.Status = RowImported
				}
			default:
				out.Status, out.Reason = RowFailed, "unresolved conflict: "+planned.Reason
			}
		default:
			_, err := e.Register(ctx, RegisterOptions{
				TrialID:      trialID,
				AthleteName:  row.Name,
				PlateCode:    row.PlateCode,
				CategoryName: row.Category,
				ModalityName: row.Modality,
			})
			if err != nil {
				out.Status, out.Reason = RowFailed, err.Error()
			} else {
				out.Status = RowImported
			}
		}

		switch out.Status {
		case RowImported:
			report.Imported++
		case RowSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
		report.Rows = append(report.Rows, out)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "import.applied", trialID, "import", report.BatchID, events.EventPayload{
		"imported": report.Imported, "skipped": report.Skipped, "failed": report.Failed,
	}); err != nil {
		return report, err
	}
	return report, tx.Commit()
}

func (e Engine) replaceRegistration(ctx context.Context, trialID int64, row ImportRow) error {
	existing, err := e.Repo.FindRegistrationByAthleteName(ctx, trialID, row.Name)
	if err != nil {
		return err
	}
	_, err = e.UpdateRegistration(ctx, UpdateRegistrationOptions{
		ID:           existing.ID,
		PlateCode:    row.PlateCode,
		CategoryName: row.Category,
		ModalityName: row.Modality,
	})
	return err
}
