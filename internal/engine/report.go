package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chronotrial/internal/domain"
	"chronotrial/internal/repo"
	"chronotrial/internal/report"
)

// WriteReport renders the final workbook for a finished trial, one sheet
// per modality and category pair, and returns the written path.
func (e Engine) WriteReport(ctx context.Context, trialID int64, outDir string) (string, error) {
	t, err := e.Repo.GetTrial(ctx, trialID)
	if err != nil {
		return "", err
	}
	if t.Status() != domain.TrialFinished {
		return "", statef("trial %d is not finished; stop it before reporting", trialID)
	}
	entries, err := e.Repo.RankTrial(ctx, trialID, repo.PolicyCurrent)
	if err != nil {
		return "", err
	}
	summary, err := e.Repo.TrialSummary(ctx, t)
	if err != nil {
		return "", err
	}

	// Preserve ranking order inside each group; groups appear in the
	// order their first finisher does.
	var groups []report.Group
	index := make(map[string]int)
	for _, entry := range entries {
		title := entry.ModalityName + " - " + entry.CategoryName
		i, ok := index[title]
		if !ok {
			i = len(groups)
			index[title] = i
			groups = append(groups, report.Group{Title: title})
		}
		groups[i].Entries = append(groups[i].Entries, entry)
	}
	for i := range groups {
		for j := range groups[i].Entries {
			groups[i].Entries[j].Position = j + 1
		}
	}

	if outDir == "" {
		outDir = e.Config.Report.OutputDir
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("report dir: %w", err)
	}
	path := filepath.Join(outDir, sanitizeFilename(t.Name)+".xlsx")
	if err := report.Write(path, t, summary, groups); err != nil {
		return "", err
	}
	return path, nil
}

// ImportFile reads a registration workbook and applies it as an import
// batch against the trial.
func (e Engine) ImportFile(ctx context.Context, trialID int64, path string, resolutions map[string]Resolution) (ImportReport, error) {
	rows, err := readImportRows(path)
	if err != nil {
		return ImportReport{}, err
	}
	return e.ApplyImport(ctx, trialID, rows, resolutions)
}

// PlanImportFile is the dry-run counterpart of ImportFile.
func (e Engine) PlanImportFile(ctx context.Context, trialID int64, path string) (ImportPlan, error) {
	rows, err := readImportRows(path)
	if err != nil {
		return ImportPlan{}, err
	}
	return e.PlanImport(ctx, trialID, rows)
}

func readImportRows(path string) ([]ImportRow, error) {
	participants, err := report.ReadParticipants(path)
	if err != nil {
		return nil, err
	}
	rows := make([]ImportRow, 0, len(participants))
	for _, p := range participants {
		rows = append(rows, ImportRow{
			Name:      p.Name,
			PlateCode: p.PlateCode,
			Category:  p.Category,
			Modality:  p.Modality,
		})
	}
	return rows, nil
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	return replacer.Replace(strings.TrimSpace(name))
}
