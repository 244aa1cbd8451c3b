// Package report reads participant lists from and writes trial reports to
// xlsx workbooks.
package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"chronotrial/internal/domain"
)

// FormatDuration renders a millisecond duration as m:ss.cc, switching to
// h:mm:ss.cc past the hour.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	cents := (ms % 1000) / 10
	totalSecs := ms / 1000
	secs := totalSecs % 60
	mins := totalSecs / 60
	if mins < 60 {
		return fmt.Sprintf("%d:%02d.%02d", mins, secs, cents)
	}
	hours := mins / 60
	mins %= 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, mins, secs, cents)
}

// Group is one report sheet: the ranking of a single modality and category.
type Group struct {
	Title   string
	Entries []domain.RankingEntry
}

var header = []string{"Pos", "Plate", "Athlete", "Start", "End", "Duration", "Notes"}

// Write produces one workbook for a finished trial: a summary sheet
// followed by one sheet per group, each ranked fastest first.
func Write(path string, trial domain.Trial, summary domain.TrialSummary, groups []Group) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := writeSummary(f, trial, summary); err != nil {
		return err
	}
	for _, g := range groups {
		if err := writeGroup(f, g); err != nil {
			return fmt.Errorf("sheet %q: %w", g.Title, err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, trial domain.Trial, summary domain.TrialSummary) error {
	const sheet = "Summary"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	rows := [][]any{
		{"Trial", trial.Name},
		{"Scheduled", formatTime(trial.ScheduledAt)},
		{"Started", formatTimePtr(trial.StartedAt)},
		{"Ended", formatTimePtr(trial.EndedAt)},
		{"Registrations", summary.Registrations},
		{"Finishers", summary.Finishers},
		{"Pending", summary.Pending},
	}
	if summary.Finishers > 0 {
		rows = append(rows,
			[]any{"Fastest", FormatDuration(summary.FastestMs)},
			[]any{"Slowest", FormatDuration(summary.SlowestMs)},
			[]any{"Average", FormatDuration(int64(summary.AverageMs))},
		)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeGroup(f *excelize.File, g Group) error {
	if _, err := f.NewSheet(g.Title); err != nil {
		return err
	}
	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	if err := f.SetSheetRow(g.Title, "A1", &hdr); err != nil {
		return err
	}
	for i, entry := range g.Entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			entry.Position,
			entry.PlateCode,
			entry.AthleteName,
			formatTime(entry.StartTime),
			formatTime(entry.EndTime),
			FormatDuration(entry.DurationMs),
			entry.Notes,
		}
		if err := f.SetSheetRow(g.Title, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimePtr(s *string) string {
	if s == nil {
		return ""
	}
	return formatTime(*s)
}
