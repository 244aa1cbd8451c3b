package report_test

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"chronotrial/internal/domain"
	"chronotrial/internal/report"
)

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{0, "0:00.00"},
		{450, "0:00.45"},
		{59990, "0:59.99"},
		{90500, "1:30.50"},
		{3599990, "59:59.99"},
		{3600000, "1:00:00.00"},
		{5025340, "1:23:45.34"},
		{-10, "0:00.00"},
	}
	for _, c := range cases {
		if got := report.FormatDuration(c.ms); got != c.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", c.ms, got, c.want)
		}
	}
}

func TestWriteReportWorkbook(t *testing.T) {
	started := "2025-06-01T09:00:00Z"
	ended := "2025-06-01T11:00:00Z"
	trial := domain.Trial{
		ID:          1,
		Name:        "Spring Open",
		ScheduledAt: "2025-06-01T09:00:00Z",
		StartedAt:   &started,
		EndedAt:     &ended,
	}
	summary := domain.TrialSummary{
		Registrations: 2,
		Finishers:     2,
		Pending:       0,
		FastestMs:     90500,
		SlowestMs:     120000,
		AverageMs:     105250,
	}
	groups := []report.Group{{
		Title: "Road - Senior",
		Entries: []domain.RankingEntry{
			{Position: 1, PlateCode: "101", AthleteName: "Jane Doe",
				StartTime: started, EndTime: "2025-06-01T09:01:30Z", DurationMs: 90500},
			{Position: 2, PlateCode: "102", AthleteName: "John Roe",
				StartTime: started, EndTime: "2025-06-01T09:02:00Z", DurationMs: 120000},
		},
	}}

	path := filepath.Join(t.TempDir(), "spring-open.xlsx")
	if err := report.Write(path, trial, summary, groups); err != nil {
		t.Fatalf("write: %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != "Summary" || sheets[1] != "Road - Senior" {
		t.Fatalf("sheets: %v", sheets)
	}
	if v, _ := f.GetCellValue("Summary", "B1"); v != "Spring Open" {
		t.Errorf("summary trial name: %q", v)
	}
	if v, _ := f.GetCellValue("Summary", "B8"); v != "1:30.50" {
		t.Errorf("summary fastest: %q", v)
	}
	if v, _ := f.GetCellValue("Road - Senior", "A1"); v != "Pos" {
		t.Errorf("group header: %q", v)
	}
	if v, _ := f.GetCellValue("Road - Senior", "C2"); v != "Jane Doe" {
		t.Errorf("first athlete: %q", v)
	}
	if v, _ := f.GetCellValue("Road - Senior", "F3"); v != "2:00.00" {
		t.Errorf("second duration: %q", v)
	}
}

func TestReadParticipants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "participants.xlsx")
	f := excelize.NewFile()
	rows := [][]any{
		{"Plate", "Name", "Modality", "Category"},
		{"101", "Jane Doe", "Road", "Senior"},
		{"", "", "", ""},
		{" 102 ", " John Roe "}, // truncated row, padded cells
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := report.ReadParticipants(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows: %+v", got)
	}
	want := report.ParticipantRow{PlateCode: "101", Name: "Jane Doe", Modality: "Road", Category: "Senior"}
	if got[0] != want {
		t.Errorf("row 0: %+v", got[0])
	}
	if got[1].PlateCode != "102" || got[1].Name != "John Roe" || got[1].Modality != "" {
		t.Errorf("row 1: %+v", got[1])
	}

	if _, err := report.ReadParticipants(filepath.Join(t.TempDir(), "missing.xlsx")); err == nil {
		t.Fatal("expected error for missing workbook")
	}
}
