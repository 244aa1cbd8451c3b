package report

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ParticipantRow is one row of an external registration workbook, columns
// Plate, Name, Modality, Category in that order on the first sheet.
type ParticipantRow struct {
	PlateCode string
	Name      string
	Modality  string
	Category  string
}

// ReadParticipants loads a registration workbook. The first row is taken
// as a header and skipped; fully empty rows are ignored.
func ReadParticipants(path string) ([]ParticipantRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	var out []ParticipantRow
	for i, row := range rows {
		if i == 0 {
			continue
		}
		p := ParticipantRow{
			PlateCode: cell(row, 0),
			Name:      cell(row, 1),
			Modality:  cell(row, 2),
			Category:  cell(row, 3),
		}
		if p.PlateCode == "" && p.Name == "" && p.Modality == "" && p.Category == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
