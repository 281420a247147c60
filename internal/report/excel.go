package report

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

var excelHeaders = []string{"Date", "Author", "Hours", "Description", "Issue", "Project"}

var excelColWidths = []float64{20, 15, 10, 50, 25, 20}

// Workbook renders the aggregated report as an .xlsx file in memory.
//
// Layout: a merged title row, an optional project-list row for multi-project
// reports, a bordered header row, one row per worklog entry, a totals row,
// and per-project statistics when more than one project is selected.
func Workbook(r *Result, projectKeys []string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(projectKeys)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	titleStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, err
	}
	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
		Border:    thinBorders(),
	})
	if err != nil {
		return nil, err
	}
	cellStyle, err := f.NewStyle(&excelize.Style{Border: thinBorders()})
	if err != nil {
		return nil, err
	}
	boldStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	period := fmt.Sprintf("%s to %s", r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
	title := fmt.Sprintf("Worklog report for %s, %s", strings.Join(projectKeys, ", "), period)
	if len(projectKeys) > 1 {
		title = fmt.Sprintf("Consolidated worklog report (%d projects), %s", len(projectKeys), period)
	}
	if err := f.MergeCell(sheet, "A1", "F1"); err != nil {
		return nil, err
	}
	f.SetCellValue(sheet, "A1", title)
	f.SetCellStyle(sheet, "A1", "A1", titleStyle)

	headerRow := 3
	if len(projectKeys) > 1 {
		if err := f.MergeCell(sheet, "A2", "F2"); err != nil {
			return nil, err
		}
		f.SetCellValue(sheet, "A2", "Projects: "+strings.Join(projectKeys, ", "))
		headerRow = 4
	}

	for col, h := range excelHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, headerRow)
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	for i, e := range r.Entries {
		row := headerRow + 1 + i
		values := []any{
			e.Date.Format("2006-01-02"),
			e.Author,
			Hours(e.DurationSeconds),
			e.Comment,
			fmt.Sprintf("%s %s", e.IssueKey, e.IssueSummary),
			e.ProjectName,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			f.SetCellValue(sheet, cell, v)
			f.SetCellStyle(sheet, cell, cell, cellStyle)
		}
	}

	for col, w := range excelColWidths {
		name, _ := excelize.ColumnNumberToName(col + 1)
		f.SetColWidth(sheet, name, name, w)
	}

	if len(r.Entries) > 0 {
		totalRow := headerRow + len(r.Entries) + 2
		if err := f.MergeCell(sheet, fmt.Sprintf("A%d", totalRow), fmt.Sprintf("B%d", totalRow)); err != nil {
			return nil, err
		}
		f.SetCellValue(sheet, fmt.Sprintf("A%d", totalRow), "Total hours:")
		f.SetCellValue(sheet, fmt.Sprintf("C%d", totalRow), Hours(r.GrandTotal))
		f.SetCellStyle(sheet, fmt.Sprintf("A%d", totalRow), fmt.Sprintf("C%d", totalRow), boldStyle)

		if len(projectKeys) > 1 {
			statsRow := totalRow + 2
			f.SetCellValue(sheet, fmt.Sprintf("A%d", statsRow), "Per-project totals:")
			f.SetCellStyle(sheet, fmt.Sprintf("A%d", statsRow), fmt.Sprintf("A%d", statsRow), boldStyle)
			i := 1
			for _, key := range projectKeys {
				total, ok := r.TotalsByProject[key]
				if !ok {
					continue
				}
				f.SetCellValue(sheet, fmt.Sprintf("A%d", statsRow+i), key)
				f.SetCellValue(sheet, fmt.Sprintf("B%d", statsRow+i), Hours(total)+" h")
				i++
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// Filename builds a filesystem-safe workbook name from the project keys and
// the report period.
func Filename(projectKeys []string, r *Result) string {
	projects := strings.Join(projectKeys, "_")
	if len(projectKeys) > 3 {
		projects = fmt.Sprintf("%d_projects", len(projectKeys))
	}
	return fmt.Sprintf("timesheet_%s_%s_%s.xlsx",
		projects, r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"))
}

// sheetName stays within the 31-character sheet name limit.
func sheetName(projectKeys []string) string {
	name := "Worklogs " + strings.Join(projectKeys, ",")
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

func thinBorders() []excelize.Border {
	return []excelize.Border{
		{Type: "top", Style: 1},
		{Type: "bottom", Style: 1},
		{Type: "left", Style: 1},
		{Type: "right", Style: 1},
	}
}
