// Package report renders an aggregated finding set to an .xlsx
// workbook for stakeholders who do not consume the JSON-RPC broker or
// the event stream directly.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/sentryscan/sentryscan/pkg/finding"
)

// severityOrder fixes the sheet order: most severe first, matching the
// descending sort Aggregate already produces for the findings slice.
var severityOrder = []finding.Level{
	finding.LevelCritical,
	finding.LevelHigh,
	finding.LevelMedium,
	finding.LevelLow,
	finding.LevelInfo,
}

var header = []string{
	"Finding ID", "Severity", "Confidence", "CWE", "Vulnerability",
	"File", "Line", "Source Tool", "Contributing Tools", "Summary", "Status",
}

// Export renders findings to an .xlsx workbook written to w: one sheet
// per severity band containing only findings at that level, plus a
// leading "Summary" sheet with per-severity counts. findings is
// expected to already be the aggregated, deduplicated output of
// finding.Aggregate.
func Export(findings []finding.Finding, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	bySeverity := make(map[finding.Level][]finding.Finding, len(severityOrder))
	for _, fnd := range findings {
		bySeverity[fnd.Severity.Level] = append(bySeverity[fnd.Severity.Level], fnd)
	}

	if err := writeSummarySheet(f, bySeverity); err != nil {
		return fmt.Errorf("report: summary sheet: %w", err)
	}

	for _, level := range severityOrder {
		if err := writeSeveritySheet(f, level, bySeverity[level]); err != nil {
			return fmt.Errorf("report: %s sheet: %w", level, err)
		}
	}

	// excelize always creates a default "Sheet1"; drop it once the
	// real sheets exist so Summary is the first tab a reader sees.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("report: drop default sheet: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("report: write workbook: %w", err)
	}
	return nil
}

func writeSummarySheet(f *excelize.File, bySeverity map[finding.Level][]finding.Finding) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	if err := f.SetCellValue(sheet, "A1", "Severity"); err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, "B1", "Count"); err != nil {
		return err
	}

	row := 2
	total := 0
	for _, level := range severityOrder {
		count := len(bySeverity[level])
		total += count
		if err := setRow(f, sheet, row, string(level), count); err != nil {
			return err
		}
		row++
	}
	if err := setRow(f, sheet, row, "TOTAL", total); err != nil {
		return err
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, severity string, count int) error {
	if err := f.SetCellValue(sheet, cell("A", row), severity); err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell("B", row), count)
}

func writeSeveritySheet(f *excelize.File, level finding.Level, findings []finding.Finding) error {
	sheet := string(level)
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	for col, name := range header {
		if err := f.SetCellValue(sheet, cell(columnLetter(col), 1), name); err != nil {
			return err
		}
	}

	for i, fnd := range findings {
		row := i + 2
		values := []any{
			fnd.FindingID,
			string(fnd.Severity.Level),
			fnd.Confidence.Score,
			cweLabel(fnd.VulnerabilityType.CWEID),
			fnd.VulnerabilityType.Name,
			fnd.Location.FilePath,
			fnd.Location.LineStart,
			fnd.SourceTool.ToolID,
			contributingToolsLabel(fnd.ContributingTools),
			fnd.Description.Summary,
			string(fnd.VerificationStatus),
		}
		for col, v := range values {
			if err := f.SetCellValue(sheet, cell(columnLetter(col), row), v); err != nil {
				return err
			}
		}
	}
	return nil
}

func cweLabel(id int) string {
	if id == 0 {
		return ""
	}
	return fmt.Sprintf("CWE-%d", id)
}

func contributingToolsLabel(tools []finding.SourceTool) string {
	if len(tools) == 0 {
		return ""
	}
	out := tools[0].ToolID
	for _, t := range tools[1:] {
		out += ", " + t.ToolID
	}
	return out
}

func columnLetter(col int) string {
	name, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		return "A"
	}
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
