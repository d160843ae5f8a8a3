package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	SheetSummary    = "Summary"
	SheetViolations = "Violations"
	SheetReasoning  = "Reasoning"
)

// XLSX writes a workbook with a summary sheet, one row per violation and one
// row per reasoning step.
func XLSX(w io.Writer, r Report) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return err
	}
	for _, sheet := range []string{SheetViolations, SheetReasoning} {
		if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
	}

	s := r.Summary
	var risk any = "unknown"
	if s.RiskKnown {
		risk = s.RiskScore
	}
	summary := [][]any{
		{"Audit", s.AuditID},
		{"Document", r.Document.Filename},
		{"Status", string(s.Status)},
		{"Risk score", risk},
		{"Risk level", string(s.RiskLevel)},
		{"Pass rate", s.PassRate},
		{"Violations", s.ViolationCount},
		{"Critical", s.CriticalCount},
		{"Warning", s.WarningCount},
		{"Info", s.InfoCount},
		{"Generated", r.GeneratedAt.Format("2006-01-02 15:04:05")},
	}
	if err := writeRows(f, SheetSummary, summary); err != nil {
		return err
	}

	violations := [][]any{{"Rule", "Name", "Severity", "Description", "Suggestion", "Expected", "Actual"}}
	for _, v := range r.Job.Violations {
		violations = append(violations, []any{v.RuleID, v.RuleName, string(v.Severity), v.Description, v.Suggestion, v.Expected, v.Actual})
	}
	if err := writeRows(f, SheetViolations, violations); err != nil {
		return err
	}

	reasoning := [][]any{{"Step", "Reasoning"}}
	for i, step := range r.Job.ReasoningChain {
		reasoning = append(reasoning, []any{i + 1, step})
	}
	if err := writeRows(f, SheetReasoning, reasoning); err != nil {
		return err
	}

	_ = f.SetColWidth(SheetSummary, "A", "A", 14)
	_ = f.SetColWidth(SheetSummary, "B", "B", 40)
	_ = f.SetColWidth(SheetViolations, "A", "C", 14)
	_ = f.SetColWidth(SheetViolations, "D", "E", 48)
	_ = f.SetColWidth(SheetReasoning, "B", "B", 80)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
