package report_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/report"
	"github.com/stretchr/testify/require"
)

var generated = time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

func finished() report.Report {
	risk := 72.0
	job := model.Job{
		ID:        "a1",
		Status:    model.StatusCompleted,
		RiskScore: &risk,
		Violations: []model.Violation{
			{RuleID: "R001", Severity: model.SeverityCritical, Description: "x"},
			{RuleID: "R002", Severity: model.SeverityInfo, Description: "y", Suggestion: "check"},
		},
		ReasoningChain: []string{"extract", "compare"},
	}
	return report.New(model.Document{ID: "d1", Filename: "q3.pdf"}, job, generated)
}

func TestFilename(t *testing.T) {
	t.Parallel()
	r := finished()
	require.Equal(t, "auditwatch-a1-2025-10-01-12-00-00.json", r.Filename(model.FormatJSON))
	require.Equal(t, "auditwatch-a1-2025-10-01-12-00-00.txt", r.Filename(model.FormatText))
	r.Job.ID = "a/1"
	require.Equal(t, "auditwatch-a_1-2025-10-01-12-00-00.xlsx", r.Filename(model.FormatXLSX))
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf, finished(), model.FormatJSON))

	var got struct {
		Document model.Document `json:"document"`
		Job      struct {
			ID        string   `json:"audit_id"`
			RiskScore *float64 `json:"risk_score"`
		} `json:"job"`
		Summary struct {
			CriticalCount int     `json:"critical_count"`
			PassRate      float64 `json:"pass_rate"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Equal(t, "q3.pdf", got.Document.Filename)
	require.Equal(t, "a1", got.Job.ID)
	require.Equal(t, 72.0, *got.Job.RiskScore)
	require.Equal(t, 1, got.Summary.CriticalCount)
	require.Equal(t, 28.0, got.Summary.PassRate)
}

func TestText(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf, finished(), model.FormatText))
	out := buf.String()
	require.Contains(t, out, "72.0 (medium)")
	require.Contains(t, out, "28.0%")
	require.Contains(t, out, "2 (critical 1, warning 0, info 1)")
	require.Contains(t, out, "R001")
	require.Contains(t, out, "2. compare")

	buf.Reset()
	r := report.New(model.Document{}, model.Job{ID: "a2", Status: model.StatusFailed}, generated)
	require.NoError(t, report.Text(&buf, r))
	require.Contains(t, buf.String(), "unknown")
	require.Contains(t, buf.String(), "100.0%")
	require.NotContains(t, buf.String(), "RULE")
}

func TestXLSX(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, report.Render(&buf, finished(), model.FormatXLSX))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.Close()
	})
	require.Equal(t, []string{report.SheetSummary, report.SheetViolations, report.SheetReasoning}, f.GetSheetList())

	rows, err := f.GetRows(report.SheetViolations)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "R001", rows[1][0])
	require.Equal(t, "CRITICAL", rows[1][2])
	require.Equal(t, "check", rows[2][4])

	rows, err = f.GetRows(report.SheetSummary)
	require.NoError(t, err)
	require.Equal(t, []string{"Audit", "a1"}, rows[0])
	require.Equal(t, "72", rows[3][1])

	rows, err = f.GetRows(report.SheetReasoning)
	require.NoError(t, err)
	require.Equal(t, []string{"2", "compare"}, rows[2])
}

func TestRenderUnknownFormat(t *testing.T) {
	t.Parallel()
	err := report.Render(&strings.Builder{}, finished(), "pdf")
	require.Error(t, err)
}
