// Package report renders a finished audit as JSON, XLSX or plain text.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/tracker"
)

type Report struct {
	Document    model.Document  `json:"document"`
	Job         model.Job       `json:"job"`
	Summary     tracker.Summary `json:"summary"`
	GeneratedAt time.Time       `json:"generated_at"`
}

func New(doc model.Document, job model.Job, now time.Time) Report {
	return Report{
		Document:    doc,
		Job:         job,
		Summary:     tracker.Summarize(job),
		GeneratedAt: now.UTC(),
	}
}

// Filename returns the name a report is stored under, e.g.
// auditwatch-a1-2025-10-01-12-00-00.json.
func (r Report) Filename(format string) string {
	ext := format
	if format == model.FormatText {
		ext = "txt"
	}
	id := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, r.Job.ID)
	return fmt.Sprintf("auditwatch-%s-%s.%s", id, r.GeneratedAt.Format("2006-01-02-15-04-05"), ext)
}

// Render writes r to w in format.
func Render(w io.Writer, r Report, format string) error {
	switch format {
	case model.FormatJSON, "":
		return JSON(w, r)
	case model.FormatXLSX:
		return XLSX(w, r)
	case model.FormatText:
		return Text(w, r)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

func JSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func Text(w io.Writer, r Report) error {
	s := r.Summary
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	risk := "unknown"
	if s.RiskKnown {
		risk = fmt.Sprintf("%.1f (%s)", s.RiskScore, s.RiskLevel)
	}

	fmt.Fprintf(tw, "audit\t%s\n", s.AuditID)
	if r.Document.Filename != "" {
		fmt.Fprintf(tw, "document\t%s\n", r.Document.Filename)
	}
	fmt.Fprintf(tw, "status\t%s\n", s.Status)
	fmt.Fprintf(tw, "risk\t%s\n", risk)
	fmt.Fprintf(tw, "pass rate\t%.1f%%\n", s.PassRate)
	fmt.Fprintf(tw, "violations\t%d (critical %d, warning %d, info %d)\n",
		s.ViolationCount, s.CriticalCount, s.WarningCount, s.InfoCount)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Job.Violations) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RULE\tSEVERITY\tDESCRIPTION")
		for _, v := range r.Job.Violations {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", v.RuleID, v.Severity, v.Description)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(r.Job.ReasoningChain) > 0 {
		fmt.Fprintln(w)
		for i, step := range r.Job.ReasoningChain {
			if _, err := fmt.Fprintf(w, "%d. %s\n", i+1, step); err != nil {
				return err
			}
		}
	}
	return nil
}
