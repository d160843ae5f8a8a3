package tracker

import "github.com/fincode/auditwatch/internal/model"

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Summary is the presentation view of a job. Unknown risk is shown as 0;
// RiskKnown tells the two apart.
type Summary struct {
	AuditID        string       `json:"audit_id"`
	Status         model.Status `json:"status"`
	RiskScore      float64      `json:"risk_score"`
	RiskKnown      bool         `json:"risk_known"`
	RiskLevel      RiskLevel    `json:"risk_level"`
	ViolationCount int          `json:"violation_count"`
	CriticalCount  int          `json:"critical_count"`
	WarningCount   int          `json:"warning_count"`
	InfoCount      int          `json:"info_count"`
	PassRate       float64      `json:"pass_rate"`
	Steps          int          `json:"steps"`
}

// Summarize derives every aggregate from job. Nothing is cached, so a
// summary can never disagree with the snapshot it was made from.
func Summarize(job model.Job) Summary {
	sum := Summary{
		AuditID:        job.ID,
		Status:         job.Status,
		ViolationCount: len(job.Violations),
		Steps:          len(job.ReasoningChain),
	}
	if job.RiskScore != nil {
		sum.RiskScore = *job.RiskScore
		sum.RiskKnown = true
	}
	sum.RiskLevel = Level(sum.RiskScore)
	sum.PassRate = 100 - sum.RiskScore

	for _, v := range job.Violations {
		switch v.Severity {
		case model.SeverityCritical:
			sum.CriticalCount++
		case model.SeverityWarning:
			sum.WarningCount++
		case model.SeverityInfo:
			sum.InfoCount++
		}
	}
	return sum
}

// Level buckets a risk score: below 40 is low, below 80 medium, else high.
func Level(score float64) RiskLevel {
	switch {
	case score < 40:
		return RiskLow
	case score < 80:
		return RiskMedium
	default:
		return RiskHigh
	}
}
