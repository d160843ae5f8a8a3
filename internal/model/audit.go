package model

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an audit job.
// Order matters: a job only ever moves to a status of equal or higher rank.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// statusAliases maps the spellings used by the audit backend
// to the canonical status values.
var statusAliases = map[string]Status{
	"pending":    StatusPending,
	"queued":     StatusPending,
	"running":    StatusRunning,
	"processing": StatusRunning,
	"completed":  StatusCompleted,
	"failed":     StatusFailed,
}

// ParseStatus accepts a status as sent by the backend, case insensitive.
func ParseStatus(s string) (Status, error) {
	st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Terminal reports if no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether a job in status s may be replaced by a snapshot
// in status next. Repeating a non terminal status is allowed, terminal
// statuses accept nothing.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() >= s.rank()
}

func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return sev, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
	}
}

func (s *Severity) UnmarshalText(text []byte) error {
	sev, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// Violation is a single failed rule check.
type Violation struct {
	RuleID      string   `json:"rule_id"`
	RuleName    string   `json:"rule_name,omitempty"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Expected    string   `json:"expected,omitempty"`
	Actual      string   `json:"actual,omitempty"`
}

// Job is a snapshot of one audit run as reported by the backend.
// RiskScore is nil until the backend has scored the document.
type Job struct {
	ID             string      `json:"audit_id"`
	DocumentID     string      `json:"document_id,omitempty"`
	Status         Status      `json:"status"`
	RiskScore      *float64    `json:"risk_score"`
	Violations     []Violation `json:"violations"`
	ReasoningChain []string    `json:"reasoning_chain"`
}

// Document is an uploaded financial statement waiting to be audited.
type Document struct {
	ID       string `json:"document_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
}

type Source struct {
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Answer is the reply of the question answering endpoint.
type Answer struct {
	Answer     string   `json:"answer"`
	Sources    []Source `json:"sources"`
	Confidence float64  `json:"confidence"`
}
