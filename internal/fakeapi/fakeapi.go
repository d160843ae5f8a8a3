// Package fakeapi is an in-memory audit backend speaking the same HTTP
// contract as the real one. Audits advance one scripted step per result
// fetch.
package fakeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fincode/auditwatch/internal/model"
)

const Prefix = "/api/v1"

var allowedExt = map[string]struct{}{
	".pdf":  {},
	".xlsx": {},
	".xls":  {},
}

type Option func(*Backend)

// WithScript replaces the default progression. Each fetch of an audit
// returns the next step, the last step repeats. Only the status, risk,
// violations and reasoning of a step are used.
func WithScript(steps ...model.Job) Option {
	return func(b *Backend) {
		if len(steps) > 0 {
			b.script = steps
		}
	}
}

// WithIDs makes the backend assign ids from next instead of random uuids.
func WithIDs(next func(prefix string) string) Option {
	return func(b *Backend) {
		b.newID = next
	}
}

// Sequential returns an id generator producing doc-1, audit-1, doc-2...
func Sequential() func(prefix string) string {
	var mx sync.Mutex
	counters := make(map[string]int)
	return func(prefix string) string {
		mx.Lock()
		defer mx.Unlock()
		counters[prefix]++
		return fmt.Sprintf("%s-%d", prefix, counters[prefix])
	}
}

type audit struct {
	id      string
	docID   string
	rules   []string
	pos     int
	fetches int
}

type Backend struct {
	script []model.Job
	newID  func(prefix string) string

	mx          sync.Mutex
	docs        map[string]model.Document
	audits      map[string]*audit
	failFetches int
	failStatus  int
}

func New(opts ...Option) *Backend {
	b := &Backend{
		script: DefaultScript(),
		newID: func(prefix string) string {
			return prefix + "_" + uuid.NewString()
		},
		docs:   make(map[string]model.Document),
		audits: make(map[string]*audit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DefaultScript is one running step followed by a completed audit with a
// single warning.
func DefaultScript() []model.Job {
	risk := 72.0
	return []model.Job{
		{
			Status:         model.StatusRunning,
			ReasoningChain: []string{"step 1: extract key figures from the balance sheet"},
		},
		{
			Status:    model.StatusCompleted,
			RiskScore: &risk,
			Violations: []model.Violation{
				{
					RuleID:      "R001",
					RuleName:    "receivables turnover",
					Severity:    model.SeverityWarning,
					Description: "accounts receivable turnover is unusually low",
					Suggestion:  "review the ageing of receivables",
				},
			},
			ReasoningChain: []string{
				"step 1: extract key figures from the balance sheet",
				"step 2: compute the receivables turnover ratio",
				"step 3: compare with the industry benchmark",
			},
		},
	}
}

// FailFetches makes the next n result fetches answer with status.
func (b *Backend) FailFetches(n, status int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.failFetches = n
	b.failStatus = status
}

// Fetches returns how many times the result of auditID was requested.
func (b *Backend) Fetches(auditID string) int {
	b.mx.Lock()
	defer b.mx.Unlock()
	if a, ok := b.audits[auditID]; ok {
		return a.fetches
	}
	return 0
}

// Handler serves the backend under Prefix.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLog)
	r.Route(Prefix, func(r chi.Router) {
		r.Post("/audit/upload", b.upload)
		r.Post("/audit/start", b.start)
		r.Get("/audit/result/{audit_id}", b.result)
		r.Post("/qa/ask", b.ask)
	})
	return r
}

// ListenAndServe serves the backend on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, b *Backend) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "fake audit backend listening", "addr", addr, "prefix", Prefix)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (b *Backend) upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "field file is required")
		return
	}
	_ = file.Close()

	name := header.Filename
	if name == "" {
		writeDetail(w, http.StatusBadRequest, "file name must not be empty")
		return
	}
	if _, ok := allowedExt[strings.ToLower(filepath.Ext(name))]; !ok {
		writeDetail(w, http.StatusBadRequest, "unsupported file format, upload a PDF or Excel file")
		return
	}

	b.mx.Lock()
	doc := model.Document{ID: b.newID("doc"), Filename: name, Status: "uploaded"}
	b.docs[doc.ID] = doc
	b.mx.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"document_id": doc.ID,
		"filename":    doc.Filename,
		"status":      doc.Status,
		"message":     "document uploaded, waiting for parsing",
	})
}

func (b *Backend) start(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID string   `json:"document_id"`
		Rules      []string `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "field document_id is required")
		return
	}

	b.mx.Lock()
	if _, ok := b.docs[req.DocumentID]; !ok {
		b.mx.Unlock()
		writeDetail(w, http.StatusNotFound, "document not found")
		return
	}
	a := &audit{id: b.newID("audit"), docID: req.DocumentID, rules: req.Rules, pos: -1}
	b.audits[a.id] = a
	b.mx.Unlock()

	writeJSON(w, http.StatusOK, encode(a, model.Job{Status: model.StatusPending}))
}

func (b *Backend) result(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "audit_id")

	b.mx.Lock()
	a, ok := b.audits[id]
	if !ok {
		b.mx.Unlock()
		writeDetail(w, http.StatusNotFound, "audit not found")
		return
	}
	a.fetches++
	if b.failFetches > 0 {
		b.failFetches--
		status := b.failStatus
		b.mx.Unlock()
		writeDetail(w, status, "audit backend temporarily unavailable")
		return
	}
	a.pos = min(a.pos+1, len(b.script)-1)
	step := b.script[a.pos]
	b.mx.Unlock()

	writeJSON(w, http.StatusOK, encode(a, step))
}

func (b *Backend) ask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
		AuditID  string `json:"audit_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Question) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "field question is required")
		return
	}

	answer := "This is a placeholder answer, no reasoning model is attached."
	sources := []map[string]string{}
	confidence := 0.0

	b.mx.Lock()
	if a, ok := b.audits[req.AuditID]; ok && a.pos >= 0 {
		step := b.script[a.pos]
		answer = fmt.Sprintf("Audit %s is %s with %d violation(s).", a.id, strings.ToLower(string(step.Status)), len(step.Violations))
		for _, v := range step.Violations {
			sources = append(sources, map[string]string{"title": v.RuleID + " " + v.RuleName})
		}
		confidence = 0.5
	}
	b.mx.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":     answer,
		"sources":    sources,
		"confidence": confidence,
	})
}

type wireJob struct {
	AuditID        string            `json:"audit_id"`
	DocumentID     string            `json:"document_id,omitempty"`
	Status         string            `json:"status"`
	RiskScore      *float64          `json:"risk_score"`
	Violations     []model.Violation `json:"violations"`
	ReasoningChain []string          `json:"reasoning_chain"`
}

// wireStatus returns the spelling the real backend uses.
func wireStatus(s model.Status) string {
	if s == model.StatusRunning {
		return "processing"
	}
	return strings.ToLower(string(s))
}

// encode renders a step the way the backend does: empty collections are
// sent as null.
func encode(a *audit, step model.Job) wireJob {
	out := wireJob{
		AuditID:    a.id,
		DocumentID: a.docID,
		Status:     wireStatus(step.Status),
		RiskScore:  step.RiskScore,
	}
	if len(step.Violations) > 0 {
		out.Violations = step.Violations
	}
	if len(step.ReasoningChain) > 0 {
		out.ReasoningChain = step.ReasoningChain
	}
	return out
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "fake backend request",
			"method", r.Method,
			"path", r.URL.Path,
			"req_id", r.Header.Get("X-Request-ID"),
			"status", ww.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}
