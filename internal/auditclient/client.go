package auditclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fincode/auditwatch/internal/model"
)

const (
	opUpload = "upload"
	opStart  = "start audit"
	opResult = "fetch result"
	opAsk    = "ask"

	maxBody = 8 << 20
)

// Client talks to the audit backend. Each method is exactly one HTTP round
// trip and never retries.
type Client struct {
	base    *url.URL
	client  *http.Client
	timeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New returns a client for baseURL, e.g. http://localhost:8000/api/v1. The
// path of baseURL prefixes every endpoint.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("please define the server url with a scheme and a host, e.g. `http://localhost:8000/api/v1`")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""

	c := &Client{
		base:   parsed,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalized base url.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Upload sends a document as multipart form field "file".
func (c *Client) Upload(ctx context.Context, r io.Reader, filename string) (model.Document, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return model.Document{}, fmt.Errorf("%s: creating form: %w", opUpload, err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return model.Document{}, fmt.Errorf("%s: reading %s: %w", opUpload, filename, err)
	}
	if err := mw.Close(); err != nil {
		return model.Document{}, fmt.Errorf("%s: closing form: %w", opUpload, err)
	}

	var doc model.Document
	err = c.do(ctx, opUpload, http.MethodPost, c.endpoint("audit", "upload"), &body, mw.FormDataContentType(), documentSchema, &doc)
	if err != nil {
		return model.Document{}, err
	}
	return doc, nil
}

func (c *Client) UploadFile(ctx context.Context, path string) (model.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Document{}, fmt.Errorf("%s: %w", opUpload, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return c.Upload(ctx, f, filepath.Base(path))
}

type startRequest struct {
	DocumentID string   `json:"document_id"`
	Rules      []string `json:"rules,omitempty"`
}

// StartJob asks the backend to audit an uploaded document. An empty rules
// list lets the backend apply all of its rules.
func (c *Client) StartJob(ctx context.Context, documentID string, rules ...string) (model.Job, error) {
	if documentID == "" {
		return model.Job{}, fmt.Errorf("%s: empty document id", opStart)
	}
	raw, err := json.Marshal(startRequest{DocumentID: documentID, Rules: rules})
	if err != nil {
		return model.Job{}, fmt.Errorf("%s: %w", opStart, err)
	}

	var job model.Job
	err = c.do(ctx, opStart, http.MethodPost, c.endpoint("audit", "start"), bytes.NewReader(raw), "application/json", jobSchema, &job)
	if err != nil {
		return model.Job{}, err
	}
	return normalize(job), nil
}

// FetchResult returns the current state of an audit. Missing violations and
// reasoning chain decode as empty, a missing risk score stays nil.
func (c *Client) FetchResult(ctx context.Context, auditID string) (model.Job, error) {
	if auditID == "" {
		return model.Job{}, fmt.Errorf("%s: empty audit id", opResult)
	}
	var job model.Job
	err := c.do(ctx, opResult, http.MethodGet, c.endpoint("audit", "result", url.PathEscape(auditID)), nil, "", jobSchema, &job)
	if err != nil {
		return model.Job{}, err
	}
	return normalize(job), nil
}

type askRequest struct {
	Question string `json:"question"`
	AuditID  string `json:"audit_id,omitempty"`
}

// Ask sends a free form question, optionally in the context of an audit.
func (c *Client) Ask(ctx context.Context, question, auditID string) (model.Answer, error) {
	raw, err := json.Marshal(askRequest{Question: question, AuditID: auditID})
	if err != nil {
		return model.Answer{}, fmt.Errorf("%s: %w", opAsk, err)
	}
	var ans model.Answer
	err = c.do(ctx, opAsk, http.MethodPost, c.endpoint("qa", "ask"), bytes.NewReader(raw), "application/json", answerSchema, &ans)
	if err != nil {
		return model.Answer{}, err
	}
	if ans.Sources == nil {
		ans.Sources = []model.Source{}
	}
	return ans, nil
}

func (c *Client) endpoint(elem ...string) string {
	return c.base.JoinPath(elem...).String()
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body io.Reader, contentType string, schema *jsonschema.Schema, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		slog.DebugContext(ctx, "audit api request failed", "op", op, "req_id", reqID, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return &TransportError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	slog.DebugContext(ctx, "audit api response",
		"op", op,
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Detail:     detail(raw),
			Err:        fmt.Errorf("non-2xx status: %d", resp.StatusCode),
		}
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	if err := schema.Validate(v); err != nil {
		return &DecodeError{Op: op, Err: fmt.Errorf("json does not match schema: %w", err)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Op: op, Err: err}
	}
	return nil
}

// detail extracts the message of an error body like {"detail": "..."}.
func detail(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Detail) == 0 {
		return strings.TrimSpace(string(raw[:min(len(raw), 256)]))
	}
	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}
	return string(body.Detail)
}

func normalize(job model.Job) model.Job {
	if job.Violations == nil {
		job.Violations = []model.Violation{}
	}
	if job.ReasoningChain == nil {
		job.ReasoningChain = []string{}
	}
	for i, v := range job.Violations {
		if v.Description == "" {
			job.Violations[i].Description = v.RuleName
		}
	}
	return job
}
