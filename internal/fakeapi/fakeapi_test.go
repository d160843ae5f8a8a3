package fakeapi_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fincode/auditwatch/internal/fakeapi"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, url, contentType string, body []byte) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, contentType, bytes.NewReader(body))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func get(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func form(t *testing.T, filename string) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.7"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), buf.Bytes()
}

func TestBackend(t *testing.T) {
	t.Parallel()
	backend := fakeapi.New(fakeapi.WithIDs(fakeapi.Sequential()))
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)
	base := srv.URL + fakeapi.Prefix

	ct, body := form(t, "statement.PDF")
	status, doc := post(t, base+"/audit/upload", ct, body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "doc-1", doc["document_id"])
	require.Equal(t, "statement.PDF", doc["filename"])

	status, job := post(t, base+"/audit/start", "application/json", []byte(`{"document_id":"doc-1"}`))
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "audit-1", job["audit_id"])
	require.Equal(t, "pending", job["status"])
	require.Nil(t, job["violations"])
	require.Nil(t, job["risk_score"])

	_, job = get(t, base+"/audit/result/audit-1")
	require.Equal(t, "processing", job["status"])
	_, job = get(t, base+"/audit/result/audit-1")
	require.Equal(t, "completed", job["status"])
	require.EqualValues(t, 72, job["risk_score"])
	require.Len(t, job["violations"], 1)
	_, job = get(t, base+"/audit/result/audit-1")
	require.Equal(t, "completed", job["status"])
	require.Equal(t, 3, backend.Fetches("audit-1"))

	status, ans := post(t, base+"/qa/ask", "application/json", []byte(`{"question":"why?","audit_id":"audit-1"}`))
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, ans["answer"], "1 violation")
}

func TestBackendErrors(t *testing.T) {
	t.Parallel()
	backend := fakeapi.New()
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)
	base := srv.URL + fakeapi.Prefix

	ct, body := form(t, "statement.docx")
	status, out := post(t, base+"/audit/upload", ct, body)
	require.Equal(t, http.StatusBadRequest, status)
	require.True(t, strings.HasPrefix(out["detail"].(string), "unsupported file format"))

	status, _ = post(t, base+"/audit/start", "application/json", []byte(`{"document_id":"nope"}`))
	require.Equal(t, http.StatusNotFound, status)

	status, _ = post(t, base+"/audit/start", "application/json", []byte(`{}`))
	require.Equal(t, http.StatusUnprocessableEntity, status)

	status, _ = get(t, base+"/audit/result/nope")
	require.Equal(t, http.StatusNotFound, status)

	status, _ = post(t, base+"/qa/ask", "application/json", []byte(`{"question":" "}`))
	require.Equal(t, http.StatusUnprocessableEntity, status)
}
