package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fincode/auditwatch/internal/fakeapi"
	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/report"
	"github.com/fincode/auditwatch/internal/service"
	"github.com/fincode/auditwatch/internal/session"
	"github.com/stretchr/testify/require"
)

// fakeAuditor completes every audit unless its file name contains "fail"
// (backend FAILED) or "broken" (transport error).
type fakeAuditor struct {
	delay time.Duration

	mx       sync.Mutex
	paths    []string
	inFlight int
	maxIn    int
}

var errBroken = errors.New("connection refused")

func (a *fakeAuditor) Run(_ context.Context, path string) (session.Outcome, error) {
	a.mx.Lock()
	a.paths = append(a.paths, filepath.Base(path))
	a.inFlight++
	a.maxIn = max(a.maxIn, a.inFlight)
	a.mx.Unlock()
	defer func() {
		a.mx.Lock()
		a.inFlight--
		a.mx.Unlock()
	}()
	time.Sleep(a.delay)

	name := filepath.Base(path)
	doc := model.Document{ID: "d-" + name, Filename: name}
	job := model.Job{ID: "a-" + name, Status: model.StatusCompleted}
	switch {
	case strings.Contains(name, "broken"):
		return session.Outcome{Document: doc}, errBroken
	case strings.Contains(name, "fail"):
		job.Status = model.StatusFailed
		return session.Outcome{Document: doc, Job: job}, session.ErrAuditFailed
	}
	return session.Outcome{Document: doc, Job: job}, nil
}

func (a *fakeAuditor) audited() []string {
	a.mx.Lock()
	defer a.mx.Unlock()
	out := append([]string(nil), a.paths...)
	return out
}

// memSink collects reports.
type memSink struct {
	mx      sync.Mutex
	reports []report.Report
}

func (s *memSink) Put(_ context.Context, r report.Report) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *memSink) ids() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	var ids []string
	for _, r := range s.reports {
		ids = append(ids, r.Job.ID)
	}
	return ids
}

func inbox(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	return dir
}

func config(mode, inbox string) model.Config {
	cfg := model.DefaultConfig(context.Background())
	cfg.Service.Mode = mode
	cfg.Service.Inbox = &inbox
	return cfg
}

func TestSupervisorOneshot(t *testing.T) {
	t.Parallel()
	dir := inbox(t, "q1.pdf", "q2.xlsx", "notes.txt", "q3-fail.pdf")
	auditor := &fakeAuditor{}
	sink := &memSink{}

	supervisor, err := service.NewSupervisor(t.Context(), config(model.ServiceModeManual, dir), auditor)
	require.NoError(t, err)
	supervisor.WithSinks(t.Context(), sink)

	require.NoError(t, supervisor.Do(t.Context()))
	require.ElementsMatch(t, []string{"q1.pdf", "q2.xlsx", "q3-fail.pdf"}, auditor.audited())
	require.ElementsMatch(t, []string{"a-q1.pdf", "a-q2.xlsx", "a-q3-fail.pdf"}, sink.ids())
}

func TestSupervisorOneshotError(t *testing.T) {
	t.Parallel()
	dir := inbox(t, "q1.pdf", "q2-broken.pdf")
	sink := &memSink{}

	supervisor, err := service.NewSupervisor(t.Context(), config(model.ServiceModeManual, dir), &fakeAuditor{})
	require.NoError(t, err)
	supervisor.WithSinks(t.Context(), sink)

	err = supervisor.Do(t.Context())
	require.ErrorIs(t, err, errBroken)
	require.Contains(t, err.Error(), "q2-broken.pdf")
	require.Equal(t, []string{"a-q1.pdf"}, sink.ids())
}

func TestSupervisorParallel(t *testing.T) {
	t.Parallel()
	dir := inbox(t, "a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf")
	auditor := &fakeAuditor{delay: 20 * time.Millisecond}
	cfg := config(model.ServiceModeManual, dir)
	parallel := 2
	cfg.Service.Parallel = &parallel

	supervisor, err := service.NewSupervisor(t.Context(), cfg, auditor)
	require.NoError(t, err)
	supervisor.WithSinks(t.Context(), &memSink{})
	require.NoError(t, supervisor.Do(t.Context()))

	require.Len(t, auditor.audited(), 5)
	require.LessOrEqual(t, auditor.maxIn, 2)
}

func TestSupervisorTimer(t *testing.T) {
	t.Parallel()
	dir := inbox(t, "q1.pdf")
	cfg := config(model.ServiceModeTimer, dir)
	cfg.Service.Schedule = &model.TimerSchedule{Duration: "PT1H"}
	auditor := &fakeAuditor{}
	sink := &memSink{}

	supervisor, err := service.NewSupervisor(t.Context(), cfg, auditor)
	require.NoError(t, err)
	supervisor.WithSinks(t.Context(), sink)

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	var g sync.WaitGroup
	g.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	supervisor.Start()
	require.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// nothing new: no audit
	supervisor.Start()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "q2.pdf"), nil, 0o644))
	supervisor.Start()
	require.Eventually(t, func() bool { return len(sink.ids()) == 2 }, 2*time.Second, 10*time.Millisecond)

	// modified documents are audited again
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "q1.pdf"), future, future))
	supervisor.Start()
	require.Eventually(t, func() bool { return len(sink.ids()) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	g.Wait()
	require.Equal(t, []string{"q1.pdf", "q2.pdf", "q1.pdf"}, auditor.audited())
}

func TestNewSupervisorFail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(dir string) model.Config
	}{
		{"no inbox", func(string) model.Config {
			return model.DefaultConfig(context.Background())
		}},
		{"timer without schedule", func(dir string) model.Config {
			return config(model.ServiceModeTimer, dir)
		}},
		{"bad cron", func(dir string) model.Config {
			cfg := config(model.ServiceModeTimer, dir)
			cfg.Service.Schedule = &model.TimerSchedule{Cron: "61 * * * *"}
			return cfg
		}},
		{"bad duration", func(dir string) model.Config {
			cfg := config(model.ServiceModeTimer, dir)
			cfg.Service.Schedule = &model.TimerSchedule{Duration: "P1Y"}
			return cfg
		}},
		{"xlsx to stdout", func(dir string) model.Config {
			cfg := config(model.ServiceModeManual, dir)
			format := model.FormatXLSX
			cfg.Service.Format = &format
			return cfg
		}},
		{"missing report dir", func(dir string) model.Config {
			cfg := config(model.ServiceModeManual, dir)
			missing := filepath.Join(dir, "missing")
			cfg.Service.Dir = &missing
			return cfg
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := service.NewSupervisor(t.Context(), tc.given(t.TempDir()), &fakeAuditor{})
			require.Error(t, err)
		})
	}
}

func TestSinks(t *testing.T) {
	t.Parallel()
	r := report.New(
		model.Document{ID: "d1", Filename: "q1.pdf"},
		model.Job{ID: "a1", Status: model.StatusCompleted},
		time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC),
	)

	var buf bytes.Buffer
	require.NoError(t, service.NewWriteSink(&buf, model.FormatJSON).Put(t.Context(), r))
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Contains(t, got, "summary")

	dir := t.TempDir()
	sink, err := service.NewDirSink(dir, model.FormatXLSX)
	require.NoError(t, err)
	require.NoError(t, sink.Put(t.Context(), r))
	require.NoError(t, sink.Close())
	require.Error(t, sink.Close())
	require.Error(t, sink.Put(t.Context(), r))
	require.FileExists(t, filepath.Join(dir, "auditwatch-a1-2025-10-01-12-00-00.xlsx"))
}

func TestRun(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(fakeapi.New().Handler())
	t.Cleanup(srv.Close)

	dir := inbox(t, "q1.pdf", "q2.xls")
	reports := t.TempDir()
	db := filepath.Join(t.TempDir(), "history.db")
	interval := "5ms"
	format := model.FormatText

	cfg := config(model.ServiceModeManual, dir)
	cfg.Server.URL = srv.URL + fakeapi.Prefix
	cfg.Poll = &model.Poll{Interval: &interval}
	cfg.Service.Dir = &reports
	cfg.Service.Format = &format
	cfg.Service.History = &db

	require.NoError(t, service.Run(t.Context(), cfg))

	entries, err := os.ReadDir(reports)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.True(t, strings.HasSuffix(e.Name(), ".txt"))
		b, err := os.ReadFile(filepath.Join(reports, e.Name()))
		require.NoError(t, err)
		require.Contains(t, string(b), "COMPLETED")
	}
	require.FileExists(t, db)
}

func TestRunBadServer(t *testing.T) {
	t.Parallel()
	cfg := config(model.ServiceModeManual, t.TempDir())
	cfg.Server.URL = "localhost"
	err := service.Run(t.Context(), cfg)
	require.Error(t, err)

	cfg.Server.URL = "http://127.0.0.1:1/api/v1"
	missing := filepath.Join(t.TempDir(), "nope", "history.db")
	cfg.Service.History = &missing
	err = service.Run(t.Context(), cfg)
	require.Error(t, err)
}
