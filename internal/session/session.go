// Package session follows one document through an audit: upload, start,
// poll until terminal and record the outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/fincode/auditwatch/internal/log"
	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/poll"
	"github.com/fincode/auditwatch/internal/tracker"
)

var (
	ErrAuditFailed   = errors.New("audit failed")
	ErrFinalRejected = errors.New("final audit snapshot rejected")
)

// Client is the part of the audit backend a session needs.
type Client interface {
	poll.Fetcher
	UploadFile(ctx context.Context, path string) (model.Document, error)
	StartJob(ctx context.Context, documentID string, rules ...string) (model.Job, error)
}

// Recorder persists the lifecycle of audits. *history.Store implements it.
type Recorder interface {
	Start(ctx context.Context, doc model.Document, auditID string) error
	FinishOK(ctx context.Context, job model.Job) error
	FinishErr(ctx context.Context, auditID, reason string) error
}

type Outcome struct {
	Document model.Document
	Job      model.Job
	Summary  tracker.Summary
	Updates  int
}

type Option func(*Session)

func WithInterval(d time.Duration) Option {
	return func(s *Session) {
		s.interval = d
	}
}

func WithHistory(r Recorder) Option {
	return func(s *Session) {
		s.history = r
	}
}

func WithPollOptions(opts ...poll.Option) Option {
	return func(s *Session) {
		s.pollOpts = append(s.pollOpts, opts...)
	}
}

// WithRules restricts the audit to the given rule ids.
func WithRules(rules ...string) Option {
	return func(s *Session) {
		s.rules = rules
	}
}

// WithProgress registers fn to receive the summary of every accepted
// snapshot.
func WithProgress(fn func(tracker.Summary)) Option {
	return func(s *Session) {
		s.progress = fn
	}
}

type Session struct {
	client   Client
	interval time.Duration
	history  Recorder
	pollOpts []poll.Option
	rules    []string
	progress func(tracker.Summary)
}

func New(client Client, opts ...Option) *Session {
	s := &Session{
		client:   client,
		interval: model.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run uploads the document at path, starts its audit and follows it.
func (s *Session) Run(ctx context.Context, path string) (Outcome, error) {
	doc, err := s.client.UploadFile(ctx, path)
	if err != nil {
		return Outcome{}, fmt.Errorf("uploading %s: %w", path, err)
	}
	slog.DebugContext(ctx, "document uploaded", "document_id", doc.ID, "filename", doc.Filename)

	job, err := s.client.StartJob(ctx, doc.ID, s.rules...)
	if err != nil {
		return Outcome{Document: doc}, fmt.Errorf("starting audit of %s: %w", doc.Filename, err)
	}
	return s.Follow(ctx, doc, job)
}

// Follow polls an already started audit until it is terminal, ctx is done
// or the poll gives up. A FAILED audit returns the outcome and
// ErrAuditFailed.
func (s *Session) Follow(ctx context.Context, doc model.Document, initial model.Job) (Outcome, error) {
	ctx = log.WithAudit(ctx, initial.ID)
	slog.InfoContext(ctx, "audit started", "status", initial.Status, "filename", doc.Filename)

	store := tracker.NewStore()
	store.Seed(initial)
	if s.history != nil {
		if err := s.history.Start(ctx, doc, initial.ID); err != nil {
			slog.WarnContext(ctx, "recording audit start failed", "error", err)
		}
	}

	done := make(chan struct{}, 1)
	gaveUp := make(chan error, 1)
	opts := append(slices.Clone(s.pollOpts), poll.WithGiveUp(func(_ string, err error) {
		gaveUp <- err
	}))
	ctrl := poll.NewController(s.client, opts...)

	var (
		updates  int
		rejected error
	)
	onUpdate := func(job model.Job) {
		if err := store.Apply(job); err != nil {
			slog.WarnContext(ctx, "snapshot rejected", "error", err)
			rejected = err
			return
		}
		updates++
		if s.progress != nil {
			s.progress(store.Summary())
		}
	}
	onTerminal := func(model.Job) {
		done <- struct{}{}
	}

	if err := ctrl.Start(ctx, initial.ID, initial, onUpdate, onTerminal, s.interval); err != nil {
		return Outcome{Document: doc, Job: initial}, err
	}

	var failure error
	select {
	case <-done:
	case err := <-gaveUp:
		failure = err
	case <-ctx.Done():
		failure = context.Cause(ctx)
	}
	ctrl.Stop()
	ctrl.Wait()

	job, _ := store.Snapshot()
	if failure == nil && !job.Status.Terminal() {
		failure = fmt.Errorf("%w: last accepted status %s: %w", ErrFinalRejected, job.Status, rejected)
	}
	out := Outcome{
		Document: doc,
		Job:      job,
		Summary:  tracker.Summarize(job),
		Updates:  updates,
	}

	recordCtx := context.WithoutCancel(ctx)
	if failure != nil {
		s.finishErr(recordCtx, job.ID, failure)
		return out, failure
	}
	s.finishOK(recordCtx, job)
	if job.Status == model.StatusFailed {
		return out, fmt.Errorf("%w: %s", ErrAuditFailed, job.ID)
	}
	return out, nil
}

func (s *Session) finishOK(ctx context.Context, job model.Job) {
	slog.InfoContext(ctx, "audit outcome", "status", job.Status, "violations", len(job.Violations))
	if s.history == nil {
		return
	}
	if err := s.history.FinishOK(ctx, job); err != nil {
		slog.WarnContext(ctx, "recording audit outcome failed", "error", err)
	}
}

func (s *Session) finishErr(ctx context.Context, auditID string, failure error) {
	slog.WarnContext(ctx, "audit not followed to its end", "error", failure)
	if s.history == nil {
		return
	}
	if err := s.history.FinishErr(ctx, auditID, failure.Error()); err != nil {
		slog.WarnContext(ctx, "recording audit failure failed", "error", err)
	}
}
