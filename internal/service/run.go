package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fincode/auditwatch/internal/auditclient"
	"github.com/fincode/auditwatch/internal/history"
	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/poll"
	"github.com/fincode/auditwatch/internal/session"
)

// NewSession builds a session from cfg: backend client, poll policy and the
// history store when service.history is set. The returned close function
// is never nil.
func NewSession(ctx context.Context, cfg model.Config, opts ...session.Option) (*session.Session, func() error, error) {
	noop := func() error { return nil }
	client, err := auditclient.New(cfg.ServerURL(), auditclient.WithTimeout(cfg.ServerTimeout()))
	if err != nil {
		return nil, noop, fmt.Errorf("server.url: %w", err)
	}

	base := []session.Option{
		session.WithInterval(cfg.PollInterval()),
		session.WithPollOptions(
			poll.WithMaxFailures(cfg.PollMaxFailures()),
			poll.WithFailFast(cfg.PollFailFast()),
			poll.WithTimeout(cfg.PollTimeout()),
		),
	}

	closeFn := noop
	if path := cfg.Service.HistoryPath(); path != "" {
		store, err := history.Open(ctx, path)
		if err != nil {
			return nil, noop, fmt.Errorf("opening history %s: %w", path, err)
		}
		base = append(base, session.WithHistory(store))
		closeFn = store.Close
	}

	slog.DebugContext(ctx, "audit backend", "url", client.BaseURL(), "poll_interval", cfg.PollInterval().String())
	return session.New(client, append(base, opts...)...), closeFn, nil
}

// Run implements CLI run command
func Run(ctx context.Context, cfg model.Config) error {
	s, closeFn, err := NewSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			slog.ErrorContext(ctx, "closing history failed", "error", err)
		}
	}()

	supervisor, err := NewSupervisor(ctx, cfg, s)
	if err != nil {
		return err
	}
	return supervisor.Do(ctx)
}
