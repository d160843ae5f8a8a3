package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fincode/auditwatch/internal/auditclient"
	"github.com/fincode/auditwatch/internal/fakeapi"
	"github.com/fincode/auditwatch/internal/history"
	"github.com/fincode/auditwatch/internal/log"
	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/report"
	"github.com/fincode/auditwatch/internal/service"
	"github.com/fincode/auditwatch/internal/session"
	"github.com/fincode/auditwatch/internal/tracker"

	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	var (
		rules  []string
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "audit FILE...",
		Short: "upload documents, wait for their audits and print the reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.ContextAttrs(cmd.Context(), slog.Group("auditwatch",
				slog.String("cmd", "audit"),
				slog.Int("pid", os.Getpid()),
			))
			if format == "" {
				format = config.Service.ReportFormat()
			}

			var sink service.Sink = service.NewWriteSink(cmd.OutOrStdout(), format)
			if out != "" {
				dir, err := service.NewDirSink(out, format)
				if err != nil {
					return fmt.Errorf("opening report directory: %w", err)
				}
				defer func() {
					_ = dir.Close()
				}()
				sink = dir
			}

			s, closeFn, err := service.NewSession(ctx, config,
				session.WithRules(rules...),
				session.WithProgress(func(sum tracker.Summary) {
					slog.InfoContext(ctx, "audit progress",
						"audit_id", sum.AuditID,
						"status", sum.Status,
						"steps", sum.Steps,
						"violations", sum.ViolationCount,
					)
				}),
			)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeFn(); err != nil {
					slog.ErrorContext(ctx, "closing history failed", "error", err)
				}
			}()

			var errs []error
			for _, path := range args {
				outcome, err := s.Run(ctx, path)
				if outcome.Job.ID != "" && (err == nil || errors.Is(err, session.ErrAuditFailed)) {
					r := report.New(outcome.Document, outcome.Job, time.Now())
					if perr := sink.Put(ctx, r); perr != nil {
						errs = append(errs, fmt.Errorf("reporting %s: %w", path, perr))
					}
				}
				if err != nil {
					errs = append(errs, err)
				}
				if ctx.Err() != nil {
					break
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVar(&rules, "rules", nil, "restrict the audit to the given rule ids")
	cmd.Flags().StringVar(&format, "format", "", "report format: json, xlsx or text (default service.format)")
	cmd.Flags().StringVar(&out, "out", "", "store reports in this directory instead of printing them")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run command reads the configuration and audits the inbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := log.ContextAttrs(cmd.Context(), slog.Group("auditwatch",
				slog.String("cmd", "run"),
				slog.Int("pid", os.Getpid()),
			))
			return service.Run(ctx, config)
		},
	}
}

func newStatusCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status AUDIT_ID",
		Short: "print the current state of an audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := log.WithAudit(cmd.Context(), args[0])
			client, err := newClient()
			if err != nil {
				return err
			}
			job, err := client.FetchResult(ctx, args[0])
			if err != nil {
				return err
			}
			r := report.New(model.Document{}, job, time.Now())
			return report.Render(cmd.OutOrStdout(), r, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", model.FormatText, "output format: json or text")
	return cmd
}

func newAskCmd() *cobra.Command {
	var auditID string
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "ask the backend a question about regulations or an audit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			answer, err := client.Ask(cmd.Context(), args[0], auditID)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, answer.Answer)
			if len(answer.Sources) > 0 {
				fmt.Fprintln(w)
				for _, src := range answer.Sources {
					if src.URL != "" {
						fmt.Fprintf(w, "- %s <%s>\n", src.Title, src.URL)
						continue
					}
					fmt.Fprintf(w, "- %s\n", src.Title)
				}
			}
			fmt.Fprintf(w, "\nconfidence: %.2f\n", answer.Confidence)
			return nil
		},
	}
	cmd.Flags().StringVar(&auditID, "audit", "", "audit id the question refers to")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "list audits recorded in service.history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.Service.HistoryPath()
			if path == "" {
				return errors.New("service.history is not configured")
			}
			store, err := history.Open(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
			}()
			rows, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AUDIT\tFILE\tSTATUS\tRISK\tVIOLATIONS\tSTARTED")
			for _, row := range rows {
				status := "IN PROGRESS"
				switch {
				case row.Status != nil:
					status = string(*row.Status)
				case !row.InProgress:
					status = "ABANDONED"
				}
				risk, violations := "-", "-"
				if row.RiskScore != nil {
					risk = fmt.Sprintf("%g", *row.RiskScore)
				}
				if row.Violations != nil {
					violations = fmt.Sprintf("%d", *row.Violations)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					row.AuditID, row.Filename, status, risk, violations,
					row.StartedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of audits to show, 0 for all")
	return cmd
}

func newBackendCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:    "_backend",
		Short:  "internal command serving a scripted audit backend",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return fakeapi.ListenAndServe(cmd.Context(), addr, fakeapi.New())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	return cmd
}

func newClient() (*auditclient.Client, error) {
	client, err := auditclient.New(config.ServerURL(), auditclient.WithTimeout(config.ServerTimeout()))
	if err != nil {
		return nil, fmt.Errorf("server.url: %w", err)
	}
	return client, nil
}
