package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fincode/auditwatch/internal/model"
	"github.com/fincode/auditwatch/internal/report"
)

// Sink receives the report of every finished audit.
type Sink interface {
	Put(ctx context.Context, r report.Report) error
}

type SinkCloser interface {
	Sink
	io.Closer
}

// WriteSink renders reports to a writer, one at a time.
type WriteSink struct {
	mx     *sync.Mutex
	w      io.Writer
	format string
}

func NewWriteSink(w io.Writer, format string) WriteSink {
	return WriteSink{mx: &sync.Mutex{}, w: w, format: format}
}

func (s WriteSink) Put(_ context.Context, r report.Report) error {
	w := s.w
	if w == nil {
		w = os.Stdout
	}
	var buf bytes.Buffer
	if err := report.Render(&buf, r, s.format); err != nil {
		return err
	}
	if s.mx != nil {
		s.mx.Lock()
		defer s.mx.Unlock()
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DirSink stores each report as a file in a directory.
type DirSink struct {
	root   *os.Root
	format string
}

func NewDirSink(path, format string) (*DirSink, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirSink{root: root, format: format}, nil
}

func (s *DirSink) Put(ctx context.Context, r report.Report) error {
	if s.root == nil {
		return errors.New("root already closed")
	}

	path := r.Filename(s.format)
	f, err := s.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating audit report: %w", err)
	}
	if err := report.Render(f, r, s.format); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving audit report: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing audit report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path, "audit_id", r.Job.ID)
	return nil
}

func (s *DirSink) Close() error {
	if s.root == nil {
		return errors.New("sink already closed")
	}
	err := s.root.Close()
	s.root = nil
	return err
}

func sinks(_ context.Context, cfg model.Service) ([]Sink, error) {
	format := cfg.ReportFormat()
	dir := cfg.ReportDir()
	if dir == "" {
		if format == model.FormatXLSX {
			return nil, errors.New("xlsx reports need service.dir")
		}
		return []Sink{NewWriteSink(os.Stdout, format)}, nil
	}
	s, err := NewDirSink(dir, format)
	if err != nil {
		return nil, err
	}
	return []Sink{s}, nil
}
