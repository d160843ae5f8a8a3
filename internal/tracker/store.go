package tracker

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/fincode/auditwatch/internal/model"
)

var (
	ErrStatusRegression = errors.New("status regression")
	ErrTerminal         = errors.New("audit already finished")
	ErrAuditMismatch    = errors.New("snapshot of another audit")
	ErrChainRewritten   = errors.New("reasoning chain rewritten")
)

// Store holds the latest snapshot of one audit. It is written by the poll
// loop and read by whoever renders the audit.
type Store struct {
	mx     sync.RWMutex
	job    model.Job
	seeded bool
}

func NewStore() *Store {
	return &Store{}
}

// Seed replaces the snapshot unconditionally, typically with the job
// returned by start.
func (s *Store) Seed(job model.Job) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.job = normalize(job)
	s.seeded = true
}

// Apply replaces the snapshot if job is a valid successor of the current
// one: same audit, status not going back and a reasoning chain which starts
// with the current one. Rejected snapshots leave the store unchanged. The first Apply on an
// empty store seeds it.
func (s *Store) Apply(job model.Job) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.seeded {
		s.job = normalize(job)
		s.seeded = true
		return nil
	}

	cur := s.job
	switch {
	case job.ID != cur.ID:
		return fmt.Errorf("%w: have %s, got %s", ErrAuditMismatch, cur.ID, job.ID)
	case cur.Status.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrTerminal, cur.ID, cur.Status)
	case !cur.Status.CanAdvanceTo(job.Status):
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, cur.Status, job.Status)
	case !extends(job.ReasoningChain, cur.ReasoningChain):
		return fmt.Errorf("%w: %d steps do not extend the %d known", ErrChainRewritten, len(job.ReasoningChain), len(cur.ReasoningChain))
	}
	s.job = normalize(job)
	return nil
}

// Snapshot returns a copy of the current job and whether the store was
// seeded at all.
func (s *Store) Snapshot() (model.Job, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return clone(s.job), s.seeded
}

func (s *Store) Summary() Summary {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return Summarize(s.job)
}

func normalize(job model.Job) model.Job {
	job = clone(job)
	if job.Violations == nil {
		job.Violations = []model.Violation{}
	}
	if job.ReasoningChain == nil {
		job.ReasoningChain = []string{}
	}
	return job
}

func clone(job model.Job) model.Job {
	if job.RiskScore != nil {
		score := *job.RiskScore
		job.RiskScore = &score
	}
	job.Violations = slices.Clone(job.Violations)
	job.ReasoningChain = slices.Clone(job.ReasoningChain)
	return job
}

// extends reports whether chain starts with prefix.
func extends(chain, prefix []string) bool {
	return len(chain) >= len(prefix) && slices.Equal(chain[:len(prefix)], prefix)
}
