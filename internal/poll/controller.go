package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fincode/auditwatch/internal/log"
	"github.com/fincode/auditwatch/internal/model"
)

var (
	ErrEmptyAuditID     = errors.New("empty audit id")
	ErrInvalidInterval  = errors.New("poll interval must be positive")
	ErrTooManyFailures  = errors.New("too many consecutive poll failures")
	ErrDeadlineExceeded = errors.New("audit not finished before poll timeout")
	ErrPermanent        = errors.New("permanent poll failure")
)

// Fetcher returns the current state of an audit.
type Fetcher interface {
	FetchResult(ctx context.Context, auditID string) (model.Job, error)
}

type FetcherFunc func(ctx context.Context, auditID string) (model.Job, error)

func (f FetcherFunc) FetchResult(ctx context.Context, auditID string) (model.Job, error) {
	return f(ctx, auditID)
}

type State int

const (
	Idle State = iota
	Polling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Option func(*Controller)

// WithMaxFailures makes the controller give up after n consecutive failed
// ticks. Zero means never.
func WithMaxFailures(n int) Option {
	return func(c *Controller) {
		c.maxFailures = max(n, 0)
	}
}

// WithFailFast makes the controller give up on the first failed tick whose
// error reports Temporary() == false, such as a 404 for an unknown audit.
// Errors without a Temporary method are retried.
func WithFailFast(on bool) Option {
	return func(c *Controller) {
		c.failFast = on
	}
}

// WithTimeout makes the controller give up when the audit is not terminal
// d after Start. Zero means never.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.timeout = max(d, 0)
	}
}

// WithGiveUp registers a callback invoked when a failure policy stops the
// poll. err wraps ErrTooManyFailures, ErrDeadlineExceeded or ErrPermanent.
func WithGiveUp(fn func(auditID string, err error)) Option {
	return func(c *Controller) {
		c.giveUp = fn
	}
}

// Controller polls one audit at a time until it reaches a terminal status.
//
// Each Start and Stop bumps a generation counter. A poll goroutine delivers
// a fetched job only while its generation is current, so after Stop returns
// no response of the stopped poll reaches a callback. The generation is
// checked again right before each callback; a callback already running is
// not interrupted. Callbacks run on the poll goroutine and may call Start or
// Stop.
type Controller struct {
	fetcher     Fetcher
	maxFailures int
	failFast    bool
	timeout     time.Duration
	giveUp      func(string, error)

	mx      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	state   State
	last    model.Job
	hasLast bool

	wg sync.WaitGroup

	beforeCallback func() // test hook
}

func NewController(fetcher Fetcher, opts ...Option) *Controller {
	c := &Controller{fetcher: fetcher}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type poll struct {
	gen        uint64
	auditID    string
	interval   time.Duration
	onUpdate   func(model.Job)
	onTerminal func(model.Job)
}

// Start stops any active poll and polls auditID every interval. onUpdate
// receives every fetched job, onTerminal is called once with the first
// terminal one. When initial is already terminal nothing is polled and
// onTerminal(initial) is called before Start returns.
func (c *Controller) Start(ctx context.Context, auditID string, initial model.Job, onUpdate, onTerminal func(model.Job), interval time.Duration) error {
	if auditID == "" {
		return ErrEmptyAuditID
	}
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	c.mx.Lock()
	c.stopLocked()
	c.last, c.hasLast = initial, true
	if initial.Status.Terminal() {
		c.mx.Unlock()
		if onTerminal != nil {
			onTerminal(initial)
		}
		return nil
	}

	ctx = log.WithAudit(ctx, auditID)
	base, cancelBase := context.WithCancel(ctx)
	pctx, cancel := base, cancelBase
	if c.timeout > 0 {
		var cancelTimeout context.CancelFunc
		pctx, cancelTimeout = context.WithTimeoutCause(base, c.timeout, ErrDeadlineExceeded)
		cancel = func() {
			cancelTimeout()
			cancelBase()
		}
	}

	c.gen++
	p := poll{
		gen:        c.gen,
		auditID:    auditID,
		interval:   interval,
		onUpdate:   onUpdate,
		onTerminal: onTerminal,
	}
	c.cancel = cancel
	c.state = Polling
	c.wg.Go(func() {
		c.loop(pctx, p)
	})
	c.mx.Unlock()

	slog.DebugContext(ctx, "polling started", "interval", interval.String())
	return nil
}

// Stop cancels the active poll and any fetch in flight. It is idempotent and
// does not wait for the poll goroutine, use Wait for that.
func (c *Controller) Stop() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.stopLocked()
}

// Wait blocks until every poll goroutine has returned. It must not be called
// from a callback.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Last returns the most recent job seen, either the initial one or the last
// delivered snapshot.
func (c *Controller) Last() (model.Job, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.last, c.hasLast
}

func (c *Controller) stopLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Idle
}

// release moves the controller to Idle on behalf of p. It reports false when
// p has already been superseded.
func (c *Controller) release(p poll) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if p.gen != c.gen {
		return false
	}
	c.stopLocked()
	return true
}

func (c *Controller) loop(ctx context.Context, p poll) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.done(ctx, p)
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			c.done(ctx, p)
			return
		}

		job, err := c.fetcher.FetchResult(ctx, p.auditID)
		// ticks which fell due during the fetch are dropped
		select {
		case <-ticker.C:
		default:
		}
		if err != nil {
			if ctx.Err() != nil {
				c.done(ctx, p)
				return
			}
			failures++
			slog.WarnContext(ctx, "poll tick failed", "failures", failures, "error", err)
			if c.failFast && permanent(err) {
				c.abandon(ctx, p, fmt.Errorf("%w: %w", ErrPermanent, err))
				return
			}
			if c.maxFailures > 0 && failures >= c.maxFailures {
				c.abandon(ctx, p, fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, failures, err))
				return
			}
			continue
		}
		failures = 0
		if !c.deliver(ctx, p, job) {
			return
		}
	}
}

func (c *Controller) deliver(ctx context.Context, p poll, job model.Job) bool {
	c.mx.Lock()
	if p.gen != c.gen {
		c.mx.Unlock()
		slog.DebugContext(ctx, "stale poll response dropped")
		return false
	}
	c.last = job
	terminal := job.Status.Terminal()
	if terminal {
		c.stopLocked()
		// the poll keeps ownership of the generation its own stop produced
		p.gen = c.gen
	}
	c.mx.Unlock()

	slog.DebugContext(ctx, "poll tick", "status", job.Status, "violations", len(job.Violations))
	if !c.invoke(ctx, p, p.onUpdate, job) {
		return false
	}
	if !terminal {
		return true
	}
	slog.InfoContext(ctx, "audit finished", "status", job.Status)
	c.invoke(ctx, p, p.onTerminal, job)
	return false
}

// invoke calls fn with job unless p was superseded in the meantime. The
// generation check is the last step before the call, so a Stop that has
// returned keeps every later callback of its poll from starting.
func (c *Controller) invoke(ctx context.Context, p poll, fn func(model.Job), job model.Job) bool {
	if c.beforeCallback != nil {
		c.beforeCallback()
	}
	if !c.current(p) {
		slog.DebugContext(ctx, "poll stopped before callback")
		return false
	}
	if fn != nil {
		fn(job)
	}
	return true
}

func (c *Controller) current(p poll) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return p.gen == c.gen
}

func (c *Controller) done(ctx context.Context, p poll) {
	if errors.Is(context.Cause(ctx), ErrDeadlineExceeded) {
		c.abandon(ctx, p, fmt.Errorf("%w: %s", ErrDeadlineExceeded, c.timeout))
		return
	}
	if c.release(p) {
		slog.DebugContext(ctx, "polling cancelled", "error", context.Cause(ctx))
	}
}

func (c *Controller) abandon(ctx context.Context, p poll, err error) {
	if !c.release(p) {
		return
	}
	slog.WarnContext(ctx, "polling given up", "error", err)
	if c.giveUp != nil {
		c.giveUp(p.auditID, err)
	}
}

func permanent(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && !t.Temporary()
}
