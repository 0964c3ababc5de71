package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"remedy/internal/remediation"
)

const (
	LeaderLockKey          = "remedy:leader:decision_refresh"
	defaultRefreshInterval = 10 * time.Second
)

// Refresher is an engine that can pull decisions from its upstream.
type Refresher interface {
	RefreshDecisions(ctx context.Context) (remediation.RefreshResult, error)
}

// Leader runs fn only while this instance holds the refresh lease.
type Leader interface {
	Run(ctx context.Context, fn func(context.Context)) error
}

type Option func(*Scheduler)

func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLeader makes the scheduled loop run on a single instance at a time.
// Manual triggers still run everywhere.
func WithLeader(leader Leader) Option {
	return func(s *Scheduler) {
		s.leader = leader
	}
}

// Scheduler refreshes the decision cache on the configured interval.
type Scheduler struct {
	refresher Refresher
	updates   <-chan time.Duration
	leader    Leader
	logger    *log.Logger

	interval atomic.Int64
	group    singleflight.Group

	mu     sync.Mutex
	runCtx context.Context
}

// NewScheduler takes its interval from updates: the first value is the
// initial period, later values reset the ticker.
func NewScheduler(refresher Refresher, updates <-chan time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher: refresher,
		updates:   updates,
		logger:    log.Default(),
	}
	s.interval.Store(int64(defaultRefreshInterval))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the current refresh period.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setRunContext(ctx)
	defer s.setRunContext(nil)

	updateSignal := make(chan struct{}, 1)
	go s.watchInterval(ctx, updateSignal)

	if s.leader == nil {
		s.loop(ctx, updateSignal)
		return ctx.Err()
	}

	err := s.leader.Run(ctx, func(leaderCtx context.Context) {
		s.loop(leaderCtx, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Decision refresh routine stopped", "type", "REFRESH_ROUTINE_STOPPED", "error", err)
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) watchInterval(ctx context.Context, signal chan<- struct{}) {
	if s.updates == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-s.updates:
			if !ok {
				return
			}
			if next <= 0 {
				next = defaultRefreshInterval
			}
			s.interval.Store(int64(next))
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Scheduler) loop(ctx context.Context, updateSignal <-chan struct{}) {
	current := s.Interval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	s.Trigger(ctx, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Trigger(ctx, "scheduled")
		case <-updateSignal:
			next := s.Interval()
			if next == current {
				continue
			}
			drainTicker(ticker)
			current = next
			ticker.Reset(current)
			s.logger.Info("Decision refresh interval changed", "type", "REFRESH_INTERVAL_CHANGED", "interval", current)
		}
	}
}

// Trigger runs one refresh and logs the outcome. Concurrent callers share
// the refresh already in flight. A caller whose ctx ends stops waiting but
// does not cancel the shared refresh; that one only stops with Run's context.
func (s *Scheduler) Trigger(ctx context.Context, reason string) (remediation.RefreshResult, error) {
	flightCtx := s.flightContext(ctx)
	ch := s.group.DoChan("refresh", func() (any, error) {
		result, err := s.refresher.RefreshDecisions(flightCtx)
		s.logOutcome(reason, result, err)
		return result, err
	})

	select {
	case <-ctx.Done():
		return remediation.RefreshResult{}, ctx.Err()
	case res := <-ch:
		result, _ := res.Val.(remediation.RefreshResult)
		return result, res.Err
	}
}

func (s *Scheduler) setRunContext(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()
}

// flightContext is the context a shared refresh runs under: the scheduler's
// own while it runs, otherwise the caller's values without its cancellation.
func (s *Scheduler) flightContext(ctx context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.WithoutCancel(ctx)
}

func (s *Scheduler) logOutcome(reason string, result remediation.RefreshResult, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Info("Decision refresh canceled", "type", "REFRESH_CANCELED", "reason", reason)
	case err != nil:
		s.logger.Error("Decision refresh failed", "type", "REFRESH_FAILED", "reason", reason, "error", err)
	default:
		s.logger.Info("Decision refresh completed",
			"type", "REFRESH_COMPLETED",
			"reason", reason,
			"new", result.New,
			"deleted", result.Deleted,
		)
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
