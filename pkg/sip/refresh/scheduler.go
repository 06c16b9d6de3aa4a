// Package refresh schedules re-issue of expiring registrations (and,
// for dialogs that negotiated Session-Expires, session-timer
// re-INVITEs) ahead of the server-granted expiry.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/sipuac/pkg/sip/auth"
)

const (
	// DefaultGuard is subtracted from the granted expiry so the
	// refresh lands before the registration lapses.
	DefaultGuard = 60 * time.Second

	// DefaultFloor bounds how tight the refresh loop can spin when the
	// server grants very short expiries.
	DefaultFloor = 5 * time.Second
)

// Func performs one refresh and returns the newly granted lifetime.
type Func func(ctx context.Context) (time.Duration, error)

// Scheduler wakes at max(expires−guard, floor) and runs its refresh
// function. At most one refresh is in flight at a time; a concurrent
// user-initiated refresh cancels the pending wake-up and reschedules
// from the new grant.
type Scheduler struct {
	refresh Func
	guard   time.Duration
	floor   time.Duration
	log     *slog.Logger
	errSink func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	timer    *time.Timer
	armed    bool
	inflight bool
	closed   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithGuard overrides the refresh guard interval.
func WithGuard(d time.Duration) Option {
	return func(s *Scheduler) { s.guard = d }
}

// WithFloor overrides the minimum refresh interval.
func WithFloor(d time.Duration) Option {
	return func(s *Scheduler) { s.floor = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithErrorSink receives authentication failures the scheduler cannot
// retry past, so the application can renew credentials.
func WithErrorSink(fn func(error)) Option {
	return func(s *Scheduler) { s.errSink = fn }
}

// New builds a stopped scheduler; Schedule arms it.
func New(refresh Func, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		refresh: refresh,
		guard:   DefaultGuard,
		floor:   DefaultFloor,
		log:     slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Interval returns when the next refresh runs for a granted expiry.
func (s *Scheduler) Interval(expires time.Duration) time.Duration {
	d := expires - s.guard
	if d < s.floor {
		return s.floor
	}
	return d
}

// Schedule arms (or re-arms) the next refresh from a granted expiry,
// cancelling any pending wake-up.
func (s *Scheduler) Schedule(expires time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	s.rearmLocked(expires)
}

// rearmLocked requires s.mu held; only re-arms while armed.
func (s *Scheduler) rearmLocked(expires time.Duration) {
	if s.closed || !s.armed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.Interval(expires), s.fire)
}

// Cancel stops the pending wake-up without closing the scheduler. An
// in-flight refresh finishes but does not re-arm; the next Schedule
// does.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Close cancels the pending wake-up and waits out any in-flight
// refresh. After Close returns no refresh fires. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.closed || s.inflight {
		s.mu.Unlock()
		return
	}
	s.inflight = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	granted, err := s.refresh(s.ctx)
	if err != nil {
		if errors.Is(s.ctx.Err(), context.Canceled) {
			return
		}
		var authErr *auth.FailedError
		if errors.As(err, &authErr) {
			s.log.Error("refresh authentication failed", "err", err)
			if s.errSink != nil {
				s.errSink(err)
			}
			return
		}
		s.log.Warn("refresh failed, retrying next tick", "err", err)
		s.rearm(s.floor + s.guard)
		return
	}
	s.rearm(granted)
}

func (s *Scheduler) rearm(expires time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rearmLocked(expires)
}
