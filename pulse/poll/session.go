package poll

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/pulse/status"
)

// Session is one running poll of a single job reference.
// Sessions share no mutable state with each other.
type Session struct {
	ref         JobReference
	interval    time.Duration
	maxAttempts int
	onTerminal  func(Outcome)
	onTick      func(Tick)
	poller      *Poller
	log         *zap.SugaredLogger
	startedAt   time.Time
	cancel      context.CancelFunc

	mu       sync.Mutex
	state    State
	attempts int
	outcome  *Outcome

	done chan struct{}
}

// JobReference returns the polled job
func (s *Session) JobReference() JobReference {
	return s.ref
}

// StartedAt returns when the session started
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the number of fetches issued so far
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Done is closed once the session goroutine has exited and its timer is released.
// For terminal sessions OnTerminal has returned by then.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the terminal outcome, if the session ended with one
func (s *Session) Outcome() (Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return Outcome{}, false
	}
	return *s.outcome, true
}

// Cancel stops a running session. Safe to call any number of times, from any goroutine.
// A fetch already in flight is discarded when it resolves and OnTerminal never fires.
func (s *Session) Cancel() {
	if s.markCancelled() {
		s.log.Infow("Poll session cancelled", logger.FieldAttempt, s.Attempts())
	}
	s.cancel()
}

// Wait blocks until the session ends or ctx is done.
// It returns the outcome together with its error, ErrCancelled for a cancelled session,
// or ctx.Err() if ctx ends first.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}

	if o, ok := s.Outcome(); ok {
		return o, o.Err
	}
	return Outcome{JobReference: s.ref, State: StateCancelled, Attempts: s.Attempts()},
		errors.Wrapf(errors.ErrCancelled, "poll session for %s", s.ref)
}

// markCancelled transitions running -> cancelled and reports whether it did
func (s *Session) markCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return false
	}
	s.state = StateCancelled
	return true
}

func (s *Session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

func (s *Session) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// finish records the terminal outcome and fires OnTerminal, unless the session
// already left the running state. Exactly one caller can win.
func (s *Session) finish(o Outcome) bool {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return false
	}
	o.JobReference = s.ref
	o.Attempts = s.attempts
	s.state = o.State
	s.outcome = &o
	s.mu.Unlock()

	logger.PulseCloseInfow(s.log, "Poll session finished",
		logger.FieldState, string(o.State),
		logger.FieldAttempt, o.Attempts,
		logger.FieldDurationMS, time.Since(s.startedAt).Milliseconds(),
		logger.FieldError, o.ErrorMessage())

	if s.onTerminal != nil {
		s.onTerminal(o)
	}
	return true
}

// run is the session goroutine. Ticks are strictly sequential: the next wait starts
// only after the previous fetch has been processed.
func (s *Session) run(ctx context.Context, span trace.Span) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		s.cancel()

		state := s.State()
		span.SetAttributes(
			attribute.String("evalpulse.state", string(state)),
			attribute.Int("evalpulse.attempts", s.Attempts()),
		)
		if state == StateFailed || state == StateTimedOut {
			span.SetStatus(codes.Error, string(state))
		}
		span.End()
		close(s.done)
	}()

	for {
		attempt := s.nextAttempt()
		snap, fetchErr := s.poller.fetch(ctx, s.ref, attempt)

		// Cancellation wins over anything the fetch returned
		if !s.running() {
			return
		}
		if ctx.Err() != nil {
			s.stop(ctx)
			return
		}

		if fetchErr != nil {
			s.log.Warnw("Status fetch failed, will retry",
				logger.FieldAttempt, attempt,
				logger.FieldMaxAttempts, s.maxAttempts,
				logger.FieldError, fetchErr)
			s.tick(Tick{Attempt: attempt, Err: errors.MarkTransient(fetchErr)})
		} else {
			c := snap.Classify()
			if !c.Recognized {
				s.log.Warnw("Unrecognized job status, treating as processing",
					logger.FieldRawStatus, c.Raw,
					logger.FieldAttempt, attempt)
			}
			s.tick(Tick{Attempt: attempt, Classification: c})

			switch c.Lifecycle {
			case status.Completed:
				s.finish(Outcome{State: StateCompleted, Result: snap.Result})
				return
			case status.Failed:
				s.finish(Outcome{State: StateFailed, Result: snap.Result, Err: errors.NewRemoteJobFailure(snap.ErrorMessage)})
				return
			}
		}

		if attempt >= s.maxAttempts {
			s.finish(Outcome{
				State: StateTimedOut,
				Err:   errors.NewTimeoutError("evaluation job %s did not finish after %d attempts", s.ref, attempt),
			})
			return
		}

		if timer == nil {
			timer = time.NewTimer(s.interval)
		} else {
			timer.Reset(s.interval)
		}

		select {
		case <-ctx.Done():
			if s.running() {
				s.stop(ctx)
			}
			return
		case <-timer.C:
		}
	}
}

// tick reports progress. OnTick may observe a session that is cancelled concurrently.
func (s *Session) tick(t Tick) {
	t.JobReference = s.ref
	t.MaxAttempts = s.maxAttempts
	if t.Err == nil {
		logger.WithPulseSymbol(s.log).Debugw("Poll tick",
			logger.FieldAttempt, t.Attempt,
			logger.FieldStatus, string(t.Classification.Lifecycle),
			logger.FieldRawStatus, t.Classification.Raw)
	}
	if s.onTick != nil {
		s.onTick(t)
	}
}

// stop ends the session after its context was done: the ceiling times it out,
// anything else is the owner cancelling.
func (s *Session) stop(ctx context.Context) {
	if errors.Is(context.Cause(ctx), errCeiling) {
		s.finish(Outcome{
			State: StateTimedOut,
			Err:   errors.NewTimeoutError("evaluation job %s exceeded its %s polling ceiling", s.ref, time.Duration(s.maxAttempts)*s.interval),
		})
		return
	}
	if s.markCancelled() {
		s.log.Infow("Poll session cancelled by caller context", logger.FieldAttempt, s.Attempts())
	}
}
