package evaluation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/am"
	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/pulse/poll"
)

// Backend is what the tracker needs from the evaluation backend. *Client implements it.
type Backend interface {
	poll.Fetcher
	StartJob(ctx context.Context, targetID string, force bool) (*StartResponse, error)
}

// Observer is notified about tracked sessions. Each handle produces one Started
// and then exactly one of Finished or Cancelled. Calls may come from any goroutine.
type Observer interface {
	Started(info SessionInfo)
	Ticked(info SessionInfo, tick poll.Tick)
	Finished(info SessionInfo, outcome poll.Outcome)
	Cancelled(info SessionInfo)
}

// Options configures one StartEvaluation call. Zero Interval and MaxAttempts
// take the tracker defaults.
type Options struct {
	Force       bool
	Interval    time.Duration
	MaxAttempts int
	OnTerminal  func(poll.Outcome)
	OnTick      func(poll.Tick)
}

// Tracker starts evaluations and owns their poll sessions.
// Sessions run under the tracker's context, not the caller's.
type Tracker struct {
	backend Backend
	poller  *poll.Poller
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	defaults  poll.Options
	handles   map[string]*Handle
	observers []Observer
}

// DefaultsFromConfig converts the poll config section into poll options
func DefaultsFromConfig(cfg am.PollConfig) poll.Options {
	return poll.Options{Interval: cfg.Interval(), MaxAttempts: cfg.MaxAttempts}
}

// NewTracker creates a tracker with a background context
func NewTracker(backend Backend, defaults poll.Options, log *zap.SugaredLogger) *Tracker {
	return NewTrackerWithContext(context.Background(), backend, defaults, log)
}

// NewTrackerWithContext creates a tracker whose sessions end when ctx is cancelled
func NewTrackerWithContext(ctx context.Context, backend Backend, defaults poll.Options, log *zap.SugaredLogger) *Tracker {
	if log == nil {
		log = logger.ComponentLogger("evaluation")
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Tracker{
		backend:  backend,
		poller:   poll.NewPoller(backend, log.Named("poll")),
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		defaults: poll.Options{Interval: defaults.Interval, MaxAttempts: defaults.MaxAttempts},
		handles:  make(map[string]*Handle),
	}
}

// SetDefaults replaces the default interval and attempt budget for new sessions
func (t *Tracker) SetDefaults(defaults poll.Options) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaults = poll.Options{Interval: defaults.Interval, MaxAttempts: defaults.MaxAttempts}
	t.logger.Infow("Poll defaults updated",
		logger.FieldInterval, defaults.Interval.String(),
		logger.FieldMaxAttempts, defaults.MaxAttempts)
}

// Defaults returns the current default options
func (t *Tracker) Defaults() poll.Options {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaults
}

// AddObserver registers an observer for sessions started afterwards
func (t *Tracker) AddObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// StartEvaluation starts evaluating targetID.
//
// Validation and start failures (including conflicts) are returned synchronously and
// nothing is scheduled. When the backend already has a result, OnTerminal fires before
// StartEvaluation returns and no polling happens. Otherwise the job is polled in the
// background and OnTerminal fires exactly once unless the handle is cancelled.
func (t *Tracker) StartEvaluation(ctx context.Context, targetID string, opts Options) (*Handle, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return nil, errors.NewInvalidRequestError("target id is required")
	}
	if opts.Interval < 0 || opts.MaxAttempts < 0 {
		return nil, errors.NewInvalidRequestError("interval and max attempts must be >= 0")
	}
	defaults := t.Defaults()
	if opts.Interval == 0 {
		opts.Interval = defaults.Interval
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if err := (poll.Options{Interval: opts.Interval, MaxAttempts: opts.MaxAttempts}).Validate(); err != nil {
		return nil, err
	}
	if t.ctx.Err() != nil {
		return nil, errors.Wrap(errors.ErrCancelled, "tracker is closed")
	}

	resp, err := t.backend.StartJob(ctx, targetID, opts.Force)
	if err != nil {
		return nil, err
	}

	info := SessionInfo{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		JobID:     resp.JobID,
		StartedAt: time.Now(),
		Immediate: resp.Immediate(),
	}
	log := logger.LoggerFromContext(logger.WithSessionID(ctx, info.ID), t.logger).
		With(logger.FieldTargetID, targetID)
	observers := t.snapshotObservers()

	if info.Immediate {
		outcome := poll.Outcome{State: poll.StateCompleted, Result: resp.Evaluation, Immediate: true}
		h := newImmediateHandle(info, outcome)

		log.Infow("Evaluation already exists, returning stored result")
		for _, o := range observers {
			o.Started(info)
			o.Finished(info, outcome)
		}
		if opts.OnTerminal != nil {
			opts.OnTerminal(outcome)
		}
		return h, nil
	}

	// Close takes the lock to cancel, so no session is added once Close waits
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		log.Warnw("Tracker closed before polling started", logger.FieldJobID, string(resp.JobID))
		return nil, errors.Wrap(errors.ErrCancelled, "tracker is closed")
	}
	t.wg.Add(1)
	t.mu.Unlock()

	h := &Handle{info: info, done: make(chan struct{})}
	for _, o := range observers {
		o.Started(info)
	}

	session, err := t.poller.Start(t.ctx, resp.JobID, poll.Options{
		Interval:    opts.Interval,
		MaxAttempts: opts.MaxAttempts,
		OnTick: func(tick poll.Tick) {
			for _, o := range observers {
				o.Ticked(info, tick)
			}
			if opts.OnTick != nil {
				opts.OnTick(tick)
			}
		},
		OnTerminal: opts.OnTerminal,
	})
	if err != nil {
		for _, o := range observers {
			o.Cancelled(info)
		}
		close(h.done)
		t.wg.Done()
		return nil, err
	}
	h.session = session

	t.mu.Lock()
	t.handles[info.ID] = h
	t.mu.Unlock()

	log.Infow("Evaluation started", logger.FieldJobID, string(resp.JobID))

	go t.watch(h, observers, log)
	return h, nil
}

// watch reports the session's end to observers and retires the handle
func (t *Tracker) watch(h *Handle, observers []Observer, log *zap.SugaredLogger) {
	defer t.wg.Done()
	<-h.session.Done()

	if outcome, ok := h.session.Outcome(); ok {
		for _, o := range observers {
			o.Finished(h.info, outcome)
		}
	} else {
		log.Infow("Evaluation cancelled", logger.FieldAttempt, h.session.Attempts())
		for _, o := range observers {
			o.Cancelled(h.info)
		}
	}

	t.mu.Lock()
	delete(t.handles, h.info.ID)
	t.mu.Unlock()
	close(h.done)
}

func (t *Tracker) snapshotObservers() []Observer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Observer(nil), t.observers...)
}

// Get returns an active handle by id
func (t *Tracker) Get(id string) (*Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[id]
	return h, ok
}

// List returns the active handles, oldest first
func (t *Tracker) List() []*Handle {
	t.mu.RLock()
	out := make([]*Handle, 0, len(t.handles))
	for _, h := range t.handles {
		out = append(out, h)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].info.StartedAt.Before(out[j].info.StartedAt)
	})
	return out
}

// Cancel cancels an active handle and reports whether it was found
func (t *Tracker) Cancel(id string) bool {
	h, ok := t.Get(id)
	if !ok {
		return false
	}
	h.Cancel()
	return true
}

// CancelAll cancels every active handle and waits until observers were told
func (t *Tracker) CancelAll() {
	for _, h := range t.List() {
		h.Cancel()
	}
	for _, h := range t.List() {
		<-h.Done()
	}
}

// Close cancels all sessions, rejects new ones and waits until observers were told.
// It is safe to call more than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}
