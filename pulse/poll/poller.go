// Package poll tracks a remote evaluation job by polling its status until it
// reaches a terminal state, exhausts its attempt budget, or is cancelled.
package poll

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/pulse/status"
)

const tracerName = "github.com/jobgate/evalpulse/pulse/poll"

// errCeiling is the context cause recorded when a session hits its wall-clock ceiling
var errCeiling = errors.New("poll ceiling reached")

// Poller starts poll sessions against a Fetcher.
// A Poller holds no per-session state and may be shared.
type Poller struct {
	fetcher Fetcher
	logger  *zap.SugaredLogger
	tracer  trace.Tracer
}

// NewPoller creates a poller. A nil logger falls back to the global logger.
func NewPoller(fetcher Fetcher, log *zap.SugaredLogger) *Poller {
	if log == nil {
		log = logger.ComponentLogger("pulse.poll")
	}
	return &Poller{
		fetcher: fetcher,
		logger:  log,
		tracer:  otel.Tracer(tracerName),
	}
}

// Start begins polling ref. The session stops on a terminal status, when the
// attempt budget or wall-clock ceiling is exhausted, on Session.Cancel, or when ctx ends.
// Cancelling ctx counts as cancellation: no terminal callback fires.
func (p *Poller) Start(ctx context.Context, ref JobReference, opts Options) (*Session, error) {
	if ref == "" {
		return nil, errors.NewInvalidRequestError("job reference is required")
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &Session{
		ref:         ref,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		onTerminal:  opts.OnTerminal,
		onTick:      opts.OnTick,
		poller:      p,
		state:       StateIdle,
		done:        make(chan struct{}),
	}

	s.startedAt = time.Now()
	deadlineCtx, cancelDeadline := context.WithDeadlineCause(ctx, s.startedAt.Add(opts.Ceiling()), errCeiling)
	runCtx, cancelRun := context.WithCancel(deadlineCtx)
	s.cancel = func() {
		cancelRun()
		cancelDeadline()
	}

	runCtx, span := p.tracer.Start(runCtx, "poll.session", trace.WithAttributes(
		attribute.String("evalpulse.job_id", string(ref)),
		attribute.Int64("evalpulse.interval_ms", opts.Interval.Milliseconds()),
		attribute.Int("evalpulse.max_attempts", opts.MaxAttempts),
	))

	s.log = p.logger.With(logger.FieldJobID, string(ref))
	s.state = StateRunning

	logger.PulseOpenInfow(s.log, "Poll session started",
		logger.FieldInterval, opts.Interval.String(),
		logger.FieldMaxAttempts, opts.MaxAttempts)

	go s.run(runCtx, span)
	return s, nil
}

// fetch performs one traced status fetch
func (p *Poller) fetch(ctx context.Context, ref JobReference, attempt int) (*status.Snapshot, error) {
	ctx, span := p.tracer.Start(ctx, "poll.fetch", trace.WithAttributes(
		attribute.Int("evalpulse.attempt", attempt),
	))
	defer span.End()

	snap, err := p.fetcher.FetchStatus(ctx, ref)
	if err == nil && snap == nil {
		err = errors.New("empty status response")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("evalpulse.status", snap.Status))
	return snap, nil
}
