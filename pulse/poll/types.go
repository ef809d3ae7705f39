package poll

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/pulse/status"
)

// Defaults applied to zero-valued Options fields
const (
	DefaultInterval    = 10 * time.Second
	DefaultMaxAttempts = 60
)

// JobReference identifies a server-side evaluation job
type JobReference string

// State is the poll session lifecycle
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state can never change again
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Fetcher retrieves the current status of a job. Implementations must honor ctx.
type Fetcher interface {
	FetchStatus(ctx context.Context, ref JobReference) (*status.Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, ref JobReference) (*status.Snapshot, error)

// FetchStatus calls f(ctx, ref)
func (f FetcherFunc) FetchStatus(ctx context.Context, ref JobReference) (*status.Snapshot, error) {
	return f(ctx, ref)
}

// Options configures one poll session
type Options struct {
	Interval    time.Duration
	MaxAttempts int

	// OnTerminal is called exactly once when the session completes, fails or times out.
	// It is never called for a cancelled session. It runs on the session goroutine,
	// so it must not block on the session's Done channel.
	OnTerminal func(Outcome)

	// OnTick is called after every fetch has been processed
	OnTick func(Tick)
}

// withDefaults validates o and fills zero values
func (o Options) withDefaults() (Options, error) {
	if o.Interval < 0 {
		return o, errors.NewInvalidRequestError("poll interval must be >= 0, got %s", o.Interval)
	}
	if o.MaxAttempts < 0 {
		return o, errors.NewInvalidRequestError("max attempts must be >= 0, got %d", o.MaxAttempts)
	}
	if o.Interval == 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if int64(o.MaxAttempts) > math.MaxInt64/int64(o.Interval) {
		return o, errors.NewInvalidRequestError("max attempts %d at interval %s exceeds the longest supported polling ceiling",
			o.MaxAttempts, o.Interval)
	}
	return o, nil
}

// Validate checks o after filling zero values with the package defaults
func (o Options) Validate() error {
	_, err := o.withDefaults()
	return err
}

// Ceiling is the wall-clock budget of a session using these options
func (o Options) Ceiling() time.Duration {
	return time.Duration(o.MaxAttempts) * o.Interval
}

// Tick reports one processed fetch
type Tick struct {
	JobReference   JobReference          `json:"job_id"`
	Attempt        int                   `json:"attempt"`
	MaxAttempts    int                   `json:"max_attempts"`
	Classification status.Classification `json:"classification"`
	Err            error                 `json:"-"` // transient fetch error, if the fetch failed
}

// Outcome is the terminal result of a session
type Outcome struct {
	JobReference JobReference    `json:"job_id,omitempty"`
	State        State           `json:"state"`
	Result       json.RawMessage `json:"result,omitempty"`
	Err          error           `json:"-"`
	Attempts     int             `json:"attempts"`

	// Immediate is set when the backend returned an existing result and no polling happened
	Immediate bool `json:"immediate,omitempty"`
}

// ErrorMessage returns the message delivered to the caller, or "" on success
func (o Outcome) ErrorMessage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
