package evaluation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/pulse/poll"
)

// SessionInfo identifies a tracked evaluation for observers
type SessionInfo struct {
	ID        string            `json:"id"`
	TargetID  string            `json:"target_id"`
	JobID     poll.JobReference `json:"job_id,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Immediate bool              `json:"immediate"`
}

// Handle is the caller's view of one StartEvaluation call
type Handle struct {
	info SessionInfo

	// session is nil when the backend answered with an existing result
	session *poll.Session
	outcome *poll.Outcome

	// done closes after the session ended and observers were notified
	done chan struct{}
}

func newImmediateHandle(info SessionInfo, outcome poll.Outcome) *Handle {
	h := &Handle{info: info, outcome: &outcome, done: make(chan struct{})}
	close(h.done)
	return h
}

// ID returns the tracker-assigned session id
func (h *Handle) ID() string { return h.info.ID }

// TargetID returns the evaluated answer id
func (h *Handle) TargetID() string { return h.info.TargetID }

// JobReference returns the backend job id, empty for immediate results
func (h *Handle) JobReference() poll.JobReference { return h.info.JobID }

// StartedAt returns when StartEvaluation accepted the request
func (h *Handle) StartedAt() time.Time { return h.info.StartedAt }

// Immediate reports whether the result came back with the start response
func (h *Handle) Immediate() bool { return h.info.Immediate }

// Info returns the handle's identifying fields
func (h *Handle) Info() SessionInfo { return h.info }

// Cancel stops polling. Idempotent, and a no-op once the handle is terminal.
func (h *Handle) Cancel() {
	if h.session != nil {
		h.session.Cancel()
	}
}

// State returns the current poll state
func (h *Handle) State() poll.State {
	if h.session == nil {
		return poll.StateCompleted
	}
	return h.session.State()
}

// Attempts returns the number of status fetches issued
func (h *Handle) Attempts() int {
	if h.session == nil {
		return 0
	}
	return h.session.Attempts()
}

// Done is closed once the handle has reached its final state
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Outcome returns the terminal outcome, if any
func (h *Handle) Outcome() (poll.Outcome, bool) {
	if h.outcome != nil {
		return *h.outcome, true
	}
	if h.session == nil {
		return poll.Outcome{}, false
	}
	return h.session.Outcome()
}

// Wait blocks until the handle is done or ctx ends.
// The returned error is the outcome's error, ErrCancelled, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (poll.Outcome, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return poll.Outcome{}, ctx.Err()
	}

	if o, ok := h.Outcome(); ok {
		return o, o.Err
	}
	return poll.Outcome{JobReference: h.info.JobID, State: poll.StateCancelled, Attempts: h.Attempts()},
		errors.Wrapf(errors.ErrCancelled, "evaluation %s", h.info.ID)
}

// Summary is a serializable view of a handle
type Summary struct {
	SessionInfo
	State        poll.State      `json:"state"`
	Attempts     int             `json:"attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Summary captures the handle's current state
func (h *Handle) Summary() Summary {
	s := Summary{SessionInfo: h.info, State: h.State(), Attempts: h.Attempts()}
	if o, ok := h.Outcome(); ok {
		s.Result = o.Result
		s.ErrorMessage = o.ErrorMessage()
	}
	return s
}
