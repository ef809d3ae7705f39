package server

import (
	"time"

	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/pulse/poll"
)

var _ evaluation.Observer = (*RelayServer)(nil)

// publish queues an event for the hub. Events are dropped, not blocked on,
// because observer callbacks run on session goroutines.
func (s *RelayServer) publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	select {
	case s.broadcast <- e:
	case <-s.ctx.Done():
	default:
		s.broadcastDrops.Add(1)
		s.logger.Warnw("Broadcast queue full, dropping event", "type", e.Type)
	}
}

// Started implements evaluation.Observer
func (s *RelayServer) Started(info evaluation.SessionInfo) {
	s.publish(Event{Type: EventSessionStarted, Session: &info})
}

// Ticked implements evaluation.Observer
func (s *RelayServer) Ticked(info evaluation.SessionInfo, tick poll.Tick) {
	e := Event{
		Type:      EventSessionTick,
		Session:   &info,
		Attempt:   tick.Attempt,
		Max:       tick.MaxAttempts,
		Status:    string(tick.Classification.Lifecycle),
		RawStatus: tick.Classification.Raw,
	}
	if tick.Err != nil {
		e.Error = tick.Err.Error()
	}
	s.publish(e)
}

// Finished implements evaluation.Observer
func (s *RelayServer) Finished(info evaluation.SessionInfo, outcome poll.Outcome) {
	s.publish(Event{
		Type:    EventSessionFinished,
		Session: &info,
		Attempt: outcome.Attempts,
		State:   outcome.State,
		Result:  outcome.Result,
		Error:   outcome.ErrorMessage(),
	})
}

// Cancelled implements evaluation.Observer
func (s *RelayServer) Cancelled(info evaluation.SessionInfo) {
	s.publish(Event{Type: EventSessionCancelled, Session: &info, State: poll.StateCancelled})
}

// activeSummaries snapshots the tracker's active sessions
func (s *RelayServer) activeSummaries() []evaluation.Summary {
	handles := s.tracker.List()
	out := make([]evaluation.Summary, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Summary())
	}
	return out
}
