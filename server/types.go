package server

import (
	"encoding/json"
	"time"

	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/pulse/poll"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the size of per-client event queues
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout bounds how long Stop waits for goroutines after cancelling sessions
	ShutdownTimeout = 15 * time.Second
)

// ServerState is the relay lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event types pushed over /ws
const (
	EventHello            = "hello"
	EventSessionStarted   = "session_started"
	EventSessionTick      = "session_tick"
	EventSessionFinished  = "session_finished"
	EventSessionCancelled = "session_cancelled"
	EventConfigReloaded   = "config_reloaded"
	EventSessions         = "sessions"
	EventError            = "error"
)

// Event is one message on the relay websocket
type Event struct {
	Type      string                  `json:"type"`
	Session   *evaluation.SessionInfo `json:"session,omitempty"`
	Attempt   int                     `json:"attempt,omitempty"`
	Max       int                     `json:"max_attempts,omitempty"`
	Interval  int64                   `json:"interval_ms,omitempty"`
	Status    string                  `json:"status,omitempty"`
	RawStatus string                  `json:"raw_status,omitempty"`
	State     poll.State              `json:"state,omitempty"`
	Result    json.RawMessage         `json:"result,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Sessions  []evaluation.Summary    `json:"sessions,omitempty"`
	Version   string                  `json:"version,omitempty"`
	Timestamp int64                   `json:"timestamp"`
}

// ClientMessage is what websocket clients may send
type ClientMessage struct {
	Type string `json:"type"` // "cancel", "list", "ping"
	ID   string `json:"id,omitempty"`
}

// StartRequest is the body of POST /api/evaluations
type StartRequest struct {
	TargetID    string `json:"target_id"`
	Force       bool   `json:"force"`
	IntervalMS  int    `json:"interval_ms,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string   `json:"error"`
	Hints []string `json:"hints,omitempty"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Commit         string `json:"commit"`
	State          string `json:"state"`
	ActiveSessions int    `json:"active_sessions"`
	Clients        int    `json:"clients"`
	Journal        bool   `json:"journal"`
}
