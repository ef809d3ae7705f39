package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jobgate/evalpulse/errors"
	"github.com/jobgate/evalpulse/evaluation"
	"github.com/jobgate/evalpulse/journal"
	"github.com/jobgate/evalpulse/logger"
	"github.com/jobgate/evalpulse/version"
)

// HandleStartEvaluation starts an evaluation. 202 while polling, 200 for a stored result.
func (s *RelayServer) HandleStartEvaluation(w http.ResponseWriter, r *http.Request) {
	if s.State() != ServerStateRunning {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	var req StartRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if req.IntervalMS < 0 || req.MaxAttempts < 0 {
		writeError(w, http.StatusBadRequest, "interval_ms and max_attempts must be >= 0")
		return
	}
	if int64(req.IntervalMS) > math.MaxInt64/int64(time.Millisecond) {
		writeError(w, http.StatusBadRequest, "interval_ms is too large")
		return
	}

	ctx := logger.WithRequestID(r.Context(), shortID(uuid.NewString()))
	log := logger.LoggerFromContext(ctx, s.logger)

	h, err := s.tracker.StartEvaluation(ctx, req.TargetID, evaluation.Options{
		Force:       req.Force,
		Interval:    time.Duration(req.IntervalMS) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		log.Infow("Start evaluation rejected",
			logger.FieldTargetID, req.TargetID,
			logger.FieldError, err.Error())
		writeErrorFrom(w, err)
		return
	}

	code := http.StatusAccepted
	if h.Immediate() {
		code = http.StatusOK
	}
	log.Debugw("Evaluation accepted", logger.FieldSessionID, shortID(h.ID()), "immediate", h.Immediate())
	_ = writeJSON(w, code, h.Summary())
}

// HandleListEvaluations lists the active sessions
func (s *RelayServer) HandleListEvaluations(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, s.activeSummaries())
}

// HandleGetEvaluation returns an active session, or its journal entry once it ended
func (s *RelayServer) HandleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h, ok := s.tracker.Get(id); ok {
		_ = writeJSON(w, http.StatusOK, h.Summary())
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "no active session "+id)
		return
	}

	entry, err := s.journal.Get(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, entry)
}

// HandleCancelEvaluation cancels an active session. Cancelling a session that
// already ended is a no-op success; unknown ids are 404.
func (s *RelayServer) HandleCancelEvaluation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.tracker.Cancel(id) {
		s.logger.Infow("Evaluation cancelled via API", logger.FieldSessionID, shortID(id))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.journal != nil {
		if _, err := s.journal.Get(r.Context(), id); err == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		} else if !errors.IsNotFoundError(err) {
			writeErrorFrom(w, err)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no session "+id)
}

// HandleHistory returns journal entries, newest first
func (s *RelayServer) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is disabled", "set journal.enabled = true")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.List(r.Context(), limit)
	if err != nil {
		s.logger.Errorw("Failed to list history", logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	_ = writeJSON(w, http.StatusOK, entries)
}

// HandleEvaluationTicks returns the journaled fetches of one session
func (s *RelayServer) HandleEvaluationTicks(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is disabled", "set journal.enabled = true")
		return
	}

	id := r.PathValue("id")
	if _, err := s.journal.Get(r.Context(), id); err != nil {
		writeErrorFrom(w, err)
		return
	}
	ticks, err := s.journal.Ticks(r.Context(), id)
	if err != nil {
		s.logger.Errorw("Failed to list ticks", logger.FieldSessionID, shortID(id), logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if ticks == nil {
		ticks = []journal.TickEntry{}
	}
	_ = writeJSON(w, http.StatusOK, ticks)
}

// HandleHistoryStats returns per-state journal counts
func (s *RelayServer) HandleHistoryStats(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal is disabled", "set journal.enabled = true")
		return
	}
	stats, err := s.journal.Stats(r.Context())
	if err != nil {
		s.logger.Errorw("Failed to compute history stats", logger.FieldError, err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	_ = writeJSON(w, http.StatusOK, stats)
}

// HandleHealth reports liveness and a few counters
func (s *RelayServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	state := s.State()
	status := "ok"
	code := http.StatusOK
	if state != ServerStateRunning {
		status = state.String()
		code = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, code, HealthResponse{
		Status:         status,
		Version:        info.Version,
		Commit:         info.Short(),
		State:          state.String(),
		ActiveSessions: len(s.tracker.List()),
		Clients:        s.ClientCount(),
		Journal:        s.journal != nil,
	})
}

// HandleWebSocket upgrades the connection and streams session events
func (s *RelayServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	client := &Client{
		server: s,
		conn:   conn,
		send:   make(chan Event, MaxClientMessageQueueSize),
		id:     uuid.NewString(),
	}

	// written before writePump starts, so no concurrent writers
	hello := Event{
		Type:      EventHello,
		Version:   version.Get().Version,
		Sessions:  s.activeSummaries(),
		Timestamp: time.Now().Unix(),
	}
	if err := conn.WriteJSON(hello); err != nil {
		s.logger.Debugw("Failed to send hello", logger.FieldClientID, client.id, logger.FieldError, err)
		conn.Close()
		return
	}

	select {
	case s.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
