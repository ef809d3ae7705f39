package server

import (
	"net/http"

	"github.com/rs/cors"
)

// Handler returns the relay's HTTP handler with CORS applied
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/evaluations", s.HandleStartEvaluation)
	mux.HandleFunc("GET /api/evaluations", s.HandleListEvaluations)
	mux.HandleFunc("GET /api/evaluations/{id}", s.HandleGetEvaluation)
	mux.HandleFunc("DELETE /api/evaluations/{id}", s.HandleCancelEvaluation)
	mux.HandleFunc("GET /api/evaluations/{id}/ticks", s.HandleEvaluationTicks)
	mux.HandleFunc("GET /api/history", s.HandleHistory)
	mux.HandleFunc("GET /api/history/stats", s.HandleHistoryStats)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	c := cors.New(cors.Options{
		AllowOriginFunc:  s.originAllowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}
