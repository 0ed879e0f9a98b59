package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/loupe-obs/loupe/pkg/alerts"
	"github.com/loupe-obs/loupe/pkg/breaker"
	"github.com/loupe-obs/loupe/pkg/engine"
	"github.com/loupe-obs/loupe/pkg/logs"
	"github.com/loupe-obs/loupe/pkg/pool"
	"github.com/loupe-obs/loupe/pkg/query"
	"github.com/loupe-obs/loupe/pkg/stream"
)

type apiServer struct {
	engine   *engine.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newAPIServer(eng *engine.Engine, logger *slog.Logger) *apiServer {
	return &apiServer{
		engine: eng,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *apiServer) routes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	api.HandleFunc("/ingest/batch", s.handleIngestBatch).Methods("POST")
	api.HandleFunc("/query", s.handleQuery).Methods("POST")
	api.HandleFunc("/query/explain", s.handleExplain).Methods("POST")
	api.HandleFunc("/alerts", s.handleCreateAlert).Methods("POST")
	api.HandleFunc("/alerts", s.handleListAlerts).Methods("GET")
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods("GET")
	api.HandleFunc("/alerts/{id}", s.handleUpdateAlert).Methods("PUT")
	api.HandleFunc("/alerts/{id}", s.handleDeleteAlert).Methods("DELETE")
	api.HandleFunc("/cache/stats", s.handleCacheStats).Methods("GET")
	api.HandleFunc("/cache", s.handleInvalidateCache).Methods("DELETE")
	api.HandleFunc("/usage", s.handleUsage).Methods("GET")
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stream", s.handleStream).Methods("GET")
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "err", err)
	}
}

// writeError maps engine errors to HTTP statuses: validation failures are
// the client's fault, open circuits and exhausted pools are backpressure.
func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case logs.IsValidation(err):
		status = http.StatusBadRequest
	case breaker.IsOpen(err), errors.Is(err, pool.ErrAcquireTimeout), errors.Is(err, pool.ErrSubscriptionLimit):
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// fillEntry assigns an id and timestamp when the sender left them out.
func fillEntry(e *logs.Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixNano()
	}
}

func (s *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var entry logs.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	fillEntry(&entry)

	if err := s.engine.Ingest(r.Context(), &entry); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": entry.ID})
}

func (s *apiServer) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var entries []*logs.Entry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	for _, e := range entries {
		fillEntry(e)
	}

	if err := s.engine.IngestBatch(r.Context(), entries); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(entries)})
}

func (s *apiServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var q query.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := s.engine.Query(r.Context(), &q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) handleExplain(w http.ResponseWriter, r *http.Request) {
	var q query.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	plan, err := s.engine.Plan(&q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *apiServer) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var rule alerts.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	created, err := s.engine.CreateAlert(&rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *apiServer) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.ListAlerts())
}

func (s *apiServer) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.engine.GetAlert(mux.Vars(r)["id"])
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *apiServer) handleUpdateAlert(w http.ResponseWriter, r *http.Request) {
	var rule alerts.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rule.ID = mux.Vars(r)["id"]

	updated, err := s.engine.UpdateAlert(&rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *apiServer) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAlert(mux.Vars(r)["id"]); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

func (s *apiServer) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.InvalidateCache(r.URL.Query().Get("pattern")); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Usage())
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health(r.Context())
	status := http.StatusOK
	if h.Status == engine.StatusDegraded {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

// streamRequest is the first websocket message on /stream: the live query
// plus batching options.
type streamRequest struct {
	Query   *query.Query   `json:"query,omitempty"`
	Options stream.Options `json:"options"`
}

// handleStream upgrades to a websocket and bridges one streaming
// subscription onto it. Batches arrive as JSON arrays of entries.
func (s *apiServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	var req streamRequest
	if err := conn.ReadJSON(&req); err != nil {
		conn.WriteJSON(map[string]string{"error": "expected a stream request"})
		return
	}

	sub, err := s.engine.Subscribe(req.Query, req.Options)
	if err != nil {
		conn.WriteJSON(map[string]string{"error": err.Error()})
		return
	}
	defer s.engine.Unsubscribe(sub.ID)

	if err := conn.WriteJSON(map[string]string{"subscription_id": sub.ID}); err != nil {
		return
	}

	// Writer: pump batches until the subscription closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for batch := range sub.C {
			if err := conn.WriteJSON(batch); err != nil {
				return
			}
		}
	}()

	// Reader: only used to notice the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.engine.Unsubscribe(sub.ID)
	<-done
}
