package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mpedrazzi/intentchat/internal/config"
	"github.com/mpedrazzi/intentchat/internal/conversation"
	"github.com/mpedrazzi/intentchat/internal/observability"
)

type Server struct {
	cfg          config.Config
	orchestrator *conversation.Orchestrator
	stages       *observability.StageWindow
}

func New(cfg config.Config, orchestrator *conversation.Orchestrator, stages *observability.StageWindow) *Server {
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		stages:       stages,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat", s.handleChat)
	r.Post("/v1/intent", s.handleIntent)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/{id}/history", s.handleHistory)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)
	r.Post("/v1/sessions/{id}/clear", s.handleClearSession)
	r.Get("/v1/stats/latency", s.handleLatencyStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Ready means the store answers; a broken backend should fail probes.
	if _, err := s.orchestrator.Sessions(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleStatus reports the effective runtime configuration so operators can
// see which backend, oracle and thresholds a deployment runs with.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	backend := s.cfg.StoreBackend
	if backend == "" {
		if s.cfg.SQLitePath != "" {
			backend = "sqlite"
		} else {
			backend = "memory"
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"store_backend":        backend,
		"oracle_mode":          s.cfg.OracleMode,
		"oracle_model":         s.cfg.OracleModel,
		"confidence_threshold": s.cfg.ConfidenceThreshold,
		"max_turns":            s.cfg.MaxTurns,
		"default_session":      s.cfg.DefaultSession,
		"window_turns":         s.cfg.WindowTurns,
		"window_chars":         s.cfg.WindowChars,
	})
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
}

type chatResponse struct {
	Success bool `json:"success"`
	conversation.Result
	ProcessingMS float64 `json:"processing_time_ms"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.orchestrator.Process(r.Context(), conversation.Request{
		SessionID: req.SessionID,
		Input:     req.Input,
	})
	if err != nil {
		respondError(w, statusForCode(conversation.ErrorCode(err)), conversation.ErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, chatResponse{
		Success:      true,
		Result:       res,
		ProcessingMS: float64(res.Elapsed.Microseconds()) / 1000,
	})
}

type intentRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Input     string `json:"input"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.orchestrator.AnalyzeIntent(r.Context(), req.SessionID, req.Input)
	if err != nil {
		respondError(w, statusForCode(conversation.ErrorCode(err)), conversation.ErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"intent":  res,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.orchestrator.Sessions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, conversation.ErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	turns, err := s.orchestrator.History(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, conversation.ErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"turns":      turns,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.orchestrator.DeleteSession(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, conversation.ErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.orchestrator.ClearSession(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, conversation.ErrorCode(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "session_id": id})
}

func (s *Server) handleLatencyStats(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "latency window not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func statusForCode(code string) int {
	switch code {
	case conversation.CodeEmptyInput:
		return http.StatusBadRequest
	case conversation.CodePartialCommit, conversation.CodeStorageError,
		conversation.CodeClassificationFailed, conversation.CodeConfigurationError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Success: false, Error: message, Code: code})
}
