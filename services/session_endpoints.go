package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LSY1007/NextEnterBack-sub000/models"
	"github.com/go-chi/chi/v5"
)

// retryAfterSeconds is advertised on 503 responses from the question provider.
const retryAfterSeconds = 5

type SessionEndpoints struct {
	engine *InterviewEngine
}

func NewSessionEndpoints(engine *InterviewEngine) *SessionEndpoints {
	return &SessionEndpoints{engine: engine}
}

type AnswerRequest struct {
	Answer string `json:"answer"`
}

type GetSessionsResponse struct {
	Sessions []models.InterviewSession `json:"sessions"`
	Count    int                       `json:"count"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *SessionEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/interviews", func(r chi.Router) {
		r.Post("/", e.StartInterviewHandler)
		r.Get("/", e.ListInterviewsHandler)
		r.Get("/{id}", e.GetResultHandler)
		r.Post("/{id}/answers", e.SubmitAnswerHandler)
		r.Put("/{id}/answers/latest", e.ModifyAnswerHandler)
		r.Post("/{id}/cancel", e.CancelInterviewHandler)
	})
}

func (e *SessionEndpoints) StartInterviewHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user not found in context")
		return
	}

	var req StartInterviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	resp, err := e.engine.StartInterview(r.Context(), ownerID, req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (e *SessionEndpoints) ListInterviewsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user not found in context")
		return
	}

	sessions, err := e.engine.ListHistory(r.Context(), ownerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GetSessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (e *SessionEndpoints) GetResultHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user not found in context")
		return
	}

	result, err := e.engine.GetResult(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (e *SessionEndpoints) SubmitAnswerHandler(w http.ResponseWriter, r *http.Request) {
	e.handleAnswer(w, r, e.engine.SubmitAnswer)
}

func (e *SessionEndpoints) ModifyAnswerHandler(w http.ResponseWriter, r *http.Request) {
	e.handleAnswer(w, r, e.engine.ModifyAnswer)
}

type answerFunc func(ctx context.Context, ownerID, sessionID, answer string) (*TurnResponse, error)

func (e *SessionEndpoints) handleAnswer(w http.ResponseWriter, r *http.Request, apply answerFunc) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user not found in context")
		return
	}

	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid request body")
		return
	}

	resp, err := apply(r.Context(), ownerID, chi.URLParam(r, "id"), req.Answer)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *SessionEndpoints) CancelInterviewHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "user not found in context")
		return
	}

	resp, err := e.engine.CancelInterview(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, ErrState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrUpstreamUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "question provider unavailable, retry shortly")
	default:
		slog.Error("Interview request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
