package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/dejavu/internal/gate"
	"github.com/kalambet/dejavu/internal/pipeline"
	"github.com/kalambet/dejavu/internal/retrieval"
	"github.com/kalambet/dejavu/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// OwnerHeader names the caller. Requests without it act as Deps.DefaultOwner.
const OwnerHeader = "X-Dejavu-Owner"

// QueryService is the pipeline surface the API exposes.
type QueryService interface {
	SubmitQuery(ctx context.Context, q pipeline.Query) (pipeline.Reply, error)
	SubmitFeedback(ctx context.Context, conversationID, ownerID string, helpful bool) (gate.Ack, error)
}

type Deps struct {
	Pipeline     QueryService
	Store        *storage.Store
	Pool         PoolSearcher // optional; if nil, ?q= pool search is rejected
	Token        string
	DefaultOwner string
}

type QueryRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

type FeedbackRequest struct {
	ConversationID string `json:"conversation_id"`
	Helpful        *bool  `json:"helpful"`
}

// ConversationView is a conversation as shown to its owner.
type ConversationView struct {
	ID        string              `json:"id"`
	SessionID string              `json:"session_id,omitempty"`
	Query     string              `json:"query"`
	Response  string              `json:"response,omitempty"`
	Route     storage.Route       `json:"route"`
	CreatedAt time.Time           `json:"created_at"`
	Decoys    storage.DecoyCounts `json:"decoys"`
}

type StatusResponse struct {
	PoolSize int            `json:"pool_size"`
	Jobs     map[string]int `json:"jobs"`
}

// NewHandler returns the HTTP API. /health and /metrics are open; everything
// under /v1 requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/query", handleQuery(deps))
		r.Post("/feedback", handleFeedback(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Get("/pool", handlePool(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "unavailable", "store unreachable: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		reply, err := deps.Pipeline.SubmitQuery(r.Context(), pipeline.Query{
			Text:      req.Text,
			SessionID: req.SessionID,
			OwnerID:   ownerOf(r, deps),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, reply)
	}
}

func handleFeedback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FeedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ConversationID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "conversation_id is required")
			return
		}
		if req.Helpful == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "helpful is required")
			return
		}

		ack, err := deps.Pipeline.SubmitFeedback(r.Context(), req.ConversationID, ownerOf(r, deps), *req.Helpful)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, ack)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerOf(r, deps)
		if owner == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		convs, err := deps.Store.ListConversations(r.Context(), owner, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conversations: %v", err)
			return
		}

		views := make([]ConversationView, 0, len(convs))
		for _, c := range convs {
			counts, err := deps.Store.CountDecoys(r.Context(), c.ID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count decoys: %v", err)
				return
			}
			v := viewOf(c, counts)
			v.Response = ""
			views = append(views, v)
		}
		writeJSON(w, views)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		conv, err := deps.Store.GetConversation(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && conv.OwnerID != ownerOf(r, deps)) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conversation: %v", err)
			return
		}

		counts, err := deps.Store.CountDecoys(r.Context(), conv.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count decoys: %v", err)
			return
		}
		writeJSON(w, viewOf(conv, counts))
	}
}

func handlePool(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
			if deps.Pool == nil {
				httpError(w, http.StatusNotImplemented, "api_error", "pool search is not available")
				return
			}
			hits, err := deps.Pool.Search(r.Context(), q, limit)
			if err != nil {
				writeError(w, err)
				return
			}
			if hits == nil {
				hits = []PoolHit{}
			}
			writeJSON(w, hits)
			return
		}

		offset := parseIntParam(r, "offset", 0, 0)
		decoys, err := deps.Store.ListGlobalDecoys(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list pool: %v", err)
			return
		}
		if decoys == nil {
			decoys = []storage.GlobalDecoy{}
		}
		writeJSON(w, decoys)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size, err := deps.Store.CountGlobalDecoys(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count pool: %v", err)
			return
		}
		jobs, err := deps.Store.JobStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read job stats: %v", err)
			return
		}
		writeJSON(w, StatusResponse{PoolSize: size, Jobs: jobs})
	}
}

func ownerOf(r *http.Request, deps Deps) string {
	if o := strings.TrimSpace(r.Header.Get(OwnerHeader)); o != "" {
		return o
	}
	return deps.DefaultOwner
}

func viewOf(c storage.Conversation, counts storage.DecoyCounts) ConversationView {
	return ConversationView{
		ID:        c.ID,
		SessionID: c.SessionID,
		Query:     c.OriginalQuery,
		Response:  c.AIResponse,
		Route:     c.Route,
		CreatedAt: c.CreatedAt,
		Decoys:    counts,
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

// writeError maps pipeline and store errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, pipeline.ErrPolicyViolation):
		httpError(w, http.StatusUnprocessableEntity, "policy_violation", "the provider declined to answer this message")
	case pipeline.Retryable(err), errors.Is(err, retrieval.ErrEmbeddingUnavailable):
		slog.Warn("request failed, retryable", "error", err)
		writeErrorBody(w, http.StatusServiceUnavailable, "unavailable", err.Error(), true)
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeErrorBody(w, code, errType, fmt.Sprintf(format, args...), false)
}

func writeErrorBody(w http.ResponseWriter, code int, errType, msg string, retryable bool) {
	body := map[string]any{
		"message": msg,
		"type":    errType,
	}
	if retryable {
		body["retryable"] = true
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}
