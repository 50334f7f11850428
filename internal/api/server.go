// Package api is the thin HTTP surface over the tracker: one endpoint to
// start tracking a transaction and one to peek at its current status. The
// heavy lifting lives in the queue workers; handlers stay synchronous and
// small.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rachhen/khqr-webhook/internal/domain/model"
	"github.com/rachhen/khqr-webhook/internal/tracker"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// TrackerService is the application surface the handlers call into.
type TrackerService interface {
	Track(ctx context.Context, req tracker.TrackRequest) (tracker.TrackResult, error)
	Lookup(ctx context.Context, md5 string) (*model.TransactionRecord, error)
}

// Server serves the tracking API.
type Server struct {
	tracker TrackerService
	apiKey  string
	logger  *slog.Logger
}

// NewServer creates the API server. apiKey may be empty, which disables
// authentication; intended for local development only.
func NewServer(svc TrackerService, apiKey string, logger *slog.Logger) *Server {
	return &Server{
		tracker: svc,
		apiKey:  apiKey,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the HTTP handler for the tracking API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/track", s.handleTrack)
		r.Get("/transactions/{md5}", s.handleLookup)
	})

	return r
}

// requireAPIKey checks the bearer token on every API call. With no key
// configured the check is skipped.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+s.apiKey {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type trackRequest struct {
	JobID      string `json:"jobId"`
	MD5        string `json:"md5"`
	WebhookURL string `json:"webhookUrl"`
}

type trackResponse struct {
	JobID     string `json:"jobId"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	res, err := s.tracker.Track(r.Context(), tracker.TrackRequest{
		JobID:      req.JobID,
		MD5:        req.MD5,
		WebhookURL: req.WebhookURL,
	})
	if err != nil {
		if errors.Is(err, tracker.ErrInvalidRequest) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Error("track request failed", "error", err, "md5", req.MD5)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, trackResponse{JobID: res.JobID, Duplicate: res.Duplicate})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	md5 := chi.URLParam(r, "md5")

	record, err := s.tracker.Lookup(r.Context(), md5)
	if err != nil {
		switch {
		case errors.Is(err, tracker.ErrInvalidRequest):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, tracker.ErrTransactionNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
		case errors.Is(err, tracker.ErrTransactionFailed):
			// 417 mirrors the status the payment widget expects for a
			// definitively failed transaction.
			writeJSON(w, http.StatusExpectationFailed, map[string]string{"error": "transaction failed"})
		default:
			s.logger.Error("lookup failed", "error", err, "md5", md5)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}
