// Package api exposes the daemon's HTTP surface: health, metrics, and a
// read/write view over open chat ledgers for local tooling.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/msgsync/internal/engine"
	"github.com/eldtechnologies/msgsync/internal/models"
	"github.com/eldtechnologies/msgsync/internal/send"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, eng *engine.Engine) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	// Local UIs poll this surface from anywhere.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := &handler{eng: eng}

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.health)

	r.Route("/chats/{id}", func(r chi.Router) {
		r.Post("/open", h.openChat)
		r.Delete("/", h.closeChat)
		r.Get("/messages", h.getMessages)
		r.Post("/messages", h.postMessage)
		r.Post("/messages/{localID}/retry", h.retry)
	})

	return r
}

type handler struct {
	eng *engine.Engine
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) openChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	if err := h.eng.OpenChat(chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chat_id": chatID})
}

func (h *handler) closeChat(w http.ResponseWriter, r *http.Request) {
	h.eng.CloseChat(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	msgs := h.eng.Messages(chatID)
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":  chatID,
		"messages": msgs,
	})
}

func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")

	var req struct {
		Body       string             `json:"body"`
		Attachment *models.Attachment `json:"att,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	localID, err := h.eng.Send(chatID, send.Content{Body: req.Body, Attachment: req.Attachment})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"local_id": localID})
}

func (h *handler) retry(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	localID := chi.URLParam(r, "localID")

	if err := h.eng.Retry(chatID, localID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"local_id": localID})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrChatNotOpen), errors.Is(err, engine.ErrUnknownLocalID):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmptyBody), errors.Is(err, models.ErrAttachmentTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotParticipant):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
