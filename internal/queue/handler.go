package queue

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arusso/drip-relay/internal/pkg/ctxlog"
	"github.com/arusso/drip-relay/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrBatchInFlight, Status: http.StatusConflict, Message: "queue still has unresolved entries from a previous batch"},
	{Error: ErrEntryNotFound, Status: http.StatusNotFound, Message: "queue entry not found"},
}

// WebhookValidator authenticates an inbound provider callback.
// Returns false to reject the request.
type WebhookValidator func(r *http.Request) bool

// Handler handles HTTP requests for the queue module.
type Handler struct {
	service         *Service
	validator       *validator.Validate
	webhookValidate WebhookValidator
}

// NewHandler creates a new queue handler. webhookValidate may be nil to
// accept callbacks unauthenticated (tests, local runs).
func NewHandler(service *Service, webhookValidate WebhookValidator) *Handler {
	return &Handler{
		service:         service,
		validator:       validator.New(),
		webhookValidate: webhookValidate,
	}
}

// RegisterRoutes registers the queue API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/recipients/{recipientID}/queues/{queueName}", func(r chi.Router) {
		r.Post("/messages", h.EnqueueBatch)
		r.Get("/status", h.QueueStatus)
	})
	r.Post("/sweep", h.Sweep)
}

// RegisterWebhookRoutes registers the provider callback route.
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/status", h.StatusCallback)
}

// EnqueueMessage is one message within an enqueue request.
type EnqueueMessage struct {
	Body      string   `json:"body" validate:"required"`
	MediaURLs []string `json:"media_urls" validate:"omitempty,dive,url"`
}

// EnqueueRequest is the request body for enqueueing a batch.
type EnqueueRequest struct {
	Messages []EnqueueMessage `json:"messages" validate:"dive"`
}

// EnqueueBatch enqueues an ordered batch of messages for a recipient's queue.
func (h *Handler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	key := Key{
		RecipientID: chi.URLParam(r, "recipientID"),
		QueueName:   chi.URLParam(r, "queueName"),
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	messages := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, Message{Body: m.Body, MediaURLs: m.MediaURLs})
	}

	if err := h.service.EnqueueBatch(r.Context(), key, messages); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, map[string]int{"enqueued": len(messages)})
}

// QueueStatus returns entry counts by status for a recipient's queue.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	key := Key{
		RecipientID: chi.URLParam(r, "recipientID"),
		QueueName:   chi.URLParam(r, "queueName"),
	}

	stats, err := h.service.QueueStatus(r.Context(), key)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// SweepRequest is the request body for triggering a stall sweep.
type SweepRequest struct {
	TimeoutMinutes int `json:"timeout_minutes" validate:"omitempty,min=1"`
}

// Sweep force-resolves stalled entries. Invoked by an external scheduler.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httputil.ValidationError(w, err)
			return
		}
	}

	examined, err := h.service.SweepStalled(r.Context(), time.Duration(req.TimeoutMinutes)*time.Minute)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"examined": examined})
}

// StatusCallback consumes provider delivery status callbacks. The provider
// retries on non-2xx, so handler errors surface as 500 and duplicates are
// expected and harmless.
func (h *Handler) StatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid form body")
		return
	}

	if h.webhookValidate != nil && !h.webhookValidate(r) {
		ctxlog.FromContext(r.Context()).Warn("rejected callback with bad signature",
			"remote_addr", r.RemoteAddr,
		)
		httputil.Error(w, http.StatusForbidden, "invalid signature")
		return
	}

	messageSID := r.PostFormValue("MessageSid")
	status := r.PostFormValue("MessageStatus")
	if messageSID == "" || status == "" {
		httputil.Error(w, http.StatusBadRequest, "missing MessageSid or MessageStatus")
		return
	}

	var err error
	switch status {
	case "delivered", "read":
		err = h.service.OnDelivered(r.Context(), messageSID)
	case "failed", "undelivered":
		err = h.service.OnFailed(r.Context(), messageSID, r.PostFormValue("ErrorMessage"))
	default:
		// interim statuses (queued, sending, sent) carry no transition
	}

	if err != nil {
		ctxlog.FromContext(r.Context()).Error("failed to process status callback",
			"provider_message_id", messageSID,
			"status", status,
			"error", err,
		)
		httputil.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
