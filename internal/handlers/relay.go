// Package handlers implements the relay's HTTP surface over the mailbox
// store and rate limiter.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"gitlab.com/secp/services/relay/internal/config"
	"gitlab.com/secp/services/relay/internal/mailbox"
	"gitlab.com/secp/services/relay/internal/metrics"
	"gitlab.com/secp/services/relay/internal/models"
	"gitlab.com/secp/services/relay/internal/ratelimit"
)

// Transport-level body caps. The upload cap is the payload ceiling plus
// slack for the envelope's bounded metadata fields; an ack body is at most
// fifty ids.
const (
	uploadBodySlack = 4 << 10
	maxAckBodyBytes = 64 << 10
)

type RelayHandler struct {
	mailbox *mailbox.Service
	limiter *ratelimit.Limiter
	cfg     *config.Config
	log     *slog.Logger
}

func NewRelayHandler(mb *mailbox.Service, limiter *ratelimit.Limiter, cfg *config.Config, log *slog.Logger) *RelayHandler {
	return &RelayHandler{
		mailbox: mb,
		limiter: limiter,
		cfg:     cfg,
		log:     log,
	}
}

// Upload handles POST /relay/upload. The body is capped before decoding so
// an oversized request is refused without buffering it whole.
func (h *RelayHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.cfg.MaxPayloadBytes)+uploadBodySlack)

	var req models.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.UploadsTotal.WithLabelValues("rejected").Inc()
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
				"error":     "Payload too large",
				"max_bytes": h.cfg.MaxPayloadBytes,
			})
			return
		}
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	envelope := req.Envelope
	envelope.ApplyDefaults(h.cfg.DefaultTTLHours)

	if err := envelope.Validate(); err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(envelope.EncryptedPayload) > h.cfg.MaxPayloadBytes {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{
			"error":     "Payload too large",
			"max_bytes": h.cfg.MaxPayloadBytes,
		})
		return
	}

	result, err := h.limiter.CheckAndConsume(r.Context(), envelope.RecipientKeyHash, h.cfg.RateLimitPerMinute)
	if err != nil {
		h.log.Error("rate limit check failed", "error", err)
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if !result.Allowed {
		metrics.UploadsTotal.WithLabelValues("rate_limited").Inc()
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": "Rate limit exceeded",
			"rate_limit": models.RateLimitInfo{
				Remaining: 0,
				ResetAt:   result.ResetAt,
			},
		})
		return
	}

	// Clamp the requested lifetime to the operator ceiling. The clamp is
	// silent; the effective lifetime is visible through expires_at.
	if envelope.TTLHours > h.cfg.MaxTTLHours {
		envelope.TTLHours = h.cfg.MaxTTLHours
	}

	id, expiresAt, err := h.mailbox.Store(r.Context(), envelope)
	if err != nil {
		if errors.Is(err, mailbox.ErrDuplicateNonce) {
			metrics.UploadsTotal.WithLabelValues("duplicate").Inc()
			writeError(w, http.StatusConflict, "Duplicate nonce - message already submitted")
			return
		}
		h.log.Error("failed to store message", "error", err)
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "Failed to store message")
		return
	}

	metrics.UploadsTotal.WithLabelValues("stored").Inc()
	writeJSON(w, http.StatusCreated, models.UploadResponse{
		ID:        id,
		ExpiresAt: expiresAt,
	})
}

// Poll handles GET /relay/poll.
func (h *RelayHandler) Poll(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	keyHash := query.Get("key_hash")
	if keyHash == "" || len(keyHash) > models.MaxKeyHashLen {
		writeError(w, http.StatusBadRequest, "Invalid key_hash")
		return
	}

	limit := models.DefaultPollLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > models.MaxPollLimit {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	after := query.Get("after")

	metrics.PollsTotal.Inc()

	messages, hasMore, err := h.mailbox.Poll(r.Context(), keyHash, limit, after)
	if err != nil {
		h.log.Error("failed to poll messages", "error", err, "key_hash", keyHash)
		writeError(w, http.StatusInternalServerError, "Failed to poll messages")
		return
	}

	resp := models.PollResponse{
		Messages: messages,
		HasMore:  hasMore,
	}
	if hasMore && len(messages) > 0 {
		resp.NextCursor = messages[len(messages)-1].ID
	}

	writeJSON(w, http.StatusOK, resp)
}

// Ack handles POST /relay/ack.
func (h *RelayHandler) Ack(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAckBodyBytes)

	var req models.AckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := h.mailbox.Delete(r.Context(), req.KeyHash, req.MessageIDs)
	if err != nil {
		h.log.Error("failed to acknowledge messages", "error", err,
			"key_hash", req.KeyHash, "count", len(req.MessageIDs))
		writeError(w, http.StatusInternalServerError, "Failed to acknowledge messages")
		return
	}

	metrics.MessagesAcked.Add(float64(deleted))
	writeJSON(w, http.StatusOK, models.AckResponse{Deleted: deleted})
}

// Pending handles GET /relay/pending.
func (h *RelayHandler) Pending(w http.ResponseWriter, r *http.Request) {
	keyHash := r.URL.Query().Get("key_hash")
	if keyHash == "" || len(keyHash) > models.MaxKeyHashLen {
		writeError(w, http.StatusBadRequest, "Invalid key_hash")
		return
	}

	count, err := h.mailbox.PendingCount(r.Context(), keyHash)
	if err != nil {
		h.log.Error("failed to get pending count", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get pending count")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

// Health handles GET /health. Liveness only; it deliberately does not touch
// the mailbox store.
func (h *RelayHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
