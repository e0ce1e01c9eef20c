package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/plankworks/api/internal/platform/httpx"
	"github.com/plankworks/api/internal/platform/jobs"
	"github.com/plankworks/api/internal/platform/requestctx"
	"github.com/plankworks/api/internal/services"
)

const maxPushBody = 512 * 1024

// JobHandlers receives Pub/Sub push deliveries for background jobs.
type JobHandlers struct {
	runner services.JobRunner
}

// NewJobHandlers constructs the push endpoint handlers.
func NewJobHandlers(runner services.JobRunner) *JobHandlers {
	return &JobHandlers{runner: runner}
}

// Routes registers the /internal endpoints. The group is expected to carry push token verification.
func (h *JobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/pubsub", h.handlePush)
}

type pushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// handlePush acks with 204. Malformed or unsupported jobs are acked too, since redelivery cannot fix
// them; any other failure answers 500 so Pub/Sub redelivers with backoff.
func (h *JobHandlers) handlePush(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.runner == nil {
		httpx.WriteError(ctx, w, httpx.NewError("jobs_unavailable", "job runner unavailable", http.StatusServiceUnavailable))
		return
	}

	// Push envelopes gain fields over time, so unknown keys are tolerated here.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read body", http.StatusBadRequest))
		return
	}
	var envelope pushEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid push envelope", http.StatusBadRequest))
		return
	}
	messageID := strings.TrimSpace(envelope.Message.MessageID)
	logger := requestctx.Logger(ctx).With(
		zap.String("message_id", messageID),
		zap.String("subscription", strings.TrimSpace(envelope.Subscription)),
	)

	msg, err := jobs.DecodeJobMessage(envelope.Message.Data)
	if err != nil {
		logger.Warn("dropping undecodable job message", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if msg.ID == "" {
		msg.ID = messageID
	}

	if err := h.runner.Run(ctx, msg); err != nil {
		if errors.Is(err, services.ErrValidation) {
			logger.Warn("dropping invalid job", zap.String("job_id", msg.ID), zap.String("kind", string(msg.Kind)), zap.Error(err))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		logger.Warn("job failed, requesting redelivery", zap.String("job_id", msg.ID), zap.String("kind", string(msg.Kind)), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("job_failed", "job failed and will be retried", http.StatusInternalServerError))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
