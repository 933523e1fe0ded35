package leads

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/pulse/async"
)

// ForwardPayloadType is the job payload type handled by ForwardHandler.
const ForwardPayloadType = "lead.forward"

// ForwardPayload names the lead to forward.
type ForwardPayload struct {
	LeadID string `json:"lead_id"`
}

// ForwardHandler forwards one lead from the background job backlog, outside
// the regular forwarding run. Failures go through the job retry policy. A lead
// already forwarded is a no-op; one that does not qualify fails for good.
type ForwardHandler struct {
	store       *Store
	coordinator *Coordinator
	logger      *zap.SugaredLogger
}

// NewForwardHandler creates the handler. logger may be nil.
func NewForwardHandler(store *Store, forwarder Forwarder, logger *zap.SugaredLogger) *ForwardHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ForwardHandler{store: store, coordinator: NewCoordinator(store, forwarder, logger), logger: logger}
}

func (h *ForwardHandler) PayloadType() string { return ForwardPayloadType }

func (h *ForwardHandler) Execute(ctx context.Context, job *async.Job) error {
	var p ForwardPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if p.LeadID == "" {
		return errors.NewInvalidRequestError("lead_id is required")
	}
	lead, err := h.store.GetQualified(ctx, p.LeadID)
	switch {
	case errors.Is(err, ErrAlreadyForwarded):
		h.logger.Debugw("Lead already forwarded, skipping", "lead_id", p.LeadID)
		return nil
	case errors.Is(err, ErrNotQualified), errors.IsNotFoundError(err):
		return async.NonRetryable(err)
	case err != nil:
		return err
	}
	return h.coordinator.ForwardOne(ctx, lead)
}
