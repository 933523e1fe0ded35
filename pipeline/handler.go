package pipeline

import (
	"context"

	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/pulse/async"
)

// AdvancePayloadType is the job payload type handled by AdvanceHandler.
const AdvancePayloadType = "pipeline.advance"

// AdvancePayload names the campaign to advance.
type AdvancePayload struct {
	CampaignID  string `json:"campaign_id"`
	TargetStage string `json:"target_stage,omitempty"`
}

// AdvanceHandler is a background job that sets a campaign's target stage
// (when given) and advances it immediately, without waiting for the next
// synchronisation pass.
type AdvanceHandler struct {
	store *Store
}

// NewAdvanceHandler creates the handler.
func NewAdvanceHandler(store *Store) *AdvanceHandler {
	return &AdvanceHandler{store: store}
}

func (h *AdvanceHandler) PayloadType() string { return AdvancePayloadType }

func (h *AdvanceHandler) Execute(ctx context.Context, job *async.Job) error {
	var p AdvancePayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if p.CampaignID == "" {
		return errors.NewInvalidRequestError("campaign_id is required")
	}
	if p.TargetStage != "" {
		if err := h.store.SetTarget(ctx, p.CampaignID, p.TargetStage); err != nil {
			return err
		}
	}
	c, err := h.store.Get(ctx, p.CampaignID)
	if err != nil {
		return err
	}
	if !c.Active {
		return errors.Newf("campaign %s is not active", c.ID)
	}
	_, err = h.store.AdvanceStatus(ctx, c)
	return err
}
