// Package leads forwards qualified leads to their downstream destinations.
//
// What qualifies a lead is the repository's business; the Coordinator only
// forwards each qualified lead independently and records the outcome.
package leads

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/leadpulse/errors"
)

// Lead is a prospect captured by the outreach platform.
type Lead struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	Name            string          `json:"name,omitempty"`
	Company         string          `json:"company,omitempty"`
	Destination     string          `json:"destination,omitempty"`
	Score           int             `json:"score"`
	Attributes      json.RawMessage `json:"attributes,omitempty"`
	ForwardAttempts int             `json:"-"`
	ForwardedAt     *time.Time      `json:"-"`
}

// Outcome is the result of one forward attempt.
type Outcome struct {
	ForwardedAt *time.Time
	Error       string
}

// Succeeded reports whether the lead was delivered.
func (o Outcome) Succeeded() bool { return o.ForwardedAt != nil }

// Repository supplies qualified leads and stores forward outcomes.
type Repository interface {
	FetchQualifiedLeads(ctx context.Context) ([]Lead, error)
	RecordForwardOutcome(ctx context.Context, leadID string, outcome Outcome) error
}

// Forwarder delivers one lead downstream.
type Forwarder interface {
	Forward(ctx context.Context, lead Lead) error
}

// Result summarises one forwarding pass.
type Result struct {
	Forwarded int
	Errors    []string
}

// Coordinator forwards every qualified lead.
type Coordinator struct {
	repo      Repository
	forwarder Forwarder
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewCoordinator creates a coordinator. logger may be nil.
func NewCoordinator(repo Repository, forwarder Forwarder, logger *zap.SugaredLogger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		repo:      repo,
		forwarder: forwarder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ForwardQualifiedLeads forwards each qualified lead. A lead that fails is
// reported as "lead <id>: <message>" and the pass continues; only failing to
// fetch the qualified set is returned as an error.
func (c *Coordinator) ForwardQualifiedLeads(ctx context.Context) (Result, error) {
	var res Result

	leads, err := c.repo.FetchQualifiedLeads(ctx)
	if err != nil {
		return res, errors.Systemic(errors.WithHint(
			errors.Wrap(err, "failed to fetch qualified leads"),
			"check database.path and that migrations ran",
		))
	}
	c.logger.Infow("Forwarding qualified leads", "count", len(leads))

	for i, lead := range leads {
		if ctx.Err() != nil {
			c.logger.Infow("Lead forwarding interrupted", "remaining", len(leads)-i)
			break
		}

		if err := c.forwardOne(ctx, lead); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("lead %s: %s", lead.ID, err.Error()))
			continue
		}
		res.Forwarded++
	}

	c.logger.Infow("Lead forwarding finished",
		"forwarded", res.Forwarded,
		"errors", len(res.Errors),
	)
	return res, nil
}

// ForwardOne forwards a single lead and records the outcome.
func (c *Coordinator) ForwardOne(ctx context.Context, lead Lead) error {
	return c.forwardOne(ctx, lead)
}

func (c *Coordinator) forwardOne(ctx context.Context, lead Lead) error {
	fwdErr := c.safeForward(ctx, lead)

	outcome := Outcome{}
	if fwdErr == nil {
		now := c.now()
		outcome.ForwardedAt = &now
	} else {
		outcome.Error = fwdErr.Error()
		c.logger.Warnw("Lead forward failed", "lead_id", lead.ID, "error", fwdErr)
	}

	// record even if ctx was cancelled during delivery
	if err := c.repo.RecordForwardOutcome(context.WithoutCancel(ctx), lead.ID, outcome); err != nil {
		if fwdErr != nil {
			return errors.WithSecondaryError(fwdErr, err)
		}
		return errors.Wrap(err, "forwarded but failed to record outcome")
	}
	return fwdErr
}

func (c *Coordinator) safeForward(ctx context.Context, lead Lead) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return c.forwarder.Forward(ctx, lead)
}
