// Package pipeline advances multi-stage pipeline status for active campaigns.
//
// The stage-transition rules live behind Repository.AdvanceStatus; the
// Synchronizer only walks the active set and keeps one campaign's failure
// from affecting the others.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teranos/leadpulse/errors"
)

// Campaign is the part of a campaign the synchronizer sees.
type Campaign struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Stage       string `json:"stage" yaml:"stage"`
	TargetStage string `json:"target_stage,omitempty" yaml:"target_stage,omitempty"`
	Active      bool   `json:"active" yaml:"active"`
}

// Repository supplies active campaigns and applies stage transitions.
type Repository interface {
	FetchActiveCampaigns(ctx context.Context) ([]Campaign, error)

	// AdvanceStatus applies whatever transition is due for c. Returns
	// whether the campaign's stage changed.
	AdvanceStatus(ctx context.Context, c Campaign) (bool, error)
}

// Summary is the result of one synchronisation pass.
type Summary struct {
	Checked  int
	Advanced int
	Errors   []string
}

// Options tune the synchronizer.
type Options struct {
	// FailFast turns the first per-campaign failure into a returned error.
	FailFast bool
}

// Synchronizer walks active campaigns and asks the repository to advance them.
type Synchronizer struct {
	repo   Repository
	opts   Options
	logger *zap.SugaredLogger
}

// NewSynchronizer creates a synchronizer. logger may be nil.
func NewSynchronizer(repo Repository, opts Options, logger *zap.SugaredLogger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Synchronizer{repo: repo, opts: opts, logger: logger}
}

// UpdateAllCampaigns advances every active campaign. A campaign that errors
// or panics is recorded in the summary and the loop continues. Only failing
// to read the active set is returned, unless FailFast is set.
func (s *Synchronizer) UpdateAllCampaigns(ctx context.Context) (Summary, error) {
	var sum Summary

	campaigns, err := s.repo.FetchActiveCampaigns(ctx)
	if err != nil {
		return sum, errors.Systemic(errors.WithHint(
			errors.Wrap(err, "failed to fetch active campaigns"),
			"check database.path and that migrations ran",
		))
	}

	for _, c := range campaigns {
		if ctx.Err() != nil {
			s.logger.Infow("Pipeline sync interrupted", "checked", sum.Checked, "remaining", len(campaigns)-sum.Checked)
			break
		}
		sum.Checked++

		advanced, err := s.advance(ctx, c)
		if err != nil {
			msg := fmt.Sprintf("campaign %s: %s", c.ID, err.Error())
			sum.Errors = append(sum.Errors, msg)
			s.logger.Warnw("Campaign status update failed", "campaign_id", c.ID, "error", err)
			if s.opts.FailFast {
				return sum, errors.Systemic(errors.Wrapf(err, "campaign %s", c.ID))
			}
			continue
		}
		if advanced {
			sum.Advanced++
			s.logger.Debugw("Campaign advanced", "campaign_id", c.ID, "from", c.Stage, "to", c.TargetStage)
		}
	}

	s.logger.Infow("Pipeline status synchronised",
		"checked", sum.Checked,
		"advanced", sum.Advanced,
		"errors", len(sum.Errors),
	)
	return sum, nil
}

func (s *Synchronizer) advance(ctx context.Context, c Campaign) (advanced bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
		}
	}()
	return s.repo.AdvanceStatus(ctx, c)
}
