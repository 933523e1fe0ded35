package automation

import (
	"context"
	"encoding/json"

	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/pulse/async"
)

// ActionEnqueueJob hands work to the background job backlog.
const ActionEnqueueJob = "enqueue_job"

// EnqueueJobParams is the params shape for ActionEnqueueJob.
type EnqueueJobParams struct {
	PayloadType string          `json:"payload_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// JobEnqueuer is the part of the job store the executor needs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *async.Job) error
}

// EnqueueJobExecutor turns an automation into a pending background job.
type EnqueueJobExecutor struct {
	jobs JobEnqueuer
}

// NewEnqueueJobExecutor creates the executor.
func NewEnqueueJobExecutor(jobs JobEnqueuer) *EnqueueJobExecutor {
	return &EnqueueJobExecutor{jobs: jobs}
}

func (e *EnqueueJobExecutor) Execute(ctx context.Context, a Automation) error {
	var p EnqueueJobParams
	if len(a.Params) == 0 {
		return errors.NewInvalidRequestError("enqueue_job needs params")
	}
	if err := json.Unmarshal(a.Params, &p); err != nil {
		return errors.Wrap(err, "failed to decode enqueue_job params")
	}

	job, err := async.NewJob(p.PayloadType, p.Payload)
	if err != nil {
		return err
	}
	return e.jobs.Enqueue(ctx, job)
}
