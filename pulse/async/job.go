// Package async drains the background job backlog with pulse control: one
// worker, bounded by wall-clock and memory budgets, stoppable between jobs.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/leadpulse/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition happens from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Job is one unit of background work.
//
// PayloadType selects the JobHandler; Payload is handler-owned JSON that the
// infrastructure never decodes.
type Job struct {
	ID          string          `json:"id" yaml:"id"`
	PayloadType string          `json:"payload_type" yaml:"payload_type"`
	Payload     json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Status      JobStatus       `json:"status" yaml:"status"`
	Attempts    int             `json:"attempts" yaml:"attempts"`
	LastError   string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	AvailableAt time.Time       `json:"available_at" yaml:"available_at"`
	CreatedAt   time.Time       `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at" yaml:"updated_at"`
}

// NewJob creates a pending job available immediately.
func NewJob(payloadType string, payload json.RawMessage) (*Job, error) {
	if payloadType == "" {
		return nil, errors.NewInvalidRequestError("payload type cannot be empty")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, errors.NewInvalidRequestError("payload for %s is not valid JSON", payloadType)
	}

	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		PayloadType: payloadType,
		Payload:     payload,
		Status:      JobStatusPending,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v interface{}) error {
	if len(j.Payload) == 0 {
		return errors.NewInvalidRequestError("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s payload for job %s", j.PayloadType, j.ID)
	}
	return nil
}

// Failure is the outcome MarkFailed records for a job whose handler errored.
type Failure struct {
	Error string

	// Retry sends the job back to pending, available at RetryAt.
	// Otherwise the job becomes permanently failed.
	Retry   bool
	RetryAt time.Time
}

// Stats counts jobs per status.
type Stats struct {
	Pending   int `json:"pending" yaml:"pending"`
	Running   int `json:"running" yaml:"running"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
}

// Total returns the number of jobs across statuses.
func (s Stats) Total() int {
	return s.Pending + s.Running + s.Succeeded + s.Failed
}
