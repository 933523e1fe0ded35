package logger

// Standard field names for consistent structured logging across leadpulse.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldRunID      = "run_id"
	FieldScope      = "scope"
	FieldJobID      = "job_id"
	FieldLeadID     = "lead_id"
	FieldCampaignID = "campaign_id"
	FieldAutomation = "automation_id"

	// Jobs
	FieldPayloadType = "payload_type"
	FieldAttempts    = "attempts"
	FieldMaxAttempts = "max_attempts"
	FieldRetryAt     = "retry_at"

	// Locks
	FieldOwnerPID = "owner_pid"
	FieldLockAge  = "lock_age"

	// Timing
	FieldDuration = "duration"
	FieldBudget   = "budget"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldProcessed = "processed"
	FieldErrors    = "errors"

	// Status
	FieldStatus  = "status"
	FieldOutcome = "outcome"
	FieldState   = "state"
)
