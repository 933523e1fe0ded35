package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// enqueueTestJobs inserts one pending job per payload type, with strictly
// increasing created_at so FIFO order is deterministic.
func enqueueTestJobs(t *testing.T, store *Store, payloadTypes ...string) []*Job {
	t.Helper()

	base := time.Now().UTC().Add(-time.Minute)
	jobs := make([]*Job, 0, len(payloadTypes))
	for i, pt := range payloadTypes {
		payload, err := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, err)

		job, err := NewJob(pt, payload)
		require.NoError(t, err)
		job.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		job.AvailableAt = job.CreatedAt
		job.UpdatedAt = job.CreatedAt

		require.NoError(t, store.Enqueue(context.Background(), job))
		jobs = append(jobs, job)
	}
	return jobs
}

// recordingHandler records the ids it ran and delegates to fn.
type recordingHandler struct {
	payloadType string
	ran         []string
	fn          func(job *Job) error
}

func (h *recordingHandler) PayloadType() string { return h.payloadType }

func (h *recordingHandler) Execute(ctx context.Context, job *Job) error {
	h.ran = append(h.ran, job.ID)
	if h.fn == nil {
		return nil
	}
	return h.fn(job)
}
