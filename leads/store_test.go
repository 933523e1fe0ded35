package leads

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/leadpulse/errors"
	lptest "github.com/teranos/leadpulse/internal/testing"
	"github.com/teranos/leadpulse/pulse/async"
)

func TestStore_Qualification(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t), Qualification{MinScore: 50, MaxForwardAttempts: 2})
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, Lead{ID: "hot", Email: "a@example.com", Score: 90, Attributes: json.RawMessage(`{"source":"webinar"}`)}))
	require.NoError(t, store.Create(ctx, Lead{ID: "cold", Email: "b@example.com", Score: 10}))
	require.NoError(t, store.Create(ctx, Lead{ID: "edge", Email: "c@example.com", Score: 50}))

	qualified, err := store.FetchQualifiedLeads(ctx)
	require.NoError(t, err)
	require.Len(t, qualified, 2)
	assert.Equal(t, "hot", qualified[0].ID)
	assert.JSONEq(t, `{"source":"webinar"}`, string(qualified[0].Attributes))
	assert.Equal(t, "edge", qualified[1].ID)

	now := time.Now().UTC()
	require.NoError(t, store.RecordForwardOutcome(ctx, "hot", Outcome{ForwardedAt: &now}))

	// edge fails until it runs out of attempts
	require.NoError(t, store.RecordForwardOutcome(ctx, "edge", Outcome{Error: "503"}))
	qualified, err = store.FetchQualifiedLeads(ctx)
	require.NoError(t, err)
	require.Len(t, qualified, 1)
	assert.Equal(t, 1, qualified[0].ForwardAttempts)

	require.NoError(t, store.RecordForwardOutcome(ctx, "edge", Outcome{Error: "503"}))
	qualified, err = store.FetchQualifiedLeads(ctx)
	require.NoError(t, err)
	assert.Empty(t, qualified)

	err = store.RecordForwardOutcome(ctx, "ghost", Outcome{Error: "x"})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_CreateValidation(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t), Qualification{})
	ctx := context.Background()
	assert.True(t, errors.IsInvalidRequestError(store.Create(ctx, Lead{ID: "x"})))

	require.NoError(t, store.Create(ctx, Lead{ID: "x", Email: "a@example.com"}))
	err := store.Create(ctx, Lead{ID: "x", Email: "b@example.com"})
	assert.True(t, errors.IsAlreadyExistsError(err))
}

func TestForwardHandler(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t), Qualification{MinScore: 0, MaxForwardAttempts: 5})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Lead{ID: "l1", Email: "a@example.com", Score: 1}))

	fwd := &fakeForwarder{}
	h := NewForwardHandler(store, fwd, nil)

	payload, err := json.Marshal(ForwardPayload{LeadID: "l1"})
	require.NoError(t, err)
	job, err := async.NewJob(ForwardPayloadType, payload)
	require.NoError(t, err)

	require.NoError(t, h.Execute(ctx, job))
	assert.Equal(t, []string{"l1"}, fwd.sent)

	qualified, err := store.FetchQualifiedLeads(ctx)
	require.NoError(t, err)
	assert.Empty(t, qualified, "forwarded leads no longer qualify")

	missing, err := async.NewJob(ForwardPayloadType, json.RawMessage(`{"lead_id":"nope"}`))
	require.NoError(t, err)
	assert.True(t, errors.IsNotFoundError(h.Execute(ctx, missing)))
}

func TestForwardHandler_OnlyQualifiedLeads(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t), Qualification{MinScore: 50, MaxForwardAttempts: 5})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Lead{ID: "l1", Email: "a@example.com", Score: 80}))
	require.NoError(t, store.Create(ctx, Lead{ID: "cold", Email: "b@example.com", Score: 1}))

	fwd := &fakeForwarder{}
	res, err := NewCoordinator(store, fwd, nil).ForwardQualifiedLeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Forwarded)

	h := NewForwardHandler(store, fwd, nil)
	jobFor := func(id string) *async.Job {
		payload, err := json.Marshal(ForwardPayload{LeadID: id})
		require.NoError(t, err)
		job, err := async.NewJob(ForwardPayloadType, payload)
		require.NoError(t, err)
		return job
	}

	// already delivered by the forwarding run
	require.NoError(t, h.Execute(ctx, jobFor("l1")))

	err = h.Execute(ctx, jobFor("cold"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotQualified))
	assert.True(t, errors.Is(err, async.ErrNonRetryable))

	assert.Equal(t, []string{"l1"}, fwd.sent)
}

func TestStore_GetQualified(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t), Qualification{MinScore: 50, MaxForwardAttempts: 1})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Lead{ID: "hot", Email: "a@example.com", Score: 90}))
	require.NoError(t, store.Create(ctx, Lead{ID: "tired", Email: "b@example.com", Score: 90}))
	require.NoError(t, store.RecordForwardOutcome(ctx, "tired", Outcome{Error: "503"}))

	l, err := store.GetQualified(ctx, "hot")
	require.NoError(t, err)
	assert.Nil(t, l.ForwardedAt)

	_, err = store.GetQualified(ctx, "tired")
	assert.True(t, errors.Is(err, ErrNotQualified))

	now := time.Now().UTC()
	require.NoError(t, store.RecordForwardOutcome(ctx, "hot", Outcome{ForwardedAt: &now}))
	l, err = store.GetQualified(ctx, "hot")
	assert.True(t, errors.Is(err, ErrAlreadyForwarded))
	require.NotNil(t, l.ForwardedAt)
	assert.WithinDuration(t, now, *l.ForwardedAt, time.Second)

	_, err = store.GetQualified(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))
}
