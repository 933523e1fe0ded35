package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/leadpulse/errors"
	lptest "github.com/teranos/leadpulse/internal/testing"
	"github.com/teranos/leadpulse/pulse/async"
)

func TestStore_Synchronize(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, Campaign{ID: "spring", Name: "Spring", Stage: "draft", TargetStage: "live", Active: true}))
	require.NoError(t, store.Create(ctx, Campaign{ID: "steady", Name: "Steady", Stage: "live", TargetStage: "live", Active: true}))
	require.NoError(t, store.Create(ctx, Campaign{ID: "paused", Name: "Paused", Stage: "draft", TargetStage: "live", Active: false}))

	active, err := store.FetchActiveCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	sum, err := NewSynchronizer(store, Options{}, nil).UpdateAllCampaigns(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Checked: 2, Advanced: 1}, sum)

	spring, err := store.Get(ctx, "spring")
	require.NoError(t, err)
	assert.Equal(t, "live", spring.Stage)

	paused, err := store.Get(ctx, "paused")
	require.NoError(t, err)
	assert.Equal(t, "draft", paused.Stage, "inactive campaigns are left alone")

	// second pass has nothing left to do
	sum, err = NewSynchronizer(store, Options{}, nil).UpdateAllCampaigns(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Advanced)
}

func TestStore_AdvanceStaleRead(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Campaign{ID: "c", Name: "C", Stage: "draft", TargetStage: "live", Active: true}))

	stale := Campaign{ID: "c", Stage: "review", TargetStage: "live", Active: true}
	advanced, err := store.AdvanceStatus(ctx, stale)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestStore_Validation(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	err := store.Create(context.Background(), Campaign{ID: "x"})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = store.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFoundError(err))

	assert.True(t, errors.IsNotFoundError(store.SetTarget(context.Background(), "missing", "live")))
}

func TestAdvanceHandler(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, Campaign{ID: "c", Name: "C", Stage: "draft", Active: true}))

	payload, err := json.Marshal(AdvancePayload{CampaignID: "c", TargetStage: "nurture"})
	require.NoError(t, err)
	job, err := async.NewJob(AdvancePayloadType, payload)
	require.NoError(t, err)

	h := NewAdvanceHandler(store)
	assert.Equal(t, AdvancePayloadType, h.PayloadType())
	require.NoError(t, h.Execute(ctx, job))

	c, err := store.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "nurture", c.Stage)

	bad, err := async.NewJob(AdvancePayloadType, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Error(t, h.Execute(ctx, bad))
}
