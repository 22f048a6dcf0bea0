package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hordeproject/horde/internal/horde/api"
)

func TestClaim_DecrementsAndCaps(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wp := queuedRequest(t, store, 3)

	claimed, err := store.Claim(ctx, ClaimParams{
		RequestId: wp.Id,
		WorkerId:  uuid.New(),
		Model:     "stable_diffusion",
		Amount:    2,
		Now:       time.Now(),
		Expiry:    wp.Expiry.Add(time.Minute),
	})
	assert.NoError(t, err)
	assert.Len(t, claimed, 2)

	loaded, err := store.GetRequest(ctx, wp.Id)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), loaded.N)

	// Asking for more than is left claims only what remains.
	claimed, err = store.Claim(ctx, ClaimParams{
		RequestId: wp.Id,
		WorkerId:  uuid.New(),
		Model:     "stable_diffusion",
		Amount:    5,
		Now:       time.Now(),
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)

	claimed, err = store.Claim(ctx, ClaimParams{
		RequestId: wp.Id,
		WorkerId:  uuid.New(),
		Model:     "stable_diffusion",
		Amount:    1,
		Now:       time.Now(),
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRefund_ReturnsUnitAndFaultsGeneration(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wp := queuedRequest(t, store, 2)

	claimed, err := store.Claim(ctx, ClaimParams{
		RequestId: wp.Id,
		WorkerId:  uuid.New(),
		Model:     "stable_diffusion",
		Amount:    2,
		Now:       time.Now(),
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)
	assert.Len(t, claimed, 2)

	err = store.Refund(ctx, claimed[0].Id, wp.Expiry.Add(time.Minute))
	assert.NoError(t, err)

	loaded, err := store.GetRequest(ctx, wp.Id)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), loaded.N)

	pg, err := store.GetGeneration(ctx, claimed[0].Id)
	assert.NoError(t, err)
	assert.True(t, pg.Faulted)

	// Refunding a terminal generation changes nothing.
	err = store.Refund(ctx, claimed[0].Id, wp.Expiry.Add(2*time.Minute))
	assert.NoError(t, err)
	loaded, err = store.GetRequest(ctx, wp.Id)
	assert.NoError(t, err)
	assert.Equal(t, int32(1), loaded.N)
}

func TestCompleteGeneration_Idempotent(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wp := queuedRequest(t, store, 1)

	claimed, err := store.Claim(ctx, ClaimParams{
		RequestId: wp.Id,
		WorkerId:  uuid.New(),
		Model:     "stable_diffusion",
		Amount:    1,
		Now:       time.Now(),
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)

	pg, alreadyDone, err := store.CompleteGeneration(
		ctx, claimed[0].Id, "R2", "1234", false, 10.5, nil, time.Now())
	assert.NoError(t, err)
	assert.False(t, alreadyDone)
	assert.Equal(t, 10.5, pg.Reward)

	pg, alreadyDone, err = store.CompleteGeneration(
		ctx, claimed[0].Id, "other", "999", false, 99, nil, time.Now())
	assert.NoError(t, err)
	assert.True(t, alreadyDone)
	assert.Equal(t, 10.5, pg.Reward)
	assert.Equal(t, "R2", *pg.Generation)
}

func TestCancelRequest_ReturnsInflightOnly(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wp := queuedRequest(t, store, 3)

	claimed, err := store.Claim(ctx, ClaimParams{
		RequestId: wp.Id,
		WorkerId:  uuid.New(),
		Model:     "stable_diffusion",
		Amount:    2,
		Now:       time.Now(),
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)
	_, _, err = store.CompleteGeneration(
		ctx, claimed[0].Id, "R2", "1", false, 10, nil, time.Now())
	assert.NoError(t, err)

	inflight, err := store.CancelRequest(ctx, wp.Id)
	assert.NoError(t, err)
	assert.Len(t, inflight, 1)
	assert.Equal(t, claimed[1].Id, inflight[0].Id)

	loaded, err := store.GetRequest(ctx, wp.Id)
	assert.NoError(t, err)
	assert.Equal(t, int32(0), loaded.N)
	assert.False(t, loaded.Faulted)
}

func TestFaultRequest_MarksFaulted(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wp := queuedRequest(t, store, 1)

	_, err := store.FaultRequest(ctx, wp.Id)
	assert.NoError(t, err)

	loaded, err := store.GetRequest(ctx, wp.Id)
	assert.NoError(t, err)
	assert.True(t, loaded.Faulted)
	assert.Equal(t, int32(0), loaded.N)
}

func TestQueueSnapshot_Ordering(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	base := time.Now()

	low := queuedRequest(t, store, 1)
	low.ExtraPriority = 10
	low.Created = base.Add(time.Second)

	old := queuedRequest(t, store, 1)
	old.ExtraPriority = 10
	old.Created = base

	high := queuedRequest(t, store, 1)
	high.ExtraPriority = 500
	high.Created = base.Add(time.Hour)

	drained := queuedRequest(t, store, 1)
	drained.N = 0

	entries, err := store.QueueSnapshot(ctx, api.KindImage)
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, high.Id, entries[0].Id)
	assert.Equal(t, old.Id, entries[1].Id)
	assert.Equal(t, low.Id, entries[2].Id)
}

func TestStaleGenerations_UsesRequestTTL(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	wp := queuedRequest(t, store, 1)
	wp.JobTTL = 2 * time.Minute

	start := time.Now()
	claimed, err := store.Claim(ctx, ClaimParams{
		RequestId: wp.Id,
		WorkerId:  uuid.New(),
		Model:     "stable_diffusion",
		Amount:    1,
		Now:       start,
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)

	stale, err := store.StaleGenerations(ctx, start.Add(time.Minute))
	assert.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = store.StaleGenerations(ctx, start.Add(3*time.Minute))
	assert.NoError(t, err)
	assert.Len(t, stale, 1)
	assert.Equal(t, claimed[0].Id, stale[0].Id)
}

func TestAbortForm_FaultsPastLimit(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	form := &InterrogationForm{
		Id:        uuid.New(),
		RequestId: uuid.New(),
		Name:      "caption",
		State:     FormWaiting,
		Kudos:     1.0 / 3.0,
		Created:   time.Now(),
	}
	assert.NoError(t, store.CreateForms(ctx, []*InterrogationForm{form}))

	for i := 0; i < 3; i++ {
		claimed, err := store.ClaimForm(ctx, uuid.New(), []string{"caption"})
		assert.NoError(t, err)
		assert.NotNil(t, claimed)
		assert.NoError(t, store.AbortForm(ctx, form.Id, 3))
	}
	loaded, err := store.GetForm(ctx, form.Id)
	assert.NoError(t, err)
	assert.Equal(t, FormWaiting, loaded.State)

	claimed, err := store.ClaimForm(ctx, uuid.New(), []string{"caption"})
	assert.NoError(t, err)
	assert.NotNil(t, claimed)
	assert.NoError(t, store.AbortForm(ctx, form.Id, 3))

	loaded, err = store.GetForm(ctx, form.Id)
	assert.NoError(t, err)
	assert.Equal(t, FormFaulted, loaded.State)
}

func queuedRequest(t *testing.T, store *InMemoryStore, n int32) *WaitingPrompt {
	t.Helper()
	wp := &WaitingPrompt{
		Id:      uuid.New(),
		Kind:    api.KindImage,
		UserId:  uuid.New(),
		Prompt:  "a lighthouse at dusk",
		N:       n,
		Jobs:    n,
		Things:  13.1072,
		Created: time.Now(),
		Expiry:  time.Now().Add(20 * time.Minute),
		JobTTL:  2 * time.Minute,
		Active:  true,
	}
	err := store.CreateRequest(context.Background(), wp)
	assert.NoError(t, err)
	return wp
}
