package accounting

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/common/util"
	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/cache"
	"github.com/hordeproject/horde/internal/horde/capability"
	"github.com/hordeproject/horde/internal/horde/configuration"
	"github.com/hordeproject/horde/internal/horde/repository"
)

func TestHordeTax(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		assert.Equal(t, 3.0, a.HordeTax(api.KindImage, false, 100))
		assert.Equal(t, 2.0, a.HordeTax(api.KindImage, true, 100))
		assert.Equal(t, 2.0, a.HordeTax(api.KindImage, false, 5))
		assert.Equal(t, 1.0, a.HordeTax(api.KindImage, true, 5))
		assert.Equal(t, 1.0, a.HordeTax(api.KindText, false, 100))
		assert.Equal(t, 0.0, a.HordeTax(api.KindText, true, 5))
		assert.Equal(t, 0.0, a.HordeTax(api.KindInterrogation, false, 100))
	})
}

func TestSettleSubmit_PaysWorkerDebitsUser(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		requester := newUser(t, store, repository.TierTrusted, 100)
		owner := newUser(t, store, repository.TierTrusted, 0)
		worker := newWorker(t, store, owner.Id)
		wp, pg := submittedGeneration(t, store, requester.Id, worker.Id)

		reward, err := a.SettleSubmit(ctx, wp, pg, worker, api.StateOk)
		assert.NoError(t, err)
		assert.InDelta(t, 10.83, reward, 0.01)

		ownerAfter, _ := store.GetUser(ctx, owner.Id)
		assert.InDelta(t, 10.83, ownerAfter.Kudos, 0.01)
		requesterAfter, _ := store.GetUser(ctx, requester.Id)
		assert.InDelta(t, 100-10.83, requesterAfter.Kudos, 0.01)

		workerAfter, _ := store.GetWorker(ctx, worker.Id)
		assert.InDelta(t, 10.83, workerAfter.ContributedKudos, 0.01)
		assert.Equal(t, int64(1), workerAfter.Fulfilments)

		wpAfter, _ := store.GetRequest(ctx, wp.Id)
		assert.InDelta(t, 10.83, wpAfter.ConsumedKudos, 0.01)
		assert.Len(t, store.ImageStats, 1)
		assert.Equal(t, repository.StatOk, store.ImageStats[0])
	})
}

func TestSettleSubmit_CensoredSparesUser(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		requester := newUser(t, store, repository.TierTrusted, 100)
		owner := newUser(t, store, repository.TierTrusted, 0)
		worker := newWorker(t, store, owner.Id)
		wp, pg := submittedGeneration(t, store, requester.Id, worker.Id)

		reward, err := a.SettleSubmit(ctx, wp, pg, worker, api.StateCensored)
		assert.NoError(t, err)
		assert.Greater(t, reward, 0.0)

		requesterAfter, _ := store.GetUser(ctx, requester.Id)
		assert.Equal(t, 100.0, requesterAfter.Kudos)
		ownerAfter, _ := store.GetUser(ctx, owner.Id)
		assert.Greater(t, ownerAfter.Kudos, 0.0)
		assert.Equal(t, repository.StatCensored, store.ImageStats[0])
	})
}

func TestSettleSubmit_FakeSettlesToNothing(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		requester := newUser(t, store, repository.TierTrusted, 100)
		owner := newUser(t, store, repository.TierTrusted, 0)
		worker := newWorker(t, store, owner.Id)
		wp, pg := submittedGeneration(t, store, requester.Id, worker.Id)
		pg.Fake = true

		reward, err := a.SettleSubmit(ctx, wp, pg, worker, api.StateOk)
		assert.NoError(t, err)
		assert.Equal(t, 0.0, reward)

		ownerAfter, _ := store.GetUser(ctx, owner.Id)
		assert.Equal(t, 0.0, ownerAfter.Kudos)
	})
}

func TestSettleSubmit_OutdatedBridgeDiscounted(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		requester := newUser(t, store, repository.TierTrusted, 100)
		owner := newUser(t, store, repository.TierTrusted, 0)
		worker := newWorker(t, store, owner.Id)
		worker.BridgeAgent = "AI Horde Worker:2.5.0:test@example.com"
		wp, pg := submittedGeneration(t, store, requester.Id, worker.Id)

		reward, err := a.SettleSubmit(ctx, wp, pg, worker, api.StateOk)
		assert.NoError(t, err)
		assert.InDelta(t, 10.83*0.75, reward, 0.01)
	})
}

func TestSettleAborted_NoPayLogsAbort(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		owner := newUser(t, store, repository.TierTrusted, 0)
		worker := newWorker(t, store, owner.Id)
		requester := newUser(t, store, repository.TierTrusted, 100)
		_, pg := submittedGeneration(t, store, requester.Id, worker.Id)

		assert.NoError(t, a.SettleAborted(ctx, pg))

		ownerAfter, _ := store.GetUser(ctx, owner.Id)
		assert.Equal(t, 0.0, ownerAfter.Kudos)
		workerAfter, _ := store.GetWorker(ctx, worker.Id)
		assert.Equal(t, int64(1), workerAfter.AbortedJobs)
	})
}

func TestTransfer_WindowAndFloor(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		alice := newUser(t, store, repository.TierTrusted, 100)
		bob := newUser(t, store, repository.TierTrusted, 50)

		err := a.Transfer(ctx, &api.TransferRequest{Source: alice.Id, Destination: bob.Id, Amount: 30})
		assert.NoError(t, err)

		// The reverse transfer inside the window is rejected.
		err = a.Transfer(ctx, &api.TransferRequest{Source: bob.Id, Destination: alice.Id, Amount: 30})
		var rateLimited *hordeerrors.ErrRateLimited
		assert.ErrorAs(t, err, &rateLimited)

		// After the window lapses it succeeds and balances are restored.
		s.FastForward(2 * time.Minute)
		err = a.Transfer(ctx, &api.TransferRequest{Source: bob.Id, Destination: alice.Id, Amount: 30})
		assert.NoError(t, err)

		aliceAfter, _ := store.GetUser(ctx, alice.Id)
		bobAfter, _ := store.GetUser(ctx, bob.Id)
		assert.Equal(t, 100.0, aliceAfter.Kudos)
		assert.Equal(t, 50.0, bobAfter.Kudos)
	})
}

func TestTransfer_CannotBreachFloor(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		alice := newUser(t, store, repository.TierTrusted, 20)
		alice.MinKudos = 10
		bob := newUser(t, store, repository.TierTrusted, 0)

		err := a.Transfer(ctx, &api.TransferRequest{Source: alice.Id, Destination: bob.Id, Amount: 15})
		var insufficient *hordeerrors.ErrInsufficientKudos
		assert.ErrorAs(t, err, &insufficient)
		assert.Equal(t, 10.0, insufficient.Threshold)

		err = a.Transfer(ctx, &api.TransferRequest{Source: alice.Id, Destination: bob.Id, Amount: 10})
		assert.NoError(t, err)
	})
}

func TestTransfer_RefusedTransferKeepsWindowOpen(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		alice := newUser(t, store, repository.TierTrusted, 20)
		alice.MinKudos = 10
		bob := newUser(t, store, repository.TierTrusted, 0)

		err := a.Transfer(ctx, &api.TransferRequest{Source: alice.Id, Destination: bob.Id, Amount: 15})
		var insufficient *hordeerrors.ErrInsufficientKudos
		assert.ErrorAs(t, err, &insufficient)

		aliceAfter, _ := store.GetUser(ctx, alice.Id)
		bobAfter, _ := store.GetUser(ctx, bob.Id)
		assert.Equal(t, 20.0, aliceAfter.Kudos)
		assert.Equal(t, 0.0, bobAfter.Kudos)

		// The refusal must not consume the pair's window; an affordable
		// retry right away goes through.
		err = a.Transfer(ctx, &api.TransferRequest{Source: alice.Id, Destination: bob.Id, Amount: 5})
		assert.NoError(t, err)
	})
}

func TestSettleSubmit_ModelScaledSpeedCeiling(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		requester := newUser(t, store, repository.TierTrusted, 10000)
		owner := newUser(t, store, repository.TierTrusted, 0)

		// ~68 tokens per second: plausible on a 13B model, impossible on
		// a 70B one.
		worker := newWorker(t, store, owner.Id)
		wp, pg := submittedTextGeneration(t, store, requester.Id, worker.Id, "llama-13b")
		_, err := a.SettleSubmit(ctx, wp, pg, worker, api.StateOk)
		assert.NoError(t, err)
		workerAfter, _ := store.GetWorker(ctx, worker.Id)
		assert.Equal(t, int32(0), workerAfter.Suspicion)

		big := newWorker(t, store, owner.Id)
		wp, pg = submittedTextGeneration(t, store, requester.Id, big.Id, "llama-70b")
		_, err = a.SettleSubmit(ctx, wp, pg, big, api.StateOk)
		assert.NoError(t, err)
		bigAfter, _ := store.GetWorker(ctx, big.Id)
		assert.Equal(t, int32(1), bigAfter.Suspicion)
	})
}

func TestGrantMonthly(t *testing.T) {
	withAccountant(t, func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis) {
		ctx := context.Background()
		patron := newUser(t, store, repository.TierTrusted, 0)
		patron.MonthlyGrant = 500
		regular := newUser(t, store, repository.TierUntrusted, 0)

		assert.NoError(t, a.GrantMonthly(ctx))

		patronAfter, _ := store.GetUser(ctx, patron.Id)
		assert.Equal(t, 500.0, patronAfter.Kudos)
		regularAfter, _ := store.GetUser(ctx, regular.Id)
		assert.Equal(t, 0.0, regularAfter.Kudos)
	})
}

func withAccountant(t *testing.T, action func(a *Accountant, store *repository.InMemoryStore, s *miniredis.Miniredis)) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := repository.NewInMemoryStore()
	accountant := NewAccountant(
		store, store, store, store,
		capability.NewTable(),
		cache.NewTransferGuard(client, time.Minute),
		configuration.KudosConfig{
			ImageHordeTax:        3,
			TextHordeTax:         1,
			TransferWindow:       time.Minute,
			MinTransferRemainder: 0,
		},
		&util.UTCClock{},
	)
	action(accountant, store, s)
}

func newUser(t *testing.T, store *repository.InMemoryStore, tier repository.TrustTier, kudos float64) *repository.User {
	t.Helper()
	user := &repository.User{
		Id:       uuid.New(),
		Username: uuid.New().String(),
		Tier:     tier,
		Kudos:    kudos,
		Created:  time.Now(),
	}
	assert.NoError(t, store.CreateUser(context.Background(), user))
	return user
}

func newWorker(t *testing.T, store *repository.InMemoryStore, userId uuid.UUID) *repository.Worker {
	t.Helper()
	worker := &repository.Worker{
		Id:          uuid.New(),
		UserId:      userId,
		Name:        uuid.New().String(),
		Kind:        api.KindImage,
		Threads:     1,
		BridgeAgent: "AI Horde Worker:4.1.0:test@example.com",
		MaxPixels:   1024 * 1024,
		Models:      []string{"stable_diffusion"},
		LastCheckIn: time.Now(),
	}
	assert.NoError(t, store.UpsertWorker(context.Background(), worker))
	return worker
}

func submittedGeneration(
	t *testing.T,
	store *repository.InMemoryStore,
	userId, workerId uuid.UUID,
) (*repository.WaitingPrompt, *repository.ProcessingGeneration) {
	t.Helper()
	ctx := context.Background()
	start := time.Now().Add(-30 * time.Second)
	wp := &repository.WaitingPrompt{
		Id:     uuid.New(),
		Kind:   api.KindImage,
		UserId: userId,
		Prompt: "a lighthouse at dusk",
		Params: api.GenerationParams{Image: &api.ImageParams{
			Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler",
		}},
		N: 1, Jobs: 1, Things: 13.1072,
		Created: start,
		Expiry:  start.Add(20 * time.Minute),
		JobTTL:  2 * time.Minute,
		Active:  true,
	}
	assert.NoError(t, store.CreateRequest(ctx, wp))

	claimed, err := store.Claim(ctx, repository.ClaimParams{
		RequestId: wp.Id,
		WorkerId:  workerId,
		Model:     "stable_diffusion",
		Amount:    1,
		Now:       start,
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)

	pg, alreadyDone, err := store.CompleteGeneration(
		ctx, claimed[0].Id, api.R2Sentinel, "1234", false, 0, nil, time.Now())
	assert.NoError(t, err)
	assert.False(t, alreadyDone)
	return wp, pg
}

func submittedTextGeneration(
	t *testing.T,
	store *repository.InMemoryStore,
	userId, workerId uuid.UUID,
	model string,
) (*repository.WaitingPrompt, *repository.ProcessingGeneration) {
	t.Helper()
	ctx := context.Background()
	start := time.Now().Add(-30 * time.Second)
	wp := &repository.WaitingPrompt{
		Id:     uuid.New(),
		Kind:   api.KindText,
		UserId: userId,
		Prompt: "Once upon a time",
		Params: api.GenerationParams{Text: &api.TextParams{
			MaxLength: 2048, MaxContextLength: 1024,
		}},
		Models: []string{model},
		N:      1, Jobs: 1, Things: 2048,
		Created: start,
		Expiry:  start.Add(20 * time.Minute),
		JobTTL:  2 * time.Minute,
		Active:  true,
	}
	assert.NoError(t, store.CreateRequest(ctx, wp))

	claimed, err := store.Claim(ctx, repository.ClaimParams{
		RequestId: wp.Id,
		WorkerId:  workerId,
		Model:     model,
		Amount:    1,
		Now:       start,
		Expiry:    wp.Expiry,
	})
	assert.NoError(t, err)
	assert.Len(t, claimed, 1)

	pg, alreadyDone, err := store.CompleteGeneration(
		ctx, claimed[0].Id, "and so it went", "", false, 0, nil, time.Now())
	assert.NoError(t, err)
	assert.False(t, alreadyDone)
	return wp, pg
}
