package scheduling

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

func TestPop_ClaimsHighestPriorityRequest(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)

		low := createRequest(t, store, user.Id, 1)
		low.ExtraPriority = 10
		high := createRequest(t, store, user.Id, 1)
		high.ExtraPriority = 500

		resp, err := d.Pop(ctx, user.Id, popRequest("worker-1"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)

		pg, err := store.GetGeneration(ctx, resp.Payload.Id)
		assert.NoError(t, err)
		assert.Equal(t, high.Id, pg.RequestId)
		_ = low
	})
}

func TestPop_BatchSharesOneModel(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)
		wp := createRequest(t, store, user.Id, 4)
		wp.Models = []string{"model_b", "stable_diffusion"}

		req := popRequest("worker-1")
		req.Amount = 3
		req.Threads = 3
		req.Models = []string{"stable_diffusion", "model_b"}

		resp, err := d.Pop(ctx, user.Id, req)
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)
		assert.Len(t, resp.Payload.Ids, 3)

		for _, id := range resp.Payload.Ids {
			pg, err := store.GetGeneration(ctx, id)
			assert.NoError(t, err)
			assert.Equal(t, resp.Payload.Model, pg.Model)
		}
		// The request-listed order wins, not the worker's.
		assert.Equal(t, "model_b", resp.Payload.Model)

		loaded, _ := store.GetRequest(ctx, wp.Id)
		assert.Equal(t, int32(1), loaded.N)
	})
}

func TestPop_DisableBatchingClaimsOne(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)
		wp := createRequest(t, store, user.Id, 4)
		wp.DisableBatching = true

		req := popRequest("worker-1")
		req.Amount = 3
		req.Threads = 3

		resp, err := d.Pop(ctx, user.Id, req)
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)
		assert.Len(t, resp.Payload.Ids, 1)
	})
}

func TestPop_BlacklistedWorkerSkipped(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)

		// First check-in registers the worker so the request can name it.
		resp, err := d.Pop(ctx, user.Id, popRequest("banned-worker"))
		assert.NoError(t, err)
		assert.Nil(t, resp.Payload)
		banned, err := store.GetWorkerByName(ctx, "banned-worker")
		assert.NoError(t, err)

		wp := createRequest(t, store, user.Id, 1)
		wp.WorkerBlacklist = true
		wp.WorkerIds = []uuid.UUID{banned.Id}

		resp, err = d.Pop(ctx, user.Id, popRequest("banned-worker"))
		assert.NoError(t, err)
		assert.Nil(t, resp.Payload)
		assert.Equal(t, int32(1), resp.Skipped[SkipWorkerId])

		resp, err = d.Pop(ctx, user.Id, popRequest("other-worker"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)
	})
}

func TestPop_TrickedWorkerGetsFakeJob(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)

		resp, err := d.Pop(ctx, user.Id, popRequest("shady-worker"))
		assert.NoError(t, err)
		assert.Nil(t, resp.Payload)
		shady, err := store.GetWorkerByName(ctx, "shady-worker")
		assert.NoError(t, err)

		wp := createRequest(t, store, user.Id, 1)
		wp.TrickedWorkerIds = []uuid.UUID{shady.Id}

		resp, err = d.Pop(ctx, user.Id, popRequest("shady-worker"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)

		pg, err := store.GetGeneration(ctx, resp.Payload.Id)
		assert.NoError(t, err)
		assert.True(t, pg.Fake)

		// The fake claim leaves the request intact for honest workers.
		loaded, _ := store.GetRequest(ctx, wp.Id)
		assert.Equal(t, int32(1), loaded.N)
	})
}

func TestPop_PausedWorkerSeesEmptyQueue(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)
		createRequest(t, store, user.Id, 1)

		resp, err := d.Pop(ctx, user.Id, popRequest("worker-1"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)

		worker, _ := store.GetWorkerByName(ctx, "worker-1")
		assert.NoError(t, store.SetPaused(ctx, worker.Id, true))
		createRequest(t, store, user.Id, 1)

		resp, err = d.Pop(ctx, user.Id, popRequest("worker-1"))
		assert.NoError(t, err)
		assert.Nil(t, resp.Payload)
		assert.Empty(t, resp.Skipped)
	})
}

func TestPop_MaintenanceServesOwnerOnly(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		owner := createUser(t, store, repository.TierTrusted, 100)
		stranger := createUser(t, store, repository.TierTrusted, 100)

		resp, err := d.Pop(ctx, owner.Id, popRequest("maint-worker"))
		assert.NoError(t, err)
		assert.Nil(t, resp.Payload)
		worker, _ := store.GetWorkerByName(ctx, "maint-worker")
		worker.Maintenance = true

		createRequest(t, store, stranger.Id, 1)
		_, err = d.Pop(ctx, owner.Id, popRequest("maint-worker"))
		var maintenance *hordeerrors.ErrMaintenanceMode
		assert.ErrorAs(t, err, &maintenance)

		createRequest(t, store, owner.Id, 1)
		resp, err = d.Pop(ctx, owner.Id, popRequest("maint-worker"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)
	})
}

func TestPop_UsesCachedSnapshot(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)
		wp := createRequest(t, store, user.Id, 1)

		// A snapshot that omits the request hides it from pops.
		assert.NoError(t, c.StoreQueue(api.KindImage, []*repository.QueueEntry{}))
		resp, err := d.Pop(ctx, user.Id, popRequest("worker-1"))
		assert.NoError(t, err)
		assert.Nil(t, resp.Payload)

		assert.NoError(t, c.StoreQueue(api.KindImage, []*repository.QueueEntry{{Id: wp.Id, N: 1}}))
		resp, err = d.Pop(ctx, user.Id, popRequest("worker-2"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)
	})
}

func TestPop_UnknownModelsRejected(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)
		assert.NoError(t, c.StoreModels(api.KindImage, map[string]int32{"stable_diffusion": 3}))

		req := popRequest("worker-1")
		req.Models = []string{"made_up_model"}
		_, err := d.Pop(ctx, user.Id, req)
		var unknown *hordeerrors.ErrUnknownModels
		assert.ErrorAs(t, err, &unknown)

		resp, err := d.Pop(ctx, user.Id, popRequest("worker-2"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Skipped)
	})
}

func TestPop_InterrogationClaimsForm(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)

		wp := &repository.WaitingPrompt{
			Id:     uuid.New(),
			Kind:   api.KindInterrogation,
			UserId: user.Id,
			Params: api.GenerationParams{Interrogation: &api.InterrogationParams{
				SourceImage: "aW1hZ2U=",
				Forms:       []string{"caption"},
			}},
			N: 1, Jobs: 1, Things: 1,
			Expiry: time.Now().Add(20 * time.Minute),
			JobTTL: time.Minute,
			Active: true,
		}
		assert.NoError(t, store.CreateRequest(ctx, wp))
		assert.NoError(t, store.CreateForms(ctx, []*repository.InterrogationForm{{
			Id:        uuid.New(),
			RequestId: wp.Id,
			Name:      "caption",
			State:     repository.FormWaiting,
			Created:   time.Now(),
		}}))

		req := popRequest("alchemist-1")
		req.Kind = api.KindInterrogation
		req.Forms = []string{"caption", "nsfw"}

		resp, err := d.Pop(ctx, user.Id, req)
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)
		assert.Equal(t, "caption", resp.Payload.Model)
		assert.Equal(t, "aW1hZ2U=", resp.Payload.Prompt)

		form, err := store.GetForm(ctx, resp.Payload.Id)
		assert.NoError(t, err)
		assert.Equal(t, repository.FormProcessing, form.State)
	})
}

func TestPop_FillsOpenSeed(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)
		wp := createRequest(t, store, user.Id, 1)

		resp, err := d.Pop(ctx, user.Id, popRequest("worker-1"))
		assert.NoError(t, err)
		assert.NotNil(t, resp.Payload)
		assert.NotEmpty(t, resp.Payload.Params.Image.Seed)

		// The stored request keeps its seed open for the next batch.
		loaded, _ := store.GetRequest(ctx, wp.Id)
		assert.Empty(t, loaded.Params.Image.Seed)
	})
}

func TestCheckIn_SuspicionPausesWorker(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)

		req := popRequest("liar-worker")
		req.MaxPixels = 4096 * 4096
		for i := 0; i < 3; i++ {
			_, err := d.CheckIn(ctx, user.Id, req)
			assert.NoError(t, err)
		}

		worker, err := store.GetWorkerByName(ctx, "liar-worker")
		assert.NoError(t, err)
		assert.True(t, worker.Paused)
	})
}

func TestCheckIn_ForeignWorkerNameRejected(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		owner := createUser(t, store, repository.TierTrusted, 100)
		thief := createUser(t, store, repository.TierTrusted, 100)

		_, err := d.CheckIn(ctx, owner.Id, popRequest("prized-worker"))
		assert.NoError(t, err)

		_, err = d.CheckIn(ctx, thief.Id, popRequest("prized-worker"))
		var exists *hordeerrors.ErrAlreadyExists
		assert.ErrorAs(t, err, &exists)

		worker, err := store.GetWorkerByName(ctx, "prized-worker")
		assert.NoError(t, err)
		assert.Equal(t, owner.Id, worker.UserId)
	})
}

func TestCheckIn_RegistrationRateLimited(t *testing.T) {
	withRegistrationWindow(t, time.Minute, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)

		_, err := d.CheckIn(ctx, user.Id, popRequest("first-worker"))
		assert.NoError(t, err)

		_, err = d.CheckIn(ctx, user.Id, popRequest("second-worker"))
		var rateLimited *hordeerrors.ErrRateLimited
		assert.ErrorAs(t, err, &rateLimited)

		// Re-checking in an already registered worker is never limited.
		_, err = d.CheckIn(ctx, user.Id, popRequest("first-worker"))
		assert.NoError(t, err)
	})
}

func TestCheckIn_MalformedBridgeAgentRejected(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)

		req := popRequest("worker-1")
		req.BridgeAgent = "no-version-here"
		_, err := d.CheckIn(ctx, user.Id, req)
		var malformed *hordeerrors.ErrMalformedAgent
		assert.ErrorAs(t, err, &malformed)

		// An unknown but well-formed agent is fine; it degrades to the
		// default capability set instead.
		req = popRequest("worker-1")
		req.BridgeAgent = "Homebrew Bridge:1.2.3:me@example.com"
		_, err = d.CheckIn(ctx, user.Id, req)
		assert.NoError(t, err)
	})
}

func TestPop_FaultedRequestCountedAsSkip(t *testing.T) {
	withDispatcher(t, func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache) {
		ctx := context.Background()
		user := createUser(t, store, repository.TierTrusted, 100)
		wp := createRequest(t, store, user.Id, 1)
		wp.Faulted = true

		// A stale snapshot may still list a request that faulted since the
		// last sweep.
		assert.NoError(t, c.StoreQueue(api.KindImage, []*repository.QueueEntry{{Id: wp.Id, N: 1}}))

		resp, err := d.Pop(ctx, user.Id, popRequest("worker-1"))
		assert.NoError(t, err)
		assert.Nil(t, resp.Payload)
		assert.Equal(t, int32(1), resp.Skipped[SkipFaulted])
	})
}

func withDispatcher(t *testing.T, action func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache)) {
	t.Helper()
	withRegistrationWindow(t, 0, action)
}

func withRegistrationWindow(t *testing.T, window time.Duration, action func(d *Dispatcher, store *repository.InMemoryStore, c *cache.PriorityCache)) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	store := repository.NewInMemoryStore()
	priorityCache := cache.NewPriorityCache(client)
	config := configuration.SchedulingConfig{
		StaleWorkerThreshold: 5 * time.Minute,
		PopPageSize:          25,
		RequestExpiry:        20 * time.Minute,
		SlowWorkerImageSpeed: 0.5,
		SlowWorkerTextSpeed:  2,
		SuspicionThreshold:   3,
		RegistrationWindow:   window,
	}
	filter := NewEligibilityFilter(config, capability.NewTable(),
		func(wp *repository.WaitingPrompt) float64 { return wp.Things })
	dispatcher := NewDispatcher(
		store, store, store, store, store,
		priorityCache, cache.NewRegistrationGuard(client, window),
		filter, config, &util.UTCClock{})
	action(dispatcher, store, priorityCache)
}

func popRequest(name string) *api.PopRequest {
	return &api.PopRequest{
		Name:        name,
		Kind:        api.KindImage,
		BridgeAgent: "AI Horde Worker:4.1.0:test@example.com",
		Models:      []string{"stable_diffusion"},
		Amount:      1,
		Threads:     1,
		MaxPixels:   1024 * 1024,
	}
}

func createUser(t *testing.T, store *repository.InMemoryStore, tier repository.TrustTier, kudos float64) *repository.User {
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

func createRequest(t *testing.T, store *repository.InMemoryStore, userId uuid.UUID, n int32) *repository.WaitingPrompt {
	t.Helper()
	wp := &repository.WaitingPrompt{
		Id:     uuid.New(),
		Kind:   api.KindImage,
		UserId: userId,
		Prompt: "a lighthouse at dusk",
		Params: api.GenerationParams{Image: &api.ImageParams{
			Width: 512, Height: 512, Steps: 50, SamplerName: "k_euler",
		}},
		Models:      []string{"stable_diffusion"},
		SafeIP:      true,
		SlowWorkers: true,
		N:           n, Jobs: n, Things: 13.1072,
		Created: time.Now(),
		Expiry:  time.Now().Add(20 * time.Minute),
		JobTTL:  2 * time.Minute,
		Active:  true,
	}
	assert.NoError(t, store.CreateRequest(context.Background(), wp))
	return wp
}
