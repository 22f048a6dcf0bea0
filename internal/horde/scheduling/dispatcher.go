package scheduling

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/common/util"
	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/cache"
	"github.com/hordeproject/horde/internal/horde/capability"
	"github.com/hordeproject/horde/internal/horde/configuration"
	"github.com/hordeproject/horde/internal/horde/repository"
)

// Declaring more pixels than any real card can push is a suspicion signal.
const suspiciousMaxPixels = 2048 * 2048

var popCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "horde_pops_total",
		Help: "Pop outcomes by request kind.",
	}, []string{"kind", "outcome"})

var skipCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "horde_pop_skips_total",
		Help: "Candidate requests skipped during pops, by reason.",
	}, []string{"reason"})

// Dispatcher implements the pop path: it checks the worker in, walks the
// priority snapshot and claims the first eligible request. It is safe for
// fully concurrent use across processes; all contention is resolved by the
// store's row locks.
type Dispatcher struct {
	requests repository.RequestRepository
	workers  repository.WorkerRepository
	users    repository.UserRepository
	teams    repository.TeamRepository
	forms    repository.FormRepository

	cache         *cache.PriorityCache
	registrations *cache.RegistrationGuard
	filter        *EligibilityFilter
	config        configuration.SchedulingConfig
	clock         util.Clock
	rng           *rand.Rand
}

func NewDispatcher(
	requests repository.RequestRepository,
	workers repository.WorkerRepository,
	users repository.UserRepository,
	teams repository.TeamRepository,
	forms repository.FormRepository,
	priorityCache *cache.PriorityCache,
	registrations *cache.RegistrationGuard,
	filter *EligibilityFilter,
	config configuration.SchedulingConfig,
	clock util.Clock,
) *Dispatcher {
	return &Dispatcher{
		requests:      requests,
		workers:       workers,
		users:         users,
		teams:         teams,
		forms:         forms,
		cache:         priorityCache,
		registrations: registrations,
		filter:        filter,
		config:        config,
		clock:         clock,
		rng:           util.NewThreadsafeRand(time.Now().UnixNano()),
	}
}

// CheckIn upserts the worker from its declared profile and refreshes its
// check-in time. Suspicion heuristics run here so that a worker lying about
// its capabilities is flagged even when it never pops.
func (d *Dispatcher) CheckIn(ctx context.Context, userId uuid.UUID, req *api.PopRequest) (*repository.Worker, error) {
	if req.Name == "" {
		return nil, &hordeerrors.ErrInvalidArgument{Name: "name", Value: "", Message: "worker name is required"}
	}
	if _, err := capability.ParseAgent(req.BridgeAgent); err != nil {
		return nil, err
	}

	// Worker names are globally unique and belong to whoever registered them
	// first. Brand-new names are additionally rate limited per user.
	existing, err := d.workers.GetWorkerByName(ctx, req.Name)
	if err != nil && !hordeerrors.IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.UserId != userId {
		return nil, &hordeerrors.ErrAlreadyExists{
			Type:    "worker",
			Value:   req.Name,
			Message: "worker name is registered to another user",
		}
	}
	if existing == nil {
		allowed, err := d.registrations.Begin(userId.String())
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, &hordeerrors.ErrRateLimited{
				Operation: "worker registration",
				Message:   "too many new workers, try again later",
			}
		}
	}

	var teamId *uuid.UUID
	if req.Team != "" {
		team, err := d.teams.GetTeamByName(ctx, req.Team)
		if err == nil {
			teamId = &team.Id
		}
	}

	worker := &repository.Worker{
		Id:                  uuid.New(),
		UserId:              userId,
		Name:                req.Name,
		Kind:                req.Kind,
		Threads:             req.Threads,
		BridgeAgent:         req.BridgeAgent,
		TeamId:              teamId,
		MaxPixels:           req.MaxPixels,
		MaxLength:           req.MaxLength,
		MaxContextLength:    req.MaxContextLength,
		Models:              req.Models,
		Softprompts:         req.Softprompts,
		Blacklist:           req.Blacklist,
		Nsfw:                req.Nsfw,
		AllowImg2Img:        req.AllowImg2Img,
		AllowPainting:       req.AllowPainting,
		AllowLora:           req.AllowLora,
		AllowControlnet:     req.AllowControlnet,
		AllowPostProcessing: req.AllowPostProcessing,
		AllowUnsafeIPAddr:   req.AllowUnsafeIPAddr,
		RequireUpfrontKudos: req.RequireUpfrontKudos,
		LastCheckIn:         d.clock.Now(),
	}
	if err := d.workers.UpsertWorker(ctx, worker); err != nil {
		return nil, err
	}

	// Reload to pick up flags the upsert deliberately preserves.
	worker, err = d.workers.GetWorker(ctx, worker.Id)
	if err != nil {
		return nil, err
	}

	if req.MaxPixels > suspiciousMaxPixels {
		if err := d.workers.AddSuspicion(ctx, worker.Id, 1); err != nil {
			return nil, err
		}
		worker.Suspicion++
	}
	if worker.Suspicion >= d.config.SuspicionThreshold && !worker.Paused {
		log.WithField("worker", worker.Name).Warn("suspicion threshold crossed, pausing worker")
		if err := d.workers.SetPaused(ctx, worker.Id, true); err != nil {
			return nil, err
		}
		worker.Paused = true
	}
	return worker, nil
}

// Pop checks the worker in and tries to hand it work. The response carries
// either a job payload or a summary of why every candidate was skipped.
func (d *Dispatcher) Pop(ctx context.Context, userId uuid.UUID, req *api.PopRequest) (*api.PopResponse, error) {
	worker, err := d.CheckIn(ctx, userId, req)
	if err != nil {
		return nil, err
	}

	if req.Kind == api.KindInterrogation {
		return d.popForm(ctx, worker, req)
	}

	// A paused worker keeps checking in normally but never receives real
	// work; from its point of view the queue is simply always empty.
	if worker.Paused {
		popCounter.WithLabelValues(string(req.Kind), "empty").Inc()
		return &api.PopResponse{Skipped: map[string]int32{}}, nil
	}

	if err := d.checkKnownModels(worker); err != nil {
		return nil, err
	}

	entries, err := d.candidates(ctx, req.Kind)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	workerOwner, err := d.users.GetUser(ctx, worker.UserId)
	if err != nil {
		workerOwner = nil
	}

	skipped := map[string]int32{}
	requesters := map[uuid.UUID]*repository.User{}
	for _, entry := range entries {
		wp, err := d.requests.GetRequest(ctx, entry.Id)
		if err != nil {
			continue // snapshot staleness, the row is gone
		}
		if !wp.Active || wp.N <= 0 {
			continue
		}
		if wp.Faulted {
			skipped[SkipFaulted]++
			skipCounter.WithLabelValues(SkipFaulted).Inc()
			continue
		}
		if worker.Maintenance && wp.UserId != worker.UserId {
			continue
		}

		requester, ok := requesters[wp.UserId]
		if !ok {
			requester, _ = d.users.GetUser(ctx, wp.UserId)
			requesters[wp.UserId] = requester
		}

		if tag := d.filter.Check(wp, worker, workerOwner, requester); tag != "" {
			skipped[tag]++
			skipCounter.WithLabelValues(tag).Inc()
			continue
		}

		if wp.Tricked(worker.Id) {
			return d.popFake(ctx, wp, worker)
		}
		payload, err := d.claim(ctx, wp, worker, req, now)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			continue // raced another pop, nothing left on this row
		}
		popCounter.WithLabelValues(string(req.Kind), "job").Inc()
		return &api.PopResponse{Payload: payload}, nil
	}

	if worker.Maintenance {
		return nil, &hordeerrors.ErrMaintenanceMode{WorkerName: worker.Name}
	}
	popCounter.WithLabelValues(string(req.Kind), "empty").Inc()
	return &api.PopResponse{Skipped: skipped}, nil
}

// checkKnownModels rejects workers offering only models the horde has never
// seen. With no availability snapshot yet, everything passes.
func (d *Dispatcher) checkKnownModels(worker *repository.Worker) error {
	known, err := d.cache.Models(worker.Kind)
	if err != nil || known == nil {
		return nil
	}
	for _, model := range worker.Models {
		if _, ok := known[model]; ok {
			return nil
		}
	}
	return &hordeerrors.ErrUnknownModels{Models: worker.Models}
}

// candidates returns the first snapshot page, falling back to the
// authoritative query when the cache has no snapshot yet.
func (d *Dispatcher) candidates(ctx context.Context, kind api.RequestKind) ([]*repository.QueueEntry, error) {
	size := int(d.config.PopPageSize)
	entries, err := d.cache.Page(kind, 0, size)
	if err != nil {
		log.WithError(err).Warn("priority cache read failed, using authoritative queue")
	}
	if entries != nil {
		return entries, nil
	}
	all, err := d.requests.QueueSnapshot(ctx, kind)
	if err != nil {
		return nil, err
	}
	if len(all) > size {
		all = all[:size]
	}
	return all, nil
}

func (d *Dispatcher) claim(
	ctx context.Context,
	wp *repository.WaitingPrompt,
	worker *repository.Worker,
	req *api.PopRequest,
	now time.Time,
) (*api.JobPayload, error) {
	amount := req.Amount
	if amount <= 0 {
		amount = 1
	}
	if worker.Threads > 0 {
		amount = util.Min(amount, worker.Threads)
	}
	if wp.DisableBatching {
		amount = 1
	}

	claimed, err := d.requests.Claim(ctx, repository.ClaimParams{
		RequestId: wp.Id,
		WorkerId:  worker.Id,
		Model:     ChooseModel(wp, worker),
		Amount:    amount,
		Now:       now,
		Expiry:    now.Add(d.config.RequestExpiry),
	})
	if err != nil {
		if hordeerrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(claimed))
	for i, pg := range claimed {
		ids[i] = pg.Id
	}
	return &api.JobPayload{
		Id:     claimed[0].Id,
		Ids:    ids,
		Model:  claimed[0].Model,
		Prompt: wp.Prompt,
		Params: d.payloadParams(wp),
		TTL:    int64(wp.JobTTL.Seconds()),
	}, nil
}

// payloadParams fills in a concrete seed for image jobs that left it open, so
// every bridge in a batch renders something different.
func (d *Dispatcher) payloadParams(wp *repository.WaitingPrompt) api.GenerationParams {
	params := wp.Params
	if params.Image != nil && params.Image.Seed == "" {
		img := *params.Image
		img.Seed = strconv.FormatInt(d.rng.Int63n(math.MaxUint32), 10)
		params.Image = &img
	}
	return params
}

// popFake hands a tricked worker a synthetic generation. The request keeps
// its units; the worker just burns cycles on work nobody will read.
func (d *Dispatcher) popFake(ctx context.Context, wp *repository.WaitingPrompt, worker *repository.Worker) (*api.PopResponse, error) {
	pg, err := d.requests.CreateFakeGeneration(ctx, wp.Id, worker.Id, ChooseModel(wp, worker), d.clock.Now())
	if err != nil {
		return nil, err
	}
	popCounter.WithLabelValues(string(wp.Kind), "fake").Inc()
	return &api.PopResponse{Payload: &api.JobPayload{
		Id:     pg.Id,
		Ids:    []uuid.UUID{pg.Id},
		Model:  pg.Model,
		Prompt: wp.Prompt,
		Params: d.payloadParams(wp),
		TTL:    int64(wp.JobTTL.Seconds()),
	}}, nil
}

func (d *Dispatcher) popForm(ctx context.Context, worker *repository.Worker, req *api.PopRequest) (*api.PopResponse, error) {
	if worker.Paused {
		return &api.PopResponse{Skipped: map[string]int32{}}, nil
	}
	if len(req.Forms) == 0 {
		return nil, &hordeerrors.ErrInvalidArgument{Name: "forms", Value: "", Message: "interrogation pop requires at least one form"}
	}

	form, err := d.forms.ClaimForm(ctx, worker.Id, req.Forms)
	if err != nil {
		return nil, err
	}
	if form == nil {
		popCounter.WithLabelValues(string(api.KindInterrogation), "empty").Inc()
		return &api.PopResponse{Skipped: map[string]int32{}}, nil
	}

	wp, err := d.requests.GetRequest(ctx, form.RequestId)
	if err != nil {
		return nil, err
	}
	source := ""
	if wp.Params.Interrogation != nil {
		source = wp.Params.Interrogation.SourceImage
	}
	popCounter.WithLabelValues(string(api.KindInterrogation), "job").Inc()
	return &api.PopResponse{Payload: &api.JobPayload{
		Id:     form.Id,
		Ids:    []uuid.UUID{form.Id},
		Model:  form.Name,
		Prompt: source,
		Params: wp.Params,
		TTL:    int64(wp.JobTTL.Seconds()),
	}}, nil
}
