package server

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/common/util"
	"github.com/hordeproject/horde/internal/horde/accounting"
	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/cache"
	"github.com/hordeproject/horde/internal/horde/configuration"
	"github.com/hordeproject/horde/internal/horde/repository"
	"github.com/hordeproject/horde/internal/horde/scheduling"
)

const (
	// maxWorkerList caps the per-request worker allow/deny list.
	maxWorkerList = 5
	// maxJobsPerRequest caps the fan-out of a single request.
	maxJobsPerRequest = 20
	// canonicalImageThings is the volume of the reference 512x512x50 image,
	// in megapixelsteps. Deadlines scale against it.
	canonicalImageThings = 13.1072
	// deepQueueBacklog is the queue depth past which untrusted users must be
	// able to cover their request upfront.
	deepQueueBacklog = 1000
)

// Server is the client-facing service layer: request admission, status
// reporting, cancellation and worker submissions. The pop path lives in the
// scheduling dispatcher; the server only fronts it.
type Server struct {
	requests repository.RequestRepository
	workers  repository.WorkerRepository
	users    repository.UserRepository
	forms    repository.FormRepository

	dispatcher *scheduling.Dispatcher
	accountant *accounting.Accountant
	cache      *cache.PriorityCache
	filter     *scheduling.EligibilityFilter

	config configuration.SchedulingConfig
	clock  util.Clock
}

func NewServer(
	requests repository.RequestRepository,
	workers repository.WorkerRepository,
	users repository.UserRepository,
	forms repository.FormRepository,
	dispatcher *scheduling.Dispatcher,
	accountant *accounting.Accountant,
	priorityCache *cache.PriorityCache,
	filter *scheduling.EligibilityFilter,
	config configuration.SchedulingConfig,
	clock util.Clock,
) *Server {
	return &Server{
		requests:   requests,
		workers:    workers,
		users:      users,
		forms:      forms,
		dispatcher: dispatcher,
		accountant: accountant,
		cache:      priorityCache,
		filter:     filter,
		config:     config,
		clock:      clock,
	}
}

// SubmitRequest admits a new generation request: validation, upfront kudos
// admission, persistence and the activation charge. safeIP is the transport
// layer's verdict on the client address.
func (s *Server) SubmitRequest(
	ctx context.Context,
	userId uuid.UUID,
	sharedKeyId *uuid.UUID,
	safeIP bool,
	req *api.GenerationRequest,
) (*repository.WaitingPrompt, error) {
	params, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetUser(ctx, userId)
	if err != nil {
		return nil, err
	}
	if sharedKeyId != nil {
		key, err := s.users.GetSharedKey(ctx, *sharedKeyId)
		if err != nil {
			return nil, err
		}
		if key.Revoked {
			return nil, &hordeerrors.ErrInvalidArgument{
				Name: "shared_key", Value: key.Id.String(), Message: "shared key has been revoked"}
		}
	}

	n := req.N
	if n <= 0 {
		n = 1
	}
	now := s.clock.Now()
	wp := &repository.WaitingPrompt{
		Id:          uuid.New(),
		Kind:        req.Kind,
		UserId:      userId,
		SharedKeyId: sharedKeyId,

		Prompt: req.Prompt,
		Params: params,
		Models: req.Models,

		Nsfw:            req.Nsfw,
		SafeIP:          safeIP,
		TrustedWorkers:  req.TrustedWorkers,
		SlowWorkers:     req.SlowWorkers,
		WorkerBlacklist: req.WorkerBlacklist,
		Shared:          req.Shared,
		R2:              req.R2,
		DisableBatching: req.DisableBatching,
		WorkerIds:       req.Workers,

		N:             n,
		Jobs:          n,
		Things:        params.Things() * float64(n),
		ExtraPriority: scheduling.ExtraPriority(user),

		Created: now,
		Expiry:  now.Add(s.config.RequestExpiry),
		JobTTL:  s.jobTTL(params),
		Active:  true,
	}

	if err := s.admit(wp, user, req.Kind); err != nil {
		return nil, err
	}
	if err := s.requests.CreateRequest(ctx, wp); err != nil {
		return nil, err
	}
	if req.Kind == api.KindInterrogation && params.Interrogation != nil {
		if err := s.createForms(ctx, wp, params.Interrogation.Forms, now); err != nil {
			return nil, err
		}
	}
	if err := s.accountant.ChargeActivation(ctx, wp, user); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"request": wp.Id, "kind": wp.Kind, "jobs": n}).Info("request admitted")
	return wp, nil
}

// admit rejects untrusted users who cannot cover the expected cost while the
// queue is deep. Trusted users always get in; shallow queues let anyone try
// their luck with whatever priority their kudos buy.
func (s *Server) admit(wp *repository.WaitingPrompt, user *repository.User, kind api.RequestKind) error {
	if user.Trusted() {
		return nil
	}
	expected := accounting.UnitCost(wp) * float64(wp.Jobs)
	if user.Kudos-user.MinKudos >= expected {
		return nil
	}
	totals, err := s.cache.Totals(kind)
	if err != nil {
		log.WithError(err).Warn("queue totals unavailable, skipping admission gate")
		return nil
	}
	if totals.Requests >= deepQueueBacklog {
		return &hordeerrors.ErrInsufficientKudos{
			Available: user.Kudos,
			Required:  expected,
			Threshold: user.MinKudos,
		}
	}
	return nil
}

func (s *Server) createForms(ctx context.Context, wp *repository.WaitingPrompt, names []string, now time.Time) error {
	forms := make([]*repository.InterrogationForm, len(names))
	for i, name := range names {
		forms[i] = &repository.InterrogationForm{
			Id:        uuid.New(),
			RequestId: wp.Id,
			Name:      name,
			State:     repository.FormWaiting,
			Kudos:     accounting.InterrogationKudos(name),
			Created:   now,
		}
	}
	return s.forms.CreateForms(ctx, forms)
}

func validateRequest(req *api.GenerationRequest) (api.GenerationParams, error) {
	var result *multierror.Error
	if req.Kind != api.KindInterrogation && strings.TrimSpace(req.Prompt) == "" {
		result = multierror.Append(result, &hordeerrors.ErrInvalidArgument{
			Name: "prompt", Value: "", Message: "prompt must not be empty"})
	}
	if req.N < 0 || req.N > maxJobsPerRequest {
		result = multierror.Append(result, &hordeerrors.ErrInvalidArgument{
			Name: "n", Value: req.N, Message: "requested unit count is out of range"})
	}
	if len(req.Workers) > maxWorkerList {
		result = multierror.Append(result, &hordeerrors.ErrInvalidArgument{
			Name: "workers", Value: len(req.Workers), Message: "worker list is limited to five entries"})
	}

	params, err := api.DecodeParams(req.Kind, req.Params)
	if err != nil {
		result = multierror.Append(result, err)
	} else if err := params.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return params, result.ErrorOrNil()
}

// jobTTL derives the per-generation deadline. Image deadlines scale with the
// requested volume against the canonical image and controlnet triples them;
// text and interrogation run on flat deadlines.
func (s *Server) jobTTL(params api.GenerationParams) time.Duration {
	switch {
	case params.Image != nil:
		scale := params.Things() / canonicalImageThings
		if scale < 1 {
			scale = 1
		}
		ttl := time.Duration(float64(s.config.ImageJobTTL) * scale)
		if s.config.MaxImageJobTTL > 0 && ttl > s.config.MaxImageJobTTL {
			ttl = s.config.MaxImageJobTTL
		}
		if params.Image.ControlType != "" {
			ttl *= 3
		}
		return ttl
	case params.Text != nil:
		return s.config.TextJobTTL
	default:
		return s.config.ImageJobTTL
	}
}

// Status reports request progress. Polling is observable activity, so the
// request expiry slides forward.
func (s *Server) Status(ctx context.Context, id uuid.UUID) (*api.StatusResponse, error) {
	wp, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requests.TouchRequest(ctx, id, s.clock.Now().Add(s.config.RequestExpiry)); err != nil {
		log.WithError(err).Warn("failed to slide request expiry")
	}

	pgs, err := s.requests.ListGenerations(ctx, id)
	if err != nil {
		return nil, err
	}

	var finished, processing int32
	var generations []api.GenerationStatus
	workerNames := map[uuid.UUID]string{}
	for _, pg := range pgs {
		if pg.Fake {
			continue
		}
		switch {
		case pg.Done():
			finished++
			generations = append(generations, s.generationStatus(ctx, pg, workerNames))
		case !pg.Terminal():
			processing++
		}
	}

	waiting := wp.N
	restarted := wp.Jobs - finished - processing - waiting
	if restarted < 0 {
		restarted = 0
	}
	done := !wp.Faulted && waiting == 0 && processing == 0

	resp := &api.StatusResponse{
		Waiting:     waiting,
		Processing:  processing,
		Finished:    finished,
		Restarted:   restarted,
		Done:        done,
		Faulted:     wp.Faulted,
		IsPossible:  true,
		Kudos:       wp.ConsumedKudos,
		Generations: generations,
	}
	if !done && !wp.Faulted && wp.Active {
		rank, queued, err := s.cache.Rank(wp.Kind, wp.Id.String())
		if err == nil && queued {
			resp.QueuePosition = int64(rank + 1)
		}
		resp.WaitTime = s.waitEstimate(ctx, wp, pgs)
		resp.IsPossible = s.isPossible(ctx, wp)
	}
	return resp, nil
}

func (s *Server) generationStatus(
	ctx context.Context,
	pg *repository.ProcessingGeneration,
	workerNames map[uuid.UUID]string,
) api.GenerationStatus {
	name, ok := workerNames[pg.WorkerId]
	if !ok {
		if worker, err := s.workers.GetWorker(ctx, pg.WorkerId); err == nil {
			name = worker.Name
		}
		workerNames[pg.WorkerId] = name
	}
	status := api.GenerationStatus{
		Id:         pg.Id,
		WorkerId:   pg.WorkerId,
		WorkerName: name,
		Model:      pg.Model,
		Seed:       pg.Seed,
		Censored:   pg.Censored,
		State:      string(api.StateOk),
	}
	if pg.Censored {
		status.State = string(api.StateCensored)
	}
	if pg.Generation != nil {
		status.Generation = *pg.Generation
	}
	return status
}

// waitEstimate divides the queued volume over the active fleet's throughput.
// An in-flight generation that still has longer to run dominates the estimate.
func (s *Server) waitEstimate(ctx context.Context, wp *repository.WaitingPrompt, pgs []*repository.ProcessingGeneration) int64 {
	now := s.clock.Now()
	fleet, err := s.workers.ActiveWorkers(ctx, wp.Kind, now.Add(-s.config.StaleWorkerThreshold))
	if err != nil || len(fleet) == 0 {
		return 0
	}

	var capacity float64
	byId := map[uuid.UUID]*repository.Worker{}
	for _, worker := range fleet {
		byId[worker.Id] = worker
		speed := worker.Speed
		if speed <= 0 {
			speed = s.fallbackSpeed(wp.Kind)
		}
		threads := float64(worker.Threads)
		if threads < 1 {
			threads = 1
		}
		capacity += speed * threads
	}
	if capacity <= 0 {
		return 0
	}

	totals, err := s.cache.Totals(wp.Kind)
	if err != nil {
		return 0
	}
	wait := totals.Things / capacity

	jobs := wp.Jobs
	if jobs < 1 {
		jobs = 1
	}
	unitThings := wp.Things / float64(jobs)
	for _, pg := range pgs {
		if pg.Fake || pg.Terminal() {
			continue
		}
		worker := byId[pg.WorkerId]
		if worker == nil || worker.Speed <= 0 {
			continue
		}
		left := unitThings/worker.Speed - now.Sub(pg.StartTime).Seconds()
		if left > wait {
			wait = left
		}
	}
	if wait < 0 {
		return 0
	}
	return int64(math.Ceil(wait))
}

func (s *Server) fallbackSpeed(kind api.RequestKind) float64 {
	if kind == api.KindText {
		return s.config.SlowWorkerTextSpeed
	}
	return s.config.SlowWorkerImageSpeed
}

// isPossible answers whether any active worker could ever serve the request.
// The verdict is cached; a lapsed cache entry triggers a fresh fleet scan.
func (s *Server) isPossible(ctx context.Context, wp *repository.WaitingPrompt) bool {
	possible, known, err := s.cache.Validity(wp.Id.String())
	if err == nil && known {
		return possible
	}
	possible = s.computePossible(ctx, wp)
	if err := s.cache.SetValidity(wp.Id.String(), possible); err != nil {
		log.WithError(err).Warn("failed to cache request validity")
	}
	return possible
}

func (s *Server) computePossible(ctx context.Context, wp *repository.WaitingPrompt) bool {
	fleet, err := s.workers.ActiveWorkers(ctx, wp.Kind, s.clock.Now().Add(-s.config.StaleWorkerThreshold))
	if err != nil || len(fleet) == 0 {
		return false
	}
	requester, err := s.users.GetUser(ctx, wp.UserId)
	if err != nil {
		requester = nil
	}
	owners := map[uuid.UUID]*repository.User{}
	for _, worker := range fleet {
		if worker.Paused || worker.Maintenance {
			continue
		}
		owner, ok := owners[worker.UserId]
		if !ok {
			owner, _ = s.users.GetUser(ctx, worker.UserId)
			owners[worker.UserId] = owner
		}
		if s.filter.Check(wp, worker, owner, requester) == "" {
			return true
		}
	}
	return false
}

// Cancel stops a request. Workers already running one of its generations are
// paid for the time they spent; the final status is returned.
func (s *Server) Cancel(ctx context.Context, id uuid.UUID) (*api.StatusResponse, error) {
	wp, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	inflight, err := s.requests.CancelRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, pg := range inflight {
		if err := s.accountant.SettleCancelled(ctx, wp, pg); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{"request": id, "inflight": len(inflight)}).Info("request cancelled")
	return s.Status(ctx, id)
}

// Pop checks the worker in and hands it work when any is eligible.
func (s *Server) Pop(ctx context.Context, userId uuid.UUID, req *api.PopRequest) (*api.PopResponse, error) {
	return s.dispatcher.Pop(ctx, userId, req)
}

// CheckIn refreshes the worker's profile without requesting work.
func (s *Server) CheckIn(ctx context.Context, userId uuid.UUID, req *api.PopRequest) (*repository.Worker, error) {
	return s.dispatcher.CheckIn(ctx, userId, req)
}

// SubmitGeneration settles a worker's submission. Completion is idempotent: a
// duplicate submit returns the originally recorded reward without moving any
// kudos a second time.
func (s *Server) SubmitGeneration(ctx context.Context, req *api.SubmitRequest) (*api.SubmitResponse, error) {
	pg, err := s.requests.GetGeneration(ctx, req.Id)
	if err != nil {
		return nil, err
	}
	wp, err := s.requests.GetRequest(ctx, pg.RequestId)
	if err != nil {
		return nil, err
	}
	worker, err := s.workers.GetWorker(ctx, pg.WorkerId)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	if pg.Cancelled {
		// The request was cancelled while the worker was busy; cancellation
		// already paid for the elapsed time.
		return &api.SubmitResponse{Reward: pg.Reward}, nil
	}
	if req.State == api.StateFaulted {
		if pg.Terminal() {
			return &api.SubmitResponse{}, nil
		}
		if err := s.requests.Refund(ctx, pg.Id, now.Add(s.config.RequestExpiry)); err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"generation": pg.Id, "worker": worker.Name}).Info("worker reported fault, unit refunded")
		return &api.SubmitResponse{}, nil
	}

	kudos, reward, err := s.accountant.Quote(ctx, wp, worker, pg.Model, pg.Fake)
	if err != nil {
		return nil, err
	}
	censored := req.State == api.StateCensored || req.State == api.StateCsam
	completed, alreadyDone, err := s.requests.CompleteGeneration(
		ctx, req.Id, req.Generation, req.Seed, censored, reward, req.Metadata, now)
	if err != nil {
		return nil, err
	}
	if alreadyDone {
		log.WithField("generation", pg.Id).Info("duplicate submit, returning recorded reward")
		return &api.SubmitResponse{Reward: completed.Reward}, nil
	}

	if err := s.requests.TouchRequest(ctx, wp.Id, now.Add(s.config.RequestExpiry)); err != nil {
		log.WithError(err).Warn("failed to slide request expiry")
	}
	if err := s.accountant.ApplySubmission(ctx, wp, completed, worker, req.State, kudos); err != nil {
		return nil, err
	}
	return &api.SubmitResponse{Reward: completed.Reward}, nil
}

// InterrogationStatus reports per-form progress of an interrogation request.
func (s *Server) InterrogationStatus(ctx context.Context, id uuid.UUID) (*api.InterrogationStatusResponse, error) {
	if _, err := s.requests.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	forms, err := s.forms.ListForms(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requests.TouchRequest(ctx, id, s.clock.Now().Add(s.config.RequestExpiry)); err != nil {
		log.WithError(err).Warn("failed to slide request expiry")
	}

	resp := &api.InterrogationStatusResponse{State: "done"}
	for _, form := range forms {
		resp.Forms = append(resp.Forms, api.FormStatus{
			Name:   form.Name,
			State:  string(form.State),
			Result: form.Result,
		})
		switch form.State {
		case repository.FormWaiting:
			resp.State = "waiting"
		case repository.FormProcessing:
			if resp.State != "waiting" {
				resp.State = "processing"
			}
		}
	}
	return resp, nil
}

// SubmitForm settles an interrogation form submission. A fault returns the
// form to the queue; past the abort limit it faults for good. Duplicate
// submissions return the recorded reward without a second credit.
func (s *Server) SubmitForm(ctx context.Context, req *api.SubmitRequest) (*api.SubmitResponse, error) {
	if req.State == api.StateFaulted {
		if err := s.forms.AbortForm(ctx, req.Id, s.config.MaxFormAborts); err != nil {
			return nil, err
		}
		return &api.SubmitResponse{}, nil
	}

	form, alreadyDone, err := s.forms.CompleteForm(ctx, req.Id, req.Generation)
	if err != nil {
		return nil, err
	}
	if alreadyDone {
		return &api.SubmitResponse{Reward: form.Kudos}, nil
	}
	reward, err := s.accountant.SettleForm(ctx, form)
	if err != nil {
		return nil, err
	}
	return &api.SubmitResponse{Reward: reward}, nil
}

// SetWorkerMaintenance toggles maintenance mode. Only the owning user or a
// moderator may flip it.
func (s *Server) SetWorkerMaintenance(ctx context.Context, userId, workerId uuid.UUID, maintenance bool) error {
	worker, err := s.workers.GetWorker(ctx, workerId)
	if err != nil {
		return err
	}
	if worker.UserId != userId {
		user, err := s.users.GetUser(ctx, userId)
		if err != nil {
			return err
		}
		if user.Tier != repository.TierModerator {
			return &hordeerrors.ErrInvalidArgument{
				Name: "worker_id", Value: workerId.String(), Message: "worker is owned by another user"}
		}
	}
	return s.workers.SetMaintenance(ctx, workerId, maintenance)
}

// Transfer moves kudos between users.
func (s *Server) Transfer(ctx context.Context, req *api.TransferRequest) error {
	return s.accountant.Transfer(ctx, req)
}

// Models reports aggregated model availability: worker counts from the cache,
// queued volume from the first snapshot page and fleet throughput per model.
func (s *Server) Models(ctx context.Context, kind api.RequestKind) ([]api.ModelReport, error) {
	now := s.clock.Now()
	since := now.Add(-s.config.StaleWorkerThreshold)

	counts, err := s.cache.Models(kind)
	if err != nil {
		return nil, err
	}
	if counts == nil {
		counts, err = s.workers.ActiveModels(ctx, kind, since)
		if err != nil {
			return nil, err
		}
		if err := s.cache.StoreModels(kind, counts); err != nil {
			log.WithError(err).Warn("failed to cache model availability")
		}
	}

	performance := map[string]float64{}
	fleet, err := s.workers.ActiveWorkers(ctx, kind, since)
	if err == nil {
		for _, worker := range fleet {
			speed := worker.Speed
			if speed <= 0 {
				speed = s.fallbackSpeed(kind)
			}
			threads := float64(worker.Threads)
			if threads < 1 {
				threads = 1
			}
			for _, model := range worker.Models {
				performance[model] += speed * threads
			}
		}
	}

	queued := map[string]float64{}
	entries, err := s.cache.Queue(kind)
	if err == nil {
		for _, entry := range entries {
			wp, err := s.requests.GetRequest(ctx, entry.Id)
			if err != nil {
				continue
			}
			jobs := wp.Jobs
			if jobs < 1 {
				jobs = 1
			}
			remaining := wp.Things * float64(wp.N) / float64(jobs)
			for _, model := range wp.Models {
				queued[model] += remaining
			}
		}
	}

	reports := make([]api.ModelReport, 0, len(counts))
	for name, count := range counts {
		report := api.ModelReport{
			Name:        name,
			Count:       count,
			Queued:      queued[name],
			Performance: performance[name],
			Updated:     now,
		}
		if report.Performance > 0 {
			report.ETA = int64(math.Ceil(report.Queued / report.Performance))
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return reports, nil
}
