package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/horde/api"
)

// InMemoryStore implements every repository interface with plain maps. It
// backs tests of the dispatcher, accountant and reaper; the semantics mirror
// PostgresStore, including idempotent completion and refund behaviour.
type InMemoryStore struct {
	mu sync.Mutex

	requests    map[uuid.UUID]*WaitingPrompt
	generations map[uuid.UUID]*ProcessingGeneration
	workers     map[uuid.UUID]*Worker
	users       map[uuid.UUID]*User
	sharedKeys  map[uuid.UUID]*SharedKey
	teams       map[uuid.UUID]*Team
	forms       map[uuid.UUID]*InterrogationForm

	samples map[uuid.UUID][]performanceSample

	ImageStats []StatState
	TextStats  []StatState
}

type performanceSample struct {
	value   float64
	created time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests:    map[uuid.UUID]*WaitingPrompt{},
		generations: map[uuid.UUID]*ProcessingGeneration{},
		workers:     map[uuid.UUID]*Worker{},
		users:       map[uuid.UUID]*User{},
		sharedKeys:  map[uuid.UUID]*SharedKey{},
		teams:       map[uuid.UUID]*Team{},
		forms:       map[uuid.UUID]*InterrogationForm{},
		samples:     map[uuid.UUID][]performanceSample{},
	}
}

func (s *InMemoryStore) CreateRequest(_ context.Context, wp *WaitingPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[wp.Id] = wp
	return nil
}

func (s *InMemoryStore) GetRequest(_ context.Context, id uuid.UUID) (*WaitingPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.requests[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "request", Value: id.String()}
	}
	return wp, nil
}

func (s *InMemoryStore) TouchRequest(_ context.Context, id uuid.UUID, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wp, ok := s.requests[id]; ok && expiry.After(wp.Expiry) {
		wp.Expiry = expiry
	}
	return nil
}

func (s *InMemoryStore) AddConsumedKudos(_ context.Context, id uuid.UUID, kudos float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wp, ok := s.requests[id]; ok {
		wp.ConsumedKudos += kudos
	}
	return nil
}

func (s *InMemoryStore) Claim(_ context.Context, params ClaimParams) ([]*ProcessingGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.requests[params.RequestId]
	if !ok || !wp.Active || wp.Faulted {
		return nil, &hordeerrors.ErrNotFound{Type: "request", Value: params.RequestId.String()}
	}

	safe := params.Amount
	if wp.N < safe {
		safe = wp.N
	}
	if safe <= 0 {
		return nil, nil
	}
	wp.N -= safe
	if params.Expiry.After(wp.Expiry) {
		wp.Expiry = params.Expiry
	}

	var claimed []*ProcessingGeneration
	for i := int32(0); i < safe; i++ {
		pg := &ProcessingGeneration{
			Id:        uuid.New(),
			RequestId: params.RequestId,
			WorkerId:  params.WorkerId,
			Model:     params.Model,
			StartTime: params.Now,
		}
		s.generations[pg.Id] = pg
		claimed = append(claimed, pg)
	}
	return claimed, nil
}

func (s *InMemoryStore) CreateFakeGeneration(_ context.Context, requestId, workerId uuid.UUID, model string, now time.Time) (*ProcessingGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg := &ProcessingGeneration{
		Id:        uuid.New(),
		RequestId: requestId,
		WorkerId:  workerId,
		Model:     model,
		Fake:      true,
		StartTime: now,
	}
	s.generations[pg.Id] = pg
	return pg, nil
}

func (s *InMemoryStore) GetGeneration(_ context.Context, id uuid.UUID) (*ProcessingGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg, ok := s.generations[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "generation", Value: id.String()}
	}
	return pg, nil
}

func (s *InMemoryStore) ListGenerations(_ context.Context, requestId uuid.UUID) ([]*ProcessingGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var generations []*ProcessingGeneration
	for _, pg := range s.generations {
		if pg.RequestId == requestId {
			generations = append(generations, pg)
		}
	}
	sort.Slice(generations, func(i, j int) bool {
		return generations[i].StartTime.Before(generations[j].StartTime)
	})
	return generations, nil
}

func (s *InMemoryStore) CompleteGeneration(
	_ context.Context,
	id uuid.UUID,
	generation, seed string,
	censored bool,
	reward float64,
	meta []api.GenerationMetadata,
	now time.Time,
) (*ProcessingGeneration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg, ok := s.generations[id]
	if !ok {
		return nil, false, &hordeerrors.ErrNotFound{Type: "generation", Value: id.String()}
	}
	if pg.Terminal() {
		return pg, true, nil
	}
	pg.Generation = &generation
	pg.Seed = seed
	pg.Censored = censored
	pg.Reward = reward
	pg.Metadata = meta
	submitTime := now
	pg.SubmitTime = &submitTime
	return pg, false, nil
}

func (s *InMemoryStore) RecordReward(_ context.Context, id uuid.UUID, reward float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pg, ok := s.generations[id]; ok {
		pg.Reward = reward
	}
	return nil
}

func (s *InMemoryStore) Refund(_ context.Context, id uuid.UUID, expiry time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg, ok := s.generations[id]
	if !ok || pg.Terminal() || pg.Fake {
		return nil
	}
	pg.Faulted = true
	if wp, ok := s.requests[pg.RequestId]; ok {
		if wp.N < wp.Jobs {
			wp.N++
		}
		if expiry.After(wp.Expiry) {
			wp.Expiry = expiry
		}
	}
	return nil
}

func (s *InMemoryStore) CancelRequest(_ context.Context, id uuid.UUID) ([]*ProcessingGeneration, error) {
	return s.stopRequest(id, false)
}

func (s *InMemoryStore) FaultRequest(_ context.Context, id uuid.UUID) ([]*ProcessingGeneration, error) {
	return s.stopRequest(id, true)
}

func (s *InMemoryStore) stopRequest(id uuid.UUID, fault bool) ([]*ProcessingGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wp, ok := s.requests[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "request", Value: id.String()}
	}
	wp.N = 0
	if fault {
		wp.Faulted = true
	}

	var inflight []*ProcessingGeneration
	for _, pg := range s.generations {
		if pg.RequestId == id && !pg.Terminal() && !pg.Fake {
			pg.Cancelled = true
			inflight = append(inflight, pg)
		}
	}
	return inflight, nil
}

func (s *InMemoryStore) QueueSnapshot(_ context.Context, kind api.RequestKind) ([]*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*QueueEntry
	for _, wp := range s.requests {
		if wp.Kind != kind || !wp.Active || wp.Faulted || wp.N <= 0 {
			continue
		}
		entries = append(entries, &QueueEntry{
			Id:            wp.Id,
			Things:        wp.Things,
			N:             wp.N,
			ExtraPriority: wp.ExtraPriority,
			Created:       wp.Created,
			Expiry:        wp.Expiry,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ExtraPriority != entries[j].ExtraPriority {
			return entries[i].ExtraPriority > entries[j].ExtraPriority
		}
		return entries[i].Created.Before(entries[j].Created)
	})
	return entries, nil
}

func (s *InMemoryStore) QueueDepth(_ context.Context, kind api.RequestKind) (int64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	var things float64
	for _, wp := range s.requests {
		if wp.Kind == kind && wp.Active && !wp.Faulted && wp.N > 0 {
			count++
			things += wp.Things * float64(wp.N) / float64(wp.Jobs)
		}
	}
	return count, things, nil
}

func (s *InMemoryStore) BumpPriorities(_ context.Context, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wp := range s.requests {
		if wp.Active && !wp.Faulted && wp.N > 0 {
			wp.ExtraPriority += delta
		}
	}
	return nil
}

func (s *InMemoryStore) ExpiredRequests(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, wp := range s.requests {
		if wp.Expiry.Before(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *InMemoryStore) DeleteRequest(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	for pgId, pg := range s.generations {
		if pg.RequestId == id {
			delete(s.generations, pgId)
		}
	}
	for formId, form := range s.forms {
		if form.RequestId == id {
			delete(s.forms, formId)
		}
	}
	return nil
}

func (s *InMemoryStore) StaleGenerations(_ context.Context, now time.Time) ([]*ProcessingGeneration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*ProcessingGeneration
	for _, pg := range s.generations {
		if pg.Terminal() || pg.Fake {
			continue
		}
		wp, ok := s.requests[pg.RequestId]
		if !ok {
			continue
		}
		if now.Sub(pg.StartTime) > wp.JobTTL {
			stale = append(stale, pg)
		}
	}
	return stale, nil
}

func (s *InMemoryStore) RunawayRequests(_ context.Context, maxFaults int32) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	faults := map[uuid.UUID]int32{}
	for _, pg := range s.generations {
		if pg.Faulted && !pg.Fake {
			faults[pg.RequestId]++
		}
	}
	var ids []uuid.UUID
	for id, count := range faults {
		if wp, ok := s.requests[id]; ok && !wp.Faulted && count > maxFaults {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *InMemoryStore) UpsertWorker(_ context.Context, worker *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workers {
		if existing.Name == worker.Name {
			worker.Id = existing.Id
			worker.Suspicion = existing.Suspicion
			worker.Paused = existing.Paused
			worker.Maintenance = existing.Maintenance
			worker.Speed = existing.Speed
			worker.ContributedKudos = existing.ContributedKudos
			worker.Fulfilments = existing.Fulfilments
			worker.AbortedJobs = existing.AbortedJobs
			if existing.LastCheckIn.After(worker.LastCheckIn) {
				worker.LastCheckIn = existing.LastCheckIn
			}
			break
		}
	}
	s.workers[worker.Id] = worker
	return nil
}

func (s *InMemoryStore) GetWorker(_ context.Context, id uuid.UUID) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "worker", Value: id.String()}
	}
	return worker, nil
}

func (s *InMemoryStore) GetWorkerByName(_ context.Context, name string) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, worker := range s.workers {
		if worker.Name == name {
			return worker, nil
		}
	}
	return nil, &hordeerrors.ErrNotFound{Type: "worker", Value: name}
}

func (s *InMemoryStore) ActiveWorkers(_ context.Context, kind api.RequestKind, since time.Time) ([]*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var workers []*Worker
	for _, worker := range s.workers {
		if worker.Kind == kind && worker.LastCheckIn.After(since) {
			workers = append(workers, worker)
		}
	}
	return workers, nil
}

func (s *InMemoryStore) ActiveModels(_ context.Context, kind api.RequestKind, since time.Time) (map[string]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	models := map[string]int32{}
	for _, worker := range s.workers {
		if worker.Kind != kind || !worker.LastCheckIn.After(since) || worker.Paused || worker.Maintenance {
			continue
		}
		for _, model := range worker.Models {
			models[model]++
		}
	}
	return models, nil
}

func (s *InMemoryStore) AddPerformanceSample(_ context.Context, workerId uuid.UUID, sample float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[workerId] = append(s.samples[workerId], performanceSample{value: sample, created: now})
	if worker, ok := s.workers[workerId]; ok {
		var sum float64
		for _, sample := range s.samples[workerId] {
			sum += sample.value
		}
		worker.Speed = sum / float64(len(s.samples[workerId]))
	}
	return nil
}

func (s *InMemoryStore) PrunePerformanceSamples(_ context.Context, olderThan time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for workerId, samples := range s.samples {
		kept := samples[:0]
		for _, sample := range samples {
			if !sample.created.Before(olderThan) {
				kept = append(kept, sample)
			}
		}
		s.samples[workerId] = kept
	}
	return nil
}

func (s *InMemoryStore) RecordContribution(_ context.Context, workerId uuid.UUID, kudos float64, fulfilments int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers[workerId]
	if !ok {
		return &hordeerrors.ErrNotFound{Type: "worker", Value: workerId.String()}
	}
	worker.ContributedKudos += kudos
	worker.Fulfilments += fulfilments
	if worker.TeamId != nil {
		if team, ok := s.teams[*worker.TeamId]; ok {
			team.Kudos += kudos
			team.Contributions += kudos
			team.Fulfilments += fulfilments
		}
	}
	return nil
}

func (s *InMemoryStore) RecordAbortedJob(_ context.Context, workerId uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if worker, ok := s.workers[workerId]; ok {
		worker.AbortedJobs++
	}
	return nil
}

func (s *InMemoryStore) AddSuspicion(_ context.Context, workerId uuid.UUID, delta int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if worker, ok := s.workers[workerId]; ok {
		worker.Suspicion += delta
	}
	return nil
}

func (s *InMemoryStore) SetPaused(_ context.Context, workerId uuid.UUID, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if worker, ok := s.workers[workerId]; ok {
		worker.Paused = paused
	}
	return nil
}

func (s *InMemoryStore) SetMaintenance(_ context.Context, workerId uuid.UUID, maintenance bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if worker, ok := s.workers[workerId]; ok {
		worker.Maintenance = maintenance
	}
	return nil
}

func (s *InMemoryStore) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Id] = user
	return nil
}

func (s *InMemoryStore) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "user", Value: id.String()}
	}
	return user, nil
}

func (s *InMemoryStore) AdjustKudos(_ context.Context, id uuid.UUID, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return &hordeerrors.ErrNotFound{Type: "user", Value: id.String()}
	}
	user.Kudos += delta
	return nil
}

func (s *InMemoryStore) TransferKudos(_ context.Context, source, destination uuid.UUID, amount, floor float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.users[source]
	if !ok {
		return &hordeerrors.ErrNotFound{Type: "user", Value: source.String()}
	}
	dst, ok := s.users[destination]
	if !ok {
		return &hordeerrors.ErrNotFound{Type: "user", Value: destination.String()}
	}
	if src.Kudos-amount < floor {
		return &hordeerrors.ErrInsufficientKudos{Available: src.Kudos, Required: amount, Threshold: floor}
	}
	src.Kudos -= amount
	dst.Kudos += amount
	return nil
}

func (s *InMemoryStore) GetSharedKey(_ context.Context, id uuid.UUID) (*SharedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.sharedKeys[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "shared key", Value: id.String()}
	}
	return key, nil
}

func (s *InMemoryStore) CreateSharedKey(_ context.Context, key *SharedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharedKeys[key.Id] = key
	return nil
}

func (s *InMemoryStore) AdjustSharedKeyKudos(_ context.Context, id uuid.UUID, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.sharedKeys[id]; ok {
		key.Kudos += delta
	}
	return nil
}

func (s *InMemoryStore) RevokeSharedKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.sharedKeys[id]; ok {
		key.Revoked = true
	}
	return nil
}

func (s *InMemoryStore) MonthlyGrantees(_ context.Context) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []*User
	for _, user := range s.users {
		if user.MonthlyGrant > 0 {
			users = append(users, user)
		}
	}
	return users, nil
}

func (s *InMemoryStore) CreateTeam(_ context.Context, team *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[team.Id] = team
	return nil
}

func (s *InMemoryStore) GetTeam(_ context.Context, id uuid.UUID) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "team", Value: id.String()}
	}
	return team, nil
}

func (s *InMemoryStore) GetTeamByName(_ context.Context, name string) (*Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, team := range s.teams {
		if team.Name == name {
			return team, nil
		}
	}
	return nil, &hordeerrors.ErrNotFound{Type: "team", Value: name}
}

func (s *InMemoryStore) CreateForms(_ context.Context, forms []*InterrogationForm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, form := range forms {
		s.forms[form.Id] = form
	}
	return nil
}

func (s *InMemoryStore) GetForm(_ context.Context, id uuid.UUID) (*InterrogationForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	form, ok := s.forms[id]
	if !ok {
		return nil, &hordeerrors.ErrNotFound{Type: "form", Value: id.String()}
	}
	return form, nil
}

func (s *InMemoryStore) ListForms(_ context.Context, requestId uuid.UUID) ([]*InterrogationForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var forms []*InterrogationForm
	for _, form := range s.forms {
		if form.RequestId == requestId {
			forms = append(forms, form)
		}
	}
	sort.Slice(forms, func(i, j int) bool { return forms[i].Created.Before(forms[j].Created) })
	return forms, nil
}

func (s *InMemoryStore) ClaimForm(_ context.Context, workerId uuid.UUID, names []string) (*InterrogationForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[string]bool{}
	for _, name := range names {
		wanted[name] = true
	}
	var oldest *InterrogationForm
	for _, form := range s.forms {
		if form.State != FormWaiting || !wanted[form.Name] {
			continue
		}
		if oldest == nil || form.Created.Before(oldest.Created) {
			oldest = form
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.State = FormProcessing
	worker := workerId
	oldest.WorkerId = &worker
	return oldest, nil
}

func (s *InMemoryStore) CompleteForm(_ context.Context, id uuid.UUID, result string) (*InterrogationForm, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	form, ok := s.forms[id]
	if !ok {
		return nil, false, &hordeerrors.ErrNotFound{Type: "form", Value: id.String()}
	}
	if form.State != FormProcessing {
		return form, true, nil
	}
	form.State = FormDone
	form.Result = &result
	return form, false, nil
}

func (s *InMemoryStore) AbortForm(_ context.Context, id uuid.UUID, maxAborts int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	form, ok := s.forms[id]
	if !ok || form.State != FormProcessing {
		return nil
	}
	form.Aborts++
	form.WorkerId = nil
	if form.Aborts > maxAborts {
		form.State = FormFaulted
	} else {
		form.State = FormWaiting
	}
	return nil
}

func (s *InMemoryStore) RecordImageStat(_ context.Context, _ string, params *api.ImageParams, state StatState, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params != nil {
		s.ImageStats = append(s.ImageStats, state)
	}
	return nil
}

func (s *InMemoryStore) RecordTextStat(_ context.Context, _ string, params *api.TextParams, state StatState, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params != nil {
		s.TextStats = append(s.TextStats, state)
	}
	return nil
}
