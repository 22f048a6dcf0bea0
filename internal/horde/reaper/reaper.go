package reaper

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/hordeproject/horde/internal/common/task"
	"github.com/hordeproject/horde/internal/common/util"
	"github.com/hordeproject/horde/internal/horde/accounting"
	"github.com/hordeproject/horde/internal/horde/api"
	"github.com/hordeproject/horde/internal/horde/cache"
	"github.com/hordeproject/horde/internal/horde/configuration"
	"github.com/hordeproject/horde/internal/horde/repository"
)

var sweepKinds = []api.RequestKind{api.KindImage, api.KindText, api.KindInterrogation}

// Reaper runs the periodic maintenance sweeps: expiring requests, refunding
// stale generations, faulting runaway requests and rewriting the advisory
// caches. Every sweep is gated on the quorum lease so exactly one node in the
// fleet does this work; losing the lease needs no corrective action since the
// next holder's sweep reconciles.
type Reaper struct {
	requests repository.RequestRepository
	workers  repository.WorkerRepository

	accountant *accounting.Accountant
	cache      *cache.PriorityCache
	quorum     *cache.Quorum

	scheduling configuration.SchedulingConfig
	config     configuration.ReaperConfig
	clock      util.Clock
}

func NewReaper(
	requests repository.RequestRepository,
	workers repository.WorkerRepository,
	accountant *accounting.Accountant,
	priorityCache *cache.PriorityCache,
	quorum *cache.Quorum,
	scheduling configuration.SchedulingConfig,
	config configuration.ReaperConfig,
	clock util.Clock,
) *Reaper {
	return &Reaper{
		requests:   requests,
		workers:    workers,
		accountant: accountant,
		cache:      priorityCache,
		quorum:     quorum,
		scheduling: scheduling,
		config:     config,
		clock:      clock,
	}
}

// RegisterTasks wires every sweep into the background task manager.
func (r *Reaper) RegisterTasks(manager *task.BackgroundTaskManager) {
	ctx := context.Background()
	manager.Register(r.guarded(ctx, r.RefreshCaches), r.config.CacheRefreshInterval, "cache_refresh")
	manager.Register(r.guarded(ctx, r.Sweep), r.config.SweepInterval, "sweep")
	manager.Register(r.guarded(ctx, r.RefreshModels), r.config.ModelsCacheInterval, "models_cache")
	manager.Register(r.guarded(ctx, r.PruneStats), r.config.StatsPruneInterval, "stats_prune")
	manager.Register(r.guarded(ctx, r.BumpPriorities), r.scheduling.PriorityBumpInterval, "priority_bump")
	manager.Register(r.guarded(ctx, r.GrantMonthly), r.config.MonthlyGrantInterval, "monthly_grant")
}

func (r *Reaper) guarded(ctx context.Context, sweep func(ctx context.Context) error) func() {
	return func() {
		held, err := r.quorum.TryAcquire()
		if err != nil {
			log.WithError(err).Warn("quorum check failed")
			return
		}
		if !held {
			return
		}
		if err := sweep(ctx); err != nil {
			log.WithError(err).Error("reaper sweep failed")
		}
	}
}

// Sweep runs the three fast passes in their dependency order: stale
// generations refund before expiry pruning deletes their requests, and
// runaway faulting sees the freshest fault counts.
func (r *Reaper) Sweep(ctx context.Context) error {
	if err := r.FaultStaleGenerations(ctx); err != nil {
		return err
	}
	if err := r.FaultRunawayRequests(ctx); err != nil {
		return err
	}
	return r.PruneExpiredRequests(ctx)
}

// PruneExpiredRequests deletes requests whose expiry has lapsed; generations
// and forms go with them through the cascade.
func (r *Reaper) PruneExpiredRequests(ctx context.Context) error {
	ids, err := r.requests.ExpiredRequests(ctx, r.clock.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.requests.DeleteRequest(ctx, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		log.WithField("count", len(ids)).Info("pruned expired requests")
	}
	return nil
}

// FaultStaleGenerations refunds every in-flight generation that outlived its
// request's deadline. The silent worker gets an abort log entry, no kudos.
func (r *Reaper) FaultStaleGenerations(ctx context.Context) error {
	stale, err := r.requests.StaleGenerations(ctx, r.clock.Now())
	if err != nil {
		return err
	}
	expiry := r.clock.Now().Add(r.scheduling.RequestExpiry)
	for _, pg := range stale {
		if err := r.accountant.SettleAborted(ctx, pg); err != nil {
			return err
		}
		if err := r.requests.Refund(ctx, pg.Id, expiry); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		log.WithField("count", len(stale)).Info("refunded stale generations")
	}
	return nil
}

// FaultRunawayRequests faults requests that keep burning generations. Workers
// still running one of their generations are paid for the cancelled work.
func (r *Reaper) FaultRunawayRequests(ctx context.Context) error {
	ids, err := r.requests.RunawayRequests(ctx, r.scheduling.MaxGenerationFaults)
	if err != nil {
		return err
	}
	for _, id := range ids {
		wp, err := r.requests.GetRequest(ctx, id)
		if err != nil {
			continue
		}
		inflight, err := r.requests.FaultRequest(ctx, id)
		if err != nil {
			return err
		}
		for _, pg := range inflight {
			if err := r.accountant.SettleCancelled(ctx, wp, pg); err != nil {
				return err
			}
		}
		log.WithField("request", id).Warn("faulted runaway request")
	}
	return nil
}

// RefreshCaches rewrites the advisory queue snapshots and totals.
func (r *Reaper) RefreshCaches(ctx context.Context) error {
	for _, kind := range sweepKinds {
		entries, err := r.requests.QueueSnapshot(ctx, kind)
		if err != nil {
			return err
		}
		if err := r.cache.StoreQueue(kind, entries); err != nil {
			return err
		}
		count, things, err := r.requests.QueueDepth(ctx, kind)
		if err != nil {
			return err
		}
		if err := r.cache.StoreTotals(kind, cache.QueueTotals{Requests: count, Things: things}); err != nil {
			return err
		}
	}
	return nil
}

// RefreshModels rewrites the aggregated model availability per kind.
func (r *Reaper) RefreshModels(ctx context.Context) error {
	since := r.clock.Now().Add(-r.scheduling.StaleWorkerThreshold)
	for _, kind := range sweepKinds {
		models, err := r.workers.ActiveModels(ctx, kind, since)
		if err != nil {
			return err
		}
		if err := r.cache.StoreModels(kind, models); err != nil {
			return err
		}
	}
	return nil
}

// PruneStats drops performance samples past the retention horizon.
func (r *Reaper) PruneStats(ctx context.Context) error {
	return r.workers.PrunePerformanceSamples(ctx, r.clock.Now().Add(-r.config.StatsRetention))
}

// BumpPriorities applies the anti-starvation ratchet to every queued request.
func (r *Reaper) BumpPriorities(ctx context.Context) error {
	return r.requests.BumpPriorities(ctx, r.scheduling.PriorityBump)
}

// GrantMonthly credits recurring kudos grants.
func (r *Reaper) GrantMonthly(ctx context.Context) error {
	return r.accountant.GrantMonthly(ctx)
}
