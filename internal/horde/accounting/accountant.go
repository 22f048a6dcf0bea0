package accounting

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
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

// Estimator prices an image payload in seconds of canonical compute. A
// learned model can be plugged in here; the ratio to basisSeconds supplies
// the kudos. The analytic formula in kudos.go is the deployed default.
type Estimator interface {
	Seconds(prompt string, p *api.ImageParams) float64
}

// basisSeconds is what the canonical 10-kudos image takes on the reference
// hardware.
const basisSeconds = 10.0

// KudosFromSeconds converts an estimator verdict into kudos.
func KudosFromSeconds(seconds float64) float64 {
	return Round(seconds / basisSeconds * 10)
}

var kudosSettled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "horde_kudos_settled_total",
		Help: "Kudos paid to workers, by request kind.",
	}, []string{"kind"})

var transfersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "horde_kudos_transfers_total",
		Help: "User to user transfer attempts by outcome.",
	}, []string{"outcome"})

// Accountant owns every kudos movement: the activation pre-charge, submit
// settlement, cancellation pay-outs and user-to-user transfers. All balance
// arithmetic is delegated to the store so concurrent settlements never lose
// updates.
type Accountant struct {
	requests repository.RequestRepository
	workers  repository.WorkerRepository
	users    repository.UserRepository
	stats    repository.StatsRepository

	capabilities *capability.Table
	transfers    *cache.TransferGuard
	config       configuration.KudosConfig
	clock        util.Clock

	// estimator, when set, overrides the analytic image formula.
	estimator Estimator
}

// WithEstimator plugs in a learned pricing model for image generations.
func (a *Accountant) WithEstimator(estimator Estimator) *Accountant {
	a.estimator = estimator
	return a
}

func NewAccountant(
	requests repository.RequestRepository,
	workers repository.WorkerRepository,
	users repository.UserRepository,
	stats repository.StatsRepository,
	capabilities *capability.Table,
	transfers *cache.TransferGuard,
	config configuration.KudosConfig,
	clock util.Clock,
) *Accountant {
	return &Accountant{
		requests:     requests,
		workers:      workers,
		users:        users,
		stats:        stats,
		capabilities: capabilities,
		transfers:    transfers,
		config:       config,
		clock:        clock,
	}
}

// HordeTax is the upfront shaping charge per request: it makes zero-cost
// queue-stuffing impossible. Sharing results with the commons earns a
// discount, and so does being nearly broke.
func (a *Accountant) HordeTax(kind api.RequestKind, shared bool, userKudos float64) float64 {
	var tax float64
	switch kind {
	case api.KindImage:
		tax = a.config.ImageHordeTax
	case api.KindText:
		tax = a.config.TextHordeTax
	default:
		return 0
	}
	if shared {
		tax--
	}
	if userKudos < 10 {
		tax--
	}
	if tax < 0 {
		tax = 0
	}
	return tax
}

// ChargeActivation debits the horde tax at request creation. The charge goes
// against the shared key when one funds the request.
func (a *Accountant) ChargeActivation(ctx context.Context, wp *repository.WaitingPrompt, user *repository.User) error {
	tax := a.HordeTax(wp.Kind, wp.Shared, user.Kudos)
	if tax == 0 {
		return nil
	}
	if wp.SharedKeyId != nil {
		if err := a.users.AdjustSharedKeyKudos(ctx, *wp.SharedKeyId, -tax); err != nil {
			return err
		}
	} else if err := a.users.AdjustKudos(ctx, user.Id, -tax); err != nil {
		return err
	}
	return a.requests.AddConsumedKudos(ctx, wp.Id, tax)
}

// Quote prices a generation before settlement: kudos is what the requester
// owes, reward what the worker earns after its bridge scaling. Fake
// generations quote to zero.
func (a *Accountant) Quote(
	ctx context.Context,
	wp *repository.WaitingPrompt,
	worker *repository.Worker,
	model string,
	fake bool,
) (kudos, reward float64, err error) {
	if fake {
		return 0, 0, nil
	}
	requester, err := a.users.GetUser(ctx, wp.UserId)
	if err != nil {
		return 0, 0, err
	}
	kudos = a.generationKudos(wp, model, requester.Trusted())
	reward = Round(kudos * a.bridgeMultiplier(worker.BridgeAgent))
	return kudos, reward, nil
}

// ApplySubmission moves the quoted amounts: the worker is credited its
// recorded reward, the requester debited the quoted kudos. Censored
// submissions still pay the worker but spare the user.
func (a *Accountant) ApplySubmission(
	ctx context.Context,
	wp *repository.WaitingPrompt,
	pg *repository.ProcessingGeneration,
	worker *repository.Worker,
	state api.GenerationState,
	kudos float64,
) error {
	if pg.Fake {
		return nil
	}
	if err := a.creditWorker(ctx, worker, pg.Reward); err != nil {
		return err
	}

	censored := state == api.StateCensored || state == api.StateCsam
	if !censored {
		if err := a.debitRequester(ctx, wp, wp.UserId, kudos); err != nil {
			return err
		}
	}

	if err := a.recordPerformance(ctx, wp, pg, worker); err != nil {
		return err
	}
	a.recordStats(ctx, wp, pg.Model, state)
	kudosSettled.WithLabelValues(string(wp.Kind)).Add(pg.Reward)
	return nil
}

// SettleSubmit quotes and applies in one step, for callers that already hold
// a completed generation. The returned reward is what the worker was
// credited.
func (a *Accountant) SettleSubmit(
	ctx context.Context,
	wp *repository.WaitingPrompt,
	pg *repository.ProcessingGeneration,
	worker *repository.Worker,
	state api.GenerationState,
) (float64, error) {
	kudos, reward, err := a.Quote(ctx, wp, worker, pg.Model, pg.Fake)
	if err != nil {
		return 0, err
	}
	pg.Reward = reward
	if err := a.ApplySubmission(ctx, wp, pg, worker, state, kudos); err != nil {
		return 0, err
	}
	return reward, nil
}

// SettleCancelled pays a worker for in-flight work the client cancelled. The
// pay is prorated by how long the generation has been running against the
// worker's average speed, and is recorded on the generation so a late submit
// of the cancelled work echoes the same figure.
func (a *Accountant) SettleCancelled(
	ctx context.Context,
	wp *repository.WaitingPrompt,
	pg *repository.ProcessingGeneration,
) error {
	if pg.Fake {
		return nil
	}
	worker, err := a.workers.GetWorker(ctx, pg.WorkerId)
	if err != nil {
		return err
	}

	full := UnitCost(wp)
	reward := full
	if worker.Speed > 0 && wp.Things > 0 {
		expected := wp.Things / worker.Speed
		elapsed := a.clock.Now().Sub(pg.StartTime).Seconds()
		fraction := math.Min(1, elapsed/expected)
		reward = Round(full * fraction)
	}
	if reward <= 0 {
		return nil
	}
	if err := a.creditWorker(ctx, worker, reward); err != nil {
		return err
	}
	pg.Reward = reward
	if err := a.requests.RecordReward(ctx, pg.Id, reward); err != nil {
		return err
	}
	a.recordStats(ctx, wp, pg.Model, stateCancelled)
	return nil
}

// SettleAborted is the reaper path for a stale generation: the worker gets
// nothing and its abort log grows.
func (a *Accountant) SettleAborted(ctx context.Context, pg *repository.ProcessingGeneration) error {
	if pg.Fake {
		return nil
	}
	return a.workers.RecordAbortedJob(ctx, pg.WorkerId)
}

// SettleForm pays a worker for a completed interrogation form.
func (a *Accountant) SettleForm(ctx context.Context, form *repository.InterrogationForm) (float64, error) {
	if form.WorkerId == nil {
		return 0, nil
	}
	worker, err := a.workers.GetWorker(ctx, *form.WorkerId)
	if err != nil {
		return 0, err
	}
	reward := form.Kudos
	if reward == 0 {
		reward = InterrogationKudos(form.Name)
	}
	if err := a.creditWorker(ctx, worker, reward); err != nil {
		return 0, err
	}
	return reward, nil
}

// Transfer moves kudos between users. Pairs are rate limited in both
// directions within the rolling window, and the source cannot drop below its
// floor. The debit and credit commit in one store transaction; the window is
// reserved only once the balances have moved, so a refused transfer leaves
// the pair's slot open.
func (a *Accountant) Transfer(ctx context.Context, req *api.TransferRequest) error {
	if req.Amount <= 0 {
		return &hordeerrors.ErrInvalidArgument{Name: "amount", Value: req.Amount, Message: "transfer amount must be positive"}
	}

	source, err := a.users.GetUser(ctx, req.Source)
	if err != nil {
		return err
	}
	if _, err := a.users.GetUser(ctx, req.Destination); err != nil {
		return err
	}

	held, err := a.transfers.Held(req.Source.String(), req.Destination.String())
	if err != nil {
		return err
	}
	if held {
		transfersTotal.WithLabelValues("rate_limited").Inc()
		return &hordeerrors.ErrRateLimited{
			Operation: "kudos transfer",
			Message:   "a transfer between this pair is still inside the rolling window",
		}
	}

	floor := math.Max(source.MinKudos, a.config.MinTransferRemainder)
	if err := a.users.TransferKudos(ctx, req.Source, req.Destination, Round(req.Amount), floor); err != nil {
		var insufficient *hordeerrors.ErrInsufficientKudos
		if errors.As(err, &insufficient) {
			transfersTotal.WithLabelValues("insufficient").Inc()
		}
		return err
	}

	if err := a.transfers.Reserve(req.Source.String(), req.Destination.String()); err != nil {
		// The balances already moved; a lost mark only weakens rate limiting.
		log.WithError(err).Warn("failed to reserve transfer window")
	}
	transfersTotal.WithLabelValues("ok").Inc()
	return nil
}

// GrantMonthly credits every user carrying a monthly grant.
func (a *Accountant) GrantMonthly(ctx context.Context) error {
	grantees, err := a.users.MonthlyGrantees(ctx)
	if err != nil {
		return err
	}
	for _, user := range grantees {
		if err := a.users.AdjustKudos(ctx, user.Id, user.MonthlyGrant); err != nil {
			return err
		}
	}
	if len(grantees) > 0 {
		log.WithField("users", len(grantees)).Info("monthly kudos granted")
	}
	return nil
}

func (a *Accountant) generationKudos(wp *repository.WaitingPrompt, model string, trusted bool) float64 {
	switch wp.Kind {
	case api.KindImage:
		if wp.Params.Image != nil {
			if a.estimator != nil {
				return KudosFromSeconds(a.estimator.Seconds(wp.Prompt, wp.Params.Image))
			}
			return ImageKudos(wp.Prompt, wp.Params.Image)
		}
	case api.KindText:
		if wp.Params.Text != nil {
			return TextKudos(model, wp.Params.Text, trusted)
		}
	}
	return 1
}

// bridgeMultiplier discounts rewards for workers running an outdated bridge,
// nudging the fleet to upgrade.
func (a *Accountant) bridgeMultiplier(agent string) float64 {
	if a.capabilities.IsLatest(agent) {
		return 1.0
	}
	return 0.75
}

func (a *Accountant) creditWorker(ctx context.Context, worker *repository.Worker, reward float64) error {
	if err := a.users.AdjustKudos(ctx, worker.UserId, reward); err != nil {
		return err
	}
	return a.workers.RecordContribution(ctx, worker.Id, reward, 1)
}

func (a *Accountant) debitRequester(ctx context.Context, wp *repository.WaitingPrompt, userId uuid.UUID, kudos float64) error {
	kudos = Round(kudos)
	if wp.SharedKeyId != nil {
		if err := a.users.AdjustSharedKeyKudos(ctx, *wp.SharedKeyId, -kudos); err != nil {
			return err
		}
	} else if err := a.users.AdjustKudos(ctx, userId, -kudos); err != nil {
		return err
	}
	return a.requests.AddConsumedKudos(ctx, wp.Id, kudos)
}

// recordPerformance turns the generation's wall time into a throughput
// sample, with a suspicion mark for impossible numbers.
func (a *Accountant) recordPerformance(
	ctx context.Context,
	wp *repository.WaitingPrompt,
	pg *repository.ProcessingGeneration,
	worker *repository.Worker,
) error {
	if pg.SubmitTime == nil || wp.Jobs == 0 {
		return nil
	}
	elapsed := pg.SubmitTime.Sub(pg.StartTime).Seconds()
	if elapsed <= 0 {
		return nil
	}
	unitThings := wp.Things / float64(wp.Jobs)
	speed := unitThings / elapsed

	if speed > SpeedCeiling(wp.Kind, pg.Model) {
		log.WithFields(log.Fields{"worker": worker.Name, "speed": speed}).
			Warn("implausible throughput reported")
		return a.workers.AddSuspicion(ctx, worker.Id, 1)
	}
	return a.workers.AddPerformanceSample(ctx, worker.Id, speed, a.clock.Now())
}

func (a *Accountant) recordStats(ctx context.Context, wp *repository.WaitingPrompt, model string, state api.GenerationState) {
	statState := statStateFor(state)
	var err error
	switch wp.Kind {
	case api.KindImage:
		err = a.stats.RecordImageStat(ctx, model, wp.Params.Image, statState, a.clock.Now())
	case api.KindText:
		err = a.stats.RecordTextStat(ctx, model, wp.Params.Text, statState, a.clock.Now())
	}
	if err != nil {
		log.WithError(err).Warn("failed to record generation statistics")
	}
}

// stateCancelled is internal to the accountant; workers never submit it.
const stateCancelled api.GenerationState = "cancelled"

func statStateFor(state api.GenerationState) repository.StatState {
	switch state {
	case api.StateCensored, api.StateCsam:
		return repository.StatCensored
	case api.StateFaulted:
		return repository.StatFaulted
	case stateCancelled:
		return repository.StatCancelled
	default:
		return repository.StatOk
	}
}
