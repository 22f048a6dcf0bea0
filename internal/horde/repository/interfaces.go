package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hordeproject/horde/internal/horde/api"
)

// ClaimParams describes one attempted claim of request units by a worker.
type ClaimParams struct {
	RequestId uuid.UUID
	WorkerId  uuid.UUID
	// Model all generations of the batch will run.
	Model string
	// Amount is the most units the worker can take; the store claims
	// min(amount, n) under the request row lock.
	Amount int32
	Now    time.Time
	// Expiry slides the request deadline forward, pops being observable activity.
	Expiry time.Time
}

// RequestRepository persists waiting prompts and their generations. All
// quantitative updates happen in SQL so that concurrent pops across processes
// never lose updates.
type RequestRepository interface {
	CreateRequest(ctx context.Context, wp *WaitingPrompt) error
	GetRequest(ctx context.Context, id uuid.UUID) (*WaitingPrompt, error)
	// TouchRequest slides the request expiry forward; called on every
	// observable activity (status poll, pop, submit).
	TouchRequest(ctx context.Context, id uuid.UUID, expiry time.Time) error
	// AddConsumedKudos accumulates settled kudos onto the request row.
	AddConsumedKudos(ctx context.Context, id uuid.UUID, kudos float64) error

	// Claim atomically decrements n and inserts one generation per claimed
	// unit, all sharing the given model. Returns the inserted generations;
	// empty result means the request had nothing left to give.
	Claim(ctx context.Context, params ClaimParams) ([]*ProcessingGeneration, error)
	// CreateFakeGeneration synthesizes a generation for a tricked worker
	// without touching n.
	CreateFakeGeneration(ctx context.Context, requestId, workerId uuid.UUID, model string, now time.Time) (*ProcessingGeneration, error)

	GetGeneration(ctx context.Context, id uuid.UUID) (*ProcessingGeneration, error)
	ListGenerations(ctx context.Context, requestId uuid.UUID) ([]*ProcessingGeneration, error)
	// CompleteGeneration transitions a generation to DONE. It is idempotent:
	// the second completion reports alreadyDone and changes nothing.
	CompleteGeneration(ctx context.Context, id uuid.UUID, generation, seed string, censored bool, reward float64, meta []api.GenerationMetadata, now time.Time) (pg *ProcessingGeneration, alreadyDone bool, err error)
	// RecordReward stores the kudos paid for a generation settled outside
	// the normal submit path, so a late submit can return the same figure.
	RecordReward(ctx context.Context, id uuid.UUID, reward float64) error
	// Refund faults a non-terminal generation and returns its unit to the
	// request (n++), sliding the request expiry forward. A no-op on
	// terminal generations.
	Refund(ctx context.Context, id uuid.UUID, expiry time.Time) error

	// CancelRequest sets n to zero and cancels all non-terminal generations,
	// returning the in-flight ones so the accountant can pay their workers.
	CancelRequest(ctx context.Context, id uuid.UUID) ([]*ProcessingGeneration, error)
	// FaultRequest marks the request faulted (idempotent) and cancels all
	// non-terminal generations, returning the in-flight ones.
	FaultRequest(ctx context.Context, id uuid.UUID) ([]*ProcessingGeneration, error)

	// QueueSnapshot returns the queued requests of one kind ordered by
	// (extra_priority desc, created asc), for the priority cache writer.
	QueueSnapshot(ctx context.Context, kind api.RequestKind) ([]*QueueEntry, error)
	// QueueDepth returns the count and total things of queued requests.
	QueueDepth(ctx context.Context, kind api.RequestKind) (int64, float64, error)
	// BumpPriorities adds delta to every queued request's priority.
	BumpPriorities(ctx context.Context, delta float64) error

	// ExpiredRequests returns ids of requests past their expiry.
	ExpiredRequests(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	DeleteRequest(ctx context.Context, id uuid.UUID) error
	// StaleGenerations returns in-flight generations older than their
	// request's job TTL.
	StaleGenerations(ctx context.Context, now time.Time) ([]*ProcessingGeneration, error)
	// RunawayRequests returns unfaulted requests that accumulated more than
	// maxFaults faulted generations.
	RunawayRequests(ctx context.Context, maxFaults int32) ([]uuid.UUID, error)
}

// WorkerRepository persists the worker fleet.
type WorkerRepository interface {
	UpsertWorker(ctx context.Context, worker *Worker) error
	GetWorker(ctx context.Context, id uuid.UUID) (*Worker, error)
	GetWorkerByName(ctx context.Context, name string) (*Worker, error)
	// ActiveWorkers returns workers of the kind seen since the given time.
	ActiveWorkers(ctx context.Context, kind api.RequestKind, since time.Time) ([]*Worker, error)
	// ActiveModels aggregates model availability over active workers.
	ActiveModels(ctx context.Context, kind api.RequestKind, since time.Time) (map[string]int32, error)

	AddPerformanceSample(ctx context.Context, workerId uuid.UUID, sample float64, now time.Time) error
	PrunePerformanceSamples(ctx context.Context, olderThan time.Time) error
	// RecordContribution credits settled work onto the worker row and, when
	// the worker has a team, onto the team aggregates.
	RecordContribution(ctx context.Context, workerId uuid.UUID, kudos float64, fulfilments int64) error
	RecordAbortedJob(ctx context.Context, workerId uuid.UUID) error
	AddSuspicion(ctx context.Context, workerId uuid.UUID, delta int32) error
	SetPaused(ctx context.Context, workerId uuid.UUID, paused bool) error
	SetMaintenance(ctx context.Context, workerId uuid.UUID, maintenance bool) error
}

// UserRepository is the kudos ledger.
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	// AdjustKudos applies a signed delta to the user balance in SQL.
	AdjustKudos(ctx context.Context, id uuid.UUID, delta float64) error
	// TransferKudos atomically moves amount from source to destination. The
	// debit and credit land together or not at all; the transfer fails when
	// the source balance would drop below floor.
	TransferKudos(ctx context.Context, source, destination uuid.UUID, amount, floor float64) error

	GetSharedKey(ctx context.Context, id uuid.UUID) (*SharedKey, error)
	CreateSharedKey(ctx context.Context, key *SharedKey) error
	AdjustSharedKeyKudos(ctx context.Context, id uuid.UUID, delta float64) error
	RevokeSharedKey(ctx context.Context, id uuid.UUID) error

	// MonthlyGrantees lists users with a non-zero monthly grant.
	MonthlyGrantees(ctx context.Context) ([]*User, error)
}

// TeamRepository persists worker teams.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *Team) error
	GetTeam(ctx context.Context, id uuid.UUID) (*Team, error)
	GetTeamByName(ctx context.Context, name string) (*Team, error)
}

// FormRepository persists interrogation forms.
type FormRepository interface {
	CreateForms(ctx context.Context, forms []*InterrogationForm) error
	GetForm(ctx context.Context, id uuid.UUID) (*InterrogationForm, error)
	ListForms(ctx context.Context, requestId uuid.UUID) ([]*InterrogationForm, error)
	// ClaimForm moves a waiting form of one of the given names to
	// processing for the worker.
	ClaimForm(ctx context.Context, workerId uuid.UUID, names []string) (*InterrogationForm, error)
	CompleteForm(ctx context.Context, id uuid.UUID, result string) (*InterrogationForm, bool, error)
	// AbortForm returns a processing form to waiting; past maxAborts the
	// form faults instead.
	AbortForm(ctx context.Context, id uuid.UUID, maxAborts int32) error
}

// StatsRepository records per-modality generation statistics.
type StatsRepository interface {
	RecordImageStat(ctx context.Context, model string, params *api.ImageParams, state StatState, now time.Time) error
	RecordTextStat(ctx context.Context, model string, params *api.TextParams, state StatState, now time.Time) error
}
