package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/hordeproject/horde/internal/horde/api"
)

// TrustTier orders users by how much the horde trusts them.
type TrustTier string

const (
	TierAnon      TrustTier = "anon"
	TierUntrusted TrustTier = "untrusted"
	TierTrusted   TrustTier = "trusted"
	TierModerator TrustTier = "moderator"
)

type User struct {
	Id       uuid.UUID
	Username string
	Kudos    float64
	// MinKudos is the floor below which upfront-kudos checks and transfers fail.
	MinKudos float64
	Tier     TrustTier
	Flagged  bool
	// MonthlyGrant is credited by the reaper's monthly sweep; zero for most users.
	MonthlyGrant float64
	Created      time.Time
}

func (u *User) Trusted() bool {
	return u.Tier == TierTrusted || u.Tier == TierModerator
}

// SharedKey is a revocable sub-allowance that funds requests from its own
// pool without identifying the owning user.
type SharedKey struct {
	Id      uuid.UUID
	UserId  uuid.UUID
	Kudos   float64
	Revoked bool
}

type Team struct {
	Id            uuid.UUID
	Name          string
	OwnerId       uuid.UUID
	Kudos         float64
	Contributions float64
	Fulfilments   int64
	Created       time.Time
}

type Worker struct {
	Id          uuid.UUID
	UserId      uuid.UUID
	Name        string
	Kind        api.RequestKind
	Threads     int32
	BridgeAgent string
	TeamId      *uuid.UUID

	MaxPixels        int64
	MaxLength        int64
	MaxContextLength int64

	Models      []string
	Softprompts []string
	// Blacklist holds words the worker refuses to see in a prompt.
	Blacklist []string

	Nsfw                bool
	AllowImg2Img        bool
	AllowPainting       bool
	AllowLora           bool
	AllowControlnet     bool
	AllowPostProcessing bool
	AllowUnsafeIPAddr   bool
	RequireUpfrontKudos bool

	Maintenance bool
	Paused      bool
	Suspicion   int32

	// Speed is the rolling average throughput in things per second
	// (megapixelsteps for image workers, tokens for text workers).
	Speed float64

	ContributedKudos float64
	Fulfilments      int64
	AbortedJobs      int64

	LastCheckIn time.Time
}

// Stale reports whether the worker has not checked in within threshold and
// is therefore invisible to the dispatcher.
func (w *Worker) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(w.LastCheckIn) > threshold
}

// WaitingPrompt is one client request: a prompt plus n units still to
// dispatch. jobs is the original n and never changes after creation.
type WaitingPrompt struct {
	Id     uuid.UUID
	Kind   api.RequestKind
	UserId uuid.UUID
	// SharedKeyId is set when a shared key funds this request.
	SharedKeyId *uuid.UUID

	Prompt string
	Params api.GenerationParams
	Models []string

	Nsfw            bool
	SafeIP          bool
	TrustedWorkers  bool
	SlowWorkers     bool
	WorkerBlacklist bool
	Shared          bool
	R2              bool
	DisableBatching bool

	// WorkerIds restricts dispatch to (or, with WorkerBlacklist, away from)
	// the listed workers. At most five entries.
	WorkerIds []uuid.UUID
	// TrickedWorkerIds receive fake generations instead of real work.
	TrickedWorkerIds []uuid.UUID

	N             int32
	Jobs          int32
	Things        float64
	ConsumedKudos float64
	ExtraPriority float64

	Created time.Time
	Expiry  time.Time
	JobTTL  time.Duration

	Faulted bool
	Active  bool
}

// Tricked reports whether the given worker should only ever receive fake
// generations for this request.
func (wp *WaitingPrompt) Tricked(workerId uuid.UUID) bool {
	for _, id := range wp.TrickedWorkerIds {
		if id == workerId {
			return true
		}
	}
	return false
}

// ProcessingGeneration is one dispatched unit of a request. DONE and FAULTED
// are terminal; a fake generation satisfies a tricked worker without
// consuming n or awarding user-visible kudos.
type ProcessingGeneration struct {
	Id        uuid.UUID
	RequestId uuid.UUID
	WorkerId  uuid.UUID

	Model string
	Seed  string

	// Generation is nil until the worker submits.
	Generation *string
	Metadata   []api.GenerationMetadata

	Cancelled bool
	Faulted   bool
	Fake      bool
	Censored  bool

	// Reward is the kudos paid for this generation, recorded so duplicate
	// submits return an identical value without double-crediting.
	Reward float64

	StartTime  time.Time
	SubmitTime *time.Time
}

// Done reports whether the generation reached its successful terminal state.
func (pg *ProcessingGeneration) Done() bool {
	return pg.Generation != nil && !pg.Faulted
}

// Terminal reports whether no further state transitions are allowed.
func (pg *ProcessingGeneration) Terminal() bool {
	return pg.Done() || pg.Faulted || pg.Cancelled
}

// FormState tracks one named interrogation form.
type FormState string

const (
	FormWaiting    FormState = "waiting"
	FormProcessing FormState = "processing"
	FormDone       FormState = "done"
	FormFaulted    FormState = "faulted"
	FormCancelled  FormState = "cancelled"
)

// InterrogationForm is one named analysis (caption, nsfw-check, ...) of a
// single source image request.
type InterrogationForm struct {
	Id        uuid.UUID
	RequestId uuid.UUID
	Name      string
	State     FormState
	WorkerId  *uuid.UUID
	Result    *string
	Kudos     float64
	Aborts    int32
	Created   time.Time
}

// QueueEntry is the denormalized projection of a request held in the
// priority cache. It is advisory: the authoritative row is re-checked under
// lock before any claim.
type QueueEntry struct {
	Id            uuid.UUID `json:"id"`
	Things        float64   `json:"things"`
	N             int32     `json:"n"`
	ExtraPriority float64   `json:"extra_priority"`
	Created       time.Time `json:"created"`
	Expiry        time.Time `json:"expiry"`
}

// StatState classifies a finished generation for the statistics tables.
type StatState string

const (
	StatOk        StatState = "OK"
	StatCensored  StatState = "CENSORED"
	StatCancelled StatState = "CANCELLED"
	StatFaulted   StatState = "FAULTED"
)
