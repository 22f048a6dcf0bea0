package configuration

import (
	"time"

	"github.com/go-redis/redis"
)

type HordeConfig struct {
	MetricsPort uint16

	Redis    redis.UniversalOptions
	Postgres PostgresConfig

	Scheduling SchedulingConfig
	Kudos      KudosConfig
	Reaper     ReaperConfig
}

type PostgresConfig struct {
	// Keys and values are passed verbatim into the pgx connection string.
	Connection   map[string]string
	MaxOpenConns int32
}

type SchedulingConfig struct {
	// Workers that have not checked in for this long are invisible to the dispatcher.
	StaleWorkerThreshold time.Duration
	// Number of queue snapshot entries the dispatcher walks per pop.
	PopPageSize int64
	// Requests slide forward by this much on every observable activity.
	RequestExpiry time.Duration
	// Default per-generation deadlines before the reaper refunds a unit.
	ImageJobTTL time.Duration
	TextJobTTL  time.Duration
	// Hard ceiling for resolution-scaled image deadlines.
	MaxImageJobTTL time.Duration
	// Minimum throughput below which a worker is considered slow
	// and skipped for requests that disallow slow workers.
	SlowWorkerImageSpeed float64 // megapixelsteps per second
	SlowWorkerTextSpeed  float64 // tokens per second
	// Anti-starvation ratchet added to every queued request's priority.
	PriorityBump         float64
	PriorityBumpInterval time.Duration
	// A request becomes ineligible for dispatch after this many faulted generations.
	MaxGenerationFaults int32
	// How many times a form may be aborted before it is faulted.
	MaxFormAborts int32
	// Workers above this suspicion level are silently paused.
	SuspicionThreshold int32
	// Minimum interval between new worker registrations per user. Zero
	// disables the limit.
	RegistrationWindow time.Duration
}

type KudosConfig struct {
	// Upfront surcharge per request, shaping parameter against fan-out abuse.
	ImageHordeTax float64
	TextHordeTax  float64
	// Rolling window within which a reverse transfer between the same pair is rejected.
	TransferWindow time.Duration
	// Floor below which a transfer cannot drain the source.
	// Individual users may carry a higher floor of their own.
	MinTransferRemainder float64
}

type ReaperConfig struct {
	// Quorum lease duration; the holder renews every refresh tick.
	QuorumLease          time.Duration
	CacheRefreshInterval time.Duration
	SweepInterval        time.Duration
	ModelsCacheInterval  time.Duration
	StatsPruneInterval   time.Duration
	MonthlyGrantInterval time.Duration
	// Performance samples older than this are pruned.
	StatsRetention time.Duration
}
