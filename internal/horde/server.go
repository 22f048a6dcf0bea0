package horde

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hordeproject/horde/internal/common"
	"github.com/hordeproject/horde/internal/common/task"
	"github.com/hordeproject/horde/internal/common/util"
	"github.com/hordeproject/horde/internal/horde/accounting"
	"github.com/hordeproject/horde/internal/horde/cache"
	"github.com/hordeproject/horde/internal/horde/capability"
	"github.com/hordeproject/horde/internal/horde/configuration"
	"github.com/hordeproject/horde/internal/horde/gateway"
	"github.com/hordeproject/horde/internal/horde/reaper"
	"github.com/hordeproject/horde/internal/horde/repository"
	"github.com/hordeproject/horde/internal/horde/scheduling"
	"github.com/hordeproject/horde/internal/horde/server"
)

const shutdownGrace = 5 * time.Second

// Serve wires the whole horde together and blocks until ctx is cancelled: the
// HTTP gateway on apiPort, prometheus metrics, and the reaper's background
// sweeps gated on the fleet quorum.
func Serve(ctx context.Context, config *configuration.HordeConfig, apiPort uint16) error {
	client := redis.NewUniversalClient(&config.Redis)
	defer client.Close()

	db, err := connectPostgres(ctx, config.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := repository.ApplySchema(ctx, db); err != nil {
		return err
	}
	store := repository.NewPostgresStore(db)

	clock := &util.UTCClock{}
	table := capability.NewTable()
	priorityCache := cache.NewPriorityCache(client)
	transfers := cache.NewTransferGuard(client, config.Kudos.TransferWindow)
	registrations := cache.NewRegistrationGuard(client, config.Scheduling.RegistrationWindow)

	filter := scheduling.NewEligibilityFilter(config.Scheduling, table,
		func(wp *repository.WaitingPrompt) float64 {
			return accounting.UnitCost(wp) * float64(wp.N)
		})
	accountant := accounting.NewAccountant(
		store, store, store, store, table, transfers, config.Kudos, clock)
	dispatcher := scheduling.NewDispatcher(
		store, store, store, store, store, priorityCache, registrations, filter, config.Scheduling, clock)
	srv := server.NewServer(
		store, store, store, store,
		dispatcher, accountant, priorityCache, filter, config.Scheduling, clock)

	taskManager := task.NewBackgroundTaskManager("horde_")
	defer taskManager.StopAll(shutdownGrace)
	quorum := cache.NewQuorum(client, quorumId(), config.Reaper.QuorumLease)
	sweeper := reaper.NewReaper(
		store, store, accountant, priorityCache, quorum,
		config.Scheduling, config.Reaper, clock)
	sweeper.RegisterTasks(taskManager)

	shutdownMetrics := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetrics()

	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", apiPort),
		Handler: gateway.NewGateway(srv).Routes(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", apiPort).Info("horde api listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.WithStack(err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return errors.WithStack(apiServer.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// connectPostgres builds the pool from the verbatim connection map, retrying
// while the database comes up.
func connectPostgres(ctx context.Context, config configuration.PostgresConfig) (*pgxpool.Pool, error) {
	parts := make([]string, 0, len(config.Connection))
	for key, value := range config.Connection {
		parts = append(parts, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(parts)

	poolConfig, err := pgxpool.ParseConfig(strings.Join(parts, " "))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = config.MaxOpenConns
	}

	var pool *pgxpool.Pool
	err = retry.Do(
		func() error {
			var err error
			pool, err = pgxpool.ConnectConfig(ctx, poolConfig)
			return err
		},
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("postgres connection attempt %d failed", n+1)
		}),
	)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pool, nil
}

// quorumId identifies this process in the reaper quorum.
func quorumId() string {
	host, err := os.Hostname()
	if err != nil {
		host = "horde"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}
