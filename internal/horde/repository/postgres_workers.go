package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/horde/api"
)

const workerColumns = `id, user_id, name, kind, threads, bridge_agent, team_id,
	max_pixels, max_length, max_context_length, nsfw, allow_img2img, allow_painting,
	allow_lora, allow_controlnet, allow_post_processing, allow_unsafe_ipaddr,
	require_upfront_kudos, maintenance, paused, suspicion, speed,
	contributed_kudos, fulfilments, aborted_jobs, softprompts, blacklist, last_check_in`

// UpsertWorker inserts the worker or refreshes its declared profile and
// check-in time. The model set is replaced wholesale in the same transaction.
func (s *PostgresStore) UpsertWorker(ctx context.Context, worker *Worker) error {
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workers (`+workerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
			ON CONFLICT (name) DO UPDATE SET
				threads = EXCLUDED.threads,
				bridge_agent = EXCLUDED.bridge_agent,
				team_id = EXCLUDED.team_id,
				max_pixels = EXCLUDED.max_pixels,
				max_length = EXCLUDED.max_length,
				max_context_length = EXCLUDED.max_context_length,
				nsfw = EXCLUDED.nsfw,
				allow_img2img = EXCLUDED.allow_img2img,
				allow_painting = EXCLUDED.allow_painting,
				allow_lora = EXCLUDED.allow_lora,
				allow_controlnet = EXCLUDED.allow_controlnet,
				allow_post_processing = EXCLUDED.allow_post_processing,
				allow_unsafe_ipaddr = EXCLUDED.allow_unsafe_ipaddr,
				require_upfront_kudos = EXCLUDED.require_upfront_kudos,
				softprompts = EXCLUDED.softprompts,
				blacklist = EXCLUDED.blacklist,
				last_check_in = greatest(workers.last_check_in, EXCLUDED.last_check_in)`,
			worker.Id, worker.UserId, worker.Name, worker.Kind, worker.Threads,
			worker.BridgeAgent, worker.TeamId, worker.MaxPixels, worker.MaxLength,
			worker.MaxContextLength, worker.Nsfw, worker.AllowImg2Img, worker.AllowPainting,
			worker.AllowLora, worker.AllowControlnet, worker.AllowPostProcessing,
			worker.AllowUnsafeIPAddr, worker.RequireUpfrontKudos, worker.Maintenance,
			worker.Paused, worker.Suspicion, worker.Speed, worker.ContributedKudos,
			worker.Fulfilments, worker.AbortedJobs, toTextArray(worker.Softprompts),
			toTextArray(worker.Blacklist), worker.LastCheckIn)
		if err != nil {
			return errors.WithStack(err)
		}

		var workerId uuid.UUID
		err = tx.QueryRow(ctx, `SELECT id FROM workers WHERE name = $1`, worker.Name).Scan(&workerId)
		if err != nil {
			return errors.WithStack(err)
		}
		worker.Id = workerId

		_, err = tx.Exec(ctx, `DELETE FROM worker_models WHERE worker_id = $1`, workerId)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, model := range worker.Models {
			_, err = tx.Exec(ctx,
				`INSERT INTO worker_models (worker_id, model) VALUES ($1, $2)`, workerId, model)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetWorker(ctx context.Context, id uuid.UUID) (*Worker, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	return s.scanWorkerWithModels(ctx, row, id.String())
}

func (s *PostgresStore) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	row := s.db.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE name = $1`, name)
	return s.scanWorkerWithModels(ctx, row, name)
}

func (s *PostgresStore) scanWorkerWithModels(ctx context.Context, row pgx.Row, ref string) (*Worker, error) {
	worker, err := scanWorker(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &hordeerrors.ErrNotFound{Type: "worker", Value: ref}
	} else if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx,
		`SELECT model FROM worker_models WHERE worker_id = $1 ORDER BY model`, worker.Id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		if err := rows.Scan(&model); err != nil {
			return nil, errors.WithStack(err)
		}
		worker.Models = append(worker.Models, model)
	}
	return worker, errors.WithStack(rows.Err())
}

func (s *PostgresStore) ActiveWorkers(ctx context.Context, kind api.RequestKind, since time.Time) ([]*Worker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE kind = $1 AND last_check_in > $2`, kind, since)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var workers []*Worker
	byId := map[uuid.UUID]*Worker{}
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
		byId[worker.Id] = worker
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	modelRows, err := s.db.Query(ctx, `
		SELECT m.worker_id, m.model
		FROM worker_models m
		JOIN workers w ON w.id = m.worker_id
		WHERE w.kind = $1 AND w.last_check_in > $2`, kind, since)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var workerId uuid.UUID
		var model string
		if err := modelRows.Scan(&workerId, &model); err != nil {
			return nil, errors.WithStack(err)
		}
		if worker, ok := byId[workerId]; ok {
			worker.Models = append(worker.Models, model)
		}
	}
	return workers, errors.WithStack(modelRows.Err())
}

func (s *PostgresStore) ActiveModels(ctx context.Context, kind api.RequestKind, since time.Time) (map[string]int32, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.model, count(*)
		FROM worker_models m
		JOIN workers w ON w.id = m.worker_id
		WHERE w.kind = $1 AND w.last_check_in > $2 AND NOT w.paused AND NOT w.maintenance
		GROUP BY m.model`, kind, since)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	models := map[string]int32{}
	for rows.Next() {
		var model string
		var count int32
		if err := rows.Scan(&model, &count); err != nil {
			return nil, errors.WithStack(err)
		}
		models[model] = count
	}
	return models, errors.WithStack(rows.Err())
}

func (s *PostgresStore) AddPerformanceSample(ctx context.Context, workerId uuid.UUID, sample float64, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		WITH inserted AS (
			INSERT INTO worker_performance (worker_id, sample, created) VALUES ($1, $2, $3)
		)
		UPDATE workers SET speed = (
			SELECT avg(sample) FROM worker_performance WHERE worker_id = $1
		) WHERE id = $1`, workerId, sample, now)
	return errors.WithStack(err)
}

func (s *PostgresStore) PrunePerformanceSamples(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.Exec(ctx, `DELETE FROM worker_performance WHERE created < $1`, olderThan)
	return errors.WithStack(err)
}

func (s *PostgresStore) RecordContribution(ctx context.Context, workerId uuid.UUID, kudos float64, fulfilments int64) error {
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var teamId *uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE workers
			SET contributed_kudos = contributed_kudos + $2, fulfilments = fulfilments + $3
			WHERE id = $1
			RETURNING team_id`, workerId, kudos, fulfilments).Scan(&teamId)
		if err != nil {
			return errors.WithStack(err)
		}
		if teamId != nil {
			_, err = tx.Exec(ctx, `
				UPDATE teams
				SET kudos = kudos + $2, contributions = contributions + $2, fulfilments = fulfilments + $3
				WHERE id = $1`, *teamId, kudos, fulfilments)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) RecordAbortedJob(ctx context.Context, workerId uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workers SET aborted_jobs = aborted_jobs + 1 WHERE id = $1`, workerId)
	return errors.WithStack(err)
}

func (s *PostgresStore) AddSuspicion(ctx context.Context, workerId uuid.UUID, delta int32) error {
	_, err := s.db.Exec(ctx,
		`UPDATE workers SET suspicion = suspicion + $2 WHERE id = $1`, workerId, delta)
	return errors.WithStack(err)
}

func (s *PostgresStore) SetPaused(ctx context.Context, workerId uuid.UUID, paused bool) error {
	_, err := s.db.Exec(ctx, `UPDATE workers SET paused = $2 WHERE id = $1`, workerId, paused)
	return errors.WithStack(err)
}

func (s *PostgresStore) SetMaintenance(ctx context.Context, workerId uuid.UUID, maintenance bool) error {
	_, err := s.db.Exec(ctx, `UPDATE workers SET maintenance = $2 WHERE id = $1`, workerId, maintenance)
	return errors.WithStack(err)
}

func scanWorker(row pgx.Row) (*Worker, error) {
	worker := &Worker{}
	err := row.Scan(
		&worker.Id, &worker.UserId, &worker.Name, &worker.Kind, &worker.Threads,
		&worker.BridgeAgent, &worker.TeamId, &worker.MaxPixels, &worker.MaxLength,
		&worker.MaxContextLength, &worker.Nsfw, &worker.AllowImg2Img, &worker.AllowPainting,
		&worker.AllowLora, &worker.AllowControlnet, &worker.AllowPostProcessing,
		&worker.AllowUnsafeIPAddr, &worker.RequireUpfrontKudos, &worker.Maintenance,
		&worker.Paused, &worker.Suspicion, &worker.Speed, &worker.ContributedKudos,
		&worker.Fulfilments, &worker.AbortedJobs, &worker.Softprompts, &worker.Blacklist,
		&worker.LastCheckIn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return worker, nil
}
