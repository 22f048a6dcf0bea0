package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/horde/api"
)

var psql = goqu.Dialect("postgres")

// PostgresStore implements all repository interfaces on a pgx connection
// pool. Quantitative updates are always expressed in SQL so concurrent pops
// across fleet processes cannot lose updates.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, kind, user_id, shared_key_id, prompt, params, models, worker_ids,
	tricked_worker_ids, nsfw, safe_ip, trusted_workers, slow_workers, worker_blacklist,
	shared, r2, disable_batching, n, jobs, things, consumed_kudos, extra_priority,
	created, expiry, job_ttl_seconds, faulted, active`

func (s *PostgresStore) CreateRequest(ctx context.Context, wp *WaitingPrompt) error {
	params, err := json.Marshal(wp.Params)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		wp.Id, wp.Kind, wp.UserId, wp.SharedKeyId, wp.Prompt, params,
		toTextArray(wp.Models), toUUIDArray(wp.WorkerIds), toUUIDArray(wp.TrickedWorkerIds),
		wp.Nsfw, wp.SafeIP, wp.TrustedWorkers, wp.SlowWorkers, wp.WorkerBlacklist,
		wp.Shared, wp.R2, wp.DisableBatching, wp.N, wp.Jobs, wp.Things,
		wp.ConsumedKudos, wp.ExtraPriority, wp.Created, wp.Expiry,
		int64(wp.JobTTL/time.Second), wp.Faulted, wp.Active)
	return errors.WithStack(err)
}

func (s *PostgresStore) GetRequest(ctx context.Context, id uuid.UUID) (*WaitingPrompt, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	wp, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &hordeerrors.ErrNotFound{Type: "request", Value: id.String()}
	}
	return wp, err
}

func (s *PostgresStore) TouchRequest(ctx context.Context, id uuid.UUID, expiry time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE requests SET expiry = greatest(expiry, $2) WHERE id = $1`, id, expiry)
	return errors.WithStack(err)
}

func (s *PostgresStore) AddConsumedKudos(ctx context.Context, id uuid.UUID, kudos float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE requests SET consumed_kudos = consumed_kudos + $2 WHERE id = $1`, id, kudos)
	return errors.WithStack(err)
}

// Claim locks the request row, takes min(amount, n) units off it and inserts
// one generation per unit, all carrying the same model.
func (s *PostgresStore) Claim(ctx context.Context, params ClaimParams) ([]*ProcessingGeneration, error) {
	var claimed []*ProcessingGeneration
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var n int32
		err := tx.QueryRow(ctx, `
			SELECT n FROM requests
			WHERE id = $1 AND active AND NOT faulted
			FOR UPDATE`, params.RequestId).Scan(&n)
		if errors.Is(err, pgx.ErrNoRows) {
			return &hordeerrors.ErrNotFound{Type: "request", Value: params.RequestId.String()}
		} else if err != nil {
			return errors.WithStack(err)
		}

		safe := params.Amount
		if n < safe {
			safe = n
		}
		if safe <= 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE requests SET n = n - $2, expiry = greatest(expiry, $3)
			WHERE id = $1`, params.RequestId, safe, params.Expiry)
		if err != nil {
			return errors.WithStack(err)
		}

		for i := int32(0); i < safe; i++ {
			pg := &ProcessingGeneration{
				Id:        uuid.New(),
				RequestId: params.RequestId,
				WorkerId:  params.WorkerId,
				Model:     params.Model,
				StartTime: params.Now,
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO generations (id, request_id, worker_id, model, start_time)
				VALUES ($1, $2, $3, $4, $5)`,
				pg.Id, pg.RequestId, pg.WorkerId, pg.Model, pg.StartTime)
			if err != nil {
				return errors.WithStack(err)
			}
			claimed = append(claimed, pg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) CreateFakeGeneration(ctx context.Context, requestId, workerId uuid.UUID, model string, now time.Time) (*ProcessingGeneration, error) {
	pg := &ProcessingGeneration{
		Id:        uuid.New(),
		RequestId: requestId,
		WorkerId:  workerId,
		Model:     model,
		Fake:      true,
		StartTime: now,
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO generations (id, request_id, worker_id, model, fake, start_time)
		VALUES ($1, $2, $3, $4, true, $5)`,
		pg.Id, pg.RequestId, pg.WorkerId, pg.Model, pg.StartTime)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return pg, nil
}

const generationColumns = `id, request_id, worker_id, model, seed, generation, metadata,
	cancelled, faulted, fake, censored, reward, start_time, submit_time`

func (s *PostgresStore) GetGeneration(ctx context.Context, id uuid.UUID) (*ProcessingGeneration, error) {
	row := s.db.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	pg, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &hordeerrors.ErrNotFound{Type: "generation", Value: id.String()}
	}
	return pg, err
}

func (s *PostgresStore) ListGenerations(ctx context.Context, requestId uuid.UUID) ([]*ProcessingGeneration, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE request_id = $1 ORDER BY start_time`, requestId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanGenerations(rows)
}

func (s *PostgresStore) CompleteGeneration(
	ctx context.Context,
	id uuid.UUID,
	generation, seed string,
	censored bool,
	reward float64,
	meta []api.GenerationMetadata,
	now time.Time,
) (*ProcessingGeneration, bool, error) {
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	row := s.db.QueryRow(ctx, `
		UPDATE generations
		SET generation = $2, seed = $3, censored = $4, reward = $5, metadata = $6, submit_time = $7
		WHERE id = $1 AND generation IS NULL AND NOT faulted AND NOT cancelled
		RETURNING `+generationColumns,
		id, generation, seed, censored, reward, metadata, now)
	pg, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Terminal already; surface the stored row so duplicate submits
		// can return the identical reward.
		existing, err := s.GetGeneration(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	} else if err != nil {
		return nil, false, err
	}
	return pg, false, nil
}

func (s *PostgresStore) RecordReward(ctx context.Context, id uuid.UUID, reward float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE generations SET reward = $2 WHERE id = $1`, id, reward)
	return errors.WithStack(err)
}

// Refund faults an in-flight generation and hands its unit back to the
// request. Terminal generations are left untouched.
func (s *PostgresStore) Refund(ctx context.Context, id uuid.UUID, expiry time.Time) error {
	_, err := s.db.Exec(ctx, `
		WITH refunded AS (
			UPDATE generations SET faulted = true
			WHERE id = $1 AND generation IS NULL AND NOT faulted AND NOT cancelled AND NOT fake
			RETURNING request_id
		)
		UPDATE requests
		SET n = least(jobs, n + 1), expiry = greatest(expiry, $2)
		WHERE id IN (SELECT request_id FROM refunded)`, id, expiry)
	return errors.WithStack(err)
}

func (s *PostgresStore) CancelRequest(ctx context.Context, id uuid.UUID) ([]*ProcessingGeneration, error) {
	return s.stopRequest(ctx, id, false)
}

func (s *PostgresStore) FaultRequest(ctx context.Context, id uuid.UUID) ([]*ProcessingGeneration, error) {
	return s.stopRequest(ctx, id, true)
}

func (s *PostgresStore) stopRequest(ctx context.Context, id uuid.UUID, fault bool) ([]*ProcessingGeneration, error) {
	var inflight []*ProcessingGeneration
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE requests SET n = 0, faulted = faulted OR $2 WHERE id = $1`, id, fault)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			return &hordeerrors.ErrNotFound{Type: "request", Value: id.String()}
		}

		rows, err := tx.Query(ctx, `
			UPDATE generations SET cancelled = true
			WHERE request_id = $1 AND generation IS NULL AND NOT faulted AND NOT cancelled AND NOT fake
			RETURNING `+generationColumns, id)
		if err != nil {
			return errors.WithStack(err)
		}
		defer rows.Close()
		inflight, err = scanGenerations(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inflight, nil
}

func (s *PostgresStore) QueueSnapshot(ctx context.Context, kind api.RequestKind) ([]*QueueEntry, error) {
	query, args, err := psql.From("requests").
		Select("id", "things", "n", "extra_priority", "created", "expiry").
		Where(
			goqu.Ex{"kind": string(kind), "active": true, "faulted": false},
			goqu.C("n").Gt(0),
			goqu.C("expiry").Gt(goqu.L("now()")),
		).
		Order(goqu.C("extra_priority").Desc(), goqu.C("created").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		entry := &QueueEntry{}
		if err := rows.Scan(&entry.Id, &entry.Things, &entry.N, &entry.ExtraPriority, &entry.Created, &entry.Expiry); err != nil {
			return nil, errors.WithStack(err)
		}
		entries = append(entries, entry)
	}
	return entries, errors.WithStack(rows.Err())
}

func (s *PostgresStore) QueueDepth(ctx context.Context, kind api.RequestKind) (int64, float64, error) {
	var count int64
	var things float64
	err := s.db.QueryRow(ctx, `
		SELECT count(*), coalesce(sum(things * n / jobs), 0)
		FROM requests
		WHERE kind = $1 AND active AND NOT faulted AND n > 0 AND expiry > now()`,
		kind).Scan(&count, &things)
	return count, things, errors.WithStack(err)
}

func (s *PostgresStore) BumpPriorities(ctx context.Context, delta float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE requests SET extra_priority = extra_priority + $1
		WHERE active AND NOT faulted AND n > 0`, delta)
	return errors.WithStack(err)
}

func (s *PostgresStore) ExpiredRequests(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM requests WHERE expiry < $1`, now)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanIds(rows)
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id)
	return errors.WithStack(err)
}

func (s *PostgresStore) StaleGenerations(ctx context.Context, now time.Time) ([]*ProcessingGeneration, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+prefixColumns("g", generationColumns)+`
		FROM generations g
		JOIN requests r ON r.id = g.request_id
		WHERE g.generation IS NULL AND NOT g.faulted AND NOT g.cancelled AND NOT g.fake
			AND g.start_time + make_interval(secs => r.job_ttl_seconds) < $1`, now)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanGenerations(rows)
}

func (s *PostgresStore) RunawayRequests(ctx context.Context, maxFaults int32) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id
		FROM requests r
		JOIN generations g ON g.request_id = r.id AND g.faulted AND NOT g.fake
		WHERE NOT r.faulted
		GROUP BY r.id
		HAVING count(*) > $1`, maxFaults)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	return scanIds(rows)
}

func scanRequest(row pgx.Row) (*WaitingPrompt, error) {
	wp := &WaitingPrompt{}
	var params []byte
	var workerIds, trickedIds pgtype.UUIDArray
	var ttlSeconds int64
	err := row.Scan(
		&wp.Id, &wp.Kind, &wp.UserId, &wp.SharedKeyId, &wp.Prompt, &params,
		&wp.Models, &workerIds, &trickedIds,
		&wp.Nsfw, &wp.SafeIP, &wp.TrustedWorkers, &wp.SlowWorkers, &wp.WorkerBlacklist,
		&wp.Shared, &wp.R2, &wp.DisableBatching,
		&wp.N, &wp.Jobs, &wp.Things, &wp.ConsumedKudos, &wp.ExtraPriority,
		&wp.Created, &wp.Expiry, &ttlSeconds, &wp.Faulted, &wp.Active)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := json.Unmarshal(params, &wp.Params); err != nil {
		return nil, errors.WithStack(err)
	}
	wp.JobTTL = time.Duration(ttlSeconds) * time.Second
	wp.WorkerIds = fromUUIDArray(workerIds)
	wp.TrickedWorkerIds = fromUUIDArray(trickedIds)
	return wp, nil
}

func scanGeneration(row pgx.Row) (*ProcessingGeneration, error) {
	pg := &ProcessingGeneration{}
	var metadata []byte
	err := row.Scan(
		&pg.Id, &pg.RequestId, &pg.WorkerId, &pg.Model, &pg.Seed, &pg.Generation, &metadata,
		&pg.Cancelled, &pg.Faulted, &pg.Fake, &pg.Censored, &pg.Reward,
		&pg.StartTime, &pg.SubmitTime)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &pg.Metadata); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return pg, nil
}

func scanGenerations(rows pgx.Rows) ([]*ProcessingGeneration, error) {
	var generations []*ProcessingGeneration
	for rows.Next() {
		pg, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		generations = append(generations, pg)
	}
	return generations, errors.WithStack(rows.Err())
}

func scanIds(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	return ids, errors.WithStack(rows.Err())
}
