package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/hordeproject/horde/internal/common/hordeerrors"
	"github.com/hordeproject/horde/internal/common/util"
	"github.com/hordeproject/horde/internal/horde/api"
)

const userColumns = `id, username, kudos, min_kudos, tier, flagged, monthly_grant, created`

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.Id, user.Username, user.Kudos, user.MinKudos, user.Tier,
		user.Flagged, user.MonthlyGrant, user.Created)
	return mapInsertError(err, "user", user.Id.String())
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &hordeerrors.ErrNotFound{Type: "user", Value: id.String()}
	}
	return user, err
}

func (s *PostgresStore) AdjustKudos(ctx context.Context, id uuid.UUID, delta float64) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET kudos = kudos + $2 WHERE id = $1`, id, delta)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return &hordeerrors.ErrNotFound{Type: "user", Value: id.String()}
	}
	return nil
}

// TransferKudos moves kudos between two users in one transaction. Both rows
// are locked in a stable order so crossing transfers cannot deadlock; the
// floor check happens under the lock, after which the debit and credit commit
// together.
func (s *PostgresStore) TransferKudos(ctx context.Context, source, destination uuid.UUID, amount, floor float64) error {
	return s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		first, second := source, destination
		if second.String() < first.String() {
			first, second = second, first
		}
		var available float64
		for _, id := range []uuid.UUID{first, second} {
			var kudos float64
			err := tx.QueryRow(ctx, `SELECT kudos FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&kudos)
			if errors.Is(err, pgx.ErrNoRows) {
				return &hordeerrors.ErrNotFound{Type: "user", Value: id.String()}
			} else if err != nil {
				return errors.WithStack(err)
			}
			if id == source {
				available = kudos
			}
		}
		if available-amount < floor {
			return &hordeerrors.ErrInsufficientKudos{Available: available, Required: amount, Threshold: floor}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE users SET kudos = kudos - $2 WHERE id = $1`, source, amount); err != nil {
			return errors.WithStack(err)
		}
		_, err := tx.Exec(ctx,
			`UPDATE users SET kudos = kudos + $2 WHERE id = $1`, destination, amount)
		return errors.WithStack(err)
	})
}

func (s *PostgresStore) GetSharedKey(ctx context.Context, id uuid.UUID) (*SharedKey, error) {
	key := &SharedKey{}
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, kudos, revoked FROM shared_keys WHERE id = $1`, id).
		Scan(&key.Id, &key.UserId, &key.Kudos, &key.Revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &hordeerrors.ErrNotFound{Type: "shared key", Value: id.String()}
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return key, nil
}

func (s *PostgresStore) CreateSharedKey(ctx context.Context, key *SharedKey) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO shared_keys (id, user_id, kudos, revoked)
		VALUES ($1, $2, $3, $4)`, key.Id, key.UserId, key.Kudos, key.Revoked)
	return mapInsertError(err, "shared key", key.Id.String())
}

func (s *PostgresStore) AdjustSharedKeyKudos(ctx context.Context, id uuid.UUID, delta float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE shared_keys SET kudos = kudos + $2 WHERE id = $1`, id, delta)
	return errors.WithStack(err)
}

func (s *PostgresStore) RevokeSharedKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE shared_keys SET revoked = true WHERE id = $1`, id)
	return errors.WithStack(err)
}

func (s *PostgresStore) MonthlyGrantees(ctx context.Context) ([]*User, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE monthly_grant > 0`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, errors.WithStack(rows.Err())
}

func (s *PostgresStore) CreateTeam(ctx context.Context, team *Team) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO teams (id, name, owner_id, kudos, contributions, fulfilments, created)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		team.Id, team.Name, team.OwnerId, team.Kudos, team.Contributions,
		team.Fulfilments, team.Created)
	return mapInsertError(err, "team", team.Name)
}

func (s *PostgresStore) GetTeam(ctx context.Context, id uuid.UUID) (*Team, error) {
	return s.getTeam(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetTeamByName(ctx context.Context, name string) (*Team, error) {
	return s.getTeam(ctx, `name = $1`, name)
}

func (s *PostgresStore) getTeam(ctx context.Context, where string, arg interface{}) (*Team, error) {
	team := &Team{}
	err := s.db.QueryRow(ctx, `
		SELECT id, name, owner_id, kudos, contributions, fulfilments, created
		FROM teams WHERE `+where, arg).
		Scan(&team.Id, &team.Name, &team.OwnerId, &team.Kudos,
			&team.Contributions, &team.Fulfilments, &team.Created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &hordeerrors.ErrNotFound{Type: "team", Value: "team"}
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return team, nil
}

const formColumns = `id, request_id, name, state, worker_id, result, kudos, aborts, created`

func (s *PostgresStore) CreateForms(ctx context.Context, forms []*InterrogationForm) error {
	for _, chunk := range util.Batch(forms, 500) {
		batch := &pgx.Batch{}
		for _, form := range chunk {
			batch.Queue(`
				INSERT INTO interrogation_forms (`+formColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				form.Id, form.RequestId, form.Name, form.State, form.WorkerId,
				form.Result, form.Kudos, form.Aborts, form.Created)
		}
		results := s.db.SendBatch(ctx, batch)
		for range chunk {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return errors.WithStack(err)
			}
		}
		if err := results.Close(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (s *PostgresStore) GetForm(ctx context.Context, id uuid.UUID) (*InterrogationForm, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+formColumns+` FROM interrogation_forms WHERE id = $1`, id)
	form, err := scanForm(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &hordeerrors.ErrNotFound{Type: "form", Value: id.String()}
	}
	return form, err
}

func (s *PostgresStore) ListForms(ctx context.Context, requestId uuid.UUID) ([]*InterrogationForm, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+formColumns+` FROM interrogation_forms
		WHERE request_id = $1 ORDER BY created`, requestId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var forms []*InterrogationForm
	for rows.Next() {
		form, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		forms = append(forms, form)
	}
	return forms, errors.WithStack(rows.Err())
}

// ClaimForm grabs the oldest waiting form of one of the given names for the
// worker. SKIP LOCKED keeps concurrent interrogation pops from contending.
func (s *PostgresStore) ClaimForm(ctx context.Context, workerId uuid.UUID, names []string) (*InterrogationForm, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE interrogation_forms SET state = 'processing', worker_id = $1
		WHERE id = (
			SELECT id FROM interrogation_forms
			WHERE state = 'waiting' AND name = ANY($2)
			ORDER BY created
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+formColumns, workerId, toTextArray(names))
	form, err := scanForm(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return form, err
}

func (s *PostgresStore) CompleteForm(ctx context.Context, id uuid.UUID, result string) (*InterrogationForm, bool, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE interrogation_forms SET state = 'done', result = $2
		WHERE id = $1 AND state = 'processing'
		RETURNING `+formColumns, id, result)
	form, err := scanForm(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetForm(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	} else if err != nil {
		return nil, false, err
	}
	return form, false, nil
}

func (s *PostgresStore) AbortForm(ctx context.Context, id uuid.UUID, maxAborts int32) error {
	_, err := s.db.Exec(ctx, `
		UPDATE interrogation_forms
		SET aborts = aborts + 1,
			worker_id = NULL,
			state = CASE WHEN aborts + 1 > $2 THEN 'faulted' ELSE 'waiting' END
		WHERE id = $1 AND state = 'processing'`, id, maxAborts)
	return errors.WithStack(err)
}

func (s *PostgresStore) RecordImageStat(ctx context.Context, model string, params *api.ImageParams, state StatState, now time.Time) error {
	if params == nil {
		return nil
	}
	// Mirrors the legacy recorder, quirk included: any request with a height
	// counts as img2img here.
	_, err := s.db.Exec(ctx, `
		INSERT INTO stats_image (finished, model, width, height, steps, sampler, img2img, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		now, model, params.Width, params.Height, params.Steps, params.SamplerName,
		params.Height != 0, state)
	return errors.WithStack(err)
}

func (s *PostgresStore) RecordTextStat(ctx context.Context, model string, params *api.TextParams, state StatState, now time.Time) error {
	if params == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO stats_text (finished, model, tokens, context, state)
		VALUES ($1, $2, $3, $4, $5)`,
		now, model, params.MaxLength, params.MaxContextLength, state)
	return errors.WithStack(err)
}

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(&user.Id, &user.Username, &user.Kudos, &user.MinKudos,
		&user.Tier, &user.Flagged, &user.MonthlyGrant, &user.Created)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return user, nil
}

func scanForm(row pgx.Row) (*InterrogationForm, error) {
	form := &InterrogationForm{}
	err := row.Scan(&form.Id, &form.RequestId, &form.Name, &form.State,
		&form.WorkerId, &form.Result, &form.Kudos, &form.Aborts, &form.Created)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return form, nil
}
