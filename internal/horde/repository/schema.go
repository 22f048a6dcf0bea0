package repository

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// Schema is the authoritative DDL for the job store. The indices mirror the
// hot paths: the dispatcher's priority walk, the reaper's stale sweep and the
// per-model worker join.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            uuid PRIMARY KEY,
	username      text NOT NULL UNIQUE,
	kudos         double precision NOT NULL DEFAULT 0,
	min_kudos     double precision NOT NULL DEFAULT 0,
	tier          text NOT NULL DEFAULT 'untrusted',
	flagged       boolean NOT NULL DEFAULT false,
	monthly_grant double precision NOT NULL DEFAULT 0,
	created       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shared_keys (
	id      uuid PRIMARY KEY,
	user_id uuid NOT NULL REFERENCES users (id),
	kudos   double precision NOT NULL DEFAULT 0,
	revoked boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS teams (
	id            uuid PRIMARY KEY,
	name          text NOT NULL UNIQUE,
	owner_id      uuid NOT NULL REFERENCES users (id),
	kudos         double precision NOT NULL DEFAULT 0,
	contributions double precision NOT NULL DEFAULT 0,
	fulfilments   bigint NOT NULL DEFAULT 0,
	created       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workers (
	id                    uuid PRIMARY KEY,
	user_id               uuid NOT NULL REFERENCES users (id),
	name                  text NOT NULL UNIQUE,
	kind                  text NOT NULL,
	threads               integer NOT NULL DEFAULT 1,
	bridge_agent          text NOT NULL DEFAULT '',
	team_id               uuid REFERENCES teams (id),
	max_pixels            bigint NOT NULL DEFAULT 0,
	max_length            bigint NOT NULL DEFAULT 0,
	max_context_length    bigint NOT NULL DEFAULT 0,
	nsfw                  boolean NOT NULL DEFAULT false,
	allow_img2img         boolean NOT NULL DEFAULT false,
	allow_painting        boolean NOT NULL DEFAULT false,
	allow_lora            boolean NOT NULL DEFAULT false,
	allow_controlnet      boolean NOT NULL DEFAULT false,
	allow_post_processing boolean NOT NULL DEFAULT false,
	allow_unsafe_ipaddr   boolean NOT NULL DEFAULT false,
	require_upfront_kudos boolean NOT NULL DEFAULT false,
	maintenance           boolean NOT NULL DEFAULT false,
	paused                boolean NOT NULL DEFAULT false,
	suspicion             integer NOT NULL DEFAULT 0,
	speed                 double precision NOT NULL DEFAULT 0,
	contributed_kudos     double precision NOT NULL DEFAULT 0,
	fulfilments           bigint NOT NULL DEFAULT 0,
	aborted_jobs          bigint NOT NULL DEFAULT 0,
	softprompts           text[] NOT NULL DEFAULT '{}',
	blacklist             text[] NOT NULL DEFAULT '{}',
	last_check_in         timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_workers_check_in ON workers (kind, last_check_in);

CREATE TABLE IF NOT EXISTS worker_models (
	worker_id uuid NOT NULL REFERENCES workers (id) ON DELETE CASCADE,
	model     text NOT NULL,
	PRIMARY KEY (worker_id, model)
);

CREATE INDEX IF NOT EXISTS idx_worker_models_model ON worker_models (model, worker_id);

CREATE TABLE IF NOT EXISTS worker_performance (
	worker_id uuid NOT NULL REFERENCES workers (id) ON DELETE CASCADE,
	sample    double precision NOT NULL,
	created   timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_worker_performance_created ON worker_performance (created);

CREATE TABLE IF NOT EXISTS requests (
	id               uuid PRIMARY KEY,
	kind             text NOT NULL,
	user_id          uuid NOT NULL REFERENCES users (id),
	shared_key_id    uuid REFERENCES shared_keys (id),
	prompt           text NOT NULL,
	params           jsonb NOT NULL,
	models           text[] NOT NULL DEFAULT '{}',
	worker_ids       uuid[] NOT NULL DEFAULT '{}',
	tricked_worker_ids uuid[] NOT NULL DEFAULT '{}',
	nsfw             boolean NOT NULL DEFAULT false,
	safe_ip          boolean NOT NULL DEFAULT true,
	trusted_workers  boolean NOT NULL DEFAULT false,
	slow_workers     boolean NOT NULL DEFAULT true,
	worker_blacklist boolean NOT NULL DEFAULT false,
	shared           boolean NOT NULL DEFAULT false,
	r2               boolean NOT NULL DEFAULT true,
	disable_batching boolean NOT NULL DEFAULT false,
	n                integer NOT NULL,
	jobs             integer NOT NULL,
	things           double precision NOT NULL,
	consumed_kudos   double precision NOT NULL DEFAULT 0,
	extra_priority   double precision NOT NULL DEFAULT 0,
	created          timestamptz NOT NULL DEFAULT now(),
	expiry           timestamptz NOT NULL,
	job_ttl_seconds  bigint NOT NULL,
	faulted          boolean NOT NULL DEFAULT false,
	active           boolean NOT NULL DEFAULT true,
	CONSTRAINT n_within_jobs CHECK (n >= 0 AND n <= jobs)
);

CREATE INDEX IF NOT EXISTS idx_requests_queue
	ON requests (kind, extra_priority DESC, created ASC)
	WHERE active AND NOT faulted AND n > 0;
CREATE INDEX IF NOT EXISTS idx_requests_expiry ON requests (expiry);

CREATE TABLE IF NOT EXISTS generations (
	id          uuid PRIMARY KEY,
	request_id  uuid NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
	worker_id   uuid NOT NULL REFERENCES workers (id),
	model       text NOT NULL,
	seed        text NOT NULL DEFAULT '',
	generation  text,
	metadata    jsonb,
	cancelled   boolean NOT NULL DEFAULT false,
	faulted     boolean NOT NULL DEFAULT false,
	fake        boolean NOT NULL DEFAULT false,
	censored    boolean NOT NULL DEFAULT false,
	reward      double precision NOT NULL DEFAULT 0,
	start_time  timestamptz NOT NULL,
	submit_time timestamptz
);

CREATE INDEX IF NOT EXISTS idx_generations_request ON generations (request_id, faulted);
CREATE INDEX IF NOT EXISTS idx_generations_in_flight
	ON generations (start_time)
	WHERE generation IS NULL AND NOT faulted AND NOT cancelled AND NOT fake;

CREATE TABLE IF NOT EXISTS interrogation_forms (
	id         uuid PRIMARY KEY,
	request_id uuid NOT NULL REFERENCES requests (id) ON DELETE CASCADE,
	name       text NOT NULL,
	state      text NOT NULL DEFAULT 'waiting',
	worker_id  uuid REFERENCES workers (id),
	result     text,
	kudos      double precision NOT NULL DEFAULT 0,
	aborts     integer NOT NULL DEFAULT 0,
	created    timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_forms_state ON interrogation_forms (state, name);

CREATE TABLE IF NOT EXISTS stats_image (
	id       bigserial PRIMARY KEY,
	finished timestamptz NOT NULL,
	model    text NOT NULL,
	width    bigint NOT NULL,
	height   bigint NOT NULL,
	steps    bigint NOT NULL,
	sampler  text NOT NULL,
	img2img  boolean NOT NULL,
	state    text NOT NULL
);

CREATE TABLE IF NOT EXISTS stats_text (
	id       bigserial PRIMARY KEY,
	finished timestamptz NOT NULL,
	model    text NOT NULL,
	tokens   bigint NOT NULL,
	context  bigint NOT NULL,
	state    text NOT NULL
);
`

// ApplySchema creates all tables and indices if they do not exist.
func ApplySchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, Schema)
	return errors.WithStack(err)
}
