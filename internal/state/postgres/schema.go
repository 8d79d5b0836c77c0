package postgres

// Timestamps are unix nanoseconds; TIMESTAMPTZ would truncate to microseconds and
// shift the strict cool-down comparison.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS withdraw_agent_config (
	id SMALLINT PRIMARY KEY DEFAULT 1,
	owner TEXT NOT NULL,
	job_id TEXT NOT NULL,
	retry_delay_ns BIGINT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT config_singleton CHECK (id = 1),
	CONSTRAINT owner_nonempty CHECK (owner <> ''),
	CONSTRAINT job_id_nonempty CHECK (job_id <> ''),
	CONSTRAINT retry_delay_nonneg CHECK (retry_delay_ns >= 0)
);

CREATE TABLE IF NOT EXISTS withdraw_attempts (
	deposit_id BIGINT PRIMARY KEY,
	last_attempt_ns BIGINT NOT NULL,

	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT deposit_id_range CHECK (deposit_id >= 0 AND deposit_id <= 4294967295)
);

CREATE TABLE IF NOT EXISTS withdraw_outbox (
	instruction_id BYTEA PRIMARY KEY,
	seq BIGSERIAL NOT NULL,
	job_id TEXT NOT NULL,
	payload BYTEA NOT NULL,
	created_ns BIGINT NOT NULL,

	CONSTRAINT instruction_id_len CHECK (octet_length(instruction_id) = 32),
	CONSTRAINT outbox_job_id_nonempty CHECK (job_id <> ''),
	CONSTRAINT outbox_payload_nonempty CHECK (octet_length(payload) > 0)
);

CREATE INDEX IF NOT EXISTS withdraw_outbox_seq_idx ON withdraw_outbox (seq);
`
