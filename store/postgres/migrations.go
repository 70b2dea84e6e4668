package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xraph/grove/migrate"
)

// schemaStep is one versioned DDL change. The same steps feed the grove
// migration group and the built-in pgx migrator.
type schemaStep struct {
	version string
	name    string
	up      string
	down    string
}

var schema = []schemaStep{
	{
		version: "20240601000001",
		name:    "create_lending_streams",
		up: `
CREATE TABLE IF NOT EXISTS lending_streams (
    entity_id   TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    facility_id TEXT NOT NULL DEFAULT '',
    version     BIGINT NOT NULL DEFAULT 0,
    position    BIGSERIAL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_lending_streams_type ON lending_streams (entity_type, facility_id, position);

CREATE TABLE IF NOT EXISTS lending_events (
    entity_id   TEXT NOT NULL REFERENCES lending_streams (entity_id),
    sequence    BIGINT NOT NULL,
    entity_type TEXT NOT NULL,
    facility_id TEXT NOT NULL DEFAULT '',
    lookup_key  TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    payload     JSONB NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (entity_id, sequence)
);

CREATE TABLE IF NOT EXISTS lending_lookups (
    entity_type TEXT NOT NULL,
    lookup_key  TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    PRIMARY KEY (entity_type, lookup_key)
);
`,
		down: `
DROP TABLE IF EXISTS lending_lookups;
DROP TABLE IF EXISTS lending_events;
DROP TABLE IF EXISTS lending_streams;
`,
	},
	{
		version: "20240601000002",
		name:    "create_lending_ledger",
		up: `
CREATE TABLE IF NOT EXISTS lending_accounts (
    id          TEXT PRIMARY KEY,
    code        TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL DEFAULT '',
    normal_side TEXT NOT NULL,
    currency    TEXT NOT NULL,
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lending_velocity_limits (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    account_id TEXT NOT NULL REFERENCES lending_accounts (id),
    currency   TEXT NOT NULL,
    layer      TEXT NOT NULL,
    min_amount BIGINT,
    max_amount BIGINT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_lending_limits_account ON lending_velocity_limits (account_id);

CREATE TABLE IF NOT EXISTS lending_transactions (
    id              TEXT PRIMARY KEY,
    template_code   TEXT NOT NULL,
    idempotency_key TEXT NOT NULL DEFAULT '',
    description     TEXT NOT NULL DEFAULT '',
    effective_date  TIMESTAMPTZ NOT NULL,
    posted_at       TIMESTAMPTZ NOT NULL,
    metadata        JSONB NOT NULL DEFAULT '{}'
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_lending_transactions_key ON lending_transactions (idempotency_key) WHERE idempotency_key <> '';

CREATE TABLE IF NOT EXISTS lending_entries (
    id             TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL REFERENCES lending_transactions (id),
    account_id     TEXT NOT NULL REFERENCES lending_accounts (id),
    side           TEXT NOT NULL,
    layer          TEXT NOT NULL,
    amount         BIGINT NOT NULL,
    currency       TEXT NOT NULL,
    sequence       INT NOT NULL,
    position       BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_lending_entries_account ON lending_entries (account_id, position);
CREATE INDEX IF NOT EXISTS idx_lending_entries_tx ON lending_entries (transaction_id, sequence);

CREATE TABLE IF NOT EXISTS lending_balances (
    account_id   TEXT NOT NULL REFERENCES lending_accounts (id),
    currency     TEXT NOT NULL,
    layer        TEXT NOT NULL,
    debit_total  BIGINT NOT NULL DEFAULT 0,
    credit_total BIGINT NOT NULL DEFAULT 0,
    version      BIGINT NOT NULL DEFAULT 0,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, currency, layer)
);
`,
		down: `
DROP TABLE IF EXISTS lending_balances;
DROP TABLE IF EXISTS lending_entries;
DROP TABLE IF EXISTS lending_transactions;
DROP TABLE IF EXISTS lending_velocity_limits;
DROP TABLE IF EXISTS lending_accounts;
`,
	},
	{
		version: "20240601000003",
		name:    "create_lending_outbox",
		up: `
CREATE TABLE IF NOT EXISTS lending_outbox (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    facility_id     TEXT NOT NULL DEFAULT '',
    occurred_at     TIMESTAMPTZ NOT NULL,
    payload         JSONB NOT NULL,
    published_at    TIMESTAMPTZ,
    attempts        INT NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    next_attempt_at TIMESTAMPTZ NOT NULL,
    position        BIGSERIAL
);

CREATE INDEX IF NOT EXISTS idx_lending_outbox_pending ON lending_outbox (next_attempt_at, position) WHERE published_at IS NULL;
`,
		down: `DROP TABLE IF EXISTS lending_outbox`,
	},
	{
		version: "20240601000004",
		name:    "create_lending_jobs",
		up: `
CREATE TABLE IF NOT EXISTS lending_jobs (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    dedup_key    TEXT NOT NULL DEFAULT '',
    payload      JSONB,
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 10,
    run_at       TIMESTAMPTZ NOT NULL,
    locked_until TIMESTAMPTZ,
    last_error   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_lending_jobs_dedup ON lending_jobs (dedup_key) WHERE dedup_key <> '' AND status <> 'dead';
CREATE INDEX IF NOT EXISTS idx_lending_jobs_due ON lending_jobs (status, run_at);
`,
		down: `DROP TABLE IF EXISTS lending_jobs`,
	},
	{
		version: "20240601000005",
		name:    "index_lending_outbox_facility",
		up:      `CREATE INDEX IF NOT EXISTS idx_lending_outbox_facility ON lending_outbox (facility_id, position)`,
		down:    `DROP INDEX IF EXISTS idx_lending_outbox_facility`,
	},
}

// Migrations is the grove migration group for the lending store.
var Migrations = migrate.NewGroup("lending")

func init() {
	for _, step := range schema {
		Migrations.MustRegister(&migrate.Migration{
			Name:    step.name,
			Version: step.version,
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, step.up)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, step.down)
				return err
			},
		})
	}
}

// migratePool applies the schema directly over pgx, recording applied
// versions in lending_schema_migrations. Used when the store was opened
// without a grove database.
func migratePool(ctx context.Context, s *Store) error {
	const tracker = `
CREATE TABLE IF NOT EXISTS lending_schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := s.pool.Exec(ctx, tracker); err != nil {
		return fmt.Errorf("lending/postgres: create migration table: %w", err)
	}

	for _, step := range schema {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			// Serializes concurrent migrators on the same database.
			if _, err := tx.Exec(ctx, `LOCK TABLE lending_schema_migrations IN EXCLUSIVE MODE`); err != nil {
				return err
			}
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM lending_schema_migrations WHERE version = $1)`, step.version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, step.up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO lending_schema_migrations (version, name) VALUES ($1, $2)`, step.version, step.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("lending/postgres: migration %s: %w", step.name, err)
		}
	}
	return nil
}
