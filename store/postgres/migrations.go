package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"

	// Registers the PostgreSQL migration executor with migrate.NewExecutorFor.
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
)

// Migrations is the grove migration group for the entitle store (PostgreSQL).
var Migrations = migrate.NewGroup("entitle")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_subscriptions",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS subscriptions (
    id                  TEXT PRIMARY KEY,
    user_id             TEXT NOT NULL DEFAULT '',
    tier                TEXT NOT NULL DEFAULT 'free',
    status              TEXT NOT NULL DEFAULT 'active',
    start_date          TIMESTAMPTZ NOT NULL,
    end_date            TIMESTAMPTZ NOT NULL,
    auto_renew          BOOLEAN NOT NULL DEFAULT TRUE,
    last_limit_increase TIMESTAMPTZ,
    book_limit          INTEGER NOT NULL DEFAULT 10,
    books_read          INTEGER NOT NULL DEFAULT 0,
    last_purchase_id    TEXT NOT NULL DEFAULT '',
    schema_version      INTEGER NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_tier_status ON subscriptions (tier, status);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_purchase_receipts",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS purchase_receipts (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    transaction_id TEXT NOT NULL DEFAULT '',
    token          TEXT NOT NULL DEFAULT '',
    product_id     TEXT NOT NULL DEFAULT '',
    platform       TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'validated',
    purchased_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_purchase_receipts_user ON purchase_receipts (user_id, purchased_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS purchase_receipts`)
				return err
			},
		},
	)
}
