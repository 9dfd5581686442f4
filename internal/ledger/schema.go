package ledger

import (
	"context"
	"fmt"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS activity_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	day        TEXT    NOT NULL,
	user_key   BLOB    NOT NULL,
	user_root  BLOB    NOT NULL,
	op         TEXT    NOT NULL,
	metadata   TEXT    NOT NULL DEFAULT '{}',
	ts         TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_activity_log_day ON activity_log (day);
CREATE INDEX IF NOT EXISTS idx_activity_log_user_root ON activity_log (user_root);

CREATE TABLE IF NOT EXISTS erasure_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	user_root    BLOB    NOT NULL,
	days         TEXT    NOT NULL,
	status       TEXT    NOT NULL DEFAULT 'pending',
	created_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_erasure_log_status ON erasure_log (status);

CREATE TABLE IF NOT EXISTS releases (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	metric    TEXT    NOT NULL,
	day       TEXT    NOT NULL,
	period    TEXT    NOT NULL,
	epsilon   REAL    NOT NULL,
	delta     REAL    NOT NULL,
	mechanism TEXT    NOT NULL,
	raw       REAL    NOT NULL,
	estimate  REAL    NOT NULL,
	ci_low    REAL    NOT NULL,
	ci_high   REAL    NOT NULL,
	seed      INTEGER NOT NULL,
	ts        TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_releases_metric_period ON releases (metric, period);

CREATE TABLE IF NOT EXISTS rdp_contributions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	metric      TEXT    NOT NULL,
	day         TEXT    NOT NULL,
	period      TEXT    NOT NULL,
	order_value REAL    NOT NULL,
	epsilon     REAL    NOT NULL,
	ts          TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_rdp_metric_period ON rdp_contributions (metric, period);

CREATE TABLE IF NOT EXISTS budget (
	metric       TEXT    NOT NULL,
	month        TEXT    NOT NULL,
	naive_spent  REAL    NOT NULL DEFAULT 0,
	release_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (metric, month)
);

CREATE TABLE IF NOT EXISTS salt_epochs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	secret         TEXT    NOT NULL,
	effective_date TEXT    NOT NULL,
	rotation_days  INTEGER NOT NULL,
	created_at     TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS day_sketch_blob (
	day  TEXT NOT NULL,
	impl TEXT NOT NULL,
	blob BLOB NOT NULL,
	PRIMARY KEY (day, impl)
);
`

func (c *Client) ensureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}
