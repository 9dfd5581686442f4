package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Dv04/DAU-MAU-counter/internal/domain"
)

// Ledger is the durable record of activity, erasures, and salt history. A
// single Ledger wraps one Client and never holds its own lock — the
// pipeline's single-writer discipline is the only thing allowed to
// serialize access to it.
type Ledger struct {
	client *Client
	log    *zap.Logger
}

// NewLedger builds a Ledger over an already-opened Client.
func NewLedger(client *Client, log *zap.Logger) *Ledger {
	return &Ledger{client: client, log: log}
}

// RecordActivity appends a single turnstile event to the activity log.
func (l *Ledger) RecordActivity(ctx context.Context, tx *sql.Tx, row domain.ActivityRow) error {
	metadata := row.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO activity_log (day, user_key, user_root, op, metadata) VALUES (?, ?, ?, ?, ?)`,
		row.Day, row.UserKey[:], row.UserRoot[:], string(row.Op), metadata,
	)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// RecordActivityBatch appends many rows through one prepared statement, used for tombstone
// fan-out when an erasure touches several prior days at once.
func (l *Ledger) RecordActivityBatch(ctx context.Context, tx *sql.Tx, rows []domain.ActivityRow) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO activity_log (day, user_key, user_root, op, metadata) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare activity batch insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		metadata := row.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := stmt.ExecContext(ctx, row.Day, row.UserKey[:], row.UserRoot[:], string(row.Op), metadata); err != nil {
			return fmt.Errorf("record activity batch: %w", err)
		}
	}
	return nil
}

// FetchDayEvents returns every event recorded for day, in insertion order.
func (l *Ledger) FetchDayEvents(ctx context.Context, day string) ([]domain.ActivityRow, error) {
	rows, err := l.client.db.QueryContext(ctx,
		`SELECT id, day, user_key, user_root, op, metadata FROM activity_log WHERE day = ? ORDER BY id ASC`, day)
	if err != nil {
		return nil, fmt.Errorf("fetch day events: %w", err)
	}
	defer rows.Close()

	var out []domain.ActivityRow
	for rows.Next() {
		var row domain.ActivityRow
		var userKey, userRoot []byte
		var op string
		if err := rows.Scan(&row.ID, &row.Day, &userKey, &userRoot, &op, &row.Metadata); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		copy(row.UserKey[:], userKey)
		copy(row.UserRoot[:], userRoot)
		row.Op = domain.Op(op)
		out = append(out, row)
	}
	return out, rows.Err()
}

// DaysForUser returns every distinct day a user_root has ever been active
// on, ascending — the index that makes tombstone fan-out on erasure bounded
// instead of a full-table scan.
func (l *Ledger) DaysForUser(ctx context.Context, root domain.UserRoot) ([]string, error) {
	return daysForUser(ctx, l.client.db, root)
}

// DaysForUserTx is DaysForUser scoped to an in-flight transaction, so it
// observes rows already written earlier in the same transaction instead of
// blocking behind it on the ledger's single physical connection.
func (l *Ledger) DaysForUserTx(ctx context.Context, tx *sql.Tx, root domain.UserRoot) ([]string, error) {
	return daysForUser(ctx, tx, root)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func daysForUser(ctx context.Context, q querier, root domain.UserRoot) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT day FROM activity_log WHERE user_root = ? ORDER BY day ASC`, root[:])
	if err != nil {
		return nil, fmt.Errorf("days for user: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("scan day: %w", err)
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// RecordErasure inserts a pending erasure request and returns its id.
func (l *Ledger) RecordErasure(ctx context.Context, tx *sql.Tx, root domain.UserRoot, days []string) (int64, error) {
	payload, err := json.Marshal(days)
	if err != nil {
		return 0, fmt.Errorf("marshal erasure days: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO erasure_log (user_root, days, status) VALUES (?, ?, ?)`,
		root[:], string(payload), string(domain.ErasurePending))
	if err != nil {
		return 0, fmt.Errorf("record erasure: %w", err)
	}
	return res.LastInsertId()
}

// MarkErasureDone flips a pending erasure request to done. Per spec there
// is no rollback from done.
func (l *Ledger) MarkErasureDone(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE erasure_log SET status = ?, completed_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ? AND status = ?`,
		string(domain.ErasureDone), id, string(domain.ErasurePending))
	if err != nil {
		return fmt.Errorf("mark erasure done: %w", err)
	}
	return nil
}

// PendingErasures returns every erasure request still awaiting a
// successful rebuild of its affected days.
func (l *Ledger) PendingErasures(ctx context.Context) ([]domain.ErasureRequest, error) {
	rows, err := l.client.db.QueryContext(ctx,
		`SELECT id, user_root, days, status, created_at FROM erasure_log WHERE status = ? ORDER BY id ASC`,
		string(domain.ErasurePending))
	if err != nil {
		return nil, fmt.Errorf("pending erasures: %w", err)
	}
	defer rows.Close()

	var out []domain.ErasureRequest
	for rows.Next() {
		var req domain.ErasureRequest
		var root []byte
		var daysJSON, status string
		var createdAt string
		if err := rows.Scan(&req.ID, &root, &daysJSON, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan erasure row: %w", err)
		}
		copy(req.UserRoot[:], root)
		req.Status = domain.ErasureStatus(status)
		if err := json.Unmarshal([]byte(daysJSON), &req.Days); err != nil {
			return nil, fmt.Errorf("unmarshal erasure days: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// PutSketchBlob caches a day's serialized sketch. The authoritative source
// remains activity_log; this is purely an optimization the window store may
// skip entirely.
func (l *Ledger) PutSketchBlob(ctx context.Context, tx *sql.Tx, day, impl string, blob []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO day_sketch_blob (day, impl, blob) VALUES (?, ?, ?)
		 ON CONFLICT(day, impl) DO UPDATE SET blob = excluded.blob`,
		day, impl, blob)
	if err != nil {
		return fmt.Errorf("put sketch blob: %w", err)
	}
	return nil
}

// GetSketchBlob returns a cached serialized sketch, if any.
func (l *Ledger) GetSketchBlob(ctx context.Context, day, impl string) ([]byte, bool, error) {
	var blob []byte
	err := l.client.db.QueryRowContext(ctx,
		`SELECT blob FROM day_sketch_blob WHERE day = ? AND impl = ?`, day, impl).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get sketch blob: %w", err)
	}
	return blob, true, nil
}

// RecordSaltEpoch appends a new salt epoch.
func (l *Ledger) RecordSaltEpoch(ctx context.Context, tx *sql.Tx, epoch domain.SaltEpoch) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO salt_epochs (secret, effective_date, rotation_days) VALUES (?, ?, ?)`,
		string(epoch.Secret), epoch.EffectiveDate, epoch.RotationDays)
	if err != nil {
		return 0, fmt.Errorf("record salt epoch: %w", err)
	}
	return res.LastInsertId()
}

// LatestSaltEpoch returns the most recently recorded salt epoch, if any.
func (l *Ledger) LatestSaltEpoch(ctx context.Context) (*domain.SaltEpoch, error) {
	var epoch domain.SaltEpoch
	var secret string
	err := l.client.db.QueryRowContext(ctx,
		`SELECT id, secret, effective_date, rotation_days FROM salt_epochs ORDER BY id DESC LIMIT 1`,
	).Scan(&epoch.ID, &secret, &epoch.EffectiveDate, &epoch.RotationDays)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest salt epoch: %w", err)
	}
	epoch.Secret = []byte(secret)
	return &epoch, nil
}

// BeginTx starts a transaction for a top-level pipeline operation. Every
// mutation within one ingest/release happens inside exactly one of these.
func (l *Ledger) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := l.client.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}
	return tx, nil
}
