// Package sqlitequeue is a durable fitsync.Queue on SQLite. Several named
// queues share one database file.
package sqlitequeue

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	fitsync "github.com/IamNotATuringMachine/fitness-sub002"
	"github.com/IamNotATuringMachine/fitness-sub002/storage/sqlitequeue/migrations"
	"github.com/jmgilman/go/errors"
	_ "modernc.org/sqlite"
)

// DB is an open queue database.
type DB struct {
	sqlDB *sql.DB
}

// Open opens a queue database at path and applies migrations.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "open sqlite db")
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "ping sqlite db")
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, errors.CodeDatabase, "run migrations")
	}
	return &DB{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (d *DB) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

// Queue returns the queue called name.
func (d *DB) Queue(name string) *Queue {
	return &Queue{db: d, name: name}
}

// Queue is one named pending-mutation queue.
type Queue struct {
	db   *DB
	name string
}

var _ fitsync.Queue = (*Queue)(nil)

func (q *Queue) ready(ctx context.Context) (*sql.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil || q.db == nil || q.db.sqlDB == nil {
		return nil, errors.New(errors.CodeDatabase, "storage is not configured")
	}
	return q.db.sqlDB, nil
}

// Append stores m, replacing any mutation with the same id.
func (q *Queue) Append(ctx context.Context, m fitsync.PendingMutation) error {
	sqlDB, err := q.ready(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New(errors.CodeInvalidInput, "mutation id is required")
	}
	if len(m.Payload) == 0 {
		return errors.New(errors.CodeInvalidInput, "mutation payload is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err = sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO pending_mutations (
	queue,
	id,
	endpoint,
	payload,
	created_at,
	attempts,
	last_error
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		q.name,
		m.ID,
		m.Endpoint,
		[]byte(m.Payload),
		m.CreatedAt.UTC().UnixMilli(),
		m.Attempts,
		m.LastError,
	)
	if err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "append to %s", q.name)
	}
	return nil
}

// List returns mutations oldest first.
func (q *Queue) List(ctx context.Context) ([]fitsync.PendingMutation, error) {
	sqlDB, err := q.ready(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := sqlDB.QueryContext(ctx, `
SELECT
	id,
	endpoint,
	payload,
	created_at,
	attempts,
	last_error
FROM pending_mutations
WHERE queue = ?
ORDER BY created_at ASC, id ASC
`, q.name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "list %s", q.name)
	}
	defer rows.Close()

	var out []fitsync.PendingMutation
	for rows.Next() {
		var m fitsync.PendingMutation
		var payload []byte
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Endpoint, &payload, &createdAt, &m.Attempts, &m.LastError); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "scan %s", q.name)
		}
		m.Payload = payload
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "iterate %s", q.name)
	}
	return out, nil
}

// Remove deletes the mutation with id. Removing an absent id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	sqlDB, err := q.ready(ctx)
	if err != nil {
		return err
	}
	if _, err := sqlDB.ExecContext(ctx,
		"DELETE FROM pending_mutations WHERE queue = ? AND id = ?", q.name, id,
	); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "remove %s from %s", id, q.name)
	}
	return nil
}

// RecordFailure increments the attempt count of id and keeps message.
func (q *Queue) RecordFailure(ctx context.Context, id, message string) error {
	sqlDB, err := q.ready(ctx)
	if err != nil {
		return err
	}
	if _, err := sqlDB.ExecContext(ctx, `
UPDATE pending_mutations
SET attempts = attempts + 1, last_error = ?
WHERE queue = ? AND id = ?
`, message, q.name, id); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "record failure of %s in %s", id, q.name)
	}
	return nil
}
