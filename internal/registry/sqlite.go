package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

// SQLiteBackend stores registry entries in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// is accepted for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: keeps ":memory:" databases alive and avoids writer
	// contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Load(ctx context.Context) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT task_id, one_off, occurrence FROM deliveries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e   Entry
			occ string
		)
		if err := rows.Scan(&e.TaskID, &e.OneOff, &occ); err != nil {
			return nil, err
		}
		if e.Occurrence, err = time.Parse(time.RFC3339Nano, occ); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Put(ctx context.Context, e Entry) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO deliveries(task_id, one_off, occurrence, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET one_off=excluded.one_off, occurrence=excluded.occurrence, updated_at=excluded.updated_at`,
		e.TaskID, e.OneOff, e.Occurrence.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
