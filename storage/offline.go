package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wowowow-64/weekwise/domain"
)

// Offline keeps the last synchronized records of each user in a local sqlite
// file so watches can start while the remote store is unreachable. Only one
// process may hold the file at a time.
type Offline struct {
	db   *sql.DB
	path string
}

// DefaultOfflinePath returns the cache file location under the user's cache
// directory.
func DefaultOfflinePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "weekwise", "offline.sqlite"), nil
}

// OpenOffline opens or creates the cache at path and takes an exclusive lock
// on it.
func OpenOffline(ctx context.Context, path string) (*Offline, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	// modernc.org/sqlite driver name is "sqlite".
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The lock is held by the connection, so the pool must never open a second one.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA locking_mode=EXCLUSIVE;",
		"PRAGMA busy_timeout=0;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := migrateOffline(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offline cache %s: %w", path, err)
	}
	return &Offline{db: db, path: path}, nil
}

func migrateOffline(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			uid TEXT NOT NULL,
			collection TEXT NOT NULL,
			synced_at_unixms INTEGER NOT NULL,
			PRIMARY KEY(uid, collection)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			uid TEXT NOT NULL,
			id TEXT NOT NULL,
			text TEXT NOT NULL,
			completed INTEGER NOT NULL,
			day TEXT NOT NULL,
			created_at_unixns INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(uid, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(uid, created_at_unixns);`,
		`CREATE TABLE IF NOT EXISTS notes (
			uid TEXT NOT NULL,
			day TEXT NOT NULL,
			content TEXT NOT NULL,
			updated_at_unixns INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(uid, day)
		);`,
	}
	for _, st := range stmts {
		if _, err := db.ExecContext(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the cache file location.
func (o *Offline) Path() string {
	return o.path
}

// Close releases the lock.
func (o *Offline) Close() error {
	if o == nil {
		return nil
	}
	return o.db.Close()
}

// ReplaceTasks stores a full task snapshot for uid.
func (o *Offline) ReplaceTasks(ctx context.Context, uid string, tasks []domain.Task) error {
	if o == nil {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE uid = ?`, uid); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := upsertTaskRow(ctx, tx, uid, t); err != nil {
			return err
		}
	}
	if err := markSynced(ctx, tx, uid, collectionTasks); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyTask records one change delivered by the feed.
func (o *Offline) ApplyTask(ctx context.Context, uid string, ch domain.TaskChange) error {
	if o == nil {
		return nil
	}
	if ch.Kind == domain.ChangeRemoved {
		_, err := o.db.ExecContext(ctx, `DELETE FROM tasks WHERE uid = ? AND id = ?`, uid, ch.Task.ID)
		return err
	}
	return upsertTaskRow(ctx, o.db, uid, ch.Task)
}

// Tasks returns the cached tasks of uid created at or after since. ok is
// false when no snapshot was ever stored for uid.
func (o *Offline) Tasks(ctx context.Context, uid string, since time.Time) (tasks []domain.Task, ok bool, err error) {
	if o == nil {
		return nil, false, nil
	}
	if ok, err := o.synced(ctx, uid, collectionTasks); err != nil || !ok {
		return nil, false, err
	}
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, text, completed, day, created_at_unixns, version FROM tasks WHERE uid = ? AND created_at_unixns >= ?`,
		uid, since.UnixNano())
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	tasks = []domain.Task{}
	for rows.Next() {
		var (
			t         domain.Task
			day       string
			completed int
			created   int64
		)
		if err := rows.Scan(&t.ID, &t.Text, &completed, &day, &created, &t.Version); err != nil {
			return nil, false, err
		}
		t.Day = domain.Day(day)
		t.Completed = completed != 0
		t.CreatedAt = time.Unix(0, created).UTC()
		tasks = append(tasks, t)
	}
	return tasks, true, rows.Err()
}

// ReplaceNotes stores a full note snapshot for uid.
func (o *Offline) ReplaceNotes(ctx context.Context, uid string, notes []domain.Note) error {
	if o == nil {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE uid = ?`, uid); err != nil {
		return err
	}
	for _, n := range notes {
		if err := upsertNoteRow(ctx, tx, uid, n); err != nil {
			return err
		}
	}
	if err := markSynced(ctx, tx, uid, collectionNotes); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyNote records one note delivered by the feed.
func (o *Offline) ApplyNote(ctx context.Context, uid string, n domain.Note) error {
	if o == nil {
		return nil
	}
	return upsertNoteRow(ctx, o.db, uid, n)
}

// Notes returns the cached notes of uid.
func (o *Offline) Notes(ctx context.Context, uid string) (notes []domain.Note, ok bool, err error) {
	if o == nil {
		return nil, false, nil
	}
	if ok, err := o.synced(ctx, uid, collectionNotes); err != nil || !ok {
		return nil, false, err
	}
	rows, err := o.db.QueryContext(ctx, `SELECT day, content, updated_at_unixns, version FROM notes WHERE uid = ?`, uid)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	notes = []domain.Note{}
	for rows.Next() {
		var (
			day     string
			n       domain.Note
			updated int64
		)
		if err := rows.Scan(&day, &n.Content, &updated, &n.Version); err != nil {
			return nil, false, err
		}
		n.ID = domain.Day(day)
		n.UpdatedAt = time.Unix(0, updated).UTC()
		notes = append(notes, n)
	}
	return notes, true, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTaskRow(ctx context.Context, db execer, uid string, t domain.Task) error {
	completed := 0
	if t.Completed {
		completed = 1
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO tasks (uid, id, text, completed, day, created_at_unixns, version) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid, id) DO UPDATE SET text = excluded.text, completed = excluded.completed, day = excluded.day,
			created_at_unixns = excluded.created_at_unixns, version = excluded.version
		WHERE excluded.version >= tasks.version`,
		uid, t.ID, t.Text, completed, string(t.Day), t.CreatedAt.UnixNano(), t.Version)
	return err
}

func upsertNoteRow(ctx context.Context, db execer, uid string, n domain.Note) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO notes (uid, day, content, updated_at_unixns, version) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uid, day) DO UPDATE SET content = excluded.content, updated_at_unixns = excluded.updated_at_unixns,
			version = excluded.version
		WHERE excluded.version >= notes.version`,
		uid, string(n.ID), n.Content, n.UpdatedAt.UnixNano(), n.Version)
	return err
}

func markSynced(ctx context.Context, db execer, uid, collection string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO snapshots (uid, collection, synced_at_unixms) VALUES (?, ?, ?)
		ON CONFLICT(uid, collection) DO UPDATE SET synced_at_unixms = excluded.synced_at_unixms`,
		uid, collection, time.Now().UnixMilli())
	return err
}

func (o *Offline) synced(ctx context.Context, uid, collection string) (bool, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE uid = ? AND collection = ?`, uid, collection).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
