package masjeedsync

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       BLOB,
	stored_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (collection, id)
)`

// sqliteStore keeps records in a single table. GetAll returns rows in
// insertion order (rowid); an upsert keeps the original position.
type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

func openSQLiteStore(path string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// One writer at a time; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s, err := newSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLiteStore(db *sql.DB) (*sqliteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	return &sqliteStore{db: db, now: time.Now}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Put(ctx context.Context, c Collection, rec Record) error {
	if rec.StoredAt.IsZero() {
		rec.StoredAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at`,
		string(c), rec.ID, []byte(rec.Data), rec.StoredAt.UnixNano(), toNanos(rec.ExpiresAt))
	return storageErr("put", c, rec.ID, err)
}

func (s *sqliteStore) Get(ctx context.Context, c Collection, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data, stored_at, expires_at FROM records WHERE collection = ? AND id = ?`,
		string(c), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, storageErr("get", c, id, err)
	}
	if rec.expired(s.now()) {
		if err := s.Delete(ctx, c, id); err != nil {
			return Record{}, err
		}
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *sqliteStore) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, stored_at, expires_at FROM records WHERE collection = ? ORDER BY rowid`,
		string(c))
	if err != nil {
		return nil, storageErr("getAll", c, "", err)
	}
	defer func() { _ = rows.Close() }()

	now := s.now()
	var out []Record
	purge := false
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("getAll", c, "", err)
		}
		if rec.expired(now) {
			purge = true
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("getAll", c, "", err)
	}
	if purge {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND expires_at > 0 AND expires_at <= ?`,
			string(c), now.UnixNano())
		if err != nil {
			return nil, storageErr("purge", c, "", err)
		}
	}
	return out, nil
}

func (s *sqliteStore) Delete(ctx context.Context, c Collection, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, string(c), id)
	return storageErr("delete", c, id, err)
}

func (s *sqliteStore) Clear(ctx context.Context, c Collection) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, string(c))
	return storageErr("clear", c, "", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		data      []byte
		storedAt  int64
		expiresAt int64
	)
	if err := row.Scan(&rec.ID, &data, &storedAt, &expiresAt); err != nil {
		return Record{}, err
	}
	rec.Data = data
	rec.StoredAt = fromNanos(storedAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	return rec, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
