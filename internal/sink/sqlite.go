package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLite archives every chunk into a WAL-mode SQLite database. Banners are
// not stored: each row already names its file.
//
// The archive is write-only from tailall's point of view. Read positions are
// never restored from it.
type SQLite struct {
	db   *sql.DB
	rows atomic.Int64
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS tail_chunks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    path        TEXT    NOT NULL,
    file_offset INTEGER NOT NULL,
    data        BLOB    NOT NULL,
    read_at     TEXT    NOT NULL,
    session_id  TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tail_chunks_path
    ON tail_chunks (path, file_offset);
`

// OpenSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: open %q: %w", path, err)
	}

	// SQLite allows a single writer; one connection avoids "database is
	// locked" and keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite archive: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite archive: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite archive: apply schema: %w", err)
	}

	s := &SQLite{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM tail_chunks`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite archive: count rows: %w", err)
	}
	s.rows.Store(count)

	return s, nil
}

// Banner is a no-op for the archive.
func (s *SQLite) Banner(string) error { return nil }

// Write inserts one row per chunk.
func (s *SQLite) Write(c Chunk) error {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO tail_chunks (path, file_offset, data, read_at, session_id) VALUES (?, ?, ?, ?, ?)`,
		c.Path,
		c.Offset,
		c.Data,
		c.Time.UTC().Format(time.RFC3339Nano),
		c.Session,
	)
	if err != nil {
		return fmt.Errorf("sqlite archive: insert: %w", err)
	}
	s.rows.Add(1)
	return nil
}

// ArchivedChunk is a row read back from the archive.
type ArchivedChunk struct {
	ID      int64
	Path    string
	Offset  int64
	Data    []byte
	ReadAt  time.Time
	Session string
}

// Chunks returns up to limit archived chunks for path, oldest first. An
// empty path matches every file.
func (s *SQLite) Chunks(ctx context.Context, path string, limit int) ([]ArchivedChunk, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, file_offset, data, read_at, session_id
		 FROM   tail_chunks
		 WHERE  (? = '' OR path = ?)
		 ORDER  BY id
		 LIMIT  ?`, path, path, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: query: %w", err)
	}
	defer rows.Close()

	var out []ArchivedChunk
	for rows.Next() {
		var (
			c     ArchivedChunk
			tsStr string
		)
		if err := rows.Scan(&c.ID, &c.Path, &c.Offset, &c.Data, &tsStr, &c.Session); err != nil {
			return nil, fmt.Errorf("sqlite archive: scan: %w", err)
		}
		c.ReadAt, _ = time.Parse(time.RFC3339Nano, tsStr)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite archive: rows: %w", err)
	}
	return out, nil
}

// Rows returns the number of archived chunks without touching the database.
func (s *SQLite) Rows() int64 { return s.rows.Load() }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }
