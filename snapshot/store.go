package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested snapshot is not in the catalog.
var ErrNotFound = errors.New("snapshot: not found")

// Meta describes a stored snapshot.
type Meta struct {
	ID         string
	Generation uint64
	TakenAt    time.Time
	Objects    int
	Threads    int
	Bytes      int
}

// Store is a catalog of snapshot images in a SQL database. The sqlite
// driver is always available; duckdb is registered in cgo builds.
type Store struct {
	db     *sql.DB
	driver string
	path   string
	mu     sync.Mutex
}

const schema = `CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	generation BIGINT NOT NULL,
	taken_at BIGINT NOT NULL,
	objects INTEGER NOT NULL,
	threads INTEGER NOT NULL,
	bytes INTEGER NOT NULL,
	image BLOB NOT NULL
)`

// OpenStore opens or creates the catalog at path using driver ("sqlite" or
// "duckdb").
func OpenStore(driver, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating catalog directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	if driver == "sqlite" {
		// Set busy timeout for concurrent access
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Infof("snapshot catalog %s (%s)", path, driver)
	return &Store{db: db, driver: driver, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

// Put stores an encoded image under meta.
func (s *Store) Put(ctx context.Context, meta Meta, image []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, generation, taken_at, objects, threads, bytes, image)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, int64(meta.Generation), meta.TakenAt.UnixNano(),
		meta.Objects, meta.Threads, meta.Bytes, image,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", meta.ID, err)
	}
	return nil
}

// List returns up to limit snapshots, newest first. A limit of 0 lists all.
func (s *Store) List(ctx context.Context, limit int) ([]Meta, error) {
	q := `SELECT id, generation, taken_at, objects, threads, bytes
		FROM snapshots ORDER BY taken_at DESC, generation DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Latest returns the newest snapshot.
func (s *Store) Latest(ctx context.Context) (Meta, error) {
	ms, err := s.List(ctx, 1)
	if err != nil {
		return Meta{}, err
	}
	if len(ms) == 0 {
		return Meta{}, ErrNotFound
	}
	return ms[0], nil
}

// Load returns the metadata and decoded image of snapshot id.
func (s *Store) Load(ctx context.Context, id string) (Meta, *Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, generation, taken_at, objects, threads, bytes, image
		FROM snapshots WHERE id = ?`, id)

	var m Meta
	var gen, taken int64
	var data []byte
	err := row.Scan(&m.ID, &gen, &taken, &m.Objects, &m.Threads, &m.Bytes, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Meta{}, nil, ErrNotFound
		}
		return Meta{}, nil, fmt.Errorf("querying snapshot %s: %w", id, err)
	}
	m.Generation = uint64(gen)
	m.TakenAt = time.Unix(0, taken)

	img, err := Decode(data)
	if err != nil {
		return Meta{}, nil, err
	}
	return m, img, nil
}

// Prune deletes all but the newest keep snapshots and returns how many it
// removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC, generation DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMeta(rows *sql.Rows) (Meta, error) {
	var m Meta
	var gen, taken int64
	if err := rows.Scan(&m.ID, &gen, &taken, &m.Objects, &m.Threads, &m.Bytes); err != nil {
		return Meta{}, fmt.Errorf("scanning snapshot row: %w", err)
	}
	m.Generation = uint64(gen)
	m.TakenAt = time.Unix(0, taken)
	return m, nil
}
