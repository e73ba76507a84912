package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

var sqlSchema = []string{`
CREATE TABLE IF NOT EXISTS repositories (
	id VARCHAR PRIMARY KEY,
	name VARCHAR NOT NULL,
	url VARCHAR NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_sync_at TIMESTAMP
)`, `
CREATE TABLE IF NOT EXISTS distributions (
	repository_id VARCHAR NOT NULL,
	name VARCHAR NOT NULL,
	codename VARCHAR NOT NULL,
	suite VARCHAR NOT NULL,
	origin VARCHAR NOT NULL,
	label VARCHAR NOT NULL,
	version VARCHAR NOT NULL,
	date VARCHAR NOT NULL,
	description VARCHAR NOT NULL,
	architectures VARCHAR NOT NULL,
	components VARCHAR NOT NULL,
	raw VARCHAR NOT NULL,
	fetched_at TIMESTAMP NOT NULL,
	PRIMARY KEY (repository_id, name)
)`,
}

const upsertDistributionSQL = `
INSERT INTO distributions (
	repository_id, name, codename, suite, origin, label, version, date,
	description, architectures, components, raw, fetched_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (repository_id, name) DO UPDATE SET
	codename = excluded.codename,
	suite = excluded.suite,
	origin = excluded.origin,
	label = excluded.label,
	version = excluded.version,
	date = excluded.date,
	description = excluded.description,
	architectures = excluded.architectures,
	components = excluded.components,
	raw = excluded.raw,
	fetched_at = excluded.fetched_at
`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQL is a Store backed by database/sql. The schema and statements target
// DuckDB.
type SQL struct {
	db *sql.DB
}

// OpenDuckDB opens (or creates) a DuckDB database at path and applies the
// schema. An empty path opens an in-memory database.
func OpenDuckDB(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	s, err := NewSQL(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQL wraps an open database and ensures the schema exists.
func NewSQL(ctx context.Context, db *sql.DB) (*SQL, error) {
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQL{db: db}, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) PutRepository(ctx context.Context, r Repository) error {
	if r.ID == "" {
		return fmt.Errorf("repository id cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO repositories (id, name, url, created_at, last_sync_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	url = excluded.url,
	created_at = excluded.created_at,
	last_sync_at = excluded.last_sync_at`,
		r.ID, r.Name, r.URL, r.CreatedAt.UTC(), nullTime(r.LastSyncAt))
	if err != nil {
		return fmt.Errorf("put repository %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQL) GetRepository(ctx context.Context, id string) (Repository, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, created_at, last_sync_at FROM repositories WHERE id = ?`, id)
	r, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Repository{}, fmt.Errorf("get repository %s: %w", id, err)
	}
	return r, nil
}

func (s *SQL) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, created_at, last_sync_at FROM repositories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("list repositories: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) DeleteRepository(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repository %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM distributions WHERE repository_id = ?`, id); err != nil {
		return fmt.Errorf("delete distributions of %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQL) TouchRepository(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE repositories SET last_sync_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch repository %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQL) UpsertDistribution(ctx context.Context, repoID string, d Distribution) error {
	return upsertDistribution(ctx, s.db, repoID, d)
}

func (s *SQL) DeleteDistributionsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	return deleteDistributionsNotIn(ctx, s.db, repoID, keep)
}

func (s *SQL) ListDistributions(ctx context.Context, repoID string) ([]Distribution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT repository_id, name, codename, suite, origin, label, version, date,
	description, architectures, components, raw, fetched_at
FROM distributions WHERE repository_id = ? ORDER BY name`, repoID)
	if err != nil {
		return nil, fmt.Errorf("list distributions of %s: %w", repoID, err)
	}
	defer func() { _ = rows.Close() }()

	out := []Distribution{}
	for rows.Next() {
		var d Distribution
		var archs, comps string
		if err := rows.Scan(&d.RepositoryID, &d.Name, &d.Codename, &d.Suite, &d.Origin, &d.Label,
			&d.Version, &d.Date, &d.Description, &archs, &comps, &d.Raw, &d.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan distribution: %w", err)
		}
		d.Architectures = splitColumn(archs)
		d.Components = splitColumn(comps)
		d.FetchedAt = d.FetchedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// InTx runs fn inside a database transaction.
func (s *SQL) InTx(ctx context.Context, fn func(w DistributionWriter) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(sqlWriter{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlWriter struct {
	ex execer
}

func (w sqlWriter) UpsertDistribution(ctx context.Context, repoID string, d Distribution) error {
	return upsertDistribution(ctx, w.ex, repoID, d)
}

func (w sqlWriter) DeleteDistributionsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	return deleteDistributionsNotIn(ctx, w.ex, repoID, keep)
}

func upsertDistribution(ctx context.Context, ex execer, repoID string, d Distribution) error {
	if d.Name == "" {
		return fmt.Errorf("distribution name cannot be empty")
	}
	_, err := ex.ExecContext(ctx, upsertDistributionSQL,
		repoID, d.Name, d.Codename, d.Suite, d.Origin, d.Label, d.Version, d.Date,
		d.Description, strings.Join(d.Architectures, " "), strings.Join(d.Components, " "),
		d.Raw, d.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert distribution %s/%s: %w", repoID, d.Name, err)
	}
	return nil
}

func deleteDistributionsNotIn(ctx context.Context, ex execer, repoID string, keep []string) (int, error) {
	query := `DELETE FROM distributions WHERE repository_id = ?`
	args := []any{repoID}
	if len(keep) > 0 {
		query += ` AND name NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ") + `)`
		for _, name := range keep {
			args = append(args, name)
		}
	}
	res, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete distributions of %s: %w", repoID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete distributions of %s: %w", repoID, err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (Repository, error) {
	var r Repository
	var last sql.NullTime
	if err := row.Scan(&r.ID, &r.Name, &r.URL, &r.CreatedAt, &last); err != nil {
		return Repository{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if last.Valid {
		r.LastSyncAt = last.Time.UTC()
	}
	return r, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func splitColumn(v string) []string {
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}
