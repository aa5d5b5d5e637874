// Package postgis persists the integrated city dataset as a PostGIS table and
// reads it back for the query facade.
package postgis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultProtectedTables are the PostGIS metadata tables schema sync must
// never drop.
var DefaultProtectedTables = []string{
	"spatial_ref_sys",
	"geometry_columns",
	"geography_columns",
	"raster_columns",
	"raster_overviews",
	"topology",
	"layer",
}

// replaceLockKey serializes concurrent replaces across processes.
const replaceLockKey int64 = 0x636f6d756e69 // "comuni"

// ErrNotFound is returned by GetCity for an unknown uid.
var ErrNotFound = errors.New("city not found")

// querier is satisfied by both a pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Pool is the subset of *pgxpool.Pool the store uses.
type Pool interface {
	querier
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store writes and reads the city table.
type Store struct {
	pool      Pool
	schema    string
	table     string
	protected map[string]bool
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewStore creates a store for schema.table. extraProtected is added to
// DefaultProtectedTables. metrics may be nil.
func NewStore(pool Pool, schema, table string, extraProtected []string, logger *slog.Logger, metrics *observability.Metrics) *Store {
	protected := make(map[string]bool, len(DefaultProtectedTables)+len(extraProtected))
	for _, t := range DefaultProtectedTables {
		protected[t] = true
	}
	for _, t := range extraProtected {
		protected[t] = true
	}
	return &Store{
		pool:      pool,
		schema:    schema,
		table:     table,
		protected: protected,
		logger:    logger,
		metrics:   metrics,
	}
}

// Table returns the target table name.
func (s *Store) Table() string { return s.table }

// IsProtected reports whether schema sync keeps the named table.
func (s *Store) IsProtected(name string) bool {
	return s.protected[name] || s.protected[strings.ToLower(name)]
}

// ListTables returns the base tables of the store schema.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	return s.listTables(ctx, s.pool)
}

func (s *Store) listTables(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = $1 ORDER BY tablename`, s.schema)
	if err != nil {
		return nil, &domain.SchemaSyncError{Op: "list tables", Err: err}
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, &domain.SchemaSyncError{Op: "list tables", Err: err}
	}
	return names, nil
}

// SyncSchema drops every table of the schema that is not protected and
// returns the dropped names.
func (s *Store) SyncSchema(ctx context.Context) ([]string, error) {
	return s.syncSchema(ctx, s.pool, "")
}

// syncSchema drops unprotected tables, sparing keep.
func (s *Store) syncSchema(ctx context.Context, q querier, keep string) ([]string, error) {
	tables, err := s.listTables(ctx, q)
	if err != nil {
		return nil, err
	}

	var dropped []string
	for _, name := range tables {
		if s.IsProtected(name) || name == keep {
			continue
		}
		sql := "DROP TABLE IF EXISTS " + s.ident(name) + " CASCADE"
		if _, err := q.Exec(ctx, sql); err != nil {
			return dropped, &domain.SchemaSyncError{Op: "drop", Table: name, Err: err}
		}
		s.logger.Info("dropped table", "schema", s.schema, "table", name)
		dropped = append(dropped, name)
	}

	if s.metrics != nil {
		s.metrics.TablesDropped.Add(float64(len(dropped)))
	}
	return dropped, nil
}

// Load drops and recreates the city table outside a transaction and copies
// the dataset into it. Readers see no table between the drop and the copy;
// Replace avoids that window.
func (s *Store) Load(ctx context.Context, ds domain.Dataset) (int64, error) {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.ident(s.table)+" CASCADE"); err != nil {
		return 0, &domain.SchemaSyncError{Op: "drop", Table: s.table, Err: err}
	}
	n, err := s.build(ctx, s.pool, s.table, ds)
	if err != nil {
		return 0, err
	}
	if err := s.finalize(ctx, s.pool); err != nil {
		return 0, err
	}
	return n, nil
}

// Replace swaps in a new city table in one transaction: the dataset is copied
// into a staging table, every unprotected table (the old city table included)
// is dropped, and the staging table is renamed. Concurrent replaces wait on a
// transaction-scoped advisory lock. On error nothing changes.
func (s *Store) Replace(ctx context.Context, ds domain.Dataset) (domain.LoadResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.LoadResult{}, fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", replaceLockKey); err != nil {
		return domain.LoadResult{}, fmt.Errorf("acquire replace lock: %w", err)
	}

	staging := s.table + "__staging"
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+s.ident(staging)); err != nil {
		return domain.LoadResult{}, &domain.SchemaSyncError{Op: "drop", Table: staging, Err: err}
	}

	n, err := s.build(ctx, tx, staging, ds)
	if err != nil {
		return domain.LoadResult{}, err
	}

	dropped, err := s.syncSchema(ctx, tx, staging)
	if err != nil {
		return domain.LoadResult{}, err
	}

	rename := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", s.ident(staging), pgx.Identifier{s.table}.Sanitize())
	if _, err := tx.Exec(ctx, rename); err != nil {
		return domain.LoadResult{}, &domain.SchemaSyncError{Op: "rename", Table: staging, Err: err}
	}
	if err := s.finalize(ctx, tx); err != nil {
		return domain.LoadResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.LoadResult{}, fmt.Errorf("commit replace: %w", err)
	}

	s.logger.Info("city table replaced", "table", s.table, "rows", n, "dropped", len(dropped))
	return domain.LoadResult{Dropped: dropped, Rows: n}, nil
}

// build creates table and copies the dataset into it.
func (s *Store) build(ctx context.Context, q querier, table string, ds domain.Dataset) (int64, error) {
	if _, err := q.Exec(ctx, createTableSQL(s.ident(table))); err != nil {
		return 0, &domain.SchemaSyncError{Op: "create", Table: table, Err: err}
	}

	rows, err := datasetRows(ds)
	if err != nil {
		return 0, err
	}
	n, err := q.CopyFrom(ctx, pgx.Identifier{s.schema, table}, Columns(), pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy into %s.%s: %w", s.schema, table, err)
	}

	if s.metrics != nil {
		s.metrics.RowsLoaded.Add(float64(n))
	}
	return n, nil
}

// finalize adds the uid constraint and the spatial index to the city table.
// They are created after the rename so their names follow the final table.
func (s *Store) finalize(ctx context.Context, q querier) error {
	target := s.ident(s.table)
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE (uid)", target, pgx.Identifier{s.table + "_uid_key"}.Sanitize()),
		fmt.Sprintf("CREATE INDEX %s ON %s USING GIST (geometry)", pgx.Identifier{s.table + "_geometry_idx"}.Sanitize(), target),
	}
	for _, sql := range stmts {
		if _, err := q.Exec(ctx, sql); err != nil {
			return &domain.SchemaSyncError{Op: "index", Table: s.table, Err: err}
		}
	}
	return nil
}

func (s *Store) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CheckReadiness implements the readiness probe of the facade.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}
