// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pvoronin/giftwatch/internal/monitor"
)

// StoreConfig controls the Postgres connection pool.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// db is the pool surface the store needs; pgxpool.Pool and pgxmock both
// satisfy it.
type db interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements monitor.ItemStore and monitor.SourceStore over Postgres.
// Items live in a single table keyed by (source_name, num) rather than one
// table per source.
type Store struct {
	pool db
}

// NewStore connects a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewStoreWithPool(pool db) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InitSchema creates the items and sources tables when missing.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sources (
	name TEXT PRIMARY KEY,
	url_template TEXT NOT NULL,
	start_num INTEGER NOT NULL DEFAULT 1,
	current_num INTEGER NOT NULL DEFAULT 1,
	last_quantity INTEGER NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE TABLE IF NOT EXISTS items (
	source_name TEXT NOT NULL,
	num INTEGER NOT NULL,
	owner TEXT,
	model TEXT,
	backdrop TEXT,
	symbol TEXT,
	quantity INTEGER,
	url TEXT,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (source_name, num)
)`,
		`CREATE INDEX IF NOT EXISTS idx_items_model ON items (source_name, model)`,
		`CREATE INDEX IF NOT EXISTS idx_items_owner ON items (source_name, owner)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// SaveItem upserts one discovered item.
func (s *Store) SaveItem(ctx context.Context, item monitor.Item) error {
	query := `
INSERT INTO items (source_name, num, owner, model, backdrop, symbol, quantity, url, discovered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (source_name, num) DO UPDATE SET
	owner = EXCLUDED.owner,
	model = EXCLUDED.model,
	backdrop = EXCLUDED.backdrop,
	symbol = EXCLUDED.symbol,
	quantity = EXCLUDED.quantity,
	url = EXCLUDED.url,
	discovered_at = EXCLUDED.discovered_at`
	if _, err := s.pool.Exec(ctx, query,
		item.SourceName,
		item.Index,
		item.Fields.Owner,
		item.Fields.Model,
		item.Fields.Backdrop,
		item.Fields.Symbol,
		item.Fields.Quantity,
		item.SourceURL,
		item.DiscoveredAt,
	); err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

const itemColumns = `source_name, num, owner, model, backdrop, symbol, quantity, url, discovered_at`

// LatestItems returns up to limit items ordered by descending index.
func (s *Store) LatestItems(ctx context.Context, sourceName string, limit int) ([]monitor.Item, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM items WHERE source_name = $1 ORDER BY num DESC LIMIT $2`, itemColumns)
	rows, err := s.pool.Query(ctx, query, sourceName, limit)
	if err != nil {
		return nil, fmt.Errorf("query latest items: %w", err)
	}
	return scanItems(rows)
}

// searchColumns whitelists field names so queries never interpolate caller
// input into identifiers.
var searchColumns = map[string]string{
	"owner":    "owner",
	"model":    "model",
	"backdrop": "backdrop",
	"symbol":   "symbol",
}

// SearchItems filters items by field/query, descending by index. The "all"
// field matches any attribute or an exact index.
func (s *Store) SearchItems(ctx context.Context, sourceName, query, field string, exact bool) ([]monitor.Item, error) {
	var (
		sql  string
		args []any
	)
	switch {
	case field == "" || field == "all":
		if exact {
			sql = fmt.Sprintf(`SELECT %s FROM items
WHERE source_name = $1 AND (owner = $2 OR model = $2 OR backdrop = $2 OR symbol = $2 OR num::text = $2)
ORDER BY num DESC`, itemColumns)
			args = []any{sourceName, query}
		} else {
			sql = fmt.Sprintf(`SELECT %s FROM items
WHERE source_name = $1 AND (owner ILIKE $2 OR model ILIKE $2 OR backdrop ILIKE $2 OR symbol ILIKE $2 OR num::text = $3)
ORDER BY num DESC`, itemColumns)
			args = []any{sourceName, "%" + query + "%", query}
		}
	case field == "index":
		sql = fmt.Sprintf(`SELECT %s FROM items WHERE source_name = $1 AND num::text = $2 ORDER BY num DESC`, itemColumns)
		args = []any{sourceName, query}
	default:
		column, ok := searchColumns[field]
		if !ok {
			return nil, fmt.Errorf("unknown search field %q", field)
		}
		if exact {
			sql = fmt.Sprintf(`SELECT %s FROM items WHERE source_name = $1 AND %s = $2 ORDER BY num DESC`, itemColumns, column)
			args = []any{sourceName, query}
		} else {
			sql = fmt.Sprintf(`SELECT %s FROM items WHERE source_name = $1 AND %s ILIKE $2 ORDER BY num DESC`, itemColumns, column)
			args = []any{sourceName, "%" + query + "%"}
		}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	return scanItems(rows)
}

// Stats summarizes stored items for one source.
func (s *Store) Stats(ctx context.Context, sourceName string) (monitor.SourceStats, error) {
	query := `
SELECT COUNT(*), COALESCE(MAX(num), 0), COUNT(DISTINCT model)
FROM items WHERE source_name = $1`
	var stats monitor.SourceStats
	if err := s.pool.QueryRow(ctx, query, sourceName).Scan(&stats.Total, &stats.LastIndex, &stats.UniqueModels); err != nil {
		return monitor.SourceStats{}, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

// AddSource inserts a source registration row.
func (s *Store) AddSource(ctx context.Context, rec monitor.SourceRecord) error {
	if rec.StartIndex < 1 {
		rec.StartIndex = 1
	}
	cursor := rec.Cursor
	if cursor == 0 {
		cursor = rec.StartIndex
	}
	query := `
INSERT INTO sources (name, url_template, start_num, current_num, last_quantity, is_active)
VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := s.pool.Exec(ctx, query,
		rec.Name,
		rec.URLTemplate,
		rec.StartIndex,
		cursor,
		rec.LastQuantity,
		rec.Active,
	); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

const sourceColumns = `name, url_template, start_num, current_num, last_quantity, is_active, created_at`

// GetSource fetches one source row by name.
func (s *Store) GetSource(ctx context.Context, name string) (monitor.SourceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sources WHERE name = $1`, sourceColumns)
	rec, err := scanSource(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		return monitor.SourceRecord{}, fmt.Errorf("query source: %w", err)
	}
	return rec, nil
}

// ListSources returns registered sources ordered by name.
func (s *Store) ListSources(ctx context.Context, activeOnly bool) ([]monitor.SourceRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM sources`, sourceColumns)
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()
	var out []monitor.SourceRecord
	for rows.Next() {
		rec, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// UpdateSourceState persists the cursor and quantity high-water mark.
func (s *Store) UpdateSourceState(ctx context.Context, name string, cursor, lastQuantity int) error {
	query := `UPDATE sources SET current_num = $2, last_quantity = $3 WHERE name = $1`
	if _, err := s.pool.Exec(ctx, query, name, cursor, lastQuantity); err != nil {
		return fmt.Errorf("update source state: %w", err)
	}
	return nil
}

// SetSourceActive toggles a source's active flag.
func (s *Store) SetSourceActive(ctx context.Context, name string, active bool) error {
	query := `UPDATE sources SET is_active = $2 WHERE name = $1`
	if _, err := s.pool.Exec(ctx, query, name, active); err != nil {
		return fmt.Errorf("update source active: %w", err)
	}
	return nil
}

func scanItems(rows pgx.Rows) ([]monitor.Item, error) {
	defer rows.Close()
	var out []monitor.Item
	for rows.Next() {
		var item monitor.Item
		if err := rows.Scan(
			&item.SourceName,
			&item.Index,
			&item.Fields.Owner,
			&item.Fields.Model,
			&item.Fields.Backdrop,
			&item.Fields.Symbol,
			&item.Fields.Quantity,
			&item.SourceURL,
			&item.DiscoveredAt,
		); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func scanSource(row pgx.Row) (monitor.SourceRecord, error) {
	var rec monitor.SourceRecord
	if err := row.Scan(
		&rec.Name,
		&rec.URLTemplate,
		&rec.StartIndex,
		&rec.Cursor,
		&rec.LastQuantity,
		&rec.Active,
		&rec.CreatedAt,
	); err != nil {
		return monitor.SourceRecord{}, err
	}
	return rec, nil
}
