// Package pgcatalog reads table layouts and primary keys from a live
// PostgreSQL catalog.
package pgcatalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cachesync/cachesync/internal/metadata"
	"github.com/cachesync/cachesync/internal/primarykey"
)

// Positions are assigned from the ordered list of live attributes, matching
// the column order of pgoutput tuples. Dropped and generated columns are
// skipped since pgoutput never sends them.
const layoutQuery = `
	SELECT a.attname
	FROM pg_attribute a
	JOIN pg_class c ON c.oid = a.attrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE lower(n.nspname) = lower($1)
	  AND lower(c.relname) = lower($2)
	  AND c.relkind IN ('r', 'p')
	  AND a.attnum > 0
	  AND NOT a.attisdropped
	  AND a.attgenerated = ''
	ORDER BY a.attnum
`

const primaryKeyQuery = `
	SELECT a.attname
	FROM pg_index ix
	JOIN pg_class t ON t.oid = ix.indrelid
	JOIN pg_namespace n ON n.oid = t.relnamespace
	JOIN LATERAL unnest(ix.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord) ON true
	JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
	WHERE ix.indisprimary
	  AND lower(n.nspname) = lower($1)
	  AND lower(t.relname) = lower($2)
	ORDER BY k.ord
`

// Catalog implements metadata.Catalog. Layouts are cached per table for the
// lifetime of the Catalog.
type Catalog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	mu      sync.Mutex
	layouts map[string]primarykey.Layout
}

func New(ctx context.Context, connString string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &Catalog{
		pool:    pool,
		logger:  logger,
		layouts: make(map[string]primarykey.Layout),
	}, nil
}

func (c *Catalog) Close() {
	c.pool.Close()
}

func (c *Catalog) Layout(ctx context.Context, schema, table string) (primarykey.Layout, error) {
	name := metadata.QualifiedName(schema, table)

	c.mu.Lock()
	cached, ok := c.layouts[name]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	columns, err := c.names(ctx, layoutQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", name, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: %s", metadata.ErrTableNotFound, name)
	}

	layout := primarykey.NewLayout(columns...)
	c.logger.Debug("loaded table layout", zap.String("table", name), zap.Strings("columns", columns))

	c.mu.Lock()
	c.layouts[name] = layout
	c.mu.Unlock()
	return layout, nil
}

func (c *Catalog) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	name := metadata.QualifiedName(schema, table)

	columns, err := c.names(ctx, primaryKeyQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query primary key of %s: %w", name, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w for %s", primarykey.ErrEmptyKey, name)
	}
	return columns, nil
}

func (c *Catalog) names(ctx context.Context, query, schema, table string) ([]string, error) {
	rows, err := c.pool.Query(ctx, query, schema, table)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
