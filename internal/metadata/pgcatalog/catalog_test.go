package pgcatalog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachesync/cachesync/internal/metadata"
	"github.com/cachesync/cachesync/internal/primarykey"
)

func TestLayoutQuerySkipsColumnsMissingFromTuples(t *testing.T) {
	assert.Contains(t, layoutQuery, "NOT a.attisdropped")
	assert.Contains(t, layoutQuery, "a.attgenerated = ''")
	assert.Contains(t, layoutQuery, "ORDER BY a.attnum")
}

// Runs against the database named by CACHESYNC_TEST_DSN.
func TestCatalogIntegration(t *testing.T) {
	dsn := os.Getenv("CACHESYNC_TEST_DSN")
	if dsn == "" {
		t.Skip("CACHESYNC_TEST_DSN not set")
	}

	ctx := t.Context()
	catalog, err := New(ctx, dsn, nil)
	require.NoError(t, err)
	defer catalog.Close()

	_, err = catalog.pool.Exec(ctx, `
		DROP TABLE IF EXISTS cachesync_lines;
		CREATE TABLE cachesync_lines (
			note text,
			order_id bigint,
			dropped int,
			line_total numeric GENERATED ALWAYS AS (order_id * 2) STORED,
			line_no int,
			PRIMARY KEY (order_id, line_no)
		);
		ALTER TABLE cachesync_lines DROP COLUMN dropped;
	`)
	require.NoError(t, err)
	defer catalog.pool.Exec(ctx, `DROP TABLE IF EXISTS cachesync_lines`)

	layout, err := catalog.Layout(ctx, "PUBLIC", "cachesync_lines")
	require.NoError(t, err)
	assert.Equal(t, primarykey.NewLayout("note", "order_id", "line_no"), layout)

	pk, err := catalog.PrimaryKey(ctx, "public", "CACHESYNC_LINES")
	require.NoError(t, err)
	assert.Equal(t, []string{"order_id", "line_no"}, pk)

	_, err = catalog.Layout(ctx, "public", "cachesync_missing")
	assert.ErrorIs(t, err, metadata.ErrTableNotFound)
}
