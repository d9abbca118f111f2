package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachesync/cachesync/internal/metadata"
	"github.com/cachesync/cachesync/internal/primarykey"
)

type failingProvider struct{}

func (failingProvider) Entities(ctx context.Context) ([]metadata.Entity, error) {
	return nil, errors.New("catalog unavailable")
}

func (failingProvider) Layout(ctx context.Context, schema, table string) (primarykey.Layout, error) {
	return nil, errors.New("unreachable")
}

func TestRegistryScope(t *testing.T) {
	p := metadata.NewStatic().
		AddTable("app", "t", "id").
		AddEntity(metadata.Entity{Type: "Cached", Schema: "app", Table: "t", KeyColumns: []string{"id"}, Cached: true}).
		AddEntity(metadata.Entity{Type: "Indexed", Schema: "app", Table: "t", KeyColumns: []string{"id"}, Indexed: true})

	cacheReg, err := BuildRegistry(t.Context(), p, metadata.ScopeCache, nil)
	require.NoError(t, err)
	require.Len(t, cacheReg.Targets("app", "t"), 1)
	assert.Equal(t, "Cached", cacheReg.Targets("app", "t")[0].EntityType)
	assert.False(t, cacheReg.Targets("app", "t")[0].Indexed)

	indexReg, err := BuildRegistry(t.Context(), p, metadata.ScopeIndex, nil)
	require.NoError(t, err)
	require.Len(t, indexReg.Targets("app", "t"), 1)
	assert.Equal(t, "Indexed", indexReg.Targets("app", "t")[0].EntityType)
	assert.True(t, indexReg.Targets("app", "t")[0].Indexed)
}

func TestRegistryRepeatedSetup(t *testing.T) {
	p := twoTableProvider()

	first, err := BuildRegistry(t.Context(), p, metadata.ScopeCache, nil)
	require.NoError(t, err)
	second, err := BuildRegistry(t.Context(), p, metadata.ScopeCache, nil)
	require.NoError(t, err)

	for _, reg := range []*Registry{first, second} {
		assert.Equal(t, 2, reg.Len())
		assert.Len(t, reg.Targets("app", "t1"), 1)
		assert.Len(t, reg.Targets("app", "t2"), 1)
	}
	assert.Equal(t, []string{"app.t1", "app.t2"}, first.Tables())

	// walking the same metadata twice into one builder does not merge
	b := NewBuilder(metadata.ScopeCache, nil)
	require.NoError(t, b.Register(t.Context(), p))
	require.NoError(t, b.Register(t.Context(), p))
	reg := b.Build()
	assert.Equal(t, 4, reg.Len())
	assert.Len(t, reg.Targets("app", "t1"), 2)
}

func TestRegistryBuildIsSnapshot(t *testing.T) {
	b := NewBuilder(metadata.ScopeCache, nil)
	require.NoError(t, b.Register(t.Context(), twoTableProvider()))
	reg := b.Build()

	require.NoError(t, b.Register(t.Context(), twoTableProvider()))
	assert.Equal(t, 2, reg.Len())
	assert.Len(t, reg.Targets("app", "t1"), 1)
}

func TestRegistryMissingKeyColumn(t *testing.T) {
	p := metadata.NewStatic().
		AddTable("app", "t", "id").
		AddTable("app", "u", "id", "name").
		AddEntity(metadata.Entity{Type: "Good", Schema: "app", Table: "t", KeyColumns: []string{"id"}, Cached: true}).
		AddEntity(metadata.Entity{Type: "Bad", Schema: "app", Table: "u", KeyColumns: []string{"uuid"}, Cached: true})

	b := NewBuilder(metadata.ScopeCache, nil)
	err := b.Register(t.Context(), p)
	require.Error(t, err)
	assert.True(t, primarykey.IsSchemaMismatchError(err))
	assert.Contains(t, err.Error(), "Bad")

	reg := b.Build()
	assert.Equal(t, 0, reg.Len(), "setup must not register a partial set of targets")
	assert.Empty(t, reg.Targets("app", "u"))
	assert.Empty(t, reg.Targets("app", "t"))
}

func TestRegistryMissingTable(t *testing.T) {
	p := metadata.NewStatic().
		AddEntity(metadata.Entity{Type: "Ghost", Schema: "app", Table: "ghost", KeyColumns: []string{"id"}, Cached: true})

	_, err := BuildRegistry(t.Context(), p, metadata.ScopeCache, nil)
	assert.ErrorIs(t, err, metadata.ErrTableNotFound)
}

func TestRegistryEmptyKey(t *testing.T) {
	p := metadata.NewStatic().
		AddTable("app", "t", "id").
		AddEntity(metadata.Entity{Type: "Keyless", Schema: "app", Table: "t", Cached: true})

	_, err := BuildRegistry(t.Context(), p, metadata.ScopeCache, nil)
	assert.ErrorIs(t, err, primarykey.ErrEmptyKey)
}

func TestRegistryCollectionKeyWidth(t *testing.T) {
	p := metadata.NewStatic().
		AddTable("app", "order_tags", "order_id", "tag").
		AddEntity(metadata.Entity{Type: "Order.tags", Kind: metadata.KindCollection, Schema: "app", Table: "order_tags",
			KeyColumns: []string{"order_id"}, Cached: true})

	reg, err := BuildRegistry(t.Context(), p, metadata.ScopeCache, nil)
	require.NoError(t, err)
	assert.True(t, reg.Targets("app", "order_tags")[0].Collection)

	wide := metadata.NewStatic().
		AddTable("app", "order_tags", "order_id", "tag").
		AddEntity(metadata.Entity{Type: "Order.tags", Kind: metadata.KindCollection, Schema: "app", Table: "order_tags",
			KeyColumns: []string{"order_id", "tag"}, Cached: true})

	_, err = BuildRegistry(t.Context(), wide, metadata.ScopeCache, nil)
	assert.ErrorIs(t, err, primarykey.ErrCollectionKeyWidth)
}

func TestRegistryProviderError(t *testing.T) {
	_, err := BuildRegistry(t.Context(), failingProvider{}, metadata.ScopeCache, nil)
	assert.Error(t, err)
}
