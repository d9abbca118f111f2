package metadata

import (
	"context"
	"fmt"

	"github.com/cachesync/cachesync/internal/primarykey"
)

// Static is an in-memory Provider and Catalog.
type Static struct {
	entities []Entity
	layouts  map[string]primarykey.Layout
	keys     map[string][]string
}

func NewStatic() *Static {
	return &Static{
		layouts: make(map[string]primarykey.Layout),
		keys:    make(map[string][]string),
	}
}

// AddTable registers a table layout from its columns in row order.
func (s *Static) AddTable(schema, table string, columns ...string) *Static {
	s.layouts[QualifiedName(schema, table)] = primarykey.NewLayout(columns...)
	return s
}

func (s *Static) SetPrimaryKey(schema, table string, columns ...string) *Static {
	s.keys[QualifiedName(schema, table)] = columns
	return s
}

func (s *Static) AddEntity(e Entity) *Static {
	s.entities = append(s.entities, e)
	return s
}

func (s *Static) Entities(ctx context.Context) ([]Entity, error) {
	out := make([]Entity, len(s.entities))
	copy(out, s.entities)
	return out, nil
}

func (s *Static) Layout(ctx context.Context, schema, table string) (primarykey.Layout, error) {
	layout, ok := s.layouts[QualifiedName(schema, table)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, QualifiedName(schema, table))
	}
	return layout, nil
}

func (s *Static) PrimaryKey(ctx context.Context, schema, table string) ([]string, error) {
	cols, ok := s.keys[QualifiedName(schema, table)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, QualifiedName(schema, table))
	}
	return cols, nil
}
