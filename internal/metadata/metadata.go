// Package metadata describes the logical entities backed by physical tables
// and the column layouts of those tables.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cachesync/cachesync/internal/primarykey"
)

var ErrTableNotFound = errors.New("table not found")

type Kind string

const (
	KindEntity     Kind = "entity"
	KindCollection Kind = "collection"
)

// Scope selects which downstream a registry is built for.
type Scope string

const (
	ScopeCache Scope = "cache"
	ScopeIndex Scope = "index"
)

// Entity describes one logical entity (or cached collection) and the table
// that stores it.
type Entity struct {
	Type   string
	Kind   Kind
	Schema string
	Table  string

	// KeyColumns lists identity columns in key order. Ignored when
	// KeyFields is set.
	KeyColumns []string
	// KeyFields maps embedded identifier fields to columns, in field
	// declaration order.
	KeyFields []primarykey.KeyColumn
	// ValueType builds composite identifiers. Nil selects a Record.
	ValueType primarykey.ValueType

	Cached  bool
	Indexed bool
}

func (e Entity) InScope(s Scope) bool {
	switch s {
	case ScopeCache:
		return e.Cached
	case ScopeIndex:
		return e.Indexed
	}
	return false
}

func (e Entity) QualifiedTable() string {
	return QualifiedName(e.Schema, e.Table)
}

func (e Entity) HasKey() bool {
	return len(e.KeyFields) > 0 || len(e.KeyColumns) > 0
}

// QualifiedName is the canonical lower-cased schema.table lookup key.
func QualifiedName(schema, table string) string {
	return strings.ToLower(schema) + "." + strings.ToLower(table)
}

type LayoutSource interface {
	Layout(ctx context.Context, schema, table string) (primarykey.Layout, error)
}

// KeySource reports the primary key columns of a table in key order.
type KeySource interface {
	PrimaryKey(ctx context.Context, schema, table string) ([]string, error)
}

type Provider interface {
	LayoutSource
	Entities(ctx context.Context) ([]Entity, error)
}

// Catalog is a live schema source able to supply layouts and primary keys.
type Catalog interface {
	LayoutSource
	KeySource
}

// Mapped combines a configured entity list with a live catalog. Entities
// without key metadata take the table's primary key from the catalog.
type Mapped struct {
	entities []Entity
	catalog  Catalog
}

func NewMapped(entities []Entity, catalog Catalog) *Mapped {
	return &Mapped{entities: entities, catalog: catalog}
}

func (m *Mapped) Entities(ctx context.Context) ([]Entity, error) {
	out := make([]Entity, len(m.entities))
	for i, e := range m.entities {
		if !e.HasKey() {
			cols, err := m.catalog.PrimaryKey(ctx, e.Schema, e.Table)
			if err != nil {
				return nil, fmt.Errorf("primary key of %s: %w", e.QualifiedTable(), err)
			}
			e.KeyColumns = cols
		}
		out[i] = e
	}
	return out, nil
}

func (m *Mapped) Layout(ctx context.Context, schema, table string) (primarykey.Layout, error) {
	return m.catalog.Layout(ctx, schema, table)
}
