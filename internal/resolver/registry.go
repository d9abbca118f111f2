package resolver

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cachesync/cachesync/internal/metadata"
	"github.com/cachesync/cachesync/internal/primarykey"
)

// Target is one logical entity to notify when its table mutates.
type Target struct {
	EntityType string
	Key        *primarykey.Key
	Indexed    bool
	Collection bool
}

// Registry maps qualified table names to their targets. It is immutable and
// safe for concurrent readers.
type Registry struct {
	targets map[string][]Target
	count   int
}

// Targets returns the targets of a table in registration order.
func (r *Registry) Targets(schema, table string) []Target {
	return r.targets[metadata.QualifiedName(schema, table)]
}

// Tables returns the registered qualified table names, sorted.
func (r *Registry) Tables() []string {
	tables := make([]string, 0, len(r.targets))
	for name := range r.targets {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables
}

// Len returns the total number of targets.
func (r *Registry) Len() int {
	return r.count
}

// Builder accumulates targets during setup.
type Builder struct {
	scope   metadata.Scope
	logger  *zap.Logger
	targets map[string][]Target
	count   int
}

func NewBuilder(scope metadata.Scope, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		scope:   scope,
		logger:  logger,
		targets: make(map[string][]Target),
	}
}

// Register walks every entity of p and appends a target for each entity in
// the builder's scope. Nothing is registered if any entity fails to compile.
// Each walk appends: registering the same provider twice yields two targets
// per entity.
func (b *Builder) Register(ctx context.Context, p metadata.Provider) error {
	entities, err := p.Entities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}

	type pending struct {
		table  string
		target Target
	}
	var compiled []pending

	for _, e := range entities {
		if !e.InScope(b.scope) {
			b.logger.Debug("skipping entity outside scope",
				zap.String("entity", e.Type),
				zap.String("scope", string(b.scope)))
			continue
		}

		target, err := compileTarget(ctx, p, e)
		if err != nil {
			return fmt.Errorf("entity %s: %w", e.Type, err)
		}
		compiled = append(compiled, pending{table: e.QualifiedTable(), target: target})
	}

	for _, c := range compiled {
		b.targets[c.table] = append(b.targets[c.table], c.target)
		b.count++
		b.logger.Info("registered target",
			zap.String("table", c.table),
			zap.String("entity", c.target.EntityType),
			zap.Int("key_width", c.target.Key.Width()))
	}
	return nil
}

// Build returns an immutable snapshot of the registered targets.
func (b *Builder) Build() *Registry {
	targets := make(map[string][]Target, len(b.targets))
	for name, ts := range b.targets {
		targets[name] = append([]Target(nil), ts...)
	}
	return &Registry{targets: targets, count: b.count}
}

// BuildRegistry registers every entity of p in scope and returns the registry.
func BuildRegistry(ctx context.Context, p metadata.Provider, scope metadata.Scope, logger *zap.Logger) (*Registry, error) {
	b := NewBuilder(scope, logger)
	if err := b.Register(ctx, p); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func compileTarget(ctx context.Context, layouts metadata.LayoutSource, e metadata.Entity) (Target, error) {
	layout, err := layouts.Layout(ctx, e.Schema, e.Table)
	if err != nil {
		return Target{}, fmt.Errorf("failed to load layout: %w", err)
	}

	var key *primarykey.Key
	if len(e.KeyFields) > 0 {
		key, err = primarykey.CompileComposite(e.QualifiedTable(), e.KeyFields, layout, e.ValueType)
	} else {
		key, err = primarykey.Compile(e.QualifiedTable(), e.KeyColumns, layout)
	}
	if err != nil {
		return Target{}, err
	}

	collection := e.Kind == metadata.KindCollection
	if collection && key.Width() != 1 {
		return Target{}, fmt.Errorf("%w %d for %s", primarykey.ErrCollectionKeyWidth, key.Width(), e.QualifiedTable())
	}

	return Target{
		EntityType: e.Type,
		Key:        key,
		Indexed:    e.Indexed,
		Collection: collection,
	}, nil
}
