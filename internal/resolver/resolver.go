// Package resolver turns row mutation events into the logical entities they
// affect and hands them to a downstream sink.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachesync/cachesync/internal/cdc"
	"github.com/cachesync/cachesync/internal/metadata"
	"github.com/cachesync/cachesync/internal/metrics"
	"github.com/cachesync/cachesync/internal/primarykey"
)

// EntityRef names one changed entity.
type EntityRef struct {
	EntityType string
	ID         any
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s#%v", r.EntityType, r.ID)
}

// identity distinguishes identifiers of different Go types that print alike,
// down to the individual values of a composite Record.
func (r EntityRef) identity() string {
	rec, ok := r.ID.(*primarykey.Record)
	if !ok {
		return fmt.Sprintf("%s\x00%T\x00%#v", r.EntityType, r.ID, r.ID)
	}

	var b strings.Builder
	b.WriteString(r.EntityType)
	for i, v := range rec.Values {
		fmt.Fprintf(&b, "\x00%s\x00%T\x00%#v", rec.Names[i], v, v)
	}
	return b.String()
}

// Sink receives the entities changed by one event. Apply is called at most
// once per event and never with an empty batch.
type Sink interface {
	Apply(ctx context.Context, refs []EntityRef) error
}

type Option func(*Resolver)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithDedup drops repeated (type, identifier) pairs within one dispatch,
// keeping the first occurrence.
func WithDedup() Option {
	return func(r *Resolver) {
		r.dedup = true
	}
}

// WithAfterImage also resolves the after image of updated rows and emits it
// when its identifier differs from the before image.
func WithAfterImage() Option {
	return func(r *Resolver) {
		r.afterImage = true
	}
}

// WithParallelism projects the rows of mutations with at least threshold
// rows on up to n goroutines. Output order is unchanged.
func WithParallelism(n, threshold int) Option {
	return func(r *Resolver) {
		r.parallelism = n
		r.threshold = threshold
	}
}

// Resolver is a cdc.Listener. It expects one event at a time.
type Resolver struct {
	registry    *Registry
	sink        Sink
	logger      *zap.Logger
	metrics     *metrics.Metrics
	dedup       bool
	afterImage  bool
	parallelism int
	threshold   int
}

func New(registry *Registry, sink Sink, opts ...Option) *Resolver {
	r := &Resolver{
		registry: registry,
		sink:     sink,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.threshold <= 0 {
		r.threshold = 1
	}
	return r
}

func (r *Resolver) OnEvent(ctx context.Context, event cdc.Event) error {
	start := time.Now()
	r.metrics.ObserveEvent(string(event.Kind()))

	mutations := normalize(event)
	if len(mutations) == 0 {
		return nil
	}

	refs, err := r.Resolve(ctx, mutations)
	if err != nil {
		r.metrics.ResolveError()
		return err
	}
	if len(refs) == 0 {
		return nil
	}

	r.logger.Debug("applying entity refs",
		zap.String("kind", string(event.Kind())),
		zap.Int("mutations", len(mutations)),
		zap.Int("refs", len(refs)))

	if err := r.sink.Apply(ctx, refs); err != nil {
		r.metrics.SinkError()
		return fmt.Errorf("sink apply failed: %w", err)
	}

	for _, ref := range refs {
		r.metrics.ObserveRef(ref.EntityType)
	}
	r.metrics.ObserveDispatch(start)
	return nil
}

// normalize flattens a transaction into its row mutations. Events that are
// neither a transaction nor a mutation yield nothing.
func normalize(event cdc.Event) []cdc.Mutation {
	switch e := event.(type) {
	case *cdc.Transaction:
		mutations := make([]cdc.Mutation, 0, len(e.Events))
		for _, sub := range e.Events {
			if m, ok := sub.(cdc.Mutation); ok {
				mutations = append(mutations, m)
			}
		}
		return mutations
	case cdc.Mutation:
		return []cdc.Mutation{e}
	default:
		return nil
	}
}

// Resolve projects every row of mutations through the targets of its table.
// References are ordered by mutation, then row, then target registration.
func (r *Resolver) Resolve(ctx context.Context, mutations []cdc.Mutation) ([]EntityRef, error) {
	var refs []EntityRef

	for _, m := range mutations {
		targets := r.registry.Targets(m.Schema(), m.Table())
		if len(targets) == 0 {
			continue
		}
		r.metrics.ObserveMutation(metadata.QualifiedName(m.Schema(), m.Table()))

		rows, after, err := r.affectedRows(m)
		if err != nil {
			return nil, err
		}

		out, err := r.project(ctx, rows, after, targets)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", m.Kind(), metadata.QualifiedName(m.Schema(), m.Table()), err)
		}
		refs = append(refs, out...)
	}

	if r.dedup {
		refs = dedupe(refs)
	}
	return refs, nil
}

// affectedRows returns the identity rows of m and, for updates resolved with
// after images, the matching after rows.
func (r *Resolver) affectedRows(m cdc.Mutation) ([]cdc.Row, []cdc.Row, error) {
	switch e := m.(type) {
	case *cdc.Insert:
		return e.Rows, nil, nil
	case *cdc.Update:
		before := make([]cdc.Row, len(e.Rows))
		var after []cdc.Row
		if r.afterImage {
			after = make([]cdc.Row, len(e.Rows))
		}
		for i, change := range e.Rows {
			before[i] = change.Before
			if after != nil {
				after[i] = change.After
			}
		}
		return before, after, nil
	case *cdc.Delete:
		return e.Rows, nil, nil
	default:
		return nil, nil, &UnsupportedEventKindError{Kind: m.Kind()}
	}
}

func (r *Resolver) project(ctx context.Context, rows, after []cdc.Row, targets []Target) ([]EntityRef, error) {
	if r.parallelism <= 1 || len(rows) < r.threshold {
		var refs []EntityRef
		for i, row := range rows {
			var err error
			if refs, err = projectRow(refs, row, afterRow(after, i), targets); err != nil {
				return nil, err
			}
		}
		return refs, nil
	}

	slots := make([][]EntityRef, len(rows))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i := range rows {
		g.Go(func() error {
			out, err := projectRow(nil, rows[i], afterRow(after, i), targets)
			slots[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var refs []EntityRef
	for _, out := range slots {
		refs = append(refs, out...)
	}
	return refs, nil
}

func afterRow(after []cdc.Row, i int) cdc.Row {
	if after == nil {
		return nil
	}
	return after[i]
}

func projectRow(refs []EntityRef, row, after cdc.Row, targets []Target) ([]EntityRef, error) {
	for _, t := range targets {
		id, err := t.Key.Project(row)
		if err != nil {
			return nil, err
		}
		ref := EntityRef{EntityType: t.EntityType, ID: id}
		refs = append(refs, ref)

		if after == nil {
			continue
		}
		afterID, err := t.Key.Project(after)
		if err != nil {
			return nil, err
		}
		if next := (EntityRef{EntityType: t.EntityType, ID: afterID}); next.identity() != ref.identity() {
			refs = append(refs, next)
		}
	}
	return refs, nil
}

func dedupe(refs []EntityRef) []EntityRef {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		k := ref.identity()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ref)
	}
	return out
}
