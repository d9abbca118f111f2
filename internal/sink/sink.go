// Package sink implements the downstream consumers of resolved entity
// references.
package sink

import (
	"context"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/cachesync/cachesync/internal/primarykey"
	"github.com/cachesync/cachesync/internal/resolver"
)

// FormatID renders an identifier for use in cache keys and journal entries.
// Values decoded from the replication stream are written in their PostgreSQL
// text form; composite Records render as name=value pairs.
func FormatID(id any) string {
	rec, ok := id.(*primarykey.Record)
	if !ok {
		return formatValue(id)
	}

	var b strings.Builder
	for i, name := range rec.Names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(formatValue(rec.Values[i]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return `\x` + hex.EncodeToString(x)
	case [16]byte:
		if s, err := (pgtype.UUID{Bytes: x, Valid: true}).Value(); err == nil {
			return s.(string)
		}
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case driver.Valuer:
		if val, err := x.Value(); err == nil {
			if val == nil {
				return fmt.Sprint(nil)
			}
			return formatValue(val)
		}
	case fmt.Stringer:
		return x.String()
	}

	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return formatValue(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

// Multi applies each sink in order and stops at the first error.
type Multi []resolver.Sink

func (m Multi) Apply(ctx context.Context, refs []resolver.EntityRef) error {
	for i, s := range m {
		if err := s.Apply(ctx, refs); err != nil {
			return fmt.Errorf("sink %d (%T): %w", i, s, err)
		}
	}
	return nil
}

// Log writes every batch to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Apply(ctx context.Context, refs []resolver.EntityRef) error {
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.EntityType + "#" + FormatID(ref.ID)
	}
	l.logger.Info("entities changed", zap.Int("count", len(refs)), zap.Strings("refs", ids))
	return nil
}
