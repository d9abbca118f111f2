package primarykey

import (
	"fmt"
	"reflect"
	"strings"
)

// Setter assigns v to one field of an identifier allocated by a ValueType.
type Setter func(dst any, v any) error

// ValueType describes a structured identifier that can be allocated and
// populated field by field. Setters are resolved once when a key is compiled.
type ValueType interface {
	Name() string
	New() (any, error)
	Setter(field string) (Setter, error)
}

// Record is the identifier produced by RecordType: an ordered list of named
// values. It is used for composite keys of entities that have no Go type.
type Record struct {
	Type   string
	Names  []string
	Values []any
}

// Get returns the value of the named field.
func (r *Record) Get(name string) (any, bool) {
	for i, n := range r.Names {
		if n == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// String renders the record as name=value pairs in declaration order.
func (r *Record) String() string {
	var b strings.Builder
	for i, n := range r.Names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%v", n, r.Values[i])
	}
	return b.String()
}

// RecordType allocates Records with a fixed field set.
type RecordType struct {
	name   string
	fields []string
}

// NewRecordType returns a RecordType whose Records carry fields in the given
// order.
func NewRecordType(name string, fields ...string) *RecordType {
	return &RecordType{name: name, fields: append([]string(nil), fields...)}
}

// Name is the Type recorded on every Record.
func (t *RecordType) Name() string {
	return t.name
}

// New allocates a *Record with its own copy of the field names.
func (t *RecordType) New() (any, error) {
	return &Record{
		Type:   t.name,
		Names:  append([]string(nil), t.fields...),
		Values: make([]any, len(t.fields)),
	}, nil
}

// Setter returns a Setter writing the named field of a *Record.
func (t *RecordType) Setter(field string) (Setter, error) {
	for i, name := range t.fields {
		if name != field {
			continue
		}
		idx := i
		return func(dst any, v any) error {
			rec, ok := dst.(*Record)
			if !ok {
				return fmt.Errorf("expected *Record, got %T", dst)
			}
			rec.Values[idx] = v
			return nil
		}, nil
	}
	return nil, fmt.Errorf("record type %s has no field %s", t.name, field)
}

type structType struct {
	typ reflect.Type
}

// StructType returns a ValueType backed by a Go struct. sample may be a struct
// value or a pointer to one; identifiers are allocated as pointers.
func StructType(sample any) (ValueType, error) {
	t := reflect.TypeOf(sample)
	if t == nil {
		return nil, fmt.Errorf("nil identifier sample")
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("identifier type %s is not a struct", t)
	}
	return &structType{typ: t}, nil
}

func (s *structType) Name() string {
	return s.typ.String()
}

func (s *structType) New() (any, error) {
	return reflect.New(s.typ).Interface(), nil
}

func (s *structType) Setter(field string) (Setter, error) {
	sf, ok := s.typ.FieldByName(field)
	if !ok {
		return nil, fmt.Errorf("no field %s", field)
	}
	if !sf.IsExported() {
		return nil, fmt.Errorf("field %s is not exported", field)
	}
	index := sf.Index
	fieldType := sf.Type

	return func(dst any, v any) error {
		target := reflect.ValueOf(dst)
		if target.Kind() != reflect.Pointer || target.Elem().Type() != s.typ {
			return fmt.Errorf("expected *%s, got %T", s.typ, dst)
		}
		fv := target.Elem().FieldByIndex(index)
		if v == nil {
			fv.Set(reflect.Zero(fieldType))
			return nil
		}
		val := reflect.ValueOf(v)
		switch {
		case val.Type().AssignableTo(fieldType):
			fv.Set(val)
		case convertible(val.Type(), fieldType):
			fv.Set(val.Convert(fieldType))
		default:
			return fmt.Errorf("cannot assign %T to %s", v, fieldType)
		}
		return nil
	}, nil
}

// convertible rejects integer to string conversions, which Go would
// otherwise perform as rune conversions.
func convertible(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	if to.Kind() == reflect.String && from.Kind() != reflect.String {
		return false
	}
	return true
}
