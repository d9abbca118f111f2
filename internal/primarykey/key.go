// Package primarykey compiles table layouts into key projections that
// recover an entity identifier from a raw row tuple.
package primarykey

import "fmt"

// Field is one column participating in an entity identity.
type Field struct {
	Name     string
	Position int
}

// KeyColumn pairs an embedded identifier field with the column backing it.
type KeyColumn struct {
	Field  string
	Column string
}

// Key is a compiled projection from row tuples to identifier values.
// It is immutable and safe for concurrent use.
type Key struct {
	table     string
	fields    []Field
	valueType ValueType
	setters   []Setter
}

// Compile builds a key from ordered column names. Keys wider than one
// column produce Record identifiers whose fields are named after the columns.
func Compile(table string, columns []string, layout Layout) (*Key, error) {
	kcs := make([]KeyColumn, len(columns))
	for i, c := range columns {
		kcs[i] = KeyColumn{Field: c, Column: c}
	}
	return CompileComposite(table, kcs, layout, nil)
}

// CompileComposite builds a key from embedded identifier fields in
// declaration order. When vt is nil a RecordType named after the table is used.
func CompileComposite(table string, columns []KeyColumn, layout Layout, vt ValueType) (*Key, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrEmptyKey, table)
	}

	fields := make([]Field, len(columns))
	for i, kc := range columns {
		pos, ok := layout[kc.Column]
		if !ok {
			return nil, NewSchemaMismatchError(table, kc.Column)
		}
		fields[i] = Field{Name: kc.Field, Position: pos}
	}

	k := &Key{table: table, fields: fields}
	if len(fields) == 1 {
		return k, nil
	}

	if vt == nil {
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = f.Name
		}
		vt = NewRecordType(table, names...)
	}

	setters := make([]Setter, len(fields))
	for i, f := range fields {
		set, err := vt.Setter(f.Name)
		if err != nil {
			return nil, NewIdentityAssemblyError(vt.Name(), f.Name, err)
		}
		setters[i] = set
	}
	k.valueType = vt
	k.setters = setters
	return k, nil
}

// Project extracts the identifier from row. Single-column keys return the
// column value itself.
func (k *Key) Project(row []any) (any, error) {
	for _, f := range k.fields {
		if f.Position >= len(row) {
			return nil, &RowShapeError{Table: k.table, Position: f.Position, Width: len(row)}
		}
	}

	if len(k.fields) == 1 {
		return row[k.fields[0].Position], nil
	}

	id, err := k.valueType.New()
	if err != nil {
		return nil, NewIdentityAssemblyError(k.valueType.Name(), "", err)
	}
	if id == nil {
		return nil, NewIdentityAssemblyError(k.valueType.Name(), "", fmt.Errorf("allocated nil identifier"))
	}
	for i, f := range k.fields {
		if err := k.setters[i](id, row[f.Position]); err != nil {
			return nil, NewIdentityAssemblyError(k.valueType.Name(), f.Name, err)
		}
	}
	return id, nil
}

// Table is the qualified table the key was compiled for.
func (k *Key) Table() string {
	return k.table
}

// Fields returns a copy of the compiled field list.
func (k *Key) Fields() []Field {
	out := make([]Field, len(k.fields))
	copy(out, k.fields)
	return out
}

// Width is the number of key columns.
func (k *Key) Width() int {
	return len(k.fields)
}

// ValueType returns the composite identifier type, or nil for scalar keys.
func (k *Key) ValueType() ValueType {
	return k.valueType
}
