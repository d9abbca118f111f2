package primarykey

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyKey is returned when key metadata yields no columns.
	ErrEmptyKey = errors.New("unable to determine primary key")
	// ErrCollectionKeyWidth is returned when a collection key is not exactly one column wide.
	ErrCollectionKeyWidth = errors.New("unexpected collection key width")
)

// SchemaMismatchError reports a key column that is absent from the table layout.
type SchemaMismatchError struct {
	Table  string
	Column string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: key column %q not found in table %s", e.Column, e.Table)
}

func NewSchemaMismatchError(table, column string) *SchemaMismatchError {
	return &SchemaMismatchError{Table: table, Column: column}
}

func IsSchemaMismatchError(err error) bool {
	var se *SchemaMismatchError
	return errors.As(err, &se)
}

// IdentityAssemblyError reports a composite identifier that could not be
// instantiated or populated.
type IdentityAssemblyError struct {
	Type  string
	Field string
	Err   error
}

func (e *IdentityAssemblyError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("unable to instantiate identifier %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("unable to assign field %s of identifier %s: %v", e.Field, e.Type, e.Err)
}

func (e *IdentityAssemblyError) Unwrap() error {
	return e.Err
}

func NewIdentityAssemblyError(typeName, field string, err error) *IdentityAssemblyError {
	return &IdentityAssemblyError{Type: typeName, Field: field, Err: err}
}

func IsIdentityAssemblyError(err error) bool {
	var ie *IdentityAssemblyError
	return errors.As(err, &ie)
}

// RowShapeError reports a row tuple shorter than a referenced key position.
type RowShapeError struct {
	Table    string
	Position int
	Width    int
}

func (e *RowShapeError) Error() string {
	return fmt.Sprintf("row of table %s has %d columns, key references position %d", e.Table, e.Width, e.Position)
}
