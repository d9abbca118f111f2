package primarykey

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderLineID struct {
	OrderID int64
	LineNo  int32
	Region  string
}

type hiddenID struct {
	a int
	b int
}

type failingType struct{}

func (failingType) Name() string { return "failing" }

func (failingType) New() (any, error) { return nil, errors.New("boom") }

func (failingType) Setter(string) (Setter, error) {
	return func(any, any) error { return nil }, nil
}

func TestCompileScalar(t *testing.T) {
	layout := NewLayout("id", "name", "email")

	key, err := Compile("shop.users", []string{"name"}, layout)
	require.NoError(t, err)

	assert.Equal(t, 1, key.Width())
	assert.Equal(t, []Field{{Name: "name", Position: 1}}, key.Fields())
	assert.Nil(t, key.ValueType())

	rows := [][]any{
		{int64(1), "alice", "a@example.com"},
		{int64(2), "bob", nil},
		{int64(3), nil, "c@example.com"},
	}
	for _, row := range rows {
		id, err := key.Project(row)
		require.NoError(t, err)
		assert.Equal(t, row[1], id)
	}
}

func TestCompileMissingColumn(t *testing.T) {
	layout := NewLayout("id", "name")

	key, err := Compile("shop.users", []string{"id", "tenant_id"}, layout)
	require.Error(t, err)
	assert.Nil(t, key)

	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "tenant_id", mismatch.Column)
	assert.Equal(t, "shop.users", mismatch.Table)
	assert.True(t, IsSchemaMismatchError(err))
}

func TestCompileEmptyKey(t *testing.T) {
	_, err := Compile("shop.audit", nil, NewLayout("id"))
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestCompositeRecord(t *testing.T) {
	layout := NewLayout("region", "order_id", "line_no", "qty")

	key, err := Compile("shop.order_lines", []string{"order_id", "line_no"}, layout)
	require.NoError(t, err)
	require.NotNil(t, key.ValueType())

	id, err := key.Project([]any{"eu", int64(10), int32(2), 7})
	require.NoError(t, err)

	rec, ok := id.(*Record)
	require.True(t, ok, "expected *Record, got %T", id)
	assert.Equal(t, []any{int64(10), int32(2)}, rec.Values)

	v, ok := rec.Get("line_no")
	assert.True(t, ok)
	assert.Equal(t, int32(2), v)
	assert.Equal(t, "order_id=10,line_no=2", rec.String())
}

func TestRecordNamesAreNotShared(t *testing.T) {
	rt := NewRecordType("shop.order_lines", "order_id", "line_no")

	first, err := rt.New()
	require.NoError(t, err)
	first.(*Record).Names[0] = "mutated"

	second, err := rt.New()
	require.NoError(t, err)
	assert.Equal(t, []string{"order_id", "line_no"}, second.(*Record).Names)
}

func TestCompositeStruct(t *testing.T) {
	layout := NewLayout("line_no", "qty", "order_id", "region")
	vt, err := StructType(orderLineID{})
	require.NoError(t, err)

	key, err := CompileComposite("shop.order_lines", []KeyColumn{
		{Field: "OrderID", Column: "order_id"},
		{Field: "LineNo", Column: "line_no"},
		{Field: "Region", Column: "region"},
	}, layout, vt)
	require.NoError(t, err)

	assert.Equal(t, []Field{
		{Name: "OrderID", Position: 2},
		{Name: "LineNo", Position: 0},
		{Name: "Region", Position: 3},
	}, key.Fields())

	row := []any{int32(4), 1, int64(99), "us"}
	id, err := key.Project(row)
	require.NoError(t, err)
	assert.Equal(t, &orderLineID{OrderID: 99, LineNo: 4, Region: "us"}, id)

	// each projection allocates a fresh identifier
	other, err := key.Project([]any{int32(5), 1, int64(100), nil})
	require.NoError(t, err)
	assert.Equal(t, &orderLineID{OrderID: 100, LineNo: 5}, other)
	assert.Equal(t, &orderLineID{OrderID: 99, LineNo: 4, Region: "us"}, id)
}

func TestCompositeStructConvertsNumericValues(t *testing.T) {
	vt, err := StructType(&orderLineID{})
	require.NoError(t, err)

	key, err := CompileComposite("t", []KeyColumn{
		{Field: "OrderID", Column: "a"},
		{Field: "LineNo", Column: "b"},
	}, NewLayout("a", "b"), vt)
	require.NoError(t, err)

	id, err := key.Project([]any{int32(7), int64(3)})
	require.NoError(t, err)
	assert.Equal(t, &orderLineID{OrderID: 7, LineNo: 3}, id)
}

func TestCompositeAssemblyErrors(t *testing.T) {
	vt, err := StructType(orderLineID{})
	require.NoError(t, err)

	t.Run("unknown field", func(t *testing.T) {
		_, err := CompileComposite("t", []KeyColumn{
			{Field: "OrderID", Column: "a"},
			{Field: "Missing", Column: "b"},
		}, NewLayout("a", "b"), vt)
		require.Error(t, err)
		assert.True(t, IsIdentityAssemblyError(err))
	})

	t.Run("unexported field", func(t *testing.T) {
		hidden, err := StructType(hiddenID{})
		require.NoError(t, err)
		_, err = CompileComposite("t", []KeyColumn{
			{Field: "a", Column: "a"},
			{Field: "b", Column: "b"},
		}, NewLayout("a", "b"), hidden)
		require.Error(t, err)
		assert.True(t, IsIdentityAssemblyError(err))
	})

	t.Run("incompatible value", func(t *testing.T) {
		key, err := CompileComposite("t", []KeyColumn{
			{Field: "OrderID", Column: "a"},
			{Field: "Region", Column: "b"},
		}, NewLayout("a", "b"), vt)
		require.NoError(t, err)

		_, err = key.Project([]any{"not-a-number", "eu"})
		var ie *IdentityAssemblyError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "OrderID", ie.Field)
	})

	t.Run("integer into string field", func(t *testing.T) {
		key, err := CompileComposite("t", []KeyColumn{
			{Field: "OrderID", Column: "a"},
			{Field: "Region", Column: "b"},
		}, NewLayout("a", "b"), vt)
		require.NoError(t, err)

		_, err = key.Project([]any{int64(1), 65})
		assert.True(t, IsIdentityAssemblyError(err))
	})

	t.Run("instantiation failure", func(t *testing.T) {
		key, err := CompileComposite("t", []KeyColumn{
			{Field: "x", Column: "a"},
			{Field: "y", Column: "b"},
		}, NewLayout("a", "b"), failingType{})
		require.NoError(t, err)

		_, err = key.Project([]any{1, 2})
		var ie *IdentityAssemblyError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "failing", ie.Type)
		assert.Empty(t, ie.Field)
	})
}

func TestStructTypeRejectsNonStruct(t *testing.T) {
	_, err := StructType(42)
	assert.Error(t, err)
	_, err = StructType(nil)
	assert.Error(t, err)
}

func TestProjectShortRow(t *testing.T) {
	key, err := Compile("shop.users", []string{"email"}, NewLayout("id", "name", "email"))
	require.NoError(t, err)

	_, err = key.Project([]any{int64(1), "alice"})
	var shape *RowShapeError
	require.ErrorAs(t, err, &shape)
	assert.Equal(t, 2, shape.Position)
	assert.Equal(t, 2, shape.Width)
}

func TestProjectConcurrent(t *testing.T) {
	key, err := Compile("t", []string{"a", "b"}, NewLayout("a", "b"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := key.Project([]any{i, i * 2})
			if err != nil {
				errs <- err
				return
			}
			rec := id.(*Record)
			if rec.Values[0] != i || rec.Values[1] != i*2 {
				errs <- errors.New("projection mixed rows")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestLayoutColumns(t *testing.T) {
	layout := Layout{"c": 2, "a": 0, "b": 1}
	assert.Equal(t, []string{"a", "b", "c"}, layout.Columns())
}
