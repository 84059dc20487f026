package ingest

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/ivfshard/internal/errors"
)

// Default column names used by NewRecord.
const (
	DefaultIDColumn     = "id"
	DefaultVectorColumn = "vector"
)

// FromRecord extracts one vector per row from the FixedSizeList column
// vectorCol (float32 or float16 elements) and, when idCol is not empty, the
// matching int64 ids. Vectors are copied out of the record.
func FromRecord(rec arrow.Record, vectorCol, idCol string) ([][]float32, []int64, error) {
	vecIdx := rec.Schema().FieldIndices(vectorCol)
	if len(vecIdx) == 0 {
		return nil, nil, errors.E(errors.ErrInvalidArgument, "from_record", "no column %q", vectorCol)
	}
	listArr, ok := rec.Column(vecIdx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, nil, errors.E(errors.ErrInvalidArgument, "from_record", "column %q is %s, want fixed_size_list", vectorCol, rec.Column(vecIdx[0]).DataType())
	}
	listType := listArr.DataType().(*arrow.FixedSizeListType)
	width := int(listType.Len())
	rows := listArr.Len()
	base := listArr.Data().Offset()

	vectors := make([][]float32, rows)
	switch values := listArr.ListValues().(type) {
	case *array.Float32:
		raw := values.Float32Values()
		for i := 0; i < rows; i++ {
			if listArr.IsNull(i) {
				return nil, nil, nullRow(vectorCol, i)
			}
			start := (base + i) * width
			vectors[i] = append([]float32(nil), raw[start:start+width]...)
		}
	case *array.Float16:
		raw := values.Values()
		for i := 0; i < rows; i++ {
			if listArr.IsNull(i) {
				return nil, nil, nullRow(vectorCol, i)
			}
			start := (base + i) * width
			v := make([]float32, width)
			for j, h := range raw[start : start+width] {
				v[j] = h.Float32()
			}
			vectors[i] = v
		}
	default:
		return nil, nil, errors.E(errors.ErrInvalidArgument, "from_record", "column %q holds %s elements, want float32 or float16", vectorCol, listType.Elem())
	}

	if idCol == "" {
		return vectors, nil, nil
	}
	idIdx := rec.Schema().FieldIndices(idCol)
	if len(idIdx) == 0 {
		return nil, nil, errors.E(errors.ErrInvalidArgument, "from_record", "no column %q", idCol)
	}
	idArr, ok := rec.Column(idIdx[0]).(*array.Int64)
	if !ok {
		return nil, nil, errors.E(errors.ErrInvalidArgument, "from_record", "column %q is %s, want int64", idCol, rec.Column(idIdx[0]).DataType())
	}
	ids := make([]int64, rows)
	for i := 0; i < rows; i++ {
		if idArr.IsNull(i) {
			return nil, nil, nullRow(idCol, i)
		}
		ids[i] = idArr.Value(i)
	}
	return vectors, ids, nil
}

func nullRow(col string, row int) error {
	return errors.E(errors.ErrInvalidArgument, "from_record", "column %q is null at row %d", col, row).
		WithContext("row", row)
}

// VectorSchema is the schema produced by NewRecord.
func VectorSchema(dim int, half bool) *arrow.Schema {
	elem := arrow.DataType(arrow.PrimitiveTypes.Float32)
	if half {
		elem = arrow.FixedWidthTypes.Float16
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: DefaultIDColumn, Type: arrow.PrimitiveTypes.Int64},
		{Name: DefaultVectorColumn, Type: arrow.FixedSizeListOf(int32(dim), elem)},
	}, nil)
}

// NewRecord builds a record with an id column and a vector column. With
// half set, vectors are stored as float16. The caller releases the record.
func NewRecord(mem memory.Allocator, ids []int64, vectors [][]float32, half bool) (arrow.Record, error) {
	if len(ids) != len(vectors) {
		return nil, errors.E(errors.ErrInvalidArgument, "new_record", "%d ids for %d vectors", len(ids), len(vectors))
	}
	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, errors.E(errors.ErrDimensionMismatch, "new_record", "row %d has dimension %d, want %d", i, len(v), dim)
		}
	}

	schema := VectorSchema(dim, half)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	lb := b.Field(1).(*array.FixedSizeListBuilder)
	for _, v := range vectors {
		lb.Append(true)
		if half {
			vb := lb.ValueBuilder().(*array.Float16Builder)
			for _, f := range v {
				vb.Append(float16.New(f))
			}
			continue
		}
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(v, nil)
	}
	return b.NewRecord(), nil
}
