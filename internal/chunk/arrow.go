package chunk

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// EncodeIPC serializes the chunk as an Arrow IPC stream. Column types are
// inferred from the first non-nil value; columns with no values or only
// nulls are encoded as strings.
func EncodeIPC(c *Chunk) ([]byte, error) {
	fields := make([]arrow.Field, len(c.cols))
	for i, col := range c.cols {
		fields[i] = arrow.Field{Name: col, Type: inferArrowType(c.data[i]), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	for i := range c.cols {
		if err := appendColumn(builder.Field(i), fields[i].Type, c.data[i]); err != nil {
			return nil, fmt.Errorf("column %q: %w", c.cols[i], err)
		}
	}

	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(rec); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeIPC reads an Arrow IPC stream back into a chunk.
func DecodeIPC(data []byte) (*Chunk, error) {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Release()

	schema := r.Schema()
	cols := make([]string, schema.NumFields())
	vals := make([][]any, schema.NumFields())
	for i := 0; i < schema.NumFields(); i++ {
		cols[i] = schema.Field(i).Name
	}

	for r.Next() {
		rec := r.Record()
		for i := 0; i < int(rec.NumCols()); i++ {
			vals[i] = append(vals[i], columnValues(rec.Column(i))...)
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return FromColumns(cols, vals)
}

func inferArrowType(vals []any) arrow.DataType {
	for _, v := range vals {
		switch v.(type) {
		case nil:
			continue
		case int, int32, int64:
			return arrow.PrimitiveTypes.Int64
		case float32, float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case time.Time:
			return arrow.FixedWidthTypes.Timestamp_us
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String
}

func appendColumn(b array.Builder, typ arrow.DataType, vals []any) error {
	for _, v := range vals {
		if v == nil {
			b.AppendNull()
			continue
		}
		switch typ.ID() {
		case arrow.INT64:
			fb := b.(*array.Int64Builder)
			switch n := v.(type) {
			case int:
				fb.Append(int64(n))
			case int32:
				fb.Append(int64(n))
			case int64:
				fb.Append(n)
			default:
				fb.AppendNull()
			}
		case arrow.FLOAT64:
			fb := b.(*array.Float64Builder)
			switch n := v.(type) {
			case float32:
				fb.Append(float64(n))
			case float64:
				fb.Append(n)
			case int:
				fb.Append(float64(n))
			case int64:
				fb.Append(float64(n))
			default:
				fb.AppendNull()
			}
		case arrow.BOOL:
			if bv, ok := v.(bool); ok {
				b.(*array.BooleanBuilder).Append(bv)
			} else {
				b.AppendNull()
			}
		case arrow.TIMESTAMP:
			if t, ok := v.(time.Time); ok {
				b.(*array.TimestampBuilder).Append(arrow.Timestamp(t.UnixMicro()))
			} else {
				b.AppendNull()
			}
		case arrow.STRING:
			b.(*array.StringBuilder).Append(fmt.Sprint(v))
		default:
			return fmt.Errorf("unsupported arrow type %s", typ)
		}
	}
	return nil
}

func columnValues(arr arrow.Array) []any {
	out := make([]any, arr.Len())
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			continue
		}
		switch a := arr.(type) {
		case *array.Int64:
			out[i] = a.Value(i)
		case *array.Float64:
			out[i] = a.Value(i)
		case *array.Boolean:
			out[i] = a.Value(i)
		case *array.Timestamp:
			out[i] = time.UnixMicro(int64(a.Value(i))).UTC()
		case *array.String:
			out[i] = a.Value(i)
		default:
			out[i] = fmt.Sprint(arr.ValueStr(i))
		}
	}
	return out
}
