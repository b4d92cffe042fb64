package message

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Arrow column order of the body. One row per data unit.
var bodyColumns = []string{"coding", "dtype", "path", "stream"}

// BodySchema returns the Arrow schema of an envelope body. Head values are
// carried as schema metadata.
//
// Fields:
//   - coding: string (nullable) - character coding label
//   - dtype: string (nullable) - "str" or "base64"
//   - path: string (nullable) - unit label
//   - stream: string (nullable) - encoded payload
func BodySchema(head map[string]string) *arrow.Schema {
	fields := make([]arrow.Field, len(bodyColumns))
	for i, name := range bodyColumns {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	if len(head) == 0 {
		return arrow.NewSchema(fields, nil)
	}
	md := arrow.MetadataFrom(head)
	return arrow.NewSchema(fields, &md)
}

func headMetadata(w wireEnvelope) map[string]string {
	head := map[string]string{"nums": strconv.Itoa(w.Body.Nums)}
	for key, v := range map[string]*string{
		"timestamp":   w.Head.Timestamp,
		"origination": w.Head.Origination,
		"destination": w.Head.Destination,
		"treatment":   w.Head.Treatment,
		"encryption":  w.Head.Encryption,
		"case":        w.Head.Case,
		"activity":    w.Head.Activity,
	} {
		if v != nil {
			head[key] = *v
		}
	}
	return head
}

func marshalArrow(w wireEnvelope) ([]byte, error) {
	schema := BodySchema(headMetadata(w))

	builder := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer builder.Release()

	columns := []wireList{w.Body.Coding, w.Body.DType, w.Body.Path, w.Body.Stream}
	for i, col := range columns {
		b := builder.Field(i).(*array.StringBuilder)
		for _, v := range col {
			if v == nil {
				b.AppendNull()
			} else {
				b.Append(*v)
			}
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func unmarshalArrow(data []byte) (wireEnvelope, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	defer reader.Release()

	schema := reader.Schema()
	md := schema.Metadata()
	lookup := func(key string) *string {
		if i := md.FindKey(key); i >= 0 {
			v := md.Values()[i]
			return &v
		}
		return nil
	}

	var w wireEnvelope
	w.Head = wireHead{
		Timestamp:   lookup("timestamp"),
		Origination: lookup("origination"),
		Destination: lookup("destination"),
		Treatment:   lookup("treatment"),
		Encryption:  lookup("encryption"),
		Case:        lookup("case"),
		Activity:    lookup("activity"),
	}
	if nums := lookup("nums"); nums != nil {
		n, err := strconv.Atoi(*nums)
		if err != nil {
			return wireEnvelope{}, fmt.Errorf("%w: nums %q", ErrMalformedEnvelope, *nums)
		}
		w.Body.Nums = n
	}

	index := make([]int, len(bodyColumns))
	for i, name := range bodyColumns {
		found := schema.FieldIndices(name)
		if len(found) != 1 {
			return wireEnvelope{}, fmt.Errorf("%w: missing column %s", ErrMalformedEnvelope, name)
		}
		index[i] = found[0]
	}

	columns := make([]wireList, len(bodyColumns))
	for i := range columns {
		columns[i] = wireList{}
	}
	for reader.Next() {
		rec := reader.Record()
		for i, idx := range index {
			col, ok := rec.Column(idx).(*array.String)
			if !ok {
				return wireEnvelope{}, fmt.Errorf("%w: column %s is %s", ErrMalformedEnvelope, bodyColumns[i], rec.Column(idx).DataType())
			}
			for row := 0; row < col.Len(); row++ {
				if col.IsNull(row) {
					columns[i] = append(columns[i], nil)
					continue
				}
				v := col.Value(row)
				columns[i] = append(columns[i], &v)
			}
		}
	}
	if err := reader.Err(); err != nil {
		return wireEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	w.Body.Coding, w.Body.DType, w.Body.Path, w.Body.Stream = columns[0], columns[1], columns[2], columns[3]
	return w, nil
}
