// Package storage implements the out-of-core shard I/O collaborator: reading
// a source file for INSERT INTO … FROM and reading/writing the Parquet shard
// files a table's manifest tracks.
package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/elalber2000/mini-snowflake/core"
)

// ReadSource loads an entire source file (CSV or Parquet) into memory ahead
// of sharding. Source files for INSERT INTO … FROM are expected to already
// carry a header/schema compatible with the target table.
func ReadSource(path string, schema core.Schema) (*core.RowBatch, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return ReadShard(path, schema)
	case ".csv":
		return readCSV(path, schema)
	default:
		return nil, core.NewError(core.ErrInternal, "unsupported source file extension: "+path)
	}
}

// SplitIntoShards partitions batch into row groups of at most rowsPerShard
// rows, writes one Parquet file per group under dir, and returns ShardRefs
// with Path set but ShardID left zero (the catalog assigns IDs on append).
func SplitIntoShards(batch *core.RowBatch, dir string, rowsPerShard int64) ([]core.ShardRef, error) {
	if rowsPerShard <= 0 {
		return nil, core.NewError(core.ErrInternal, "rows_per_shard must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.Wrap(core.ErrInternal, "creating shard directory", err)
	}

	var refs []core.ShardRef
	total := int64(len(batch.Rows))
	for start := int64(0); start < total; start += rowsPerShard {
		end := start + rowsPerShard
		if end > total {
			end = total
		}
		part := &core.RowBatch{Schema: batch.Schema, Rows: batch.Rows[start:end]}

		name := fmt.Sprintf("shard-%s.parquet", uuid.NewString())
		path := filepath.Join(dir, name)
		if err := WriteShard(path, part); err != nil {
			return nil, err
		}
		refs = append(refs, core.ShardRef{Path: path, RowCount: end - start, BloomFilters: BuildShardBloomFilters(part)})
	}
	return refs, nil
}

// WriteShard encodes batch as a single-row-group Parquet file at path,
// building the schema dynamically from batch.Schema the way the teacher's
// catalog manager builds a parquet.Schema from inferred column types.
func WriteShard(path string, batch *core.RowBatch) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.Wrap(core.ErrInternal, "creating shard directory", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return core.Wrap(core.ErrInternal, "creating shard file", err)
	}
	defer file.Close()

	pschema := parquetSchemaFor(batch.Schema)
	writer := parquet.NewGenericWriter[map[string]interface{}](file, &parquet.WriterConfig{Schema: pschema})

	records := make([]map[string]interface{}, len(batch.Rows))
	for i, row := range batch.Rows {
		records[i] = rowToRecord(batch.Schema, row)
	}
	if _, err := writer.Write(records); err != nil {
		writer.Close()
		return core.Wrap(core.ErrInternal, "writing shard rows", err)
	}
	if err := writer.Close(); err != nil {
		return core.Wrap(core.ErrInternal, "closing shard writer", err)
	}
	return nil
}

// ReadShard decodes a Parquet shard file back into a RowBatch aligned to
// schema, reordering/filling columns by name rather than trusting file order.
func ReadShard(path string, schema core.Schema) (*core.RowBatch, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, core.Wrap(core.ErrInternal, "opening shard file", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, core.Wrap(core.ErrInternal, "stat shard file", err)
	}
	pfile, err := parquet.OpenFile(file, stat.Size())
	if err != nil {
		return nil, core.Wrap(core.ErrInternal, "opening parquet shard", err)
	}

	reader := parquet.NewReader(pfile)
	defer reader.Close()

	batch := core.NewRowBatch(schema)
	for {
		record := make(map[string]interface{})
		if err := reader.Read(&record); err != nil {
			break
		}
		batch.Append(recordToRow(schema, record))
	}
	return batch, nil
}

func parquetSchemaFor(schema core.Schema) *parquet.Schema {
	group := make(parquet.Group)
	for _, col := range schema.Columns {
		group[col.Name] = parquetFieldFor(col)
	}
	return parquet.NewSchema("Shard", group)
}

func parquetFieldFor(col core.Column) parquet.Node {
	var node parquet.Node
	switch {
	case col.Type == core.TypeBoolean:
		node = parquet.Leaf(parquet.BooleanType)
	case col.Type.IsNumeric() && isIntegral(col.Type):
		node = parquet.Leaf(parquet.Int64Type)
	case col.Type.IsNumeric():
		node = parquet.Leaf(parquet.DoubleType)
	default:
		node = parquet.String()
	}
	if col.Nullable {
		node = parquet.Optional(node)
	}
	return node
}

func isIntegral(t core.Type) bool {
	switch t {
	case core.TypeTinyInt, core.TypeSmallInt, core.TypeInt, core.TypeBigInt, core.TypeHugeInt,
		core.TypeUTinyInt, core.TypeUSmallInt, core.TypeUInt, core.TypeUBigInt, core.TypeUHugeInt:
		return true
	default:
		return false
	}
}

func rowToRecord(schema core.Schema, row core.Row) map[string]interface{} {
	record := make(map[string]interface{}, len(schema.Columns))
	for i, col := range schema.Columns {
		v := row[i]
		if v.IsNull() {
			record[col.Name] = nil
			continue
		}
		switch v.Kind {
		case core.KindInt:
			record[col.Name] = v.I
		case core.KindFloat:
			record[col.Name] = v.F
		case core.KindBool:
			record[col.Name] = v.B
		case core.KindString:
			record[col.Name] = v.S
		}
	}
	return record
}

func recordToRow(schema core.Schema, record map[string]interface{}) core.Row {
	row := make(core.Row, len(schema.Columns))
	for i, col := range schema.Columns {
		raw, ok := record[col.Name]
		if !ok || raw == nil {
			row[i] = core.Null
			continue
		}
		row[i] = coerceValue(col, raw)
	}
	return row
}

func coerceValue(col core.Column, raw interface{}) core.Value {
	if col.Type == core.TypeBoolean {
		if b, ok := raw.(bool); ok {
			return core.BoolValue(b)
		}
	}
	if col.Type.IsNumeric() {
		if isIntegral(col.Type) {
			if i, ok := toInt64(raw); ok {
				return core.IntValue(i)
			}
		}
		if f, ok := toFloat64(raw); ok {
			return core.FloatValue(f)
		}
	}
	return core.StringValue(fmt.Sprintf("%v", raw))
}

func toInt64(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		rv := reflect.ValueOf(raw)
		if rv.CanInt() {
			return rv.Int(), true
		}
		return 0, false
	}
}

func toFloat64(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		rv := reflect.ValueOf(raw)
		if rv.CanFloat() {
			return rv.Float(), true
		}
		if rv.CanInt() {
			return float64(rv.Int()), true
		}
		return 0, false
	}
}

// readCSV loads a header+rows CSV file, coercing each field by the target
// schema's declared column type. The header's column order need not match
// schema order; unknown header columns are ignored.
func readCSV(path string, schema core.Schema) (*core.RowBatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.Wrap(core.ErrInternal, "reading CSV source", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return core.NewRowBatch(schema), nil
	}
	if err != nil {
		return nil, core.Wrap(core.ErrInternal, "reading CSV header", err)
	}

	colForField := make([]int, len(header))
	for i, name := range header {
		colForField[i] = schema.IndexOf(strings.TrimSpace(name))
	}

	batch := core.NewRowBatch(schema)
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, core.Wrap(core.ErrInternal, "reading CSV row", err)
		}
		row := make(core.Row, len(schema.Columns))
		for i := range row {
			row[i] = core.Null
		}
		for i, raw := range fields {
			if i >= len(colForField) || colForField[i] < 0 {
				continue
			}
			row[colForField[i]] = parseCSVField(schema.Columns[colForField[i]], strings.TrimSpace(raw))
		}
		batch.Append(row)
	}
	return batch, nil
}

func parseCSVField(col core.Column, raw string) core.Value {
	if raw == "" {
		return core.Null
	}
	if col.Type == core.TypeBoolean {
		b, err := strconv.ParseBool(raw)
		if err == nil {
			return core.BoolValue(b)
		}
	}
	if col.Type.IsNumeric() {
		if isIntegral(col.Type) {
			if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return core.IntValue(i)
			}
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return core.FloatValue(f)
		}
	}
	return core.StringValue(raw)
}
