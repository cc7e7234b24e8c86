package core

// Column is one (name, type, nullability) entry of a table schema.
type Column struct {
	Name     string `json:"name"`
	Type     Type   `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Schema is an ordered, immutable-after-creation sequence of columns.
// Column names are unique within a Schema.
type Schema struct {
	Columns []Column `json:"columns"`
}

// IndexOf returns the ordinal position of a column name, or -1.
func (s Schema) IndexOf(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// ShardRef describes one physical shard file belonging to a table.
// BloomFilters holds one serialized membership filter per equality-filterable
// column (built at shard-write time), letting the engine skip reading a
// shard file a WHERE equality predicate provably cannot match.
type ShardRef struct {
	ShardID      int64             `json:"shard_id"`
	Path         string            `json:"path"`
	RowCount     int64             `json:"row_count"`
	BloomFilters map[string][]byte `json:"bloom_filters,omitempty"`
}

// Row is one row of column-ordered values, aligned to a RowBatch's schema.
type Row []Value

// RowBatch is an in-memory, schema-carrying table fragment: the concrete
// shape a PartialResult's "row batch" takes in this implementation.
type RowBatch struct {
	Schema Schema
	Rows   []Row
}

// NewRowBatch creates an empty batch with the given schema.
func NewRowBatch(schema Schema) *RowBatch {
	return &RowBatch{Schema: schema, Rows: make([]Row, 0)}
}

// Append adds a row, which must already be aligned to Schema.
func (b *RowBatch) Append(row Row) {
	b.Rows = append(b.Rows, row)
}

// Concat appends another batch's rows in order, ignoring schema identity
// (callers are responsible for only concatenating batches with equal schema,
// per pass-through mode's contract).
func (b *RowBatch) Concat(other *RowBatch) {
	b.Rows = append(b.Rows, other.Rows...)
}
