package core

// StatementKind tags which concrete statement variant a Statement holds.
type StatementKind int

const (
	KindCreateTable StatementKind = iota
	KindDropTable
	KindInsertFrom
	KindSelect
)

// Statement is the tagged-variant interface every parsed statement satisfies;
// callers type-switch on the concrete type (or read StatementKind()) to
// reach the concrete struct.
type Statement interface {
	StatementKind() StatementKind
}

// ColumnDef is one column entry of a CREATE TABLE statement.
type ColumnDef struct {
	Name     string
	Type     Type
	Nullable bool
}

// CreateTableStatement is `CREATE TABLE t (c TYPE [IS NOT NULL], …) [IF NOT EXISTS]`.
type CreateTableStatement struct {
	TableName   string
	Columns     []ColumnDef
	IfNotExists bool
}

func (s *CreateTableStatement) StatementKind() StatementKind { return KindCreateTable }

// DropTableStatement is `DROP TABLE t [IF EXISTS]`.
type DropTableStatement struct {
	TableName string
	IfExists  bool
}

func (s *DropTableStatement) StatementKind() StatementKind { return KindDropTable }

// InsertFromStatement is `INSERT INTO t FROM <path> [ROWS PER SHARD n]`.
type InsertFromStatement struct {
	TableName    string
	SourcePath   string
	RowsPerShard int64 // 0 means "use the table's rows_per_shard, else default_rows_per_shard"
}

func (s *InsertFromStatement) StatementKind() StatementKind { return KindInsertFrom }

// AggFunc is one of the five supported aggregate functions.
type AggFunc string

const (
	AggCount AggFunc = "COUNT"
	AggSum   AggFunc = "SUM"
	AggMin   AggFunc = "MIN"
	AggMax   AggFunc = "MAX"
	AggAvg   AggFunc = "AVG"
)

// SelectItem is one projected expression: either a bare column or an
// aggregate over a column (or COUNT(*), where Column == "*" and Star is true).
type SelectItem struct {
	Column string  // bare column name, or the argument column of an aggregate
	Agg    AggFunc // empty string for a bare-column projection
	Star   bool    // true for COUNT(*)
	Alias  string  // output column name
}

// IsAggregate reports whether this item is an aggregate projection.
func (i SelectItem) IsAggregate() bool { return i.Agg != "" }

// CompareOp is one of the six supported comparison operators.
type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// WhereAtom is one conjunct of a WHERE clause: `col OP literal` or
// `col IS [NOT] NULL`.
type WhereAtom struct {
	Column   string
	Op       CompareOp // empty when this atom is a null-check
	IsNull   bool      // true for `col IS NULL` / `col IS NOT NULL`
	Negate   bool      // with IsNull: true means IS NOT NULL
	Literal  Value
}

// SelectStatement is `SELECT <list> FROM t [WHERE … AND …] [GROUP BY c, …]`.
type SelectStatement struct {
	TableName string
	Items     []SelectItem
	Where     []WhereAtom // implicitly AND-chained
	GroupBy   []string
}

func (s *SelectStatement) StatementKind() StatementKind { return KindSelect }

// HasAggregate reports whether any projected item is an aggregate.
func (s *SelectStatement) HasAggregate() bool {
	for _, it := range s.Items {
		if it.IsAggregate() {
			return true
		}
	}
	return false
}
