package worker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/elalber2000/mini-snowflake/core"
)

// executor is the embedded per-shard SQL executor named as an out-of-core
// collaborator by SPEC_FULL.md §1 and §6.1: it runs a map_sql or reduce_sql
// statement (both are plain SELECTs in this dialect) against an in-memory
// RowBatch using the C1 parser's typed AST, with no external SQL engine
// embedded. A conforming implementation may swap this out entirely.
type executor struct{}

func newExecutor() *executor { return &executor{} }

// Execute parses sql and runs it against input, which is assumed already
// schema-aligned to whatever FROM-target the statement names (the worker
// never resolves table names itself — the coordinator supplies the rows).
func (e *executor) Execute(sql string, input *core.RowBatch) (*core.RowBatch, error) {
	stmt, err := core.Parse(sql)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(*core.SelectStatement)
	if !ok {
		return nil, core.NewError(core.ErrParseError, "worker executor only accepts SELECT statements")
	}

	filtered, err := applyWhere(sel.Where, input)
	if err != nil {
		return nil, err
	}

	if !sel.HasAggregate() {
		return project(sel.Items, filtered)
	}
	if len(sel.GroupBy) == 0 {
		return aggregateScalar(sel.Items, filtered)
	}
	return aggregateGrouped(sel.Items, sel.GroupBy, filtered)
}

func applyWhere(atoms []core.WhereAtom, input *core.RowBatch) (*core.RowBatch, error) {
	if len(atoms) == 0 {
		return input, nil
	}
	out := core.NewRowBatch(input.Schema)
	for _, row := range input.Rows {
		keep := true
		for _, atom := range atoms {
			ok, err := evalAtom(atom, input.Schema, row)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out.Append(row)
		}
	}
	return out, nil
}

// evalAtom implements standard SQL three-valued WHERE semantics: IS [NOT]
// NULL is the only null-aware predicate; every other comparison against a
// NULL operand evaluates to false.
func evalAtom(atom core.WhereAtom, schema core.Schema, row core.Row) (bool, error) {
	idx := schema.IndexOf(atom.Column)
	if idx < 0 {
		return false, core.NewError(core.ErrSchemaMismatch, "unknown column in WHERE: "+atom.Column)
	}
	val := row[idx]

	if atom.IsNull {
		if atom.Negate {
			return !val.IsNull(), nil
		}
		return val.IsNull(), nil
	}

	if val.IsNull() || atom.Literal.IsNull() {
		return false, nil
	}

	cmp := val.Compare(atom.Literal)
	switch atom.Op {
	case core.OpEq:
		return val.Equal(atom.Literal), nil
	case core.OpNe:
		return !val.Equal(atom.Literal), nil
	case core.OpLt:
		return cmp < 0, nil
	case core.OpLe:
		return cmp <= 0, nil
	case core.OpGt:
		return cmp > 0, nil
	case core.OpGe:
		return cmp >= 0, nil
	default:
		return false, core.NewError(core.ErrInternal, "unknown comparison operator")
	}
}

func project(items []core.SelectItem, input *core.RowBatch) (*core.RowBatch, error) {
	if len(items) == 1 && items[0].Star {
		out := core.NewRowBatch(input.Schema)
		out.Rows = append(out.Rows, input.Rows...)
		return out, nil
	}

	cols := make([]core.Column, len(items))
	idxs := make([]int, len(items))
	for i, item := range items {
		idx := input.Schema.IndexOf(item.Column)
		if idx < 0 {
			return nil, core.NewError(core.ErrSchemaMismatch, "unknown column in projection: "+item.Column)
		}
		idxs[i] = idx
		col := input.Schema.Columns[idx]
		col.Name = item.Alias
		cols[i] = col
	}

	out := core.NewRowBatch(core.Schema{Columns: cols})
	for _, row := range input.Rows {
		newRow := make(core.Row, len(idxs))
		for i, idx := range idxs {
			newRow[i] = row[idx]
		}
		out.Append(newRow)
	}
	return out, nil
}

// accumulator holds the running state for one aggregate measure over one
// group, folded in input-row order for deterministic floating point sums.
type accumulator struct {
	agg      core.AggFunc
	colIdx   int // -1 for COUNT(*)
	sum      float64
	count    int64
	min, max core.Value
	hasMinMax bool
}

func newAccumulator(item core.SelectItem, schema core.Schema) (accumulator, error) {
	a := accumulator{agg: item.Agg, colIdx: -1}
	if !item.Star {
		idx := schema.IndexOf(item.Column)
		if idx < 0 {
			return accumulator{}, core.NewError(core.ErrSchemaMismatch, "unknown column in aggregate: "+item.Column)
		}
		a.colIdx = idx
	}
	return a, nil
}

func (a *accumulator) add(row core.Row) {
	if a.agg == core.AggCount && a.colIdx == -1 {
		a.count++
		return
	}
	v := row[a.colIdx]
	if v.IsNull() {
		return
	}
	switch a.agg {
	case core.AggCount:
		a.count++
	case core.AggSum:
		a.sum += v.AsFloat64()
		a.count++
	case core.AggMin:
		if !a.hasMinMax || v.Compare(a.min) < 0 {
			a.min = v
			a.hasMinMax = true
		}
	case core.AggMax:
		if !a.hasMinMax || v.Compare(a.max) > 0 {
			a.max = v
			a.hasMinMax = true
		}
	}
}

func (a *accumulator) result() core.Value {
	switch a.agg {
	case core.AggCount:
		return core.IntValue(a.count)
	case core.AggSum:
		if a.count == 0 {
			return core.Null
		}
		return core.FloatValue(a.sum)
	case core.AggMin:
		if !a.hasMinMax {
			return core.Null
		}
		return a.min
	case core.AggMax:
		if !a.hasMinMax {
			return core.Null
		}
		return a.max
	default:
		return core.Null
	}
}

func aggregateScalar(items []core.SelectItem, input *core.RowBatch) (*core.RowBatch, error) {
	accs := make([]accumulator, len(items))
	for i, item := range items {
		a, err := newAccumulator(item, input.Schema)
		if err != nil {
			return nil, err
		}
		accs[i] = a
	}
	for _, row := range input.Rows {
		for i := range accs {
			accs[i].add(row)
		}
	}

	cols := make([]core.Column, len(items))
	row := make(core.Row, len(items))
	for i, item := range items {
		cols[i] = core.Column{Name: item.Alias, Type: aggOutputType(item), Nullable: true}
		row[i] = accs[i].result()
	}
	out := core.NewRowBatch(core.Schema{Columns: cols})
	out.Append(row)
	return out, nil
}

// aggregateGrouped groups by the columns named in groupBy. items is the full
// SELECT list as parsed from the generated SQL text, which per the planner's
// rendering always lists the GROUP BY columns themselves first (as plain,
// non-aggregate items) followed by the aggregate measures — so only the
// trailing aggregate items are folded into accumulators; the leading ones
// are the group key and are taken directly from each row instead.
func aggregateGrouped(items []core.SelectItem, groupBy []string, input *core.RowBatch) (*core.RowBatch, error) {
	groupIdxs := make([]int, len(groupBy))
	for i, g := range groupBy {
		idx := input.Schema.IndexOf(g)
		if idx < 0 {
			return nil, core.NewError(core.ErrSchemaMismatch, "unknown GROUP BY column: "+g)
		}
		groupIdxs[i] = idx
	}

	aggItems := items
	if len(items) >= len(groupBy) {
		aggItems = items[len(groupBy):]
	}

	type groupState struct {
		key  []core.Value
		accs []accumulator
	}
	groups := make(map[string]*groupState)
	var order []string

	for _, row := range input.Rows {
		key := make([]core.Value, len(groupIdxs))
		for i, idx := range groupIdxs {
			key[i] = row[idx]
		}
		keyStr := groupKeyString(key)
		g, ok := groups[keyStr]
		if !ok {
			accs := make([]accumulator, len(aggItems))
			for i, item := range aggItems {
				a, err := newAccumulator(item, input.Schema)
				if err != nil {
					return nil, err
				}
				accs[i] = a
			}
			g = &groupState{key: key, accs: accs}
			groups[keyStr] = g
			order = append(order, keyStr)
		}
		for i := range g.accs {
			g.accs[i].add(row)
		}
	}

	sort.Strings(order)

	cols := make([]core.Column, 0, len(groupBy)+len(aggItems))
	for _, g := range groupBy {
		idx := input.Schema.IndexOf(g)
		cols = append(cols, input.Schema.Columns[idx])
	}
	for _, item := range aggItems {
		cols = append(cols, core.Column{Name: item.Alias, Type: aggOutputType(item), Nullable: true})
	}

	out := core.NewRowBatch(core.Schema{Columns: cols})
	for _, k := range order {
		g := groups[k]
		row := make(core.Row, 0, len(groupBy)+len(aggItems))
		row = append(row, g.key...)
		for i := range aggItems {
			row = append(row, g.accs[i].result())
		}
		out.Append(row)
	}
	return out, nil
}

// groupKeyString builds a stable, order-preserving string key from a group
// tuple so map iteration never influences output row order.
func groupKeyString(key []core.Value) string {
	var sb strings.Builder
	for i, v := range key {
		if i > 0 {
			sb.WriteByte('\x1f')
		}
		sb.WriteString(fmt.Sprintf("%d:%s", v.Kind, v.String()))
	}
	return sb.String()
}

func aggOutputType(item core.SelectItem) core.Type {
	if item.Agg == core.AggCount {
		return core.TypeBigInt
	}
	return core.TypeDouble
}
