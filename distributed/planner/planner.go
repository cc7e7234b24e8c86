// Package planner implements C4: rewriting a parsed SELECT into a map query
// and an iterative reduce query (SPEC_FULL.md §4.4).
package planner

import (
	"fmt"
	"strings"

	"github.com/elalber2000/mini-snowflake/core"
)

// AggregationMode is one of the three shapes a planned SELECT can take.
type AggregationMode string

const (
	ModePassThrough AggregationMode = "pass_through"
	ModeScalar      AggregationMode = "scalar"
	ModeGrouped     AggregationMode = "grouped"
)

// ProjectionKind distinguishes the two ways a final output column is derived
// from the single remaining partial after the last reduce round.
type ProjectionKind int

const (
	ProjectDirect ProjectionKind = iota // rename a reduce-level column to its output alias
	ProjectAvg                          // SUM(col)/NULLIF(COUNT(col),0), recomposed locally
)

// ProjectionColumn describes how to compute one output column of the user's
// original SELECT list from the final partial's columns.
type ProjectionColumn struct {
	OutputName string
	Kind       ProjectionKind
	Source     string // ProjectDirect: the reduce-level column to rename
	SumCol     string // ProjectAvg: the SUM(col) map/reduce column
	CntCol     string // ProjectAvg: the COUNT(col) map/reduce column
}

// PlannedQuery is the immutable output of C4, consumed by the execution
// engine.
type PlannedQuery struct {
	MapSQL       string
	ReduceSQL    string // empty means "reduce_sql is null" (pass-through mode)
	GroupBy      []string
	Where        []core.WhereAtom // the original statement's WHERE, for shard-pruning; also rendered into MapSQL
	OutputSchema core.Schema
	Mode         AggregationMode
	Projection   []ProjectionColumn
}

// reducePseudoTable is the FROM-clause identifier reduce_sql uses. Reduce
// tasks execute over a union of PartialResults supplied out of band by the
// execution engine, not a catalog table, so this name is never resolved
// against the catalog — workers substitute the supplied partials instead.
const reducePseudoTable = "partials"

// Plan rewrites a parsed SELECT + its resolved table schema into a
// PlannedQuery.
func Plan(stmt *core.SelectStatement, schema core.Schema) (*PlannedQuery, error) {
	if !stmt.HasAggregate() {
		return planPassThrough(stmt, schema)
	}
	if len(stmt.GroupBy) == 0 {
		return planScalar(stmt, schema)
	}
	return planGrouped(stmt, schema)
}

func planPassThrough(stmt *core.SelectStatement, schema core.Schema) (*PlannedQuery, error) {
	outCols := make([]core.Column, 0, len(stmt.Items))
	for _, item := range stmt.Items {
		if item.Star {
			outCols = schema.Columns
			break
		}
		idx := schema.IndexOf(item.Column)
		if idx < 0 {
			return nil, core.NewError(core.ErrInternal, "unresolved column in pass-through projection: "+item.Column)
		}
		col := schema.Columns[idx]
		col.Name = item.Alias
		outCols = append(outCols, col)
	}

	mapSQL := renderSelect(selectRender{
		Items: stmt.Items,
		Table: stmt.TableName,
		Where: stmt.Where,
	})

	return &PlannedQuery{
		MapSQL:       mapSQL,
		ReduceSQL:    "",
		Where:        stmt.Where,
		OutputSchema: core.Schema{Columns: outCols},
		Mode:         ModePassThrough,
	}, nil
}

// measureKind classifies how one SELECT-list aggregate decomposes into one
// or two map-level columns, per the rewrite table in SPEC_FULL.md §4.4.
type measureKind int

const (
	measureCountStar measureKind = iota
	measureCountCol
	measureSum
	measureMin
	measureMax
	measureAvg // decomposes into a SUM measure + a COUNT measure
)

func classify(item core.SelectItem) measureKind {
	switch item.Agg {
	case core.AggCount:
		if item.Star {
			return measureCountStar
		}
		return measureCountCol
	case core.AggSum:
		return measureSum
	case core.AggMin:
		return measureMin
	case core.AggMax:
		return measureMax
	case core.AggAvg:
		return measureAvg
	default:
		panic("classify called on non-aggregate item")
	}
}

// mapColumnName assigns the positional map-level column name for slot i per
// SPEC_FULL.md's naming convention (_c_i / _s_i / _m_i / _sum_i / _cnt_i).
func mapColumnName(prefix string, slot int) string { return fmt.Sprintf("_%s_%d", prefix, slot) }

// buildMeasures walks the SELECT list once, producing (a) the map-level
// aggregate items to emit from map_sql, (b) the reduce-level aggregate items
// that combine them (self-similar: SUM of SUMs, MIN of MINs, …), and (c) the
// final local projection that recomposes AVG and aliases everything to the
// user's output names.
func buildMeasures(items []core.SelectItem) (mapItems, reduceItems []core.SelectItem, projection []ProjectionColumn) {
	for slot, item := range items {
		if !item.IsAggregate() {
			// non-aggregate projections only occur in grouped mode and are
			// handled by the caller via GROUP BY columns, not here.
			continue
		}
		switch classify(item) {
		case measureCountStar:
			name := mapColumnName("c", slot)
			mapItems = append(mapItems, core.SelectItem{Agg: core.AggCount, Star: true, Alias: name})
			reduceItems = append(reduceItems, core.SelectItem{Agg: core.AggSum, Column: name, Alias: name})
			projection = append(projection, ProjectionColumn{OutputName: item.Alias, Kind: ProjectDirect, Source: name})

		case measureCountCol:
			name := mapColumnName("c", slot)
			mapItems = append(mapItems, core.SelectItem{Agg: core.AggCount, Column: item.Column, Alias: name})
			reduceItems = append(reduceItems, core.SelectItem{Agg: core.AggSum, Column: name, Alias: name})
			projection = append(projection, ProjectionColumn{OutputName: item.Alias, Kind: ProjectDirect, Source: name})

		case measureSum:
			name := mapColumnName("s", slot)
			mapItems = append(mapItems, core.SelectItem{Agg: core.AggSum, Column: item.Column, Alias: name})
			reduceItems = append(reduceItems, core.SelectItem{Agg: core.AggSum, Column: name, Alias: name})
			projection = append(projection, ProjectionColumn{OutputName: item.Alias, Kind: ProjectDirect, Source: name})

		case measureMin:
			name := mapColumnName("m", slot)
			mapItems = append(mapItems, core.SelectItem{Agg: core.AggMin, Column: item.Column, Alias: name})
			reduceItems = append(reduceItems, core.SelectItem{Agg: core.AggMin, Column: name, Alias: name})
			projection = append(projection, ProjectionColumn{OutputName: item.Alias, Kind: ProjectDirect, Source: name})

		case measureMax:
			name := mapColumnName("m", slot)
			mapItems = append(mapItems, core.SelectItem{Agg: core.AggMax, Column: item.Column, Alias: name})
			reduceItems = append(reduceItems, core.SelectItem{Agg: core.AggMax, Column: name, Alias: name})
			projection = append(projection, ProjectionColumn{OutputName: item.Alias, Kind: ProjectDirect, Source: name})

		case measureAvg:
			sumName := mapColumnName("sum", slot)
			cntName := mapColumnName("cnt", slot)
			mapItems = append(mapItems,
				core.SelectItem{Agg: core.AggSum, Column: item.Column, Alias: sumName},
				core.SelectItem{Agg: core.AggCount, Column: item.Column, Alias: cntName},
			)
			reduceItems = append(reduceItems,
				core.SelectItem{Agg: core.AggSum, Column: sumName, Alias: sumName},
				core.SelectItem{Agg: core.AggSum, Column: cntName, Alias: cntName},
			)
			projection = append(projection, ProjectionColumn{OutputName: item.Alias, Kind: ProjectAvg, SumCol: sumName, CntCol: cntName})
		}
	}
	return
}

func planScalar(stmt *core.SelectStatement, schema core.Schema) (*PlannedQuery, error) {
	mapItems, reduceItems, projection := buildMeasures(stmt.Items)

	mapSQL := renderSelect(selectRender{Items: mapItems, Table: stmt.TableName, Where: stmt.Where})
	reduceSQL := renderSelect(selectRender{Items: reduceItems, Table: reducePseudoTable})

	outCols := make([]core.Column, len(stmt.Items))
	for i, it := range stmt.Items {
		outCols[i] = outputColumnFor(it, schema)
	}

	return &PlannedQuery{
		MapSQL:       mapSQL,
		ReduceSQL:    reduceSQL,
		Where:        stmt.Where,
		OutputSchema: core.Schema{Columns: outCols},
		Mode:         ModeScalar,
		Projection:   projection,
	}, nil
}

func planGrouped(stmt *core.SelectStatement, schema core.Schema) (*PlannedQuery, error) {
	mapItems, reduceItems, projection := buildMeasures(stmt.Items)

	var mapFull, reduceFull []core.SelectItem
	for _, g := range stmt.GroupBy {
		mapFull = append(mapFull, core.SelectItem{Column: g, Alias: g})
		reduceFull = append(reduceFull, core.SelectItem{Column: g, Alias: g})
	}
	mapFull = append(mapFull, mapItems...)
	reduceFull = append(reduceFull, reduceItems...)

	// the final projection follows the user's SELECT list order
	aggProjection := projection
	projection = make([]ProjectionColumn, 0, len(stmt.Items))
	next := 0
	for _, it := range stmt.Items {
		if it.IsAggregate() {
			projection = append(projection, aggProjection[next])
			next++
			continue
		}
		projection = append(projection, ProjectionColumn{OutputName: it.Alias, Kind: ProjectDirect, Source: it.Column})
	}

	mapSQL := renderSelect(selectRender{Items: mapFull, Table: stmt.TableName, Where: stmt.Where, GroupBy: stmt.GroupBy})
	reduceSQL := renderSelect(selectRender{Items: reduceFull, Table: reducePseudoTable, GroupBy: stmt.GroupBy})

	outCols := make([]core.Column, len(stmt.Items))
	for i, it := range stmt.Items {
		outCols[i] = outputColumnFor(it, schema)
	}

	return &PlannedQuery{
		MapSQL:       mapSQL,
		ReduceSQL:    reduceSQL,
		GroupBy:      stmt.GroupBy,
		Where:        stmt.Where,
		OutputSchema: core.Schema{Columns: outCols},
		Mode:         ModeGrouped,
		Projection:   projection,
	}, nil
}

func outputColumnFor(item core.SelectItem, schema core.Schema) core.Column {
	if !item.IsAggregate() {
		idx := schema.IndexOf(item.Column)
		col := schema.Columns[idx]
		col.Name = item.Alias
		return col
	}
	switch item.Agg {
	case core.AggCount:
		return core.Column{Name: item.Alias, Type: core.TypeBigInt, Nullable: false}
	case core.AggAvg:
		return core.Column{Name: item.Alias, Type: core.TypeDouble, Nullable: true}
	default:
		idx := schema.IndexOf(item.Column)
		col := schema.Columns[idx]
		col.Name = item.Alias
		return col
	}
}

// selectRender is the minimal shape renderSelect needs to produce dialect
// SQL text for either a map or a reduce query.
type selectRender struct {
	Items   []core.SelectItem
	Table   string
	Where   []core.WhereAtom
	GroupBy []string
}

func renderSelect(r selectRender) string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	for i, item := range r.Items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(renderItem(item))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(r.Table)
	if len(r.Where) > 0 {
		sb.WriteString(" WHERE ")
		for i, atom := range r.Where {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(renderWhereAtom(atom))
		}
	}
	if len(r.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(r.GroupBy, ", "))
	}
	return sb.String()
}

func renderItem(item core.SelectItem) string {
	if item.Star {
		if item.Agg == core.AggCount {
			return fmt.Sprintf("COUNT(*) AS %s", item.Alias)
		}
		return "*"
	}
	if item.IsAggregate() {
		return fmt.Sprintf("%s(%s) AS %s", item.Agg, item.Column, item.Alias)
	}
	if item.Alias != "" && item.Alias != item.Column {
		return fmt.Sprintf("%s AS %s", item.Column, item.Alias)
	}
	return item.Column
}

func renderWhereAtom(atom core.WhereAtom) string {
	if atom.IsNull {
		if atom.Negate {
			return fmt.Sprintf("%s IS NOT NULL", atom.Column)
		}
		return fmt.Sprintf("%s IS NULL", atom.Column)
	}
	return fmt.Sprintf("%s %s %s", atom.Column, atom.Op, renderLiteral(atom.Literal))
}

func renderLiteral(v core.Value) string {
	switch v.Kind {
	case core.KindString:
		return "'" + strings.ReplaceAll(v.S, "'", "''") + "'"
	case core.KindNull:
		return "NULL"
	default:
		return v.String()
	}
}
