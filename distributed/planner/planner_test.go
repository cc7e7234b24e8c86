package planner_test

import (
	"strings"
	"testing"

	"github.com/elalber2000/mini-snowflake/core"
	"github.com/elalber2000/mini-snowflake/distributed/planner"
)

func eventsSchema() core.Schema {
	return core.Schema{Columns: []core.Column{
		{Name: "event_id", Type: core.TypeInt},
		{Name: "user_id", Type: core.TypeInt, Nullable: true},
		{Name: "event_type", Type: core.TypeVarchar},
		{Name: "value", Type: core.TypeDouble},
	}}
}

func mustParseSelect(t *testing.T, sql string) *core.SelectStatement {
	t.Helper()
	stmt, err := core.Parse(sql)
	if err != nil {
		t.Fatalf("Parse(%q): %v", sql, err)
	}
	return stmt.(*core.SelectStatement)
}

func TestPlanPassThrough(t *testing.T) {
	sel := mustParseSelect(t, `SELECT * FROM events`)
	plan, err := planner.Plan(sel, eventsSchema())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mode != planner.ModePassThrough {
		t.Errorf("mode = %v, want pass_through", plan.Mode)
	}
	if plan.ReduceSQL != "" {
		t.Errorf("reduce_sql should be empty in pass-through mode, got %q", plan.ReduceSQL)
	}
	if len(plan.OutputSchema.Columns) != 4 {
		t.Errorf("output schema = %+v", plan.OutputSchema)
	}
	if !strings.Contains(plan.MapSQL, "FROM events") {
		t.Errorf("map_sql = %q", plan.MapSQL)
	}
}

func TestPlanScalarCount(t *testing.T) {
	sel := mustParseSelect(t, `SELECT COUNT(*) AS n, SUM(value) AS total_value FROM events`)
	plan, err := planner.Plan(sel, eventsSchema())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mode != planner.ModeScalar {
		t.Errorf("mode = %v, want scalar", plan.Mode)
	}
	if !strings.Contains(plan.MapSQL, "COUNT(*) AS _c_0") {
		t.Errorf("map_sql missing positional count column: %q", plan.MapSQL)
	}
	if !strings.Contains(plan.MapSQL, "SUM(value) AS _s_1") {
		t.Errorf("map_sql missing positional sum column: %q", plan.MapSQL)
	}
	if !strings.Contains(plan.ReduceSQL, "SUM(_c_0) AS _c_0") || !strings.Contains(plan.ReduceSQL, "SUM(_s_1) AS _s_1") {
		t.Errorf("reduce_sql should re-sum the map columns: %q", plan.ReduceSQL)
	}
	if len(plan.Projection) != 2 || plan.Projection[0].Kind != planner.ProjectDirect || plan.Projection[0].Source != "_c_0" {
		t.Errorf("projection = %+v", plan.Projection)
	}
}

func TestPlanScalarAvgDecomposesIntoSumAndCount(t *testing.T) {
	sel := mustParseSelect(t, `SELECT AVG(value) AS avg_value FROM events`)
	plan, err := planner.Plan(sel, eventsSchema())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !strings.Contains(plan.MapSQL, "SUM(value) AS _sum_0") || !strings.Contains(plan.MapSQL, "COUNT(value) AS _cnt_0") {
		t.Errorf("map_sql should decompose AVG into SUM+COUNT: %q", plan.MapSQL)
	}
	if len(plan.Projection) != 1 {
		t.Fatalf("expected 1 projection column, got %d", len(plan.Projection))
	}
	proj := plan.Projection[0]
	if proj.Kind != planner.ProjectAvg || proj.SumCol != "_sum_0" || proj.CntCol != "_cnt_0" {
		t.Errorf("projection = %+v", proj)
	}
	if plan.OutputSchema.Columns[0].Type != core.TypeDouble || !plan.OutputSchema.Columns[0].Nullable {
		t.Errorf("AVG output column should be nullable DOUBLE, got %+v", plan.OutputSchema.Columns[0])
	}
}

func TestPlanGroupedCarriesGroupColumnsFirst(t *testing.T) {
	sel := mustParseSelect(t, `SELECT event_type, COUNT(*) AS n_events FROM events GROUP BY event_type`)
	plan, err := planner.Plan(sel, eventsSchema())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Mode != planner.ModeGrouped {
		t.Errorf("mode = %v, want grouped", plan.Mode)
	}
	if !strings.HasPrefix(plan.MapSQL, "SELECT event_type, COUNT(*) AS _c_1") {
		t.Errorf("map_sql should list the group column before the aggregate: %q", plan.MapSQL)
	}
	if !strings.Contains(plan.MapSQL, "GROUP BY event_type") {
		t.Errorf("map_sql missing GROUP BY: %q", plan.MapSQL)
	}
	if !strings.Contains(plan.ReduceSQL, "GROUP BY event_type") {
		t.Errorf("reduce_sql missing GROUP BY: %q", plan.ReduceSQL)
	}
	if len(plan.GroupBy) != 1 || plan.GroupBy[0] != "event_type" {
		t.Errorf("plan.GroupBy = %+v", plan.GroupBy)
	}
	// projection follows the SELECT list, whose first item here is the group column
	if plan.Projection[0].OutputName != "event_type" || plan.Projection[0].Kind != planner.ProjectDirect {
		t.Errorf("projection[0] = %+v, want the group column first", plan.Projection[0])
	}
}

func TestPlanWherePushedIntoMapSQLOnly(t *testing.T) {
	sel := mustParseSelect(t, `SELECT COUNT(*) AS n FROM events WHERE value >= 1.0`)
	plan, err := planner.Plan(sel, eventsSchema())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !strings.Contains(plan.MapSQL, "WHERE value >= 1") {
		t.Errorf("map_sql missing WHERE clause: %q", plan.MapSQL)
	}
	if strings.Contains(plan.ReduceSQL, "WHERE") {
		t.Errorf("reduce_sql must not repeat the WHERE clause (partials are already filtered): %q", plan.ReduceSQL)
	}
	if len(plan.Where) != 1 || plan.Where[0].Column != "value" {
		t.Errorf("plan.Where should carry the parsed predicate for shard pruning, got %+v", plan.Where)
	}
}

func TestPlanStringLiteralEscaping(t *testing.T) {
	sel := mustParseSelect(t, `SELECT COUNT(*) AS n FROM events WHERE event_type = 'click'`)
	plan, err := planner.Plan(sel, eventsSchema())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !strings.Contains(plan.MapSQL, "event_type = 'click'") {
		t.Errorf("map_sql = %q", plan.MapSQL)
	}
}
