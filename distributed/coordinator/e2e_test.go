package coordinator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elalber2000/mini-snowflake/catalog"
	"github.com/elalber2000/mini-snowflake/core"
	"github.com/elalber2000/mini-snowflake/distributed/communication"
	"github.com/elalber2000/mini-snowflake/distributed/coordinator"
	"github.com/elalber2000/mini-snowflake/distributed/engine"
	"github.com/elalber2000/mini-snowflake/distributed/registry"
	"github.com/elalber2000/mini-snowflake/distributed/worker"
	"github.com/elalber2000/mini-snowflake/storage"
)

func eventsSchema() core.Schema {
	return core.Schema{Columns: []core.Column{
		{Name: "event_id", Type: core.TypeInt},
		{Name: "user_id", Type: core.TypeInt, Nullable: true},
		{Name: "event_type", Type: core.TypeVarchar},
		{Name: "value", Type: core.TypeDouble},
		{Name: "event_time", Type: core.TypeTimestamp},
	}}
}

// eventsFixtureShards splits the 10-row events fixture from spec.md's S1-S6
// scenarios into 3 shards of sizes {4,3,3}.
func eventsFixtureShards() [][]core.Row {
	row := func(id, user int64, hasUser bool, etype string, value float64) core.Row {
		u := core.Null
		if hasUser {
			u = core.IntValue(user)
		}
		return core.Row{core.IntValue(id), u, core.StringValue(etype), core.FloatValue(value), core.StringValue(fmt.Sprintf("2026-01-01T00:00:0%dZ", id))}
	}
	all := []core.Row{
		row(1, 10, true, "click", 1.5),
		row(2, 10, true, "click", 2.0),
		row(3, 11, true, "view", 0.0),
		row(4, 12, true, "click", 3.5),
		row(5, 0, false, "view", 1.0),
		row(6, 13, true, "purchase", 20.0),
		row(7, 13, true, "purchase", 30.0),
		row(8, 14, true, "click", 1.0),
		row(9, 0, false, "view", 0.5),
		row(10, 15, true, "click", -1.0),
	}
	return [][]core.Row{all[0:4], all[4:7], all[7:10]}
}

func setupCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	store := catalog.NewStore(t.TempDir())
	schema := eventsSchema()
	if err := store.CreateTable("events", schema, 4, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	dir := store.ShardDir("events")
	var refs []core.ShardRef
	for i, rows := range eventsFixtureShards() {
		batch := &core.RowBatch{Schema: schema, Rows: rows}
		path := filepath.Join(dir, fmt.Sprintf("fixture-%d.parquet", i))
		if err := storage.WriteShard(path, batch); err != nil {
			t.Fatalf("WriteShard: %v", err)
		}
		refs = append(refs, core.ShardRef{Path: path, RowCount: int64(len(rows)), BloomFilters: storage.BuildShardBloomFilters(batch)})
	}
	if _, err := store.AppendShards("events", refs); err != nil {
		t.Fatalf("AppendShards: %v", err)
	}
	return store
}

func setupCluster(t *testing.T, numWorkers int, fanin int) (*coordinator.Coordinator, *registry.Registry) {
	t.Helper()
	transport := communication.NewMemoryTransport()
	reg := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 5})
	t.Cleanup(reg.Close)

	for i := 0; i < numWorkers; i++ {
		id := fmt.Sprintf("w%d", i)
		addr := "mem://" + id
		transport.RegisterWorker(addr, worker.New(id))
		reg.Register(id, addr)
	}

	coord := coordinator.New(setupCatalog(t), reg, transport, coordinator.Config{
		Engine: engine.Config{
			MaxInFlight:    8,
			MaxRetries:     2,
			ReduceFanin:    fanin,
			TaskTimeout:    5 * time.Second,
			QueryTimeout:   10 * time.Second,
			AcquireTimeout: 2 * time.Second,
			CancelGrace:    time.Second,
		},
		DefaultRowsPerShard: 1000,
	})
	return coord, reg
}

func TestEndToEndScenarios(t *testing.T) {
	for _, workers := range []int{1, 2, 4} {
		for _, fanin := range []int{2, 8} {
			name := fmt.Sprintf("workers=%d/fanin=%d", workers, fanin)
			t.Run(name, func(t *testing.T) {
				coord, _ := setupCluster(t, workers, fanin)
				ctx := context.Background()

				t.Run("S1_SelectStar", func(t *testing.T) {
					out, err := coord.Execute(ctx, `SELECT * FROM events`)
					if err != nil {
						t.Fatalf("Execute: %v", err)
					}
					if len(out.Rows) != 10 {
						t.Errorf("expected 10 rows, got %d", len(out.Rows))
					}
				})

				t.Run("S2_FilteredProjection", func(t *testing.T) {
					out, err := coord.Execute(ctx, `SELECT event_id, value FROM events WHERE event_type = 'click' AND value > 1.0`)
					if err != nil {
						t.Fatalf("Execute: %v", err)
					}
					got := map[int64]float64{}
					for _, row := range out.Rows {
						got[row[0].I] = row[1].AsFloat64()
					}
					want := map[int64]float64{1: 1.5, 2: 2.0, 4: 3.5}
					if len(got) != len(want) {
						t.Fatalf("got %v, want %v", got, want)
					}
					for id, v := range want {
						if got[id] != v {
							t.Errorf("event_id %d value = %v, want %v", id, got[id], v)
						}
					}
				})

				t.Run("S3_ScalarAggregate", func(t *testing.T) {
					out, err := coord.Execute(ctx, `SELECT COUNT(*) AS n, SUM(value) AS total_value FROM events`)
					if err != nil {
						t.Fatalf("Execute: %v", err)
					}
					if out.Rows[0][0].I != 10 {
						t.Errorf("n = %v, want 10", out.Rows[0][0])
					}
					if out.Rows[0][1].AsFloat64() != 58.5 {
						t.Errorf("total_value = %v, want 58.5", out.Rows[0][1])
					}
				})

				t.Run("S4_GroupedCount", func(t *testing.T) {
					out, err := coord.Execute(ctx, `SELECT event_type, COUNT(*) AS n_events FROM events GROUP BY event_type`)
					if err != nil {
						t.Fatalf("Execute: %v", err)
					}
					assertGroupCounts(t, out, map[string]int64{"click": 5, "view": 3, "purchase": 2})
				})

				t.Run("S5_GroupedCountWithFilter", func(t *testing.T) {
					out, err := coord.Execute(ctx, `SELECT event_type, COUNT(*) AS n_events FROM events WHERE value >= 1.0 GROUP BY event_type`)
					if err != nil {
						t.Fatalf("Execute: %v", err)
					}
					assertGroupCounts(t, out, map[string]int64{"click": 4, "view": 1, "purchase": 2})
				})

				t.Run("S6_GroupedCountSumAvg", func(t *testing.T) {
					out, err := coord.Execute(ctx, `SELECT event_type, COUNT(*) AS n, SUM(value) AS total, AVG(value) AS avg FROM events WHERE user_id IS NOT NULL GROUP BY event_type`)
					if err != nil {
						t.Fatalf("Execute: %v", err)
					}
					type stat struct {
						n          int64
						total, avg float64
					}
					want := map[string]stat{
						"click":    {5, 7.0, 1.4},
						"view":     {1, 0.0, 0.0},
						"purchase": {2, 50.0, 25.0},
					}
					if len(out.Rows) != len(want) {
						t.Fatalf("expected %d groups, got %d", len(want), len(out.Rows))
					}
					for _, row := range out.Rows {
						et := row[0].S
						w, ok := want[et]
						if !ok {
							t.Fatalf("unexpected group %q", et)
						}
						if row[1].I != w.n {
							t.Errorf("%s: n = %v, want %d", et, row[1], w.n)
						}
						if row[2].AsFloat64() != w.total {
							t.Errorf("%s: total = %v, want %v", et, row[2], w.total)
						}
						if row[3].AsFloat64() != w.avg {
							t.Errorf("%s: avg = %v, want %v", et, row[3], w.avg)
						}
					}
				})
			})
		}
	}
}

func assertGroupCounts(t *testing.T, out *core.RowBatch, want map[string]int64) {
	t.Helper()
	got := map[string]int64{}
	for _, row := range out.Rows {
		got[row[0].S] = row[1].I
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("group %q count = %d, want %d", k, got[k], v)
		}
	}
}

func TestEmptyTableSelectReturnsEmptyBatch(t *testing.T) {
	store := catalog.NewStore(t.TempDir())
	if err := store.CreateTable("events", eventsSchema(), 100, false); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	transport := communication.NewMemoryTransport()
	reg := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer reg.Close()

	coord := coordinator.New(store, reg, transport, coordinator.Config{
		Engine:              engine.Config{MaxInFlight: 4, MaxRetries: 1, ReduceFanin: 8, TaskTimeout: time.Second, QueryTimeout: time.Second, AcquireTimeout: time.Second},
		DefaultRowsPerShard: 100,
	})

	out, err := coord.Execute(context.Background(), `SELECT COUNT(*) AS n FROM events`)
	if err != nil {
		t.Fatalf("Execute on empty table should not require any worker: %v", err)
	}
	if len(out.Rows) != 0 {
		t.Errorf("expected an empty batch (no shards to map), got %d rows", len(out.Rows))
	}
}

func TestDDLAndInsertFromCSV(t *testing.T) {
	store := catalog.NewStore(t.TempDir())
	transport := communication.NewMemoryTransport()
	reg := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer reg.Close()
	transport.RegisterWorker("mem://w0", worker.New("w0"))
	reg.Register("w0", "mem://w0")

	coord := coordinator.New(store, reg, transport, coordinator.Config{
		Engine:              engine.Config{MaxInFlight: 4, MaxRetries: 1, ReduceFanin: 8, TaskTimeout: time.Second, QueryTimeout: time.Second, AcquireTimeout: time.Second},
		DefaultRowsPerShard: 2,
	})

	ctx := context.Background()
	if _, err := coord.Execute(ctx, `CREATE TABLE t (a INT, b VARCHAR)`); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}

	csvPath := filepath.Join(t.TempDir(), "src.csv")
	writeCSVFixture(t, csvPath, "a,b\n1,x\n2,y\n3,z\n")

	if _, err := coord.Execute(ctx, fmt.Sprintf(`INSERT INTO t FROM '%s'`, csvPath)); err != nil {
		t.Fatalf("INSERT INTO ... FROM: %v", err)
	}

	out, err := coord.Execute(ctx, `SELECT COUNT(*) AS n FROM t`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Rows[0][0].I != 3 {
		t.Errorf("n = %v, want 3", out.Rows[0][0])
	}
}

func writeCSVFixture(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing CSV fixture: %v", err)
	}
}
