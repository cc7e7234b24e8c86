package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/elalber2000/mini-snowflake/core"
	"github.com/elalber2000/mini-snowflake/storage"
)

func sampleSchema() core.Schema {
	return core.Schema{Columns: []core.Column{
		{Name: "event_id", Type: core.TypeInt},
		{Name: "user_id", Type: core.TypeInt, Nullable: true},
		{Name: "event_type", Type: core.TypeVarchar},
		{Name: "value", Type: core.TypeDouble},
	}}
}

func sampleBatch() *core.RowBatch {
	batch := core.NewRowBatch(sampleSchema())
	batch.Append(core.Row{core.IntValue(1), core.IntValue(10), core.StringValue("click"), core.FloatValue(1.5)})
	batch.Append(core.Row{core.IntValue(2), core.Null, core.StringValue("view"), core.FloatValue(0.0)})
	return batch
}

func TestWriteAndReadShardRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.parquet")
	if err := storage.WriteShard(path, sampleBatch()); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}

	out, err := storage.ReadShard(path, sampleSchema())
	if err != nil {
		t.Fatalf("ReadShard: %v", err)
	}
	if len(out.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out.Rows))
	}
	if out.Rows[0][0].I != 1 || out.Rows[0][2].S != "click" {
		t.Errorf("row 0 = %+v", out.Rows[0])
	}
	if !out.Rows[1][1].IsNull() {
		t.Errorf("row 1 user_id should round-trip as NULL, got %+v", out.Rows[1][1])
	}
}

func TestSplitIntoShardsPartitionsByRowsPerShard(t *testing.T) {
	batch := core.NewRowBatch(sampleSchema())
	for i := int64(0); i < 10; i++ {
		batch.Append(core.Row{core.IntValue(i), core.IntValue(i), core.StringValue("click"), core.FloatValue(float64(i))})
	}

	dir := t.TempDir()
	refs, err := storage.SplitIntoShards(batch, dir, 4)
	if err != nil {
		t.Fatalf("SplitIntoShards: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 shards (4,4,2), got %d", len(refs))
	}
	wantCounts := []int64{4, 4, 2}
	for i, ref := range refs {
		if ref.RowCount != wantCounts[i] {
			t.Errorf("shard %d row count = %d, want %d", i, ref.RowCount, wantCounts[i])
		}
		if _, err := os.Stat(ref.Path); err != nil {
			t.Errorf("shard file %s should exist: %v", ref.Path, err)
		}
	}
}

func TestReadSourceDispatchesByExtension(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "events.csv")
	content := "event_id,user_id,event_type,value\n1,10,click,1.5\n2,,view,0\n"
	if err := os.WriteFile(csvPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture CSV: %v", err)
	}

	batch, err := storage.ReadSource(csvPath, sampleSchema())
	if err != nil {
		t.Fatalf("ReadSource: %v", err)
	}
	if len(batch.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(batch.Rows))
	}
	if batch.Rows[0][0].I != 1 || batch.Rows[0][2].S != "click" {
		t.Errorf("row 0 = %+v", batch.Rows[0])
	}
	if !batch.Rows[1][1].IsNull() {
		t.Errorf("row 1 user_id should be NULL for an empty CSV field, got %+v", batch.Rows[1][1])
	}
}

func TestReadSourceHandlesQuotedEmbeddedComma(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "events.csv")
	content := "event_id,user_id,event_type,value\n1,10,\"click, sale\",1.5\n"
	if err := os.WriteFile(csvPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture CSV: %v", err)
	}

	batch, err := storage.ReadSource(csvPath, sampleSchema())
	if err != nil {
		t.Fatalf("ReadSource: %v", err)
	}
	if len(batch.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(batch.Rows))
	}
	if batch.Rows[0][2].S != "click, sale" {
		t.Errorf("event_type = %q, want the embedded comma preserved by proper CSV quoting", batch.Rows[0][2].S)
	}
}

func TestReadSourceUnsupportedExtension(t *testing.T) {
	_, err := storage.ReadSource("events.txt", sampleSchema())
	if core.KindOf(err) != core.ErrInternal {
		t.Fatalf("KindOf = %v, want Internal for an unsupported extension", core.KindOf(err))
	}
}
