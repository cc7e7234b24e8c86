// Package coordinator is the top-level orchestrator: it parses a statement
// (C1), resolves it against the catalog (C2), and for SELECT dispatches
// through the planner (C4) and execution engine (C5) against the live
// worker set (C3). DDL/DML statements (CREATE/DROP/INSERT) are handled
// directly against the catalog and shard storage, never through the engine.
package coordinator

import (
	"context"
	"os"
	"time"

	"github.com/elalber2000/mini-snowflake/catalog"
	"github.com/elalber2000/mini-snowflake/core"
	"github.com/elalber2000/mini-snowflake/distributed/communication"
	"github.com/elalber2000/mini-snowflake/distributed/engine"
	"github.com/elalber2000/mini-snowflake/distributed/planner"
	"github.com/elalber2000/mini-snowflake/distributed/registry"
	"github.com/elalber2000/mini-snowflake/storage"
)

// Config bundles the engine's tunables plus the default rows-per-shard
// INSERT INTO falls back to when ROWS PER SHARD is omitted.
type Config struct {
	Engine              engine.Config
	DefaultRowsPerShard int64
}

// Coordinator ties C1-C5 together behind a single Execute entry point.
type Coordinator struct {
	catalog  *catalog.Store
	registry *registry.Registry
	engine   *engine.Engine
	cfg      Config
}

// New creates a Coordinator over an already-open catalog and registry.
func New(cat *catalog.Store, reg *registry.Registry, transport communication.Transport, cfg Config) *Coordinator {
	return &Coordinator{
		catalog:  cat,
		registry: reg,
		engine:   engine.New(reg, transport, cfg.Engine),
		cfg:      cfg,
	}
}

// Execute parses and runs one SQL statement, returning a row batch for
// SELECT (nil for DDL/DML).
func (c *Coordinator) Execute(ctx context.Context, sql string) (*core.RowBatch, error) {
	stmt, err := core.Parse(sql)
	if err != nil {
		return nil, err
	}

	tracer := core.GetTracer()
	start := time.Now()
	defer func() {
		tracer.Info(core.TraceComponentEngine, "statement executed", core.TraceContext(
			"elapsed_ms", time.Since(start).Milliseconds(),
		))
	}()

	switch s := stmt.(type) {
	case *core.CreateTableStatement:
		return nil, c.executeCreateTable(s)
	case *core.DropTableStatement:
		return nil, c.executeDropTable(s)
	case *core.InsertFromStatement:
		return nil, c.executeInsertFrom(s)
	case *core.SelectStatement:
		return c.executeSelect(ctx, s)
	default:
		return nil, core.NewError(core.ErrInternal, "unreachable statement kind")
	}
}

func (c *Coordinator) executeCreateTable(s *core.CreateTableStatement) error {
	cols := make([]core.Column, len(s.Columns))
	for i, cd := range s.Columns {
		cols[i] = core.Column{Name: cd.Name, Type: cd.Type, Nullable: cd.Nullable}
	}
	return c.catalog.CreateTable(s.TableName, core.Schema{Columns: cols}, c.cfg.DefaultRowsPerShard, s.IfNotExists)
}

func (c *Coordinator) executeDropTable(s *core.DropTableStatement) error {
	if err := c.catalog.DropTable(s.TableName, s.IfExists); err != nil {
		return err
	}
	if err := os.RemoveAll(c.catalog.ShardDir(s.TableName)); err != nil {
		return core.Wrap(core.ErrInternal, "removing shard files", err)
	}
	return nil
}

func (c *Coordinator) executeInsertFrom(s *core.InsertFromStatement) error {
	m, err := c.catalog.OpenManifest(s.TableName)
	if err != nil {
		return err
	}

	rowsPerShard := s.RowsPerShard
	if rowsPerShard == 0 {
		rowsPerShard = m.RowsPerShard
	}
	if rowsPerShard == 0 {
		rowsPerShard = c.cfg.DefaultRowsPerShard
	}

	batch, err := storage.ReadSource(s.SourcePath, m.Schema)
	if err != nil {
		return err
	}

	refs, err := storage.SplitIntoShards(batch, c.catalog.ShardDir(s.TableName), rowsPerShard)
	if err != nil {
		return err
	}

	_, err = c.catalog.AppendShards(s.TableName, refs)
	return err
}

func (c *Coordinator) executeSelect(ctx context.Context, s *core.SelectStatement) (*core.RowBatch, error) {
	m, err := c.catalog.OpenManifest(s.TableName)
	if err != nil {
		return nil, err
	}

	plan, err := planner.Plan(s, m.Schema)
	if err != nil {
		return nil, err
	}

	if len(m.Shards) == 0 {
		return core.NewRowBatch(plan.OutputSchema), nil
	}

	return c.engine.Run(ctx, plan, m.Shards, m.Schema)
}
