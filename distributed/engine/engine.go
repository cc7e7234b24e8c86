// Package engine implements C5: the distributed execution engine that
// dispatches a PlannedQuery's map_sql to every shard and iteratively
// tree-reduces the resulting partials (SPEC_FULL.md §4.5).
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/elalber2000/mini-snowflake/core"
	"github.com/elalber2000/mini-snowflake/distributed/communication"
	"github.com/elalber2000/mini-snowflake/distributed/planner"
	"github.com/elalber2000/mini-snowflake/distributed/registry"
	"github.com/elalber2000/mini-snowflake/storage"
)

// Config holds the engine's tunables, named after the options in §6.
type Config struct {
	MaxInFlight    int
	MaxRetries     int
	ReduceFanin    int
	TaskTimeout    time.Duration
	QueryTimeout   time.Duration
	AcquireTimeout time.Duration
	CancelGrace    time.Duration
}

// QueryState is the coarse per-query state machine: Planning precedes
// engine involvement; Mapping and Reducing are this package's two phases.
type QueryState string

const (
	StateMapping  QueryState = "Mapping"
	StateReducing QueryState = "Reducing"
	StateDone     QueryState = "Done"
	StateFailed   QueryState = "Failed"
	StateCancelled QueryState = "Cancelled"
)

// taskState is the per-task state machine (SPEC_FULL.md §4.5):
// Pending -> Dispatched -> Succeeded | FailedRetryable -> Pending | FailedTerminal.
type taskState string

const (
	taskPending         taskState = "Pending"
	taskDispatched      taskState = "Dispatched"
	taskSucceeded       taskState = "Succeeded"
	taskFailedRetryable taskState = "FailedRetryable"
	taskFailedTerminal  taskState = "FailedTerminal"
)

// Engine dispatches planned queries against a live worker set.
type Engine struct {
	registry  *registry.Registry
	transport communication.Transport
	cfg       Config
}

// New creates an Engine bound to a worker registry and RPC transport.
func New(reg *registry.Registry, transport communication.Transport, cfg Config) *Engine {
	return &Engine{registry: reg, transport: transport, cfg: cfg}
}

// indexedPartial carries a map task's output alongside the shard it came
// from, so scalar-mode reduction can order partials deterministically by
// shard_id before folding them together (SPEC_FULL.md §9 design note 5).
type indexedPartial struct {
	shardID int64
	batch   *core.RowBatch
}

// Run executes a planned SELECT against shards, returning the final,
// projected row batch.
func (e *Engine) Run(ctx context.Context, plan *planner.PlannedQuery, shards []core.ShardRef, tableSchema core.Schema) (*core.RowBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	tracer := core.GetTracer()
	tracer.Info(core.TraceComponentEngine, "query mapping started", core.TraceContext("shards", len(shards), "mode", string(plan.Mode)))

	partials, err := e.runMapPhase(ctx, plan, shards, tableSchema)
	if err != nil {
		return nil, err
	}

	if plan.Mode == planner.ModePassThrough {
		return concatInShardOrder(partials), nil
	}

	tracer.Info(core.TraceComponentEngine, "query reducing started", core.TraceContext("partials", len(partials)))
	final, err := e.runReducePhase(ctx, plan, partials)
	if err != nil {
		return nil, err
	}

	return applyProjection(plan, final)
}

// runMapPhase dispatches one map task per shard, bounded to MaxInFlight
// concurrent tasks via an errgroup-managed semaphore, with per-task retry on
// a different worker up to MaxRetries.
func (e *Engine) runMapPhase(ctx context.Context, plan *planner.PlannedQuery, shards []core.ShardRef, tableSchema core.Schema) ([]indexedPartial, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, e.cfg.MaxInFlight)

	var mu sync.Mutex
	partials := make([]indexedPartial, 0, len(shards))
	completed := roaring.New()

	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			input := communication.ExecInput{
				Kind:      communication.InputShard,
				ShardPath: shard.Path,
				Partial:   &core.RowBatch{Schema: tableSchema},
			}
			if !storage.ShardMayMatch(shard.BloomFilters, equalityPredicates(plan.Where)) {
				// a bloom filter proves no row in this shard can satisfy an
				// equality predicate: run the map query against zero rows
				// instead of reading the shard file off disk.
				input = communication.ExecInput{Kind: communication.InputPartial, Partial: &core.RowBatch{Schema: tableSchema}}
			}
			batch, err := e.dispatchWithRetry(gctx, plan.MapSQL, []communication.ExecInput{input})
			if err != nil {
				return fmt.Errorf("map task for shard %d: %w", shard.ShardID, err)
			}

			mu.Lock()
			partials = append(partials, indexedPartial{shardID: shard.ShardID, batch: batch})
			completed.Add(uint32(shard.ShardID))
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	core.GetTracer().Info(core.TraceComponentEngine, "map phase complete",
		core.TraceContext("shards_completed", completed.GetCardinality()))
	return partials, nil
}

// runReducePhase iteratively combines partials reduce_fanin at a time until
// one remains. Rounds are not pipelined: every reduce task of a round
// finishes before the next round's groups are formed, and a group holding a
// single partial is still sent through a reduce task.
func (e *Engine) runReducePhase(ctx context.Context, plan *planner.PlannedQuery, partials []indexedPartial) (*core.RowBatch, error) {
	sort.Slice(partials, func(i, j int) bool { return partials[i].shardID < partials[j].shardID })
	batches := make([]*core.RowBatch, len(partials))
	for i, p := range partials {
		batches[i] = p.batch
	}

	fanin := e.cfg.ReduceFanin
	if fanin < 2 {
		fanin = 2
	}

	round := 0
	for len(batches) > 1 {
		round++
		g, gctx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, e.cfg.MaxInFlight)

		numChunks := (len(batches) + fanin - 1) / fanin
		results := make([]*core.RowBatch, numChunks)

		for c := 0; c < numChunks; c++ {
			c := c
			start := c * fanin
			end := start + fanin
			if end > len(batches) {
				end = len(batches)
			}
			chunk := batches[start:end]

			g.Go(func() error {
				select {
				case sem <- struct{}{}:
				case <-gctx.Done():
					return gctx.Err()
				}
				defer func() { <-sem }()

				inputs := make([]communication.ExecInput, len(chunk))
				for i, b := range chunk {
					inputs[i] = communication.ExecInput{Kind: communication.InputPartial, Partial: b}
				}
				out, err := e.dispatchWithRetry(gctx, plan.ReduceSQL, inputs)
				if err != nil {
					return fmt.Errorf("reduce round %d chunk %d: %w", round, c, err)
				}
				results[c] = out
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, err
		}
		batches = results
		core.GetTracer().Debug(core.TraceComponentEngine, "reduce round complete",
			core.TraceContext("round", round, "partials_remaining", len(batches)))
	}
	return batches[0], nil
}

// dispatchWithRetry acquires a worker, executes one task, and retries on a
// different worker (up to MaxRetries) when the failure is retryable. Each
// retry is issued immediately, with no backoff delay.
func (e *Engine) dispatchWithRetry(ctx context.Context, sql string, inputs []communication.ExecInput) (*core.RowBatch, error) {
	excluded := map[string]bool{}
	state := taskPending

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		workers, err := e.registry.Acquire(ctx, 1, excluded, e.cfg.AcquireTimeout)
		if err != nil {
			return nil, err
		}
		w := workers[0]
		state = taskDispatched

		client, err := e.transport.NewWorkerClient(w.Address)
		if err != nil {
			e.registry.Release(w.WorkerID, false)
			return nil, core.Wrap(core.ErrInternal, "creating worker client", err)
		}

		taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
		resp, execErr := client.Exec(taskCtx, communication.ExecRequest{
			SQL:        sql,
			Inputs:     inputs,
			DeadlineMs: e.cfg.TaskTimeout.Milliseconds(),
		})
		cancel()
		client.Close()

		if execErr == nil {
			state = taskSucceeded
			e.registry.Release(w.WorkerID, true)
			return resp.Batch, nil
		}

		e.registry.Release(w.WorkerID, false)
		if !isRetryable(execErr) {
			state = taskFailedTerminal
			return nil, execErr
		}

		state = taskFailedRetryable
		excluded[w.WorkerID] = true
		core.GetTracer().Warn(core.TraceComponentEngine, "task failed, retrying",
			core.TraceContext("attempt", attempt, "worker_id", w.WorkerID, "state", string(state), "error", execErr.Error()))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, core.NewError(core.ErrTaskFailed, "task exhausted max_retries")
}

// equalityPredicates extracts the column->literal pairs from where's
// top-level equality atoms (col = 'string literal'), the only shape a
// shard's bloom filters can test membership against.
func equalityPredicates(where []core.WhereAtom) map[string]string {
	eq := map[string]string{}
	for _, atom := range where {
		if atom.IsNull || atom.Negate || atom.Op != core.OpEq {
			continue
		}
		if atom.Literal.Kind != core.KindString {
			continue
		}
		eq[atom.Column] = atom.Literal.S
	}
	return eq
}

// isRetryable reports whether a task failure should be retried on a
// different worker rather than failing the whole query. ParseError and
// SchemaMismatch are the user's own query being invalid against this
// shard's schema and retrying elsewhere cannot fix that, and a Cancelled
// task is not retried either; everything else (network failures, worker
// timeouts, internal worker errors) is assumed transient.
func isRetryable(err error) bool {
	switch core.KindOf(err) {
	case core.ErrParseError, core.ErrSchemaMismatch, core.ErrCancelled:
		return false
	default:
		return true
	}
}

// concatInShardOrder implements pass-through mode's "reduce is null,
// concatenate" rule: partials are ordered by shard_id for determinism, then
// their rows appended in that order.
func concatInShardOrder(partials []indexedPartial) *core.RowBatch {
	sort.Slice(partials, func(i, j int) bool { return partials[i].shardID < partials[j].shardID })
	if len(partials) == 0 {
		return core.NewRowBatch(core.Schema{})
	}
	out := core.NewRowBatch(partials[0].batch.Schema)
	for _, p := range partials {
		out.Concat(p.batch)
	}
	return out
}

// applyProjection recomposes the final single partial into the user's
// output schema: ProjectDirect columns are renamed straight through,
// ProjectAvg columns divide the partial's SUM/COUNT pair locally (the
// hand-rolled grammar cannot express that division as dispatched SQL).
func applyProjection(plan *planner.PlannedQuery, final *core.RowBatch) (*core.RowBatch, error) {
	out := core.NewRowBatch(plan.OutputSchema)
	for _, row := range final.Rows {
		newRow := make(core.Row, len(plan.Projection))
		for i, proj := range plan.Projection {
			switch proj.Kind {
			case planner.ProjectDirect:
				idx := final.Schema.IndexOf(proj.Source)
				if idx < 0 {
					return nil, core.NewError(core.ErrInternal, "projection source column missing: "+proj.Source)
				}
				v := row[idx]
				// reduce rounds re-aggregate COUNT partials with SUM, which
				// yields a float; COUNT outputs are declared BIGINT
				if v.Kind == core.KindFloat && plan.OutputSchema.Columns[i].Type == core.TypeBigInt {
					v = core.IntValue(int64(v.F))
				}
				newRow[i] = v
			case planner.ProjectAvg:
				sumIdx := final.Schema.IndexOf(proj.SumCol)
				cntIdx := final.Schema.IndexOf(proj.CntCol)
				if sumIdx < 0 || cntIdx < 0 {
					return nil, core.NewError(core.ErrInternal, "AVG projection columns missing")
				}
				cnt := row[cntIdx]
				if cnt.IsNull() || cnt.AsFloat64() == 0 {
					newRow[i] = core.Null
					continue
				}
				sum := row[sumIdx]
				newRow[i] = core.FloatValue(sum.AsFloat64() / cnt.AsFloat64())
			}
		}
		out.Append(newRow)
	}
	return out, nil
}
