// Package worker implements the reference Worker referenced by SPEC_FULL.md
// §6.1: a minimal, non-conformance-mandating realization of the per-shard
// executor contract, exposed over communication.WorkerService.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/elalber2000/mini-snowflake/core"
	"github.com/elalber2000/mini-snowflake/distributed/communication"
	"github.com/elalber2000/mini-snowflake/storage"
)

// Worker resolves ExecRequest inputs (shard files or already-decoded
// partials) and runs the embedded executor against them. The worker holds no
// catalog state of its own: a shard input's schema travels alongside it, as
// an empty RowBatch carried in ExecInput.Partial (see readShardInput).
type Worker struct {
	id   string
	exec *executor
}

// New creates a Worker identified by id.
func New(id string) *Worker {
	return &Worker{id: id, exec: newExecutor()}
}

// Exec implements communication.WorkerService.
func (w *Worker) Exec(ctx context.Context, req communication.ExecRequest) (communication.ExecResponse, error) {
	tracer := core.GetTracer()
	start := time.Now()

	var input *core.RowBatch
	for _, in := range req.Inputs {
		var batch *core.RowBatch
		switch in.Kind {
		case communication.InputPartial:
			batch = in.Partial
		case communication.InputShard:
			b, err := w.readShardInput(in)
			if err != nil {
				return communication.ExecResponse{}, err
			}
			batch = b
		default:
			return communication.ExecResponse{}, core.NewError(core.ErrInternal, "unknown exec input kind")
		}
		if input == nil {
			input = batch
		} else {
			input.Concat(batch)
		}
	}
	if input == nil {
		input = core.NewRowBatch(core.Schema{})
	}

	result, err := w.exec.Execute(req.SQL, input)
	if err != nil {
		tracer.Error(core.TraceComponentWorker, "exec failed", core.TraceContext(
			"worker_id", w.id, "sql", req.SQL, "error", err.Error(),
		))
		return communication.ExecResponse{}, err
	}

	tracer.Debug(core.TraceComponentWorker, "exec completed", core.TraceContext(
		"worker_id", w.id, "rows_out", len(result.Rows), "elapsed_ms", time.Since(start).Milliseconds(),
	))
	return communication.ExecResponse{Batch: result}, nil
}

// readShardInput decodes a shard file whose schema is carried alongside the
// input's Partial field by the coordinator (the schema-carrying empty batch
// convention: Partial.Schema set, Partial.Rows empty, signals "read this
// shard path against this schema").
func (w *Worker) readShardInput(in communication.ExecInput) (*core.RowBatch, error) {
	if in.Partial == nil {
		return nil, core.NewError(core.ErrInternal, "shard input missing schema hint")
	}
	return storage.ReadShard(in.ShardPath, in.Partial.Schema)
}

// Health implements communication.WorkerService.
func (w *Worker) Health(ctx context.Context) error {
	if _, err := os.Getwd(); err != nil {
		return core.Wrap(core.ErrInternal, "worker health check failed", err)
	}
	return nil
}
