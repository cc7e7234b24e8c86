package communication

import "context"

// WorkerService is what a worker process exposes: execution of a single
// map_sql or reduce_sql statement against the supplied inputs.
type WorkerService interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResponse, error)
	Health(ctx context.Context) error
}

// WorkerClient is the coordinator's view of one worker, independent of
// whatever Transport realizes it.
type WorkerClient interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResponse, error)
	Health(ctx context.Context) error
	Close() error
}

// Transport creates WorkerClients for worker addresses. The execution engine
// depends only on this interface, never on a concrete RPC mechanism, so
// tests can run entirely in-process while production binaries use the HTTP
// realization.
type Transport interface {
	NewWorkerClient(address string) (WorkerClient, error)
}
