package communication

import (
	"context"
	"sync"

	"github.com/elalber2000/mini-snowflake/core"
)

// MemoryTransport delegates directly to in-process WorkerServices, keyed by
// address. It is used by tests and single-process demos so the execution
// engine's dispatch logic can be exercised without a real network hop.
type MemoryTransport struct {
	mu      sync.RWMutex
	workers map[string]WorkerService
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{workers: make(map[string]WorkerService)}
}

// RegisterWorker makes svc reachable at address.
func (t *MemoryTransport) RegisterWorker(address string, svc WorkerService) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.workers[address] = svc
}

// NewWorkerClient returns a client that calls straight through to the
// registered WorkerService, or NotFound if nothing is registered at address.
func (t *MemoryTransport) NewWorkerClient(address string) (WorkerClient, error) {
	t.mu.RLock()
	svc, ok := t.workers[address]
	t.mu.RUnlock()
	if !ok {
		return nil, core.NewError(core.ErrNotFound, "no worker registered at address: "+address)
	}
	return &memoryWorkerClient{svc: svc}, nil
}

type memoryWorkerClient struct{ svc WorkerService }

func (c *memoryWorkerClient) Exec(ctx context.Context, req ExecRequest) (ExecResponse, error) {
	return c.svc.Exec(ctx, req)
}

func (c *memoryWorkerClient) Health(ctx context.Context) error { return c.svc.Health(ctx) }

func (c *memoryWorkerClient) Close() error { return nil }
