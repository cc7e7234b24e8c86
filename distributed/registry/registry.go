// Package registry implements C3: the live set of reachable workers with
// health and in-flight load (SPEC_FULL.md §4.3).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/elalber2000/mini-snowflake/core"
)

// WorkerEntry is the registry's view of one worker.
type WorkerEntry struct {
	WorkerID            string
	Address             string
	LastHeartbeat       time.Time
	InFlightTaskCount    int
	Healthy             bool
	ConsecutiveFailures int
}

// Registry is a single internally synchronized structure tracking the live
// worker set; acquire/release are atomic with respect to each other.
type Registry struct {
	mu              sync.Mutex
	workers         map[string]*WorkerEntry
	rrCursor        []string // stable round-robin order over known worker_ids
	workerTTL       time.Duration
	failureThreshold int
	rrCounter       int

	stopSweep context.CancelFunc
}

// Config holds the registry's tunables, named after the options in §6.
type Config struct {
	WorkerTTL        time.Duration
	FailureThreshold int
}

// New creates a Registry and starts its background TTL sweep goroutine,
// mirroring the teacher's pattern of a ticker-driven monitor goroutine
// started at construction and stopped via context cancellation.
func New(cfg Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		workers:          make(map[string]*WorkerEntry),
		workerTTL:        cfg.WorkerTTL,
		failureThreshold: cfg.FailureThreshold,
		stopSweep:        cancel,
	}
	go r.sweepLoop(ctx)
	return r
}

// Close stops the background sweep goroutine.
func (r *Registry) Close() { r.stopSweep() }

func (r *Registry) sweepLoop(ctx context.Context) {
	interval := r.workerTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Registry) sweepExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, w := range r.workers {
		if now.Sub(w.LastHeartbeat) > r.workerTTL {
			w.Healthy = false
		}
	}
}

// Register upserts a worker as healthy with a fresh heartbeat.
func (r *Registry) Register(workerID, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[workerID]; !exists {
		r.rrCursor = append(r.rrCursor, workerID)
	}
	r.workers[workerID] = &WorkerEntry{
		WorkerID:      workerID,
		Address:       address,
		LastHeartbeat: time.Now(),
		Healthy:       true,
	}
	core.GetTracer().Info(core.TraceComponentRegistry, "worker registered", core.TraceContext("worker_id", workerID))
}

// Heartbeat refreshes a worker's last-seen time and marks it healthy.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return core.NewError(core.ErrNotFound, "unknown worker: "+workerID)
	}
	w.LastHeartbeat = time.Now()
	w.Healthy = true
	w.ConsecutiveFailures = 0
	return nil
}

// Acquire returns up to n healthy workers with lowest in_flight_task_count,
// round-robin tie-broken, and increments their in-flight counts. exclude
// lists worker_ids to avoid when a non-excluded alternative exists (used by
// the execution engine to prefer a different worker on retry) — it never
// causes Acquire to block or fail when only excluded workers are healthy.
// Blocks up to acquireTimeout if fewer than 1 worker is available, then
// fails with NoWorkers.
func (r *Registry) Acquire(ctx context.Context, n int, exclude map[string]bool, acquireTimeout time.Duration) ([]WorkerEntry, error) {
	deadline := time.Now().Add(acquireTimeout)
	for {
		if got := r.tryAcquire(n, exclude); len(got) > 0 {
			return got, nil
		}
		if time.Now().After(deadline) {
			return nil, core.NewError(core.ErrNoWorkers, "no healthy workers available within acquire_timeout")
		}
		select {
		case <-ctx.Done():
			return nil, core.NewError(core.ErrCancelled, "acquire cancelled")
		case <-time.After(minDuration(25*time.Millisecond, acquireTimeout)):
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (r *Registry) tryAcquire(n int, exclude map[string]bool) []WorkerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.healthyIDsExcluding(exclude)
	if len(candidates) == 0 {
		candidates = r.healthyIDsExcluding(nil)
	}
	if len(candidates) == 0 {
		return nil
	}

	if n > len(candidates) {
		n = len(candidates)
	}

	selected := r.selectLowestLoad(candidates, n)
	result := make([]WorkerEntry, len(selected))
	for i, id := range selected {
		w := r.workers[id]
		w.InFlightTaskCount++
		result[i] = *w
	}
	return result
}

// healthyIDsExcluding returns healthy worker_ids in stable rrCursor order,
// skipping those in exclude.
func (r *Registry) healthyIDsExcluding(exclude map[string]bool) []string {
	var ids []string
	for _, id := range r.rrCursor {
		w, ok := r.workers[id]
		if !ok || !w.Healthy {
			continue
		}
		if exclude != nil && exclude[id] {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// selectLowestLoad picks the n lowest-in_flight candidates, round-robin
// tie-breaking on equal load by rotating rrCursor's start point each call.
func (r *Registry) selectLowestLoad(candidates []string, n int) []string {
	sorted := make([]string, len(candidates))
	copy(sorted, candidates)

	start := r.rrOffset() % len(sorted)
	rotated := append(sorted[start:], sorted[:start]...)

	// stable sort by load, preserving the rotated (round-robin) order among
	// equal-load workers
	result := make([]string, 0, n)
	remaining := make([]string, len(rotated))
	copy(remaining, rotated)
	for len(result) < n && len(remaining) > 0 {
		bestIdx := 0
		bestLoad := r.workers[remaining[0]].InFlightTaskCount
		for i, id := range remaining {
			if r.workers[id].InFlightTaskCount < bestLoad {
				bestLoad = r.workers[id].InFlightTaskCount
				bestIdx = i
			}
		}
		result = append(result, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return result
}

func (r *Registry) rrOffset() int {
	r.rrCounter++
	return r.rrCounter
}

// Release decrements a worker's in-flight count; if ok is false it increments
// the consecutive-failure count and marks the worker unhealthy once
// failure_threshold is reached.
func (r *Registry) Release(workerID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, exists := r.workers[workerID]
	if !exists {
		return
	}
	if w.InFlightTaskCount > 0 {
		w.InFlightTaskCount--
	}
	if ok {
		w.ConsecutiveFailures = 0
		return
	}
	w.ConsecutiveFailures++
	if w.ConsecutiveFailures >= r.failureThreshold {
		w.Healthy = false
		core.GetTracer().Warn(core.TraceComponentRegistry, "worker marked unhealthy after repeated failures",
			core.TraceContext("worker_id", workerID, "consecutive_failures", w.ConsecutiveFailures))
	}
}

// Snapshot returns a copy of every known worker, for status/debug endpoints.
func (r *Registry) Snapshot() []WorkerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerEntry, 0, len(r.workers))
	for _, id := range r.rrCursor {
		if w, ok := r.workers[id]; ok {
			out = append(out, *w)
		}
	}
	return out
}
