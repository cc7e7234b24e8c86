package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/elalber2000/mini-snowflake/core"
	"github.com/elalber2000/mini-snowflake/distributed/registry"
)

func TestRegisterAndAcquire(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer r.Close()

	r.Register("w1", "http://w1")
	r.Register("w2", "http://w2")

	got, err := r.Acquire(context.Background(), 1, nil, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 worker, got %d", len(got))
	}
	if got[0].InFlightTaskCount != 1 {
		t.Errorf("in-flight count = %d, want 1", got[0].InFlightTaskCount)
	}
}

func TestAcquirePrefersLowestLoad(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer r.Close()

	r.Register("w1", "http://w1")
	r.Register("w2", "http://w2")

	// load w1 up, leaving w2 strictly lower
	if _, err := r.Acquire(context.Background(), 1, map[string]bool{"w2": true}, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got, err := r.Acquire(context.Background(), 1, nil, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got[0].WorkerID != "w2" {
		t.Errorf("expected lowest-load worker w2, got %s", got[0].WorkerID)
	}
}

func TestAcquireExcludesPreferentially(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer r.Close()
	r.Register("w1", "http://w1")

	got, err := r.Acquire(context.Background(), 1, map[string]bool{"w1": true}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire should fall back to the excluded worker when no alternative exists: %v", err)
	}
	if got[0].WorkerID != "w1" {
		t.Errorf("got %s, want w1 (exclusion is a preference, not a hard filter)", got[0].WorkerID)
	}
}

func TestAcquireNoWorkersTimesOut(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer r.Close()

	_, err := r.Acquire(context.Background(), 1, nil, 50*time.Millisecond)
	if core.KindOf(err) != core.ErrNoWorkers {
		t.Fatalf("KindOf = %v, want NoWorkers", core.KindOf(err))
	}
}

func TestAcquireCancelled(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Acquire(ctx, 1, nil, time.Second)
	if core.KindOf(err) != core.ErrCancelled {
		t.Fatalf("KindOf = %v, want Cancelled", core.KindOf(err))
	}
}

func TestReleaseMarksUnhealthyAtFailureThreshold(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 2})
	defer r.Close()
	r.Register("w1", "http://w1")

	for i := 0; i < 2; i++ {
		got, err := r.Acquire(context.Background(), 1, nil, time.Second)
		if err != nil {
			t.Fatalf("Acquire attempt %d: %v", i, err)
		}
		r.Release(got[0].WorkerID, false)
	}

	_, err := r.Acquire(context.Background(), 1, nil, 50*time.Millisecond)
	if core.KindOf(err) != core.ErrNoWorkers {
		t.Fatalf("expected worker marked unhealthy after reaching failure_threshold, got %v", err)
	}
}

func TestReleaseResetsFailuresOnSuccess(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 2})
	defer r.Close()
	r.Register("w1", "http://w1")

	got, err := r.Acquire(context.Background(), 1, nil, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Release(got[0].WorkerID, false)

	got, err = r.Acquire(context.Background(), 1, nil, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r.Release(got[0].WorkerID, true)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].ConsecutiveFailures != 0 || !snap[0].Healthy {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: time.Minute, FailureThreshold: 3})
	defer r.Close()

	if err := r.Heartbeat("ghost"); core.KindOf(err) != core.ErrNotFound {
		t.Fatalf("KindOf = %v, want NotFound", core.KindOf(err))
	}
}

func TestSweepMarksStaleWorkersUnhealthy(t *testing.T) {
	r := registry.New(registry.Config{WorkerTTL: 30 * time.Millisecond, FailureThreshold: 3})
	defer r.Close()
	r.Register("w1", "http://w1")

	time.Sleep(150 * time.Millisecond)

	_, err := r.Acquire(context.Background(), 1, nil, 20*time.Millisecond)
	if core.KindOf(err) != core.ErrNoWorkers {
		t.Fatalf("expected the TTL sweep to mark w1 unhealthy, got %v", err)
	}
}
