// Package communication defines the coordinator↔worker wire contract
// (SPEC_FULL.md §6) and the Transport abstraction the execution engine
// dispatches through, so it never depends on a concrete RPC mechanism.
package communication

import "github.com/elalber2000/mini-snowflake/core"

// InputKind tags whether an ExecInput resolves to a shard file or to a
// previously produced PartialResult.
type InputKind string

const (
	InputShard   InputKind = "shard"
	InputPartial InputKind = "partial"
)

// ExecInput is one element of the `inputs` array of POST /exec.
type ExecInput struct {
	Kind InputKind

	// Set when Kind == InputShard.
	ShardPath string

	// For Kind == InputPartial: the partial's rows, already resolved by the
	// caller (in-process transport) or decoded from the wire (HTTP
	// transport). For Kind == InputShard the engine also sets it, to a
	// zero-row batch carrying the table schema.
	Partial *core.RowBatch
}

// ExecRequest is the body of POST /exec.
type ExecRequest struct {
	SQL        string
	Inputs     []ExecInput
	DeadlineMs int64
}

// ExecResponse is the body of a successful POST /exec response. On failure
// the worker returns a non-nil error instead of populating this struct.
type ExecResponse struct {
	Batch *core.RowBatch
}

// HeartbeatRequest is the body of POST /workers/heartbeat.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Address  string `json:"address"`
}
