package communication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"

	"github.com/elalber2000/mini-snowflake/core"
)

// wireInput/wireExecRequest/wireExecResponse are the JSON shape of POST
// /exec (snappy-compressed on the wire): each input carries its kind plus a
// shard_path or an inline partial, and the response carries either a batch
// (schema and rows) or an error (kind, message). ExecInput/ExecRequest/
// ExecResponse are the Go-native shapes the engine and executor work with.
type wireInput struct {
	Kind      InputKind      `json:"kind"`
	ShardPath string         `json:"shard_path,omitempty"`
	Partial   *core.RowBatch `json:"partial,omitempty"`
}

type wireExecRequest struct {
	SQL        string      `json:"sql"`
	Inputs     []wireInput `json:"inputs"`
	DeadlineMs int64       `json:"deadline_ms"`
}

type wireExecResponse struct {
	Batch *core.RowBatch `json:"batch,omitempty"`
	Error *wireError     `json:"error,omitempty"`
}

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func toWireRequest(req ExecRequest) wireExecRequest {
	inputs := make([]wireInput, len(req.Inputs))
	for i, in := range req.Inputs {
		inputs[i] = wireInput{Kind: in.Kind, ShardPath: in.ShardPath, Partial: in.Partial}
	}
	return wireExecRequest{SQL: req.SQL, Inputs: inputs, DeadlineMs: req.DeadlineMs}
}

func fromWireRequest(w wireExecRequest) ExecRequest {
	inputs := make([]ExecInput, len(w.Inputs))
	for i, in := range w.Inputs {
		inputs[i] = ExecInput{Kind: in.Kind, ShardPath: in.ShardPath, Partial: in.Partial}
	}
	return ExecRequest{SQL: w.SQL, Inputs: inputs, DeadlineMs: w.DeadlineMs}
}

// encodeSnappyJSON JSON-encodes v and compresses it with snappy, the
// compression codec the coordinator/worker RPC body uses on the wire.
func encodeSnappyJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeSnappyJSON(data []byte, v interface{}) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// HTTPTransport realizes the coordinator→worker RPC over plain net/http with
// snappy-compressed JSON bodies (SPEC_FULL.md §6).
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a Transport that dials real HTTP addresses.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: 60 * time.Second}}
}

func (t *HTTPTransport) NewWorkerClient(address string) (WorkerClient, error) {
	return &httpWorkerClient{address: address, client: t.client}, nil
}

type httpWorkerClient struct {
	address string
	client  *http.Client
}

func (c *httpWorkerClient) Exec(ctx context.Context, req ExecRequest) (ExecResponse, error) {
	body, err := encodeSnappyJSON(toWireRequest(req))
	if err != nil {
		return ExecResponse{}, core.Wrap(core.ErrInternal, "encoding exec request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+"/exec", bytes.NewReader(body))
	if err != nil {
		return ExecResponse{}, core.Wrap(core.ErrInternal, "building exec request", err)
	}
	httpReq.Header.Set("Content-Type", "application/snappy+json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ExecResponse{}, core.Wrap(core.ErrInternal, "exec RPC failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ExecResponse{}, core.Wrap(core.ErrInternal, "reading exec response", err)
	}

	var wr wireExecResponse
	if err := decodeSnappyJSON(raw, &wr); err != nil {
		return ExecResponse{}, core.Wrap(core.ErrInternal, "decoding exec response", err)
	}
	if wr.Error != nil {
		return ExecResponse{}, &core.Error{Kind: core.ErrorKind(wr.Error.Kind), Message: wr.Error.Message}
	}
	return ExecResponse{Batch: wr.Batch}, nil
}

func (c *httpWorkerClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *httpWorkerClient) Close() error { return nil }

// ServeWorkerHTTP wraps a WorkerService as an http.Handler implementing
// POST /exec and GET /health, for use by cmd/worker.
func ServeWorkerHTTP(svc WorkerService) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/exec", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var wreq wireExecRequest
		if err := decodeSnappyJSON(raw, &wreq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp, err := svc.Exec(r.Context(), fromWireRequest(wreq))
		var wresp wireExecResponse
		if err != nil {
			msErr, ok := err.(*core.Error)
			kind := string(core.ErrInternal)
			msg := err.Error()
			if ok {
				kind = string(msErr.Kind)
				msg = msErr.Message
			}
			wresp.Error = &wireError{Kind: kind, Message: msg}
		} else {
			wresp.Batch = resp.Batch
		}

		body, encErr := encodeSnappyJSON(wresp)
		if encErr != nil {
			http.Error(w, encErr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/snappy+json")
		w.Write(body)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
