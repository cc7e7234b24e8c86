// Package catalog implements C2: the persisted mapping of table name to
// schema and shard list (SPEC_FULL.md §4.2).
package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/elalber2000/mini-snowflake/core"
)

// manifestVersion is the on-disk manifest format version this package writes
// and the only version it reads.
const manifestVersion = 1

// Manifest is the persisted per-table record: schema and ordered shard list.
// Schema is immutable after CreateTable; Shards grows via AppendShards.
type Manifest struct {
	ManifestVersion int            `json:"manifest_version"`
	TableName       string         `json:"table_name"`
	TableID         string         `json:"table_id"`
	RowsPerShard    int64          `json:"rows_per_shard"`
	CreatedAt       string         `json:"created_at"`
	Schema          core.Schema    `json:"schema"`
	Shards          []core.ShardRef `json:"shards"`
}

func newManifest(tableName string, schema core.Schema, rowsPerShard int64) Manifest {
	return Manifest{
		ManifestVersion: manifestVersion,
		TableName:       tableName,
		TableID:         uuid.NewString(),
		RowsPerShard:    rowsPerShard,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		Schema:          schema,
		Shards:          []core.ShardRef{},
	}
}

// loadManifest reads and decodes a manifest file. Callers must hold at least
// a shared lock on the table.
func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, core.NewError(core.ErrNotFound, "manifest not found: "+path)
		}
		return Manifest{}, core.Wrap(core.ErrInternal, "reading manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, core.Wrap(core.ErrInternal, "decoding manifest", err)
	}
	return m, nil
}

// saveManifest writes a manifest atomically: write to a .tmp sibling, then
// rename over the destination, so readers never observe a partial write.
// Callers must hold the exclusive lock on the table.
func saveManifest(path string, m Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return core.Wrap(core.ErrInternal, "creating catalog directory", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return core.Wrap(core.ErrInternal, "encoding manifest", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.Wrap(core.ErrInternal, "writing manifest temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return core.Wrap(core.ErrInternal, "renaming manifest into place", err)
	}
	return nil
}
