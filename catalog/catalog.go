package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/elalber2000/mini-snowflake/core"
)

// tableIndex is the small top-level record (catalog.json) naming which
// tables exist in a database path, mirroring the original implementation's
// Catalog/TableEntry. CreateTable and DropTable consult it to decide whether
// a table exists; OpenManifest and AppendShards do not read it and go to the
// table's manifest file directly.
type tableIndex struct {
	Version   int                      `json:"version"`
	CreatedAt string                   `json:"created_at"`
	Tables    map[string]tableIndexRow `json:"tables"`
}

type tableIndexRow struct {
	TableID string `json:"table_id"`
}

func newTableIndex() tableIndex {
	return tableIndex{Version: 1, CreatedAt: time.Now().UTC().Format(time.RFC3339), Tables: map[string]tableIndexRow{}}
}

// Store is a directory-backed catalog: any directory containing manifests is
// a valid catalog (SPEC_FULL.md §3's Catalog lifecycle is "implicit"). Store
// adds the in-process lock discipline the base spec requires on top of that.
type Store struct {
	basePath string

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	indexMu sync.Mutex // serializes catalog.json read-modify-write
}

// NewStore opens (without requiring it to yet exist) a catalog rooted at
// basePath.
func NewStore(basePath string) *Store {
	return &Store{basePath: basePath, locks: make(map[string]*sync.RWMutex)}
}

func (s *Store) lockFor(table string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[table]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[table] = l
	}
	return l
}

func (s *Store) indexPath() string       { return filepath.Join(s.basePath, "catalog.json") }
func (s *Store) manifestPath(t string) string { return filepath.Join(s.basePath, t+".manifest.json") }

// ShardDir returns the directory shard files for a table are stored under.
func (s *Store) ShardDir(table string) string { return filepath.Join(s.basePath, table+"_shards") }

func (s *Store) readIndex() (tableIndex, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return newTableIndex(), nil
		}
		return tableIndex{}, core.Wrap(core.ErrInternal, "reading catalog index", err)
	}
	var idx tableIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return tableIndex{}, core.Wrap(core.ErrInternal, "decoding catalog index", err)
	}
	return idx, nil
}

func (s *Store) writeIndex(idx tableIndex) error {
	if err := os.MkdirAll(s.basePath, 0o755); err != nil {
		return core.Wrap(core.ErrInternal, "creating catalog directory", err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return core.Wrap(core.ErrInternal, "encoding catalog index", err)
	}
	data = append(data, '\n')
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.Wrap(core.ErrInternal, "writing catalog index temp file", err)
	}
	return os.Rename(tmp, s.indexPath())
}

// CreateTable creates an empty manifest for a new table. Fails with
// AlreadyExists unless ifNotExists is set.
func (s *Store) CreateTable(tableName string, schema core.Schema, rowsPerShard int64, ifNotExists bool) error {
	lock := s.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	if _, exists := idx.Tables[tableName]; exists {
		if ifNotExists {
			return nil
		}
		return core.NewError(core.ErrAlreadyExists, "table already exists: "+tableName)
	}

	m := newManifest(tableName, schema, rowsPerShard)
	if err := saveManifest(s.manifestPath(tableName), m); err != nil {
		return err
	}

	idx.Tables[tableName] = tableIndexRow{TableID: m.TableID}
	return s.writeIndex(idx)
}

// DropTable removes a table's manifest. The caller is responsible for
// scheduling deletion of the shard files themselves (out of C2's scope).
// Fails with NotFound unless ifExists is set.
func (s *Store) DropTable(tableName string, ifExists bool) error {
	lock := s.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	if _, exists := idx.Tables[tableName]; !exists {
		if ifExists {
			return nil
		}
		return core.NewError(core.ErrNotFound, "table not found: "+tableName)
	}
	delete(idx.Tables, tableName)
	if err := s.writeIndex(idx); err != nil {
		return err
	}
	return os.Remove(s.manifestPath(tableName))
}

// OpenManifest returns the current schema and shard list for a table, or
// NotFound.
func (s *Store) OpenManifest(tableName string) (Manifest, error) {
	lock := s.lockFor(tableName)
	lock.RLock()
	defer lock.RUnlock()
	return loadManifest(s.manifestPath(tableName))
}

// AppendShards atomically appends new shards to a table's manifest, assigning
// each a monotonically increasing shard_id continuing from the current
// maximum.
func (s *Store) AppendShards(tableName string, newShards []core.ShardRef) ([]core.ShardRef, error) {
	lock := s.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	m, err := loadManifest(s.manifestPath(tableName))
	if err != nil {
		return nil, err
	}

	var nextID int64
	for _, sh := range m.Shards {
		if sh.ShardID >= nextID {
			nextID = sh.ShardID + 1
		}
	}

	assigned := make([]core.ShardRef, len(newShards))
	for i, sh := range newShards {
		sh.ShardID = nextID + int64(i)
		assigned[i] = sh
	}
	m.Shards = append(m.Shards, assigned...)

	if err := saveManifest(s.manifestPath(tableName), m); err != nil {
		return nil, err
	}
	return assigned, nil
}
