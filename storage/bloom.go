package storage

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"

	"github.com/elalber2000/mini-snowflake/core"
)

// bloomFilter is a fixed-size membership filter over one shard's values for
// one column, built at shard-write time so the engine can skip reading a
// shard file a WHERE equality predicate provably cannot match. No false
// negatives: Add followed by MayContain on the same value always reports true.
type bloomFilter struct {
	bits      []uint64
	numBits   uint64
	numHashes uint64
}

const (
	bloomBitsPerShard = 2048
	bloomNumHashes    = 4
)

func newBloomFilter() *bloomFilter {
	numWords := (bloomBitsPerShard + 63) / 64
	return &bloomFilter{bits: make([]uint64, numWords), numBits: uint64(numWords * 64), numHashes: bloomNumHashes}
}

func (bf *bloomFilter) add(item []byte) {
	h1, h2 := bf.hash(item)
	for i := uint64(0); i < bf.numHashes; i++ {
		pos := (h1 + i*h2) % bf.numBits
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
}

func (bf *bloomFilter) mayContain(item []byte) bool {
	h1, h2 := bf.hash(item)
	for i := uint64(0); i < bf.numHashes; i++ {
		pos := (h1 + i*h2) % bf.numBits
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// hash derives two independent 64-bit hashes from a single murmur3/128 sum
// via the standard double-hashing trick (Kirsch-Mitzenmacher).
func (bf *bloomFilter) hash(item []byte) (uint64, uint64) {
	h1, h2 := murmur3.Sum128(item)
	return h1, h2
}

// serialize packs the filter as numHashes (8 bytes) + bit words, little-endian.
func (bf *bloomFilter) serialize() []byte {
	buf := make([]byte, 8+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.numHashes)
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[8+i*8:16+i*8], word)
	}
	return buf
}

func deserializeBloomFilter(data []byte) *bloomFilter {
	if len(data) < 8 {
		return nil
	}
	numHashes := binary.LittleEndian.Uint64(data[0:8])
	numWords := (len(data) - 8) / 8
	bits := make([]uint64, numWords)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(data[8+i*8 : 16+i*8])
	}
	return &bloomFilter{bits: bits, numBits: uint64(numWords * 64), numHashes: numHashes}
}

// bloomableColumns returns the VARCHAR columns of schema: the only kind of
// column this engine's planner renders equality predicates against in a way
// worth pruning on (numeric range predicates don't suit a membership filter).
func bloomableColumns(schema core.Schema) []int {
	var idxs []int
	for i, col := range schema.Columns {
		if col.Type == core.TypeVarchar {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// BuildShardBloomFilters computes one serialized bloom filter per VARCHAR
// column of batch, keyed by column name, for attaching to a ShardRef.
func BuildShardBloomFilters(batch *core.RowBatch) map[string][]byte {
	idxs := bloomableColumns(batch.Schema)
	if len(idxs) == 0 {
		return nil
	}
	filters := make(map[string]*bloomFilter, len(idxs))
	for _, i := range idxs {
		filters[batch.Schema.Columns[i].Name] = newBloomFilter()
	}
	for _, row := range batch.Rows {
		for _, i := range idxs {
			v := row[i]
			if v.IsNull() {
				continue
			}
			filters[batch.Schema.Columns[i].Name].add([]byte(v.S))
		}
	}
	out := make(map[string][]byte, len(filters))
	for col, f := range filters {
		out[col] = f.serialize()
	}
	return out
}

// ShardMayMatch reports whether shard might contain a row satisfying all of
// the equality atoms in eq (column -> required string value). It returns
// false as soon as any one equality predicate's bloom filter proves the
// value absent from that column, which rules the shard out because the
// atoms are AND-ed; a missing filter is treated as "might match" to
// preserve correctness.
func ShardMayMatch(bloomFilters map[string][]byte, eq map[string]string) bool {
	for col, val := range eq {
		data, ok := bloomFilters[col]
		if !ok {
			continue
		}
		bf := deserializeBloomFilter(data)
		if bf == nil {
			continue
		}
		if !bf.mayContain([]byte(val)) {
			return false
		}
	}
	return true
}
