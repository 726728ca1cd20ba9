// Package chunk writes and reads oversize payloads split across multiple
// documents of a remote subcollection (spec.md §4.5, component C5).
package chunk

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/potionforge/ganon/remote"
)

// SizeThreshold is the serialized-size cutoff above which a value is split
// into chunks instead of written as a single document (spec.md §4.5: "~500
// KB").
const SizeThreshold = 500 * 1024

// ElementsPerChunk is how many array elements or map entries each chunk_i
// document holds (spec.md §4.5: "fixed chunk count (e.g., 100 elements)").
const ElementsPerChunk = 100

// ChunkDocPrefix names every chunk document: chunk_0, chunk_1, ...
const ChunkDocPrefix = "chunk_"

// Manager implements the write/read/delete algorithms of spec.md §4.5 over
// a remote.Adapter.
type Manager struct {
	adapter remote.Adapter
}

// New builds a Manager over adapter.
func New(adapter remote.Adapter) *Manager {
	return &Manager{adapter: adapter}
}

// Write persists value under the subcollection ref collRef, using a single
// document when it is small enough and chunk_0.. documents otherwise. If tx
// is non-nil, every write is queued against it instead of a fresh batch
// (spec.md §4.5: "if an optional transaction is supplied, all chunk writes
// occur within it").
func (m *Manager) Write(ctx context.Context, collRef remote.Ref, key string, value interface{}, tx remote.Transaction) error {
	if !fitsInSingleDoc(value) {
		return m.writeChunked(ctx, collRef, value, tx)
	}
	return m.writeSingle(ctx, collRef, key, value, tx)
}

func fitsInSingleDoc(value interface{}) bool {
	b, err := json.Marshal(value)
	if err != nil {
		return true // unmarshalable values can't be chunked meaningfully; let the caller's write fail loudly instead
	}
	return len(b) < SizeThreshold
}

func (m *Manager) writeSingle(ctx context.Context, collRef remote.Ref, key string, value interface{}, tx remote.Transaction) error {
	ref := collRef.Child(key)
	body := map[string]interface{}{"value": value}
	if tx != nil {
		tx.Set(ref, body, false)
		return nil
	}
	return m.adapter.Set(ctx, ref, body, false)
}

func (m *Manager) writeChunked(ctx context.Context, collRef remote.Ref, value interface{}, tx remote.Transaction) error {
	chunks, err := splitIntoChunks(value)
	if err != nil {
		return err
	}

	if tx != nil {
		for i, body := range chunks {
			tx.Set(collRef.Child(ChunkDocPrefix+strconv.Itoa(i)), body, false)
		}
		return nil
	}

	if len(chunks) == 1 {
		return m.adapter.Set(ctx, collRef.Child(ChunkDocPrefix+"0"), chunks[0], false)
	}

	batch := m.adapter.WriteBatch()
	for i, body := range chunks {
		batch.Set(collRef.Child(ChunkDocPrefix+strconv.Itoa(i)), body, false)
	}
	return batch.Commit(ctx)
}

// splitIntoChunks builds the ordered list of chunk document bodies for an
// array or a map (spec.md §4.5 "Chunking representation"). Arrays become
// objects keyed by stringified index; maps split by entry count preserving
// their original keys.
func splitIntoChunks(value interface{}) ([]map[string]interface{}, error) {
	switch v := value.(type) {
	case []interface{}:
		var chunks []map[string]interface{}
		for start := 0; start < len(v); start += ElementsPerChunk {
			end := start + ElementsPerChunk
			if end > len(v) {
				end = len(v)
			}
			body := make(map[string]interface{}, end-start)
			for i := start; i < end; i++ {
				body[strconv.Itoa(i)] = v[i]
			}
			chunks = append(chunks, body)
		}
		if len(chunks) == 0 {
			chunks = append(chunks, map[string]interface{}{})
		}
		return chunks, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var chunks []map[string]interface{}
		for start := 0; start < len(keys); start += ElementsPerChunk {
			end := start + ElementsPerChunk
			if end > len(keys) {
				end = len(keys)
			}
			body := make(map[string]interface{}, end-start)
			for _, k := range keys[start:end] {
				body[k] = v[k]
			}
			chunks = append(chunks, body)
		}
		if len(chunks) == 0 {
			chunks = append(chunks, map[string]interface{}{})
		}
		return chunks, nil
	default:
		return []map[string]interface{}{{"value": value}}, nil
	}
}

// Read reassembles the value stored under collRef: a single document's
// "value" field, or the ordered merge of its chunk_i documents (spec.md
// §4.5 "Read").
func (m *Manager) Read(ctx context.Context, collRef remote.Ref) (interface{}, bool, error) {
	docs, err := m.adapter.List(ctx, collRef)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}

	var chunkIDs []string
	for id := range docs {
		if strings.HasPrefix(id, ChunkDocPrefix) {
			chunkIDs = append(chunkIDs, id)
		}
	}

	if len(chunkIDs) == 0 {
		// Single document: exactly one entry, whatever its id.
		for _, doc := range docs {
			return doc.Data["value"], true, nil
		}
	}

	sort.Slice(chunkIDs, func(i, j int) bool {
		return chunkIndex(chunkIDs[i]) < chunkIndex(chunkIDs[j])
	})

	merged := make(map[string]interface{})
	for _, id := range chunkIDs {
		for k, v := range docs[id].Data {
			merged[k] = v
		}
	}

	if allNumericKeys(merged) {
		return toOrderedList(merged), true, nil
	}
	return merged, true, nil
}

func chunkIndex(id string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(id, ChunkDocPrefix))
	return n
}

func allNumericKeys(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if _, err := strconv.Atoi(k); err != nil {
			return false
		}
	}
	return true
}

func toOrderedList(m map[string]interface{}) []interface{} {
	maxIdx := -1
	for k := range m {
		if n, err := strconv.Atoi(k); err == nil && n > maxIdx {
			maxIdx = n
		}
	}
	out := make([]interface{}, maxIdx+1)
	for k, v := range m {
		if n, err := strconv.Atoi(k); err == nil {
			out[n] = v
		}
	}
	return out
}

// Delete removes every document under collRef (spec.md §4.5 "Deletion
// semantics": "batch delete of every document under the subcollection").
func (m *Manager) Delete(ctx context.Context, collRef remote.Ref) error {
	docs, err := m.adapter.List(ctx, collRef)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	batch := m.adapter.WriteBatch()
	for id := range docs {
		batch.Delete(collRef.Child(id))
	}
	return batch.Commit(ctx)
}
