// Package uniq implements the unique-insert protocol described in spec
// §4.1: a canonical fingerprint over a subset of a job's fields, hashed to
// a short key, plus a bitmap encoding of which states the fingerprint
// blocks against.
package uniq

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/obango/obango/internal/domain"
)

// keyLen is the number of hex characters kept from the sha256 digest.
// 32 hex chars (128 bits) is far beyond the collision risk this protocol
// cares about — it only needs to beat Postgres's btree key size limits.
const keyLen = 32

// Fingerprint computes uniq_key for spec over the given job fields.
// insertedBucket is the `inserted_at // period` term; pass 0 when
// spec.Period is 0 (unbounded).
func Fingerprint(spec *domain.UniqueSpec, worker, queue string, args, meta map[string]any, insertedBucket int64) string {
	parts := make(map[string]any, len(spec.Fields)+1)
	for _, f := range spec.Fields {
		switch f {
		case domain.FieldWorker:
			parts["worker"] = worker
		case domain.FieldQueue:
			parts["queue"] = queue
		case domain.FieldArgs:
			parts["args"] = filterKeys(args, spec.Keys)
		case domain.FieldMeta:
			parts["meta"] = filterKeys(meta, spec.Keys)
		}
	}
	if spec.Period > 0 {
		parts["bucket"] = insertedBucket
	}

	// encoding/json sorts map[string]any keys during Marshal, recursively,
	// and emits no extraneous whitespace — exactly the canonical form the
	// protocol needs without a bespoke encoder.
	canonical, err := json.Marshal(parts)
	if err != nil {
		// parts is built entirely from JSON-safe primitives/maps/slices
		// supplied by the caller; Marshal failing here means the caller
		// passed a value json can't represent (e.g. a channel or func) —
		// that's a programmer error in the job spec, not a runtime one.
		panic("uniq: fingerprint input is not JSON-representable: " + err.Error())
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:keyLen]
}

// filterKeys returns a copy of m containing only the named keys, or m
// unchanged if keys is nil (meaning "all keys participate").
func filterKeys(m map[string]any, keys []string) map[string]any {
	if keys == nil {
		return m
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// EncodeGroup packs spec's state group into a bitmap over the 7
// non-suspended states, stored alongside uniq_key in a job's meta.
func EncodeGroup(states []domain.State) uint8 {
	var bmp uint8
	for _, s := range states {
		if idx, ok := domain.StateBitIndex(s); ok {
			bmp |= 1 << uint(idx)
		}
	}
	return bmp
}

// DecodeGroup is the inverse of EncodeGroup, returned in a stable
// order, sorted by state name.
func DecodeGroup(bmp uint8) []domain.State {
	var out []domain.State
	for i := 0; i < 8; i++ {
		if bmp&(1<<uint(i)) == 0 {
			continue
		}
		if s, ok := domain.StateFromBitIndex(i); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InGroup reports whether state is a member of the bitmap — the condition
// under which the stored-generated uniq_key column is non-null.
func InGroup(bmp uint8, state domain.State) bool {
	idx, ok := domain.StateBitIndex(state)
	if !ok {
		return false
	}
	return bmp&(1<<uint(idx)) != 0
}
