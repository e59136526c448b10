// Package flow implements the CelestialFlow task-execution runtime: a
// directed graph of worker-pool stages connected by fan-in/fan-out
// queues, with content-addressed task envelopes and a distinguished
// termination sentinel that merges across inputs.
package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Envelope is the unit of work carried on a Queue. Task is the user
// payload as given; ID is a stable hash of its canonical form (see
// Canonicalize), used for deduplication and provenance. Envelopes are
// immutable once created.
type Envelope struct {
	Task any
	ID   string
}

// Termination is a sentinel carried on a Queue indicating that a
// producer has no more envelopes to emit on that channel. It never
// carries a payload; its ID is used to merge terminations across fan-in
// endpoints (see Queue.Get).
type Termination struct {
	ID string
}

// Canonicalize converts an arbitrary payload into a form with a stable,
// deterministic JSON encoding: map[string]any keys are sorted, and the
// values of such maps and the elements of []any slices are recursively
// canonicalized. Other slices and structs are left as-is since
// encoding/json already serializes them deterministically (struct field
// order, slice order).
func Canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]kv, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{K: k, V: Canonicalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Canonicalize(e)
		}
		return out
	default:
		return v
	}
}

type kv struct {
	K string `json:"k"`
	V any    `json:"v"`
}

// ContentHash computes a deterministic content hash of a canonicalized
// payload, 32 lowercase hex characters. Values that fail to marshal
// fall back to a hash of their fmt.Sprintf("%#v", ...) representation
// so that ContentHash never errors: any Go value is hashable.
func ContentHash(v any) string {
	canon := Canonicalize(v)
	b, err := json.Marshal(canon)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:32]
}

// WrapEnvelope creates a fresh envelope for an initial task injection:
// its ID is the content hash of task.
func WrapEnvelope(task any) Envelope {
	return Envelope{Task: task, ID: ContentHash(task)}
}
