package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// EventKind names a provenance event emitted when a child envelope or a
// merged termination id is minted from one or more causal parents.
type EventKind string

const (
	EventSplit            EventKind = "task.split"
	EventRoute            EventKind = "task.route"
	EventTerminationMerge EventKind = "termination.merge"
)

// Provenance mints ids for values derived from causal predecessors. It
// is a pluggable collaborator. Initially injected envelopes never pass
// through it: their id is the content hash of their task (WrapEnvelope).
// The default implementation derives ids deterministically from the
// event, parent ids, index and value with no external calls; a real
// deployment may instead forward these events to an external
// causal-provenance service.
type Provenance interface {
	// Derive mints an id for a value produced by event, given the ids of
	// its causal parents. index distinguishes siblings minted from the
	// same parent in the same event (e.g. the nth element of a split).
	Derive(event EventKind, parentIDs []string, index int, value any) string
}

// NoopProvenance is the default Provenance: it derives ids locally,
// with no external calls. Splits use the content hash of the
// child value combined with the parent id and index so that two
// structurally identical children of different parents still get
// distinct ids; termination merges mint a fresh random id since
// terminations carry no payload to hash.
type NoopProvenance struct{}

func (NoopProvenance) Derive(event EventKind, parentIDs []string, index int, value any) string {
	switch event {
	case EventTerminationMerge:
		if len(parentIDs) == 0 {
			return uuid.NewString()
		}
		h := sha256.New()
		h.Write([]byte(string(event)))
		for _, id := range parentIDs {
			h.Write([]byte("|"))
			h.Write([]byte(id))
		}
		return hex.EncodeToString(h.Sum(nil))[:32]
	default:
		h := sha256.New()
		h.Write([]byte(string(event)))
		h.Write([]byte(strings.Join(parentIDs, ",")))
		h.Write([]byte{byte(index)})
		canon := Canonicalize(value)
		if b, err := json.Marshal(canon); err == nil {
			h.Write(b)
		}
		return hex.EncodeToString(h.Sum(nil))[:32]
	}
}

var _ Provenance = NoopProvenance{}
