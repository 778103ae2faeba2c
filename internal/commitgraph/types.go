// Package commitgraph implements the commit model: an immutable,
// content-addressed DAG of Snapshot/Local/IndexChange commits. It is the
// layer that understands mutation IDs, pending-mutation accounting, and
// index-definition lifecycle; it has no notion of "the store" or
// transactions, which live in internal/kvstore.
package commitgraph

import "encoding/json"

// Kind tags which of the three commit shapes a Commit is.
type Kind string

const (
	KindSnapshot    Kind = "snapshot"
	KindLocal       Kind = "local"
	KindIndexChange Kind = "index_change"
)

// Op is a single write against the primary key-space, carried by a Local
// commit's delta.
type Op struct {
	Del   bool            `json:"del,omitempty"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// IndexOp is a single (secondary, primary) index-entry add/remove, carried
// alongside a Local commit's base-row delta so replay can keep every live
// index in sync without rescanning the whole store.
type IndexOp struct {
	Del       bool   `json:"del,omitempty"`
	Index     string `json:"index"`
	Secondary string `json:"secondary"`
	Primary   string `json:"primary"`
}

// IndexDefinition is the (name, key_prefix, json_pointer) triple that
// describes a secondary index.
type IndexDefinition struct {
	Name      string `json:"name"`
	KeyPrefix string `json:"keyPrefix"`
	Pointer   string `json:"jsonPointer"`
}

// IndexEntry is a materialized (secondary, primary) pair.
type IndexEntry struct {
	Secondary string
	Primary   string
}

// Commit is the union of the three commit shapes. Only the fields relevant
// to Kind are populated; JSON tags with omitempty keep the irrelevant ones
// out of the serialized chunk (and therefore out of its hash).
type Commit struct {
	Kind   Kind   `json:"kind"`
	Parent string `json:"parent,omitempty"`

	// MaxMutationID is cached at creation time so callers never need to walk
	// the chain to answer "what's the highest mutation id reachable from
	// here".
	MaxMutationID uint64 `json:"maxMutationId"`

	// Snapshot fields.
	Cookie            json.RawMessage            `json:"cookie,omitempty"`
	LastMutationID    uint64                     `json:"lastMutationId,omitempty"`
	BaseRows          map[string]json.RawMessage `json:"baseRows,omitempty"`
	BaseIndexDefs     []IndexDefinition          `json:"baseIndexDefs,omitempty"`
	BaseIndexEntries  map[string][]IndexEntry    `json:"baseIndexEntries,omitempty"`

	// Local fields.
	MutationID  uint64          `json:"mutationId,omitempty"`
	MutatorName string          `json:"mutatorName,omitempty"`
	MutatorArgs json.RawMessage `json:"mutatorArgs,omitempty"`
	Delta       []Op            `json:"delta,omitempty"`
	IndexDelta  []IndexOp       `json:"indexDelta,omitempty"`
	Errored     bool            `json:"errored,omitempty"`

	// IndexChange fields. Exactly one of Created/DroppedName is set.
	Created     *IndexDefinition `json:"created,omitempty"`
	InitialRows []IndexEntry     `json:"initialRows,omitempty"`
	DroppedName string           `json:"droppedName,omitempty"`
}

// IsLocal reports whether this commit represents a pending mutation (a
// mutator invocation not originating from a snapshot).
func (c *Commit) IsLocal() bool { return c.Kind == KindLocal }
