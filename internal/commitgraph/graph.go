package commitgraph

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kvsync/kvsync/internal/chunkstore"
)

// ErrUnknownCommit is returned by Get for a hash never stored.
var ErrUnknownCommit = errors.New("commitgraph: unknown commit")

// Graph is the append-only store of commits, addressed by the hash of their
// canonical encoding.
type Graph struct {
	chunks *chunkstore.Store
}

func New(chunks *chunkstore.Store) *Graph {
	return &Graph{chunks: chunks}
}

// Get fetches and decodes the commit stored under hash.
func (g *Graph) Get(hash string) (*Commit, error) {
	data, ok, err := g.chunks.Get(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommit, hash)
	}
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("commitgraph: decode commit %s: %w", hash, err)
	}
	return &c, nil
}

// put hashes c, stages it under that hash (content-addressing makes this
// idempotent for identical commits), and returns the hash. The caller is
// responsible for calling chunks.Commit to make it durable.
func (g *Graph) put(c *Commit) (string, error) {
	hash, encoded, err := hashCommit(c)
	if err != nil {
		return "", err
	}
	if err := g.chunks.Put(hash, encoded); err != nil {
		return "", err
	}
	return hash, nil
}

// PutSnapshot stages a new root commit -- either the very first snapshot of
// a freshly opened store, or the sync snapshot beginPull builds from a
// pull's patch.
func (g *Graph) PutSnapshot(cookie json.RawMessage, lastMutationID uint64, baseRows map[string]json.RawMessage, indexDefs []IndexDefinition, indexEntries map[string][]IndexEntry) (string, error) {
	c := &Commit{
		Kind:             KindSnapshot,
		Cookie:           cookie,
		LastMutationID:   lastMutationID,
		BaseRows:         baseRows,
		BaseIndexDefs:    indexDefs,
		BaseIndexEntries: indexEntries,
		MaxMutationID:    lastMutationID,
	}
	return g.put(c)
}

// PutLocal stages a commit representing one applied (or attempted, if
// errored) mutator invocation.
func (g *Graph) PutLocal(parent string, mutationID uint64, name string, args json.RawMessage, delta []Op, indexDelta []IndexOp, errored bool) (string, error) {
	parentCommit, err := g.Get(parent)
	if err != nil {
		return "", err
	}
	c := &Commit{
		Kind:          KindLocal,
		Parent:        parent,
		MutationID:    mutationID,
		MutatorName:   name,
		MutatorArgs:   args,
		Delta:         delta,
		IndexDelta:    indexDelta,
		Errored:       errored,
		MaxMutationID: parentCommit.MaxMutationID + 1,
	}
	if mutationID != c.MaxMutationID {
		return "", fmt.Errorf("commitgraph: mutation id %d is not parent.maxMutationID+1 (%d)", mutationID, c.MaxMutationID)
	}
	return g.put(c)
}

// PutIndexChange stages an index-creation or index-drop commit. Exactly one
// of created/droppedName must be set.
func (g *Graph) PutIndexChange(parent string, created *IndexDefinition, initialRows []IndexEntry, droppedName string) (string, error) {
	parentCommit, err := g.Get(parent)
	if err != nil {
		return "", err
	}
	c := &Commit{
		Kind:          KindIndexChange,
		Parent:        parent,
		Created:       created,
		InitialRows:   initialRows,
		DroppedName:   droppedName,
		MaxMutationID: parentCommit.MaxMutationID,
	}
	return g.put(c)
}

// Commit flushes every staged commit/head/client-id write atomically.
func (g *Graph) Commit() error {
	return g.chunks.Commit()
}

// Chain walks from hash back to (and including) the nearest Snapshot
// ancestor, returning commits oldest-first (snapshot, then its descendants
// in application order, ending with the commit at hash).
func (g *Graph) Chain(hash string) ([]*Commit, error) {
	var reversed []*Commit
	cur := hash
	for {
		c, err := g.Get(cur)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, c)
		if c.Kind == KindSnapshot {
			break
		}
		cur = c.Parent
	}
	chain := make([]*Commit, len(reversed))
	for i, c := range reversed {
		chain[len(reversed)-1-i] = c
	}
	return chain, nil
}

// Pending returns the Local commits on the chain rooted at hash whose
// mutation id exceeds the chain's snapshot lastMutationID.
func (g *Graph) Pending(hash string) ([]*Commit, error) {
	chain, err := g.Chain(hash)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}
	lastAck := chain[0].LastMutationID
	var pending []*Commit
	for _, c := range chain[1:] {
		if c.IsLocal() && c.MutationID > lastAck {
			pending = append(pending, c)
		}
	}
	return pending, nil
}
