package kvstore

import (
	"encoding/json"
	"sort"

	"github.com/kvsync/kvsync/internal/commitgraph"
	"github.com/kvsync/kvsync/internal/indexing"
)

// ReadSet records which primary keys and index entries a read transaction
// touched, plus every scan it ran (so a future write that lands a brand-new
// key inside a previously-scanned range is still treated as "read", not
// just previously-returned keys). Deliberately conservative: a subscription
// built on this may re-evaluate more often than strictly necessary, but
// will never miss a required re-evaluation -- the final deep-equality gate
// in internal/subscribe absorbs the extra evaluations.
type ReadSet struct {
	Gets  map[string]struct{}
	Scans []recordedScan
}

type recordedScan struct {
	opts ScanOptions
}

func newReadSet() *ReadSet {
	return &ReadSet{Gets: make(map[string]struct{})}
}

// Matches reports whether a changed primary key or index entry could have
// affected this read set.
func (rs *ReadSet) Matches(changedKey string, changedIndex string, changedSecondary string) bool {
	if changedIndex == "" {
		if _, ok := rs.Gets[changedKey]; ok {
			return true
		}
	}
	for _, s := range rs.Scans {
		if s.opts.IndexName != changedIndex {
			continue
		}
		if s.opts.Prefix == "" || hasPrefix(changedKey, s.opts.Prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ReadTx is a snapshot read transaction: get/has/isEmpty/scan against a
// fixed view of the store.
type ReadTx struct {
	store   *Store
	view    *commitgraph.View
	closed  bool
	tracked *ReadSet // nil unless opened via TrackedReadTx
}

func (tx *ReadTx) checkOpen() error {
	if tx.closed {
		return ErrTransactionClosed
	}
	return nil
}

func (tx *ReadTx) Get(key string) (json.RawMessage, bool, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, false, err
	}
	if tx.tracked != nil {
		tx.tracked.Gets[key] = struct{}{}
	}
	v, ok := tx.view.Rows[key]
	return v, ok, nil
}

func (tx *ReadTx) Has(key string) (bool, error) {
	_, ok, err := tx.Get(key)
	return ok, err
}

func (tx *ReadTx) IsEmpty() (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	return len(tx.view.Rows) == 0, nil
}

// Scan runs opts against either the primary key-space or a named index.
func (tx *ReadTx) Scan(opts ScanOptions) ([]KV, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if tx.tracked != nil {
		tx.tracked.Scans = append(tx.tracked.Scans, recordedScan{opts: opts})
	}
	if opts.IndexName == "" {
		return scanBase(tx.view.Rows, opts), nil
	}
	iv, ok := tx.view.Indexes[opts.IndexName]
	if !ok {
		return nil, ErrUnknownIndex
	}
	return scanIndex(iv, tx.view.Rows, opts), nil
}

// Close releases the transaction. Safe to call more than once.
func (tx *ReadTx) Close() error {
	tx.closed = true
	return nil
}

// WriteTx is a named mutator invocation's write transaction: the read
// surface plus put/del.
type WriteTx struct {
	store      *Store
	root       string
	parent     string
	base       *commitgraph.View
	overlay    map[string]*json.RawMessage // nil value => staged delete
	mutationID uint64
	name       string
	args       json.RawMessage
	closed     bool
}

func (tx *WriteTx) checkOpen() error {
	if tx.closed {
		return ErrTransactionClosed
	}
	return nil
}

func (tx *WriteTx) Get(key string) (json.RawMessage, bool, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, false, err
	}
	if v, ok := tx.overlay[key]; ok {
		if v == nil {
			return nil, false, nil
		}
		return *v, true, nil
	}
	v, ok := tx.base.Rows[key]
	return v, ok, nil
}

func (tx *WriteTx) Has(key string) (bool, error) {
	_, ok, err := tx.Get(key)
	return ok, err
}

func (tx *WriteTx) IsEmpty() (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	return len(tx.effectiveRows()) == 0, nil
}

// Put stages key=value, visible to subsequent reads within the same
// transaction.
func (tx *WriteTx) Put(key string, value json.RawMessage) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	tx.overlay[key] = &cp
	return nil
}

// Del stages removal of key and reports whether it existed immediately
// before this call.
func (tx *WriteTx) Del(key string) (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	existed, err := tx.Has(key)
	if err != nil {
		return false, err
	}
	tx.overlay[key] = nil
	return existed, nil
}

// Scan reads index scans against the base snapshot only: secondary-index
// maintenance for writes issued earlier in this same transaction is not
// visible to a scan issued later in the same transaction. Same-transaction
// read-your-writes is only guaranteed for base get/has, not for index
// scans mid-write.
func (tx *WriteTx) Scan(opts ScanOptions) ([]KV, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if opts.IndexName == "" {
		return scanBase(tx.effectiveRows(), opts), nil
	}
	iv, ok := tx.base.Indexes[opts.IndexName]
	if !ok {
		return nil, ErrUnknownIndex
	}
	return scanIndex(iv, tx.effectiveRows(), opts), nil
}

func (tx *WriteTx) effectiveRows() map[string]json.RawMessage {
	merged := make(map[string]json.RawMessage, len(tx.base.Rows)+len(tx.overlay))
	for k, v := range tx.base.Rows {
		merged[k] = v
	}
	for k, v := range tx.overlay {
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = *v
		}
	}
	return merged
}

// delta returns the final Put/Del ops this transaction stages, in key
// order for deterministic encoding.
func (tx *WriteTx) delta() []commitgraph.Op {
	keys := make([]string, 0, len(tx.overlay))
	for k := range tx.overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]commitgraph.Op, 0, len(keys))
	for _, k := range keys {
		v := tx.overlay[k]
		if v == nil {
			ops = append(ops, commitgraph.Op{Del: true, Key: k})
		} else {
			ops = append(ops, commitgraph.Op{Key: k, Value: *v})
		}
	}
	return ops
}

// indexDelta recomputes, for every touched key, which index entries must be
// added/removed against every live index whose key prefix matches that key.
func (tx *WriteTx) indexDelta() []commitgraph.IndexOp {
	keys := make([]string, 0, len(tx.overlay))
	for k := range tx.overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ops []commitgraph.IndexOp
	for _, k := range keys {
		oldVal, oldOK := tx.base.Rows[k]
		newPtr := tx.overlay[k]

		for name, iv := range tx.base.Indexes {
			if !hasPrefix(k, iv.Def.KeyPrefix) {
				continue
			}
			var oldEntries, newEntries []commitgraph.IndexEntry
			if oldOK {
				oldEntries = indexing.EntriesForRow(k, oldVal, iv.Def.Pointer)
			}
			if newPtr != nil {
				newEntries = indexing.EntriesForRow(k, *newPtr, iv.Def.Pointer)
			}
			ops = append(ops, diffIndexEntries(name, oldEntries, newEntries)...)
		}
	}
	return ops
}

func diffIndexEntries(index string, oldEntries, newEntries []commitgraph.IndexEntry) []commitgraph.IndexOp {
	oldSet := make(map[string]commitgraph.IndexEntry, len(oldEntries))
	for _, e := range oldEntries {
		oldSet[e.Secondary] = e
	}
	newSet := make(map[string]commitgraph.IndexEntry, len(newEntries))
	for _, e := range newEntries {
		newSet[e.Secondary] = e
	}

	var ops []commitgraph.IndexOp
	for sec, e := range oldSet {
		if _, ok := newSet[sec]; !ok {
			ops = append(ops, commitgraph.IndexOp{Del: true, Index: index, Secondary: e.Secondary, Primary: e.Primary})
		}
	}
	for sec, e := range newSet {
		if _, ok := oldSet[sec]; !ok {
			ops = append(ops, commitgraph.IndexOp{Index: index, Secondary: e.Secondary, Primary: e.Primary})
		}
	}
	return ops
}

// Commit stages this transaction's Local commit in the commit graph. It does
// not by itself publish a new head or flush the backend -- callers use
// Store.applyWriteTx (main root) or the sync engine's equivalent for the
// sync root, both of which pair this with chunkstore.SetHead + Graph.Commit
// so the chunk and the head pointer land in one atomic backend commit.
func (tx *WriteTx) Commit() (string, error) {
	if err := tx.checkOpen(); err != nil {
		return "", err
	}
	tx.closed = true
	return tx.store.graph.PutLocal(tx.parent, tx.mutationID, tx.name, tx.args, tx.delta(), tx.indexDelta(), false)
}

// Rollback discards the transaction without creating a commit.
func (tx *WriteTx) Rollback() {
	tx.closed = true
}
