// Package kvstore implements the transactional store and secondary index
// manager: named read/write transactions over a commitgraph.Graph, with
// rwlock-style ordering between writers and new readers.
package kvstore

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/chunkstore"
	"github.com/kvsync/kvsync/internal/commitgraph"
	"github.com/kvsync/kvsync/internal/indexing"
	"github.com/kvsync/kvsync/internal/mutationlog"
)

const mainRoot = "main"

// Mutator is a registered write procedure that an application invokes by
// name.
type Mutator func(tx *WriteTx, args json.RawMessage) error

// Store is the transactional store plus index manager plus mutation log,
// minus anything sync/network related (that lives in internal/syncengine,
// which drives this type's BeginBranchWriteTx/ApplyBranchWriteTx and
// MutationLog().AckUpTo to rebase pending mutations onto a new snapshot).
type Store struct {
	be     backend.Backend
	chunks *chunkstore.Store
	graph  *commitgraph.Graph
	mutlog *mutationlog.Log

	// writeMu serializes write transactions on the main root; a ReadTx
	// barrier-locks it at begin time so a read started while a write is
	// in flight waits for that write to finish and then observes its
	// effect.
	writeMu sync.Mutex

	headMu sync.RWMutex
	head   string
	view   *commitgraph.View

	mutatorsMu sync.RWMutex
	mutators   map[string]Mutator

	commitHooksMu sync.Mutex
	commitHooks   []CommitHook

	closedMu sync.Mutex
	closed   bool

	log *logrus.Entry
}

// Open attaches to (or initializes) the store behind be.
func Open(be backend.Backend) (*Store, error) {
	chunks := chunkstore.New(be)
	graph := commitgraph.New(chunks)

	s := &Store{
		be:       be,
		chunks:   chunks,
		graph:    graph,
		mutlog:   mutationlog.New(),
		mutators: make(map[string]Mutator),
		log:      logrus.WithField("component", "kvstore").WithField("store", be.Name()),
	}

	head, ok, err := chunks.Head(mainRoot)
	if err != nil {
		return nil, err
	}
	if !ok {
		hash, err := graph.PutSnapshot(json.RawMessage(`null`), 0, map[string]json.RawMessage{}, nil, nil)
		if err != nil {
			return nil, err
		}
		if err := chunks.SetHead(mainRoot, hash); err != nil {
			return nil, err
		}
		if err := graph.Commit(); err != nil {
			return nil, err
		}
		head = hash
		s.log.Info("initialized empty store")
	}

	view, err := graph.Materialize(head)
	if err != nil {
		return nil, err
	}
	s.head = head
	s.view = view

	pending, err := graph.Pending(head)
	if err != nil {
		return nil, err
	}
	chain, err := graph.Chain(head)
	if err != nil {
		return nil, err
	}
	// Seed from the chain's snapshot first: mutations already acknowledged
	// into it must never be handed out again, even when there is currently
	// nothing pending.
	maxID := chain[0].MaxMutationID
	mutations := make([]mutationlog.Mutation, 0, len(pending))
	for _, c := range pending {
		mutations = append(mutations, mutationlog.Mutation{ID: c.MutationID, Name: c.MutatorName, Args: c.MutatorArgs})
		if c.MutationID > maxID {
			maxID = c.MutationID
		}
	}
	s.mutlog.Restore(mutations, maxID)

	return s, nil
}

// Register installs a named mutator under name.
func (s *Store) Register(name string, fn Mutator) {
	s.mutatorsMu.Lock()
	defer s.mutatorsMu.Unlock()
	s.mutators[name] = fn
}

// Lookup returns a registered mutator by name, for internal/syncengine's
// replay path.
func (s *Store) Lookup(name string) (Mutator, bool) {
	s.mutatorsMu.RLock()
	defer s.mutatorsMu.RUnlock()
	fn, ok := s.mutators[name]
	return fn, ok
}

// CommitHook is invoked after a commit lands on main. hash is the specific
// commit that just landed, or "" when many commits landed at once (a pull
// end's head swap) and the hook should treat every read as potentially
// affected.
type CommitHook func(hash string)

// OnCommit registers a callback invoked synchronously, in registration
// order, after every successful main-root commit or pull-end head swap.
func (s *Store) OnCommit(fn CommitHook) {
	s.commitHooksMu.Lock()
	defer s.commitHooksMu.Unlock()
	s.commitHooks = append(s.commitHooks, fn)
}

func (s *Store) fireCommitHooks(hash string) {
	s.commitHooksMu.Lock()
	hooks := append([]CommitHook{}, s.commitHooks...)
	s.commitHooksMu.Unlock()
	for _, h := range hooks {
		h(hash)
	}
}

func (s *Store) isClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

// ReadTx opens a point-in-time read transaction. A read taken while a write
// is in flight queues behind it and observes the post-write state.
func (s *Store) ReadTx() (*ReadTx, error) {
	return s.readTx(nil)
}

// TrackedReadTx is like ReadTx but also returns a ReadSet recording every
// key/index-entry the transaction touches, for internal/subscribe.
func (s *Store) TrackedReadTx() (*ReadTx, *ReadSet, error) {
	rs := newReadSet()
	tx, err := s.readTx(rs)
	return tx, rs, err
}

func (s *Store) readTx(rs *ReadSet) (*ReadTx, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	s.writeMu.Lock()
	s.writeMu.Unlock() //nolint:staticcheck // intentional barrier, see writeMu's doc comment
	s.headMu.RLock()
	view := s.view
	s.headMu.RUnlock()
	return &ReadTx{store: s, view: view, tracked: rs}, nil
}

// Invoke runs the named mutator in a write transaction rooted at the
// current head, and on success assigns the next mutation id, appends the
// mutation to the pending log and fires subscription re-evaluation. A
// mutator error never appends a local commit.
func (s *Store) Invoke(name string, args json.RawMessage) (uint64, error) {
	if s.isClosed() {
		return 0, ErrStoreClosed
	}
	fn, ok := s.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMutator, name)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.headMu.RLock()
	base, parent := s.view, s.head
	s.headMu.RUnlock()

	tx := &WriteTx{store: s, root: mainRoot, parent: parent, base: base, overlay: map[string]*json.RawMessage{}, name: name, args: args}

	if err := s.RunMutator(fn, tx, args); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("%w: %v", ErrMutatorFailed, err)
	}

	// The id is taken only once the mutator has succeeded, so a failed
	// mutator leaves the next id at parent.MaxMutationID+1.
	mutationID := s.mutlog.NextID()
	tx.mutationID = mutationID

	hash, err := s.applyWriteTx(tx)
	if err != nil {
		return 0, err
	}

	s.mutlog.Append(mutationlog.Mutation{ID: mutationID, Name: name, Args: args})
	s.log.WithField("mutation_id", mutationID).WithField("mutator", name).Debug("invoked mutator")
	s.fireCommitHooks(hash)
	return mutationID, nil
}

// RunMutator invokes fn against tx, converting a panic into an error so one
// misbehaving mutator can't take down the caller (the replay path in
// internal/syncengine relies on this to mark a replayed mutation errored
// instead of crashing).
func (s *Store) RunMutator(fn Mutator, tx *WriteTx, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mutator panicked: %v", r)
		}
	}()
	return fn(tx, args)
}

// applyWriteTx stages tx's Local commit, publishes the new head pointer for
// tx.root, and flushes the backend -- one atomic commit covering both the
// chunk and the head pointer. For the main root it also republishes the
// in-memory materialized view.
func (s *Store) applyWriteTx(tx *WriteTx) (string, error) {
	hash, err := tx.Commit()
	if err != nil {
		return "", err
	}
	if err := s.chunks.SetHead(tx.root, hash); err != nil {
		return "", err
	}
	if err := s.graph.Commit(); err != nil {
		return "", err
	}
	if tx.root == mainRoot {
		view, err := s.graph.Materialize(hash)
		if err != nil {
			return "", err
		}
		s.headMu.Lock()
		s.head = hash
		s.view = view
		s.headMu.Unlock()
	}
	return hash, nil
}

// BeginBranchWriteTx opens a write transaction rooted at an arbitrary
// parent commit on an arbitrary named branch (used by internal/syncengine
// to replay pending mutations onto a freshly pulled sync snapshot, never
// touching the main head).
func (s *Store) BeginBranchWriteTx(root, parent string, mutationID uint64, name string, args json.RawMessage) (*WriteTx, error) {
	base, err := s.graph.Materialize(parent)
	if err != nil {
		return nil, err
	}
	return &WriteTx{store: s, root: root, parent: parent, base: base, overlay: map[string]*json.RawMessage{}, mutationID: mutationID, name: name, args: args}, nil
}

// ApplyBranchWriteTx is BeginBranchWriteTx's commit counterpart, exported
// for internal/syncengine.
func (s *Store) ApplyBranchWriteTx(tx *WriteTx) (string, error) {
	return s.applyWriteTx(tx)
}

// AppendErroredReplay records a replayed mutation that failed: the commit
// is still appended, preserving ordering, but carries no delta and is
// marked errored.
func (s *Store) AppendErroredReplay(root, parent string, mutationID uint64, name string, args json.RawMessage) (string, error) {
	hash, err := s.graph.PutLocal(parent, mutationID, name, args, nil, nil, true)
	if err != nil {
		return "", err
	}
	if err := s.chunks.SetHead(root, hash); err != nil {
		return "", err
	}
	if err := s.graph.Commit(); err != nil {
		return "", err
	}
	return hash, nil
}

// CreateIndex builds a new secondary index by scanning every row under
// keyPrefix. Fails with ErrIndexExists on name reuse.
func (s *Store) CreateIndex(name, keyPrefix, pointer string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.headMu.RLock()
	base, parent := s.view, s.head
	s.headMu.RUnlock()

	if _, exists := base.Indexes[name]; exists {
		return fmt.Errorf("%w: %s", ErrIndexExists, name)
	}

	entries, err := indexing.Build(base.Rows, keyPrefix, pointer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPointer, err)
	}

	hash, err := s.graph.PutIndexChange(parent, &commitgraph.IndexDefinition{Name: name, KeyPrefix: keyPrefix, Pointer: pointer}, entries, "")
	if err != nil {
		return err
	}
	return s.publishIndexCommit(hash)
}

// DropIndex removes a live index; subsequent scans against it fail with
// ErrUnknownIndex.
func (s *Store) DropIndex(name string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.headMu.RLock()
	base, parent := s.view, s.head
	s.headMu.RUnlock()

	if _, exists := base.Indexes[name]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownIndex, name)
	}

	hash, err := s.graph.PutIndexChange(parent, nil, nil, name)
	if err != nil {
		return err
	}
	return s.publishIndexCommit(hash)
}

func (s *Store) publishIndexCommit(hash string) error {
	if err := s.chunks.SetHead(mainRoot, hash); err != nil {
		return err
	}
	if err := s.graph.Commit(); err != nil {
		return err
	}
	view, err := s.graph.Materialize(hash)
	if err != nil {
		return err
	}
	s.headMu.Lock()
	s.head = hash
	s.view = view
	s.headMu.Unlock()
	s.fireCommitHooks(hash)
	return nil
}

// Head returns the current main head hash.
func (s *Store) Head() string {
	s.headMu.RLock()
	defer s.headMu.RUnlock()
	return s.head
}

// Graph exposes the underlying commit graph for internal/syncengine.
func (s *Store) Graph() *commitgraph.Graph { return s.graph }

// Chunks exposes the chunk/head store for internal/syncengine.
func (s *Store) Chunks() *chunkstore.Store { return s.chunks }

// MutationLog exposes the pending mutation log for internal/syncengine.
func (s *Store) MutationLog() *mutationlog.Log { return s.mutlog }

// SwapMainHead atomically repoints "main" at hash and republishes the
// in-memory view; used by the sync engine's maybeEndPull. Commit hooks
// fire with hash="" since an arbitrary number of commits may have landed
// between the old and new head.
func (s *Store) SwapMainHead(hash string) error {
	if err := s.chunks.SetHead(mainRoot, hash); err != nil {
		return err
	}
	if err := s.graph.Commit(); err != nil {
		return err
	}
	view, err := s.graph.Materialize(hash)
	if err != nil {
		return err
	}
	s.headMu.Lock()
	s.head = hash
	s.view = view
	s.headMu.Unlock()
	s.fireCommitHooks("")
	return nil
}

// LockForSync acquires the exclusive write barrier used by maybeEndPull's
// compare-and-swap so an app write can't land between "read main head" and
// "swap main head".
func (s *Store) LockForSync() func() {
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

// Close completes outstanding state and releases the backend. Further
// transactions fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.closedMu.Lock()
	if s.closed {
		s.closedMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.be.Close()
}
