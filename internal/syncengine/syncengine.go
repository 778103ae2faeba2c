// Package syncengine drives the begin-pull / maybe-end-pull state machine
// that rebases pending local mutations onto a freshly pulled server
// snapshot, plus push collection and mutation-ID accounting.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/kvsync/kvsync/internal/commitgraph"
	"github.com/kvsync/kvsync/internal/indexing"
	"github.com/kvsync/kvsync/internal/kvstore"
	"github.com/kvsync/kvsync/internal/mutationlog"
	"github.com/kvsync/kvsync/internal/syncclient"
	"github.com/kvsync/kvsync/internal/wire"
)

const syncRoot = "sync"

// maxReauthAttempts bounds retries after a 401 within one push or pull
// cycle, per attempt.
const maxReauthAttempts = 8

var errTooManyReauths = errors.New("syncengine: tried to reauthenticate too many times")

// Engine owns the clientID, schema version, and puller/pusher used to
// reach the remote server, and exposes BeginPull/MaybeEndPull/Push to the
// connection loop.
type Engine struct {
	store         *kvstore.Store
	clientID      string
	schemaVersion string
	puller        syncclient.Puller
	pusher        syncclient.Pusher
	pullAuth      *syncclient.CachedAuth
	pushAuth      *syncclient.CachedAuth
	log           *logrus.Entry

	// onReauth, if set, is called with "pull" or "push" every time a 401
	// invalidates that direction's cached credential, for metrics reporting.
	onReauth func(direction string)
}

// SetOnReauth installs fn as the reauth-observed callback; nil clears it.
func (e *Engine) SetOnReauth(fn func(direction string)) {
	e.onReauth = fn
}

func New(store *kvstore.Store, clientID, schemaVersion string, puller syncclient.Puller, pusher syncclient.Pusher, pullAuth, pushAuth *syncclient.CachedAuth) *Engine {
	return &Engine{
		store:         store,
		clientID:      clientID,
		schemaVersion: schemaVersion,
		puller:        puller,
		pusher:        pusher,
		pullAuth:      pullAuth,
		pushAuth:      pushAuth,
		log:           logrus.WithField("component", "syncengine"),
	}
}

// BeginPullResult is the outcome of one beginPull invocation; pass it
// unmodified to MaybeEndPull.
type BeginPullResult struct {
	RequestID string
	SyncHead  string // empty means "nothing to do"
	OK        bool

	baseHead       string
	lastMutationID uint64
}

// BeginPull fetches a patch relative to the current snapshot's cookie,
// applies it to that snapshot's rows to form a new sync snapshot, and
// replays every pending mutation not yet covered by the response's
// lastMutationID onto that snapshot.
func (e *Engine) BeginPull(ctx context.Context) (BeginPullResult, error) {
	requestID := ulid.Make().String()
	result := BeginPullResult{RequestID: requestID}

	baseHead := e.store.Head()
	result.baseHead = baseHead

	chain, err := e.store.Graph().Chain(baseHead)
	if err != nil {
		return result, err
	}
	snapshot := chain[0]

	view, err := e.store.Graph().Materialize(baseHead)
	if err != nil {
		return result, err
	}

	req := wire.PullRequest{
		ClientID:       e.clientID,
		BaseStateID:    baseHead,
		Cookie:         snapshot.Cookie,
		LastMutationID: snapshot.LastMutationID,
		PullVersion:    wire.PullVersion,
		SchemaVersion:  e.schemaVersion,
	}

	resp, err := e.callPull(ctx, req)
	if err != nil {
		return result, err
	}
	if resp.LastMutationID < snapshot.LastMutationID {
		return result, fmt.Errorf("%w: server lastMutationId %d regressed below snapshot's %d", wire.ErrProtocol, resp.LastMutationID, snapshot.LastMutationID)
	}

	newRows := make(map[string]json.RawMessage, len(snapshot.BaseRows))
	for k, v := range snapshot.BaseRows {
		newRows[k] = v
	}
	applyPatch(newRows, resp.Patch)

	indexDefs, indexEntries, err := snapshotIndexArgs(view, newRows)
	if err != nil {
		return result, err
	}

	syncSnapshotHash, err := e.store.Graph().PutSnapshot(resp.Cookie, resp.LastMutationID, newRows, indexDefs, indexEntries)
	if err != nil {
		return result, err
	}
	if err := e.store.Chunks().SetHead(syncRoot, syncSnapshotHash); err != nil {
		return result, err
	}
	if err := e.store.Graph().Commit(); err != nil {
		return result, err
	}

	result.lastMutationID = resp.LastMutationID

	pending := pendingAfter(e.store.MutationLog().Pending(), resp.LastMutationID)
	curHead := syncSnapshotHash
	for _, m := range pending {
		curHead = e.replayOne(syncRoot, curHead, m)
	}

	if len(resp.Patch) == 0 && len(pending) == 0 && resp.LastMutationID == snapshot.LastMutationID {
		result.OK = true
		return result, nil
	}

	result.SyncHead = curHead
	result.OK = true
	return result, nil
}

// MaybeEndPull validates the main head hasn't diverged since BeginPull ran
// (replaying any mutations committed in the meantime), then atomically
// swaps main to the sync head and acknowledges every mutation with id <=
// the pull's lastMutationID.
func (e *Engine) MaybeEndPull(ctx context.Context, result BeginPullResult) error {
	if result.SyncHead == "" {
		return nil
	}

	unlock := e.store.LockForSync()
	defer unlock()

	currentHead := e.store.Head()
	syncHead := result.SyncHead

	if currentHead != result.baseHead {
		extra, err := e.store.Graph().Pending(currentHead)
		if err != nil {
			return err
		}
		syncCommit, err := e.store.Graph().Get(syncHead)
		if err != nil {
			return err
		}
		for _, c := range extra {
			if c.MutationID <= syncCommit.MaxMutationID {
				continue
			}
			syncHead = e.replayOne(syncRoot, syncHead, mutationlog.Mutation{ID: c.MutationID, Name: c.MutatorName, Args: c.MutatorArgs})
		}
	}

	if err := e.store.SwapMainHead(syncHead); err != nil {
		return err
	}
	e.store.MutationLog().AckUpTo(result.lastMutationID)
	_ = e.store.Chunks().DropHead(syncRoot)
	return e.store.Chunks().Commit()
}

// replayOne invokes the named mutator with its originally stored args,
// against a branch write transaction rooted at parent; a failure is still
// appended to the chain, marked errored, so ordering survives a flaky
// replay.
func (e *Engine) replayOne(root, parent string, m mutationlog.Mutation) string {
	fn, ok := e.store.Lookup(m.Name)
	if !ok {
		e.log.WithField("mutator", m.Name).Warn("replay: unknown mutator, recording as errored")
		hash, err := e.store.AppendErroredReplay(root, parent, m.ID, m.Name, m.Args)
		if err != nil {
			e.log.WithError(err).Error("replay: failed to append errored commit")
			return parent
		}
		return hash
	}

	tx, err := e.store.BeginBranchWriteTx(root, parent, m.ID, m.Name, m.Args)
	if err != nil {
		e.log.WithError(err).Error("replay: failed to open branch write transaction")
		return parent
	}

	if err := e.store.RunMutator(fn, tx, m.Args); err != nil {
		tx.Rollback()
		e.log.WithError(err).WithField("mutation_id", m.ID).Warn("replay: mutator failed, recording as errored")
		hash, err := e.store.AppendErroredReplay(root, parent, m.ID, m.Name, m.Args)
		if err != nil {
			e.log.WithError(err).Error("replay: failed to append errored commit")
			return parent
		}
		return hash
	}

	hash, err := e.store.ApplyBranchWriteTx(tx)
	if err != nil {
		e.log.WithError(err).Error("replay: failed to commit branch write transaction")
		return parent
	}
	return hash
}

// Push collects every pending mutation and sends them in one batch, id
// ascending. The pending log is never modified here -- only a subsequent
// pull's lastMutationID removes entries.
func (e *Engine) Push(ctx context.Context) (*wire.PushResponse, error) {
	pending := e.store.MutationLog().Pending()
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	muts := make([]wire.MutationRequest, 0, len(pending))
	for _, m := range pending {
		muts = append(muts, wire.MutationRequest{ID: m.ID, Name: m.Name, Args: m.Args})
	}

	req := wire.PushRequest{
		ClientID:      e.clientID,
		Mutations:     muts,
		PushVersion:   wire.PushVersion,
		SchemaVersion: e.schemaVersion,
	}

	resp, err := e.callPush(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, info := range resp.MutationInfos {
		if info.Error != "" {
			e.log.WithField("mutation_id", info.ID).WithField("error", info.Error).Warn("push: server reported per-mutation error")
		}
	}
	return resp, nil
}

func (e *Engine) callPull(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error) {
	for attempt := 0; attempt < maxReauthAttempts; attempt++ {
		resp, err := e.puller.Pull(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, wire.ErrUnauthorized) {
			return nil, err
		}
		if e.pullAuth != nil {
			e.pullAuth.Invalidate()
		}
		if e.onReauth != nil {
			e.onReauth("pull")
		}
	}
	e.log.Error("Tried to reauthenticate too many times")
	return nil, fmt.Errorf("%w: %v", wire.ErrReauthLimit, errTooManyReauths)
}

func (e *Engine) callPush(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
	for attempt := 0; attempt < maxReauthAttempts; attempt++ {
		resp, err := e.pusher.Push(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, wire.ErrUnauthorized) {
			return nil, err
		}
		if e.pushAuth != nil {
			e.pushAuth.Invalidate()
		}
		if e.onReauth != nil {
			e.onReauth("push")
		}
	}
	e.log.Error("Tried to reauthenticate too many times")
	return nil, fmt.Errorf("%w: %v", wire.ErrReauthLimit, errTooManyReauths)
}

// applyPatch applies patch ops in array order; a del with an empty key
// clears every row first.
func applyPatch(rows map[string]json.RawMessage, patch []wire.Op) {
	for _, op := range patch {
		switch op.Op {
		case wire.OpDel:
			if op.Key == "" {
				for k := range rows {
					delete(rows, k)
				}
				continue
			}
			delete(rows, op.Key)
		case wire.OpPut:
			rows[op.Key] = op.Value
		}
	}
}

// snapshotIndexArgs reformats view's live index definitions into the
// definition list PutSnapshot expects, with entries rebuilt from rows
// (the patched, post-pull row set) rather than reused from view -- any row
// the patch touched but no replayed mutation re-touched must not carry its
// pre-patch index entries into the new snapshot.
func snapshotIndexArgs(view *commitgraph.View, rows map[string]json.RawMessage) ([]commitgraph.IndexDefinition, map[string][]commitgraph.IndexEntry, error) {
	var defs []commitgraph.IndexDefinition
	entries := make(map[string][]commitgraph.IndexEntry, len(view.Indexes))
	for name, iv := range view.Indexes {
		defs = append(defs, iv.Def)
		list, err := indexing.Build(rows, iv.Def.KeyPrefix, iv.Def.Pointer)
		if err != nil {
			return nil, nil, err
		}
		entries[name] = list
	}
	return defs, entries, nil
}

// pendingAfter filters mutations to those with id > lastMutationID,
// ascending.
func pendingAfter(mutations []mutationlog.Mutation, lastMutationID uint64) []mutationlog.Mutation {
	sort.Slice(mutations, func(i, j int) bool { return mutations[i].ID < mutations[j].ID })
	var out []mutationlog.Mutation
	for _, m := range mutations {
		if m.ID > lastMutationID {
			out = append(out, m)
		}
	}
	return out
}
