// Package subscribe implements incremental query re-evaluation: a
// subscription's query runs against a tracked read transaction, and is
// re-run only when a commit touches a key or index entry the query
// previously read.
package subscribe

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/kvsync/kvsync/internal/commitgraph"
	"github.com/kvsync/kvsync/internal/kvstore"
)

// QueryFunc runs against a read transaction and returns an arbitrary
// JSON-marshalable result.
type QueryFunc func(tx *kvstore.ReadTx) (interface{}, error)

// Handlers are the callbacks a subscription fires. Any of them may be nil.
type Handlers struct {
	OnData  func(data interface{})
	OnError func(err error)
	OnDone  func()
}

// Cancel stops a subscription; on_done fires exactly once, either here or
// on store close.
type Cancel func()

// Engine owns every live subscription for one store and re-evaluates them
// on every commit.
type Engine struct {
	store *kvstore.Store

	mu    sync.Mutex
	subs  map[*subscription]struct{}
	log   *logrus.Entry
	unreg func()
}

// New attaches a subscription engine to store, registering an OnCommit
// hook that drives re-evaluation.
func New(store *kvstore.Store) *Engine {
	e := &Engine{
		store: store,
		subs:  make(map[*subscription]struct{}),
		log:   logrus.WithField("component", "subscribe"),
	}
	store.OnCommit(e.onCommit)
	return e
}

type subscription struct {
	query    QueryFunc
	handlers Handlers

	mu       sync.Mutex
	readSet  *kvstore.ReadSet
	lastJSON string // canonical JSON of the last on_data payload, for deep-equality dedup
	done     bool
}

// Subscribe registers query and runs its initial evaluation asynchronously;
// the returned Cancel stops future re-evaluation and fires OnDone exactly
// once.
func (e *Engine) Subscribe(query QueryFunc, handlers Handlers) Cancel {
	sub := &subscription{query: query, handlers: handlers}

	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	go e.evaluate(sub)

	return func() {
		e.cancel(sub)
	}
}

func (e *Engine) cancel(sub *subscription) {
	e.mu.Lock()
	_, live := e.subs[sub]
	delete(e.subs, sub)
	e.mu.Unlock()
	if !live {
		return
	}
	e.fireDone(sub)
}

// Close cancels every live subscription, firing on_done for each exactly
// once.
func (e *Engine) Close() {
	e.mu.Lock()
	subs := make([]*subscription, 0, len(e.subs))
	for s := range e.subs {
		subs = append(subs, s)
	}
	e.subs = make(map[*subscription]struct{})
	e.mu.Unlock()
	for _, s := range subs {
		e.fireDone(s)
	}
}

func (e *Engine) fireDone(sub *subscription) {
	sub.mu.Lock()
	if sub.done {
		sub.mu.Unlock()
		return
	}
	sub.done = true
	sub.mu.Unlock()
	if sub.handlers.OnDone != nil {
		sub.handlers.OnDone()
	}
}

// onCommit is the store's OnCommit hook. When hash names a single commit,
// only subscriptions whose recorded read set intersects that commit's
// delta are re-evaluated; an empty hash (many commits landed at once, as
// after a pull's head swap) re-evaluates everyone. Read-set tracking is
// conservative -- it may flag a subscription that didn't really need
// re-evaluation -- so the deep-equality gate in evaluate() absorbs the
// cost of a query whose actual inputs didn't change.
func (e *Engine) onCommit(hash string) {
	e.mu.Lock()
	subs := make([]*subscription, 0, len(e.subs))
	for s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	if hash == "" {
		for _, s := range subs {
			e.evaluate(s)
		}
		return
	}

	commit, err := e.store.Graph().Get(hash)
	if err != nil {
		e.log.WithError(err).Warn("subscribe: failed to load commit for targeted re-evaluation, falling back to full pass")
		for _, s := range subs {
			e.evaluate(s)
		}
		return
	}

	for _, s := range subs {
		if affects(s, commit) {
			e.evaluate(s)
		}
	}
}

// affects reports whether sub's last recorded read set could have been
// touched by commit's delta. A subscription not yet evaluated once (nil
// read set) is always re-evaluated.
func affects(sub *subscription, commit *commitgraph.Commit) bool {
	sub.mu.Lock()
	rs := sub.readSet
	sub.mu.Unlock()
	if rs == nil {
		return true
	}
	for _, op := range commit.Delta {
		if rs.Matches(op.Key, "", "") {
			return true
		}
	}
	for _, iop := range commit.IndexDelta {
		if rs.Matches(iop.Primary, iop.Index, iop.Secondary) {
			return true
		}
	}
	if commit.Created != nil || commit.DroppedName != "" {
		return true
	}
	return false
}

func (e *Engine) evaluate(sub *subscription) {
	sub.mu.Lock()
	if sub.done {
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()

	tx, readSet, err := e.store.TrackedReadTx()
	if err != nil {
		e.reportError(sub, err)
		return
	}
	defer tx.Close()

	result, err := e.runQuery(sub, tx)
	if err != nil {
		e.reportError(sub, err)
		return
	}

	sub.mu.Lock()
	sub.readSet = readSet
	sub.mu.Unlock()

	encoded, err := json.Marshal(result)
	if err != nil {
		e.reportError(sub, fmt.Errorf("subscribe: encode query result: %w", err))
		return
	}

	sub.mu.Lock()
	changed := sub.lastJSON == "" || !jsonEqual(sub.lastJSON, string(encoded))
	if changed {
		sub.lastJSON = string(encoded)
	}
	sub.mu.Unlock()

	if changed && sub.handlers.OnData != nil {
		sub.handlers.OnData(result)
	}
}

func (e *Engine) runQuery(sub *subscription, tx *kvstore.ReadTx) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscribe: query panicked: %v", r)
		}
	}()
	return sub.query(tx)
}

func (e *Engine) reportError(sub *subscription, err error) {
	e.log.WithError(err).Warn("subscription query failed")
	if sub.handlers.OnError != nil {
		sub.handlers.OnError(err)
	}
}

// jsonEqual compares two already-marshaled JSON documents structurally
// (order-insensitive for objects), via deep decode-and-diff rather than
// byte comparison.
func jsonEqual(a, b string) bool {
	if a == b {
		return true
	}
	var va, vb interface{}
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		return false
	}
	return cmp.Equal(va, vb)
}
