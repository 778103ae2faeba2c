package syncengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/kvstore"
	"github.com/kvsync/kvsync/internal/wire"
)

type fakePuller struct {
	resp *wire.PullResponse
	err  error
}

func (f *fakePuller) Pull(ctx context.Context, req wire.PullRequest) (*wire.PullResponse, error) {
	return f.resp, f.err
}

type fakePusher struct {
	resp *wire.PushResponse
	err  error
}

func (f *fakePusher) Push(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
	return f.resp, f.err
}

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.Open(backend.NewMemory("test"))
	require.NoError(t, err)
	return store
}

func TestBeginPullAppliesPatchAndEndsNoPendingMutations(t *testing.T) {
	store := newTestStore(t)

	puller := &fakePuller{resp: &wire.PullResponse{
		LastMutationID: 0,
		Patch: []wire.Op{
			{Op: wire.OpPut, Key: "todo/1", Value: json.RawMessage(`{"title":"a"}`)},
		},
	}}
	pusher := &fakePusher{}

	engine := New(store, "client-1", "v1", puller, pusher, nil, nil)

	result, err := engine.BeginPull(context.Background())
	require.NoError(t, err)
	require.True(t, result.OK)
	require.NotEmpty(t, result.SyncHead)

	require.NoError(t, engine.MaybeEndPull(context.Background(), result))

	tx, err := store.ReadTx()
	require.NoError(t, err)
	defer tx.Close()
	v, ok, err := tx.Get("todo/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"title":"a"}`, string(v))
}

func TestBeginPullReplaysPendingMutationOntoNewSnapshot(t *testing.T) {
	store := newTestStore(t)
	store.Register("setTitle", func(tx *kvstore.WriteTx, args json.RawMessage) error {
		var a struct {
			Key, Title string
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		return tx.Put(a.Key, json.RawMessage(`"`+a.Title+`"`))
	})

	_, err := store.Invoke("setTitle", json.RawMessage(`{"key":"todo/1","title":"hello"}`))
	require.NoError(t, err)

	puller := &fakePuller{resp: &wire.PullResponse{LastMutationID: 0}}
	pusher := &fakePusher{}
	engine := New(store, "client-1", "v1", puller, pusher, nil, nil)

	result, err := engine.BeginPull(context.Background())
	require.NoError(t, err)
	require.True(t, result.OK)
	require.NotEmpty(t, result.SyncHead)

	require.NoError(t, engine.MaybeEndPull(context.Background(), result))

	tx, err := store.ReadTx()
	require.NoError(t, err)
	defer tx.Close()
	v, ok, err := tx.Get("todo/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `"hello"`, string(v))

	// The server's lastMutationID (0) never advanced past the replayed
	// mutation, so it remains pending -- only a server ack removes it.
	require.Len(t, store.MutationLog().Pending(), 1)
}

func TestMaybeEndPullAcknowledgesMutationsCoveredByServer(t *testing.T) {
	store := newTestStore(t)
	store.Register("noop", func(tx *kvstore.WriteTx, args json.RawMessage) error { return nil })

	_, err := store.Invoke("noop", json.RawMessage(`{}`))
	require.NoError(t, err)

	puller := &fakePuller{resp: &wire.PullResponse{
		LastMutationID: 1,
		Patch:          []wire.Op{{Op: wire.OpPut, Key: "todo/14323534", Value: json.RawMessage(`{"done":true}`)}},
	}}
	pusher := &fakePusher{}
	engine := New(store, "client-1", "v1", puller, pusher, nil, nil)

	result, err := engine.BeginPull(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.MaybeEndPull(context.Background(), result))

	require.Empty(t, store.MutationLog().Pending())

	tx, err := store.ReadTx()
	require.NoError(t, err)
	defer tx.Close()
	v, ok, err := tx.Get("todo/14323534")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"done":true}`, string(v))
}

func TestBeginPullEmptyWhenPatchAndPendingBothEmpty(t *testing.T) {
	store := newTestStore(t)
	puller := &fakePuller{resp: &wire.PullResponse{LastMutationID: 0}}
	pusher := &fakePusher{}
	engine := New(store, "client-1", "v1", puller, pusher, nil, nil)

	result, err := engine.BeginPull(context.Background())
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Empty(t, result.SyncHead)

	require.NoError(t, engine.MaybeEndPull(context.Background(), result))
}

func TestPushOrdersMutationsByIDAscending(t *testing.T) {
	store := newTestStore(t)
	store.Register("noop", func(tx *kvstore.WriteTx, args json.RawMessage) error { return nil })

	_, err := store.Invoke("noop", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = store.Invoke("noop", json.RawMessage(`{}`))
	require.NoError(t, err)

	var captured wire.PushRequest
	pusher := &fakePusher{resp: &wire.PushResponse{}}
	puller := &fakePuller{}
	engine := New(store, "client-1", "v1", puller, pusher, nil, nil)
	engine.pusher = pushRecorder{fakePusher: pusher, captured: &captured}

	_, err = engine.Push(context.Background())
	require.NoError(t, err)
	require.Len(t, captured.Mutations, 2)
	require.Equal(t, uint64(1), captured.Mutations[0].ID)
	require.Equal(t, uint64(2), captured.Mutations[1].ID)
}

func TestBeginPullRebuildsIndexEntriesFromPatchedRows(t *testing.T) {
	store := newTestStore(t)

	err := store.CreateIndex("by-name", "todo/", "/name")
	require.NoError(t, err)

	// todo/1 isn't touched by any pending mutation; it exists only because
	// the patch puts it with name "b". The new sync snapshot's by-name index
	// must carry an entry for "b", built from the patched rows.
	puller := &fakePuller{resp: &wire.PullResponse{
		LastMutationID: 0,
		Patch: []wire.Op{
			{Op: wire.OpPut, Key: "todo/1", Value: json.RawMessage(`{"name":"b"}`)},
		},
	}}
	pusher := &fakePusher{}
	engine := New(store, "client-1", "v1", puller, pusher, nil, nil)

	result, err := engine.BeginPull(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.MaybeEndPull(context.Background(), result))

	tx, err := store.ReadTx()
	require.NoError(t, err)
	defer tx.Close()
	rows, err := tx.Scan(kvstore.ScanOptions{IndexName: "by-name"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "b", rows[0].SecondaryKey)
}

func TestBeginPullRejectsMutationIDRegression(t *testing.T) {
	store := newTestStore(t)
	store.Register("noop", func(tx *kvstore.WriteTx, args json.RawMessage) error { return nil })

	_, err := store.Invoke("noop", json.RawMessage(`{}`))
	require.NoError(t, err)

	firstPull := &fakePuller{resp: &wire.PullResponse{LastMutationID: 1}}
	pusher := &fakePusher{}
	engine := New(store, "client-1", "v1", firstPull, pusher, nil, nil)

	result, err := engine.BeginPull(context.Background())
	require.NoError(t, err)
	require.NoError(t, engine.MaybeEndPull(context.Background(), result))

	head := store.Head()

	engine.puller = &fakePuller{resp: &wire.PullResponse{LastMutationID: 0}}
	_, err = engine.BeginPull(context.Background())
	require.ErrorIs(t, err, wire.ErrProtocol)
	require.Equal(t, head, store.Head(), "a rejected pull must not touch the sync branch or main head")
}

type pushRecorder struct {
	*fakePusher
	captured *wire.PushRequest
}

func (p pushRecorder) Push(ctx context.Context, req wire.PushRequest) (*wire.PushResponse, error) {
	*p.captured = req
	return p.fakePusher.Push(ctx, req)
}
