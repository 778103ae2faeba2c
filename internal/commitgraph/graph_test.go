package commitgraph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvsync/kvsync/internal/backend"
	"github.com/kvsync/kvsync/internal/chunkstore"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	be := backend.NewMemory("test")
	return New(chunkstore.New(be))
}

func TestSnapshotAndLocalMutationIDs(t *testing.T) {
	g := newTestGraph(t)

	root, err := g.PutSnapshot(json.RawMessage(`null`), 0, map[string]json.RawMessage{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	c1, err := g.PutLocal(root, 1, "createTodo", json.RawMessage(`{}`), []Op{{Key: "todo/1", Value: json.RawMessage(`true`)}}, nil, false)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	c2, err := g.PutLocal(c1, 2, "createTodo", json.RawMessage(`{}`), []Op{{Key: "todo/2", Value: json.RawMessage(`true`)}}, nil, false)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	commit2, err := g.Get(c2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), commit2.MaxMutationID)

	pending, err := g.Pending(c2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, uint64(1), pending[0].MutationID)
	require.Equal(t, uint64(2), pending[1].MutationID)
}

func TestRejectsNonSequentialMutationID(t *testing.T) {
	g := newTestGraph(t)
	root, err := g.PutSnapshot(nil, 0, map[string]json.RawMessage{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	_, err = g.PutLocal(root, 5, "x", json.RawMessage(`{}`), nil, nil, false)
	require.Error(t, err)
}

func TestMaterializeAppliesDeltaInOrder(t *testing.T) {
	g := newTestGraph(t)
	root, err := g.PutSnapshot(nil, 0, map[string]json.RawMessage{"a": json.RawMessage(`1`)}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	c1, err := g.PutLocal(root, 1, "setA", json.RawMessage(`{}`), []Op{{Key: "a", Value: json.RawMessage(`2`)}}, nil, false)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	c2, err := g.PutLocal(c1, 2, "delA", json.RawMessage(`{}`), []Op{{Del: true, Key: "a"}}, nil, false)
	require.NoError(t, err)
	require.NoError(t, g.Commit())

	view, err := g.Materialize(c2)
	require.NoError(t, err)
	_, ok := view.Rows["a"]
	require.False(t, ok)

	view1, err := g.Materialize(c1)
	require.NoError(t, err)
	require.JSONEq(t, `2`, string(view1.Rows["a"]))
}
